package pass

import (
	"slices"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
)

// Labeler tags every call to a suspendable or possibly suspendable method
// with a mark carrying the call's ordinal within its method.
type Labeler struct{}

func (Labeler) Name() string        { return "labeled" }
func (Labeler) Phase() errors.Phase { return errors.PhaseLabel }

// Run classifies the class's own methods and every invoke target.
// Constructors are never tagged.
func (Labeler) Run(st *State, c *classfile.Class) error {
	ce := st.DB.Observe(c)

	for _, m := range c.Methods {
		if _, err := st.DB.Classify(c.Ref(m)); err != nil {
			return err
		}
	}

	for _, m := range c.Methods {
		if !m.HasCode() {
			continue
		}
		sig := m.Signature()
		var (
			code = make([]classfile.Instruction, 0, len(m.Code))
			n    uint32
		)
		for _, ins := range m.Code {
			if ins.Op == classfile.OpMark {
				return errors.Inconsistent(errors.PhaseLabel, c.Name, sig, "input already carries call-site marks")
			}
			if ref, ok := ins.Method(); ok {
				v, err := st.DB.Classify(ref)
				if err != nil {
					return err
				}
				if v.MaySuspend() {
					if m.IsConstructor() {
						st.warnf("%s.%s: call to suspendable %s in a constructor is not instrumented", c.Name, sig, ref)
					} else {
						code = append(code, classfile.Mark(n))
						n++
					}
				}
			}
			code = append(code, ins)
		}
		if n == 0 {
			continue
		}
		m.Code = slices.Clip(code)
		m.Offsets = nil
		st.Tagged[sig] = int(n)
		ce.SetRequiresInstrumentation()
	}
	return nil
}
