package pass

import (
	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/instrument/internal/engine"
)

// Instrumenter rewrites every method with tagged calls. With Check set the
// whole class is verified afterwards, untagged methods included.
type Instrumenter struct {
	Transformer *engine.Transformer
	Check       bool
}

func (Instrumenter) Name() string        { return "instrumented" }
func (Instrumenter) Phase() errors.Phase { return errors.PhaseInstrument }

// Run rewrites the tagged methods of c.
func (p Instrumenter) Run(st *State, c *classfile.Class) error {
	for _, m := range c.Methods {
		sig := m.Signature()
		if st.Tagged[sig] == 0 {
			continue
		}
		res, err := p.Transformer.TransformMethod(c.Name, m)
		if err != nil {
			return errors.Rewrite(c.Name, sig, err)
		}
		st.Results[sig] = res
	}
	if p.Check {
		if err := classfile.Verify(c); err != nil {
			return errors.New(errors.PhaseInstrument, errors.KindRewrite).
				Class(c.Name).Cause(err).Detail("verification failed").Build()
		}
	}
	return nil
}
