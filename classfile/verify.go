package classfile

import (
	"errors"
	"fmt"
)

// Verify checks every method of the class for structural validity: resolvable
// labels and handler ranges, consistent stack depth and value types at every
// reachable instruction, declared limits, and marks that precede an invoke.
func Verify(c *Class) error {
	if c.Name == "" {
		return errors.New("verify: class has no name")
	}
	seen := make(map[string]bool, len(c.Methods))
	var errs []error
	for _, m := range c.Methods {
		sig := m.Signature()
		if seen[sig] {
			errs = append(errs, fmt.Errorf("verify %s: duplicate method", sig))
			continue
		}
		seen[sig] = true
		if err := VerifyMethod(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// VerifyMethod checks a single method.
func VerifyMethod(m *Method) error {
	bodyless := m.Flags&(AccAbstract|AccNative) != 0
	if bodyless {
		if m.HasCode() {
			return &VerifyError{Method: m.Signature(), Index: -1, Msg: "abstract or native method has code"}
		}
		if _, err := ParseDescriptor(m.Desc); err != nil {
			return &VerifyError{Method: m.Signature(), Index: -1, Msg: err.Error()}
		}
		return nil
	}
	if !m.HasCode() {
		return &VerifyError{Method: m.Signature(), Index: -1, Msg: "method has no code"}
	}

	a, err := Analyze(m)
	if err != nil {
		return err
	}
	if a.MaxStack > int(m.MaxStack) {
		return &VerifyError{Method: m.Signature(), Index: -1, Msg: fmt.Sprintf("stack depth %d exceeds max stack %d", a.MaxStack, m.MaxStack)}
	}
	if a.MaxLocals > int(m.MaxLocals) {
		return &VerifyError{Method: m.Signature(), Index: -1, Msg: fmt.Sprintf("uses %d locals, max locals is %d", a.MaxLocals, m.MaxLocals)}
	}
	for i, ins := range m.Code {
		if ins.Op != OpMark {
			continue
		}
		if _, ok := NextInvoke(m.Code, i); !ok {
			return &VerifyError{Method: m.Signature(), Index: i, Op: ins.Op, Msg: "mark not followed by an invoke"}
		}
	}
	for hi, h := range m.Handlers {
		t := a.CFG.LabelIndex[h.Target]
		if a.Frames[t] == nil {
			continue
		}
		if len(a.Frames[t].Stack) != 1 {
			return &VerifyError{Method: m.Signature(), Index: t, Op: OpLabel, Msg: fmt.Sprintf("handler %d entered with stack depth %d", hi, len(a.Frames[t].Stack))}
		}
	}
	return nil
}

// ComputeMaxs recomputes MaxStack and raises MaxLocals to cover every slot the body uses.
func ComputeMaxs(m *Method) error {
	if !m.HasCode() {
		return nil
	}
	a, err := Analyze(m)
	if err != nil {
		return err
	}
	m.MaxStack = uint32(a.MaxStack)
	m.MaxLocals = max(m.MaxLocals, uint32(a.MaxLocals))
	return nil
}

// NextInvoke returns the index of the invoke that a mark at i tags, skipping labels.
func NextInvoke(code []Instruction, i int) (int, bool) {
	for j := i + 1; j < len(code); j++ {
		switch {
		case code[j].Op == OpLabel:
			continue
		case code[j].Op.IsInvoke():
			return j, true
		default:
			return 0, false
		}
	}
	return 0, false
}
