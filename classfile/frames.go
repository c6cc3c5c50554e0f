package classfile

import (
	"fmt"
	"slices"
)

// VerifyError reports a structural problem found while analyzing a method body.
type VerifyError struct {
	Method string
	Msg    string
	Index  int
	Op     Opcode
}

func (e *VerifyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("verify %s: %s", e.Method, e.Msg)
	}
	return fmt.Sprintf("verify %s: instruction %d (%s): %s", e.Method, e.Index, e.Op, e.Msg)
}

// CFG holds the control-flow edges of a method body, indexed by instruction.
type CFG struct {
	LabelIndex map[Label]int
	// Succ lists normal successors; Catch lists handler entries reachable on exception.
	Succ  [][]int
	Catch [][]int
}

// BuildCFG resolves labels and computes successor edges for m's body.
func BuildCFG(m *Method) (*CFG, error) {
	fail := func(i int, format string, args ...any) error {
		e := &VerifyError{Method: m.Signature(), Index: i, Msg: fmt.Sprintf(format, args...)}
		if i >= 0 && i < len(m.Code) {
			e.Op = m.Code[i].Op
		}
		return e
	}

	n := len(m.Code)
	g := &CFG{
		LabelIndex: make(map[Label]int),
		Succ:       make([][]int, n),
		Catch:      make([][]int, n),
	}
	for i, ins := range m.Code {
		if !ins.validImm() {
			return nil, fail(i, "malformed immediate %T", ins.Imm)
		}
		if l, ok := ins.Label(); ok {
			if _, dup := g.LabelIndex[l]; dup {
				return nil, fail(i, "label L%d defined twice", l)
			}
			g.LabelIndex[l] = i
		}
	}
	resolve := func(i int, l Label) (int, error) {
		idx, ok := g.LabelIndex[l]
		if !ok {
			return 0, fail(i, "undefined label L%d", l)
		}
		return idx, nil
	}

	for i, ins := range m.Code {
		if ins.Op.IsBranch() {
			for _, l := range ins.Targets() {
				t, err := resolve(i, l)
				if err != nil {
					return nil, err
				}
				if !slices.Contains(g.Succ[i], t) {
					g.Succ[i] = append(g.Succ[i], t)
				}
			}
		}
		if !ins.Op.EndsBlock() {
			if i+1 >= n {
				return nil, fail(i, "control falls off end of code")
			}
			if !slices.Contains(g.Succ[i], i+1) {
				g.Succ[i] = append(g.Succ[i], i+1)
			}
		}
	}

	for hi, h := range m.Handlers {
		start, err := resolve(-1, h.Start)
		if err != nil {
			return nil, fail(-1, "handler %d: undefined start label L%d", hi, h.Start)
		}
		end, err := resolve(-1, h.End)
		if err != nil {
			return nil, fail(-1, "handler %d: undefined end label L%d", hi, h.End)
		}
		target, err := resolve(-1, h.Target)
		if err != nil {
			return nil, fail(-1, "handler %d: undefined target label L%d", hi, h.Target)
		}
		if start >= end {
			return nil, fail(-1, "handler %d: empty or inverted range", hi)
		}
		for i := start; i < end; i++ {
			if m.Code[i].Op == OpLabel {
				continue
			}
			if !slices.Contains(g.Catch[i], target) {
				g.Catch[i] = append(g.Catch[i], target)
			}
		}
	}
	return g, nil
}

// Frame is the abstract machine state before an instruction.
type Frame struct {
	Locals []ValType
	Stack  []ValType
}

func (f *Frame) clone() *Frame {
	return &Frame{Locals: slices.Clone(f.Locals), Stack: slices.Clone(f.Stack)}
}

// Analysis is the result of abstract interpretation over a method body.
type Analysis struct {
	CFG *CFG
	// Frames[i] is the state before instruction i; nil when unreachable.
	Frames    []*Frame
	MaxStack  int
	MaxLocals int
}

// Analyze computes the frame before every reachable instruction of m,
// checking stack depth and type consistency along every path.
func Analyze(m *Method) (*Analysis, error) {
	g, err := BuildCFG(m)
	if err != nil {
		return nil, err
	}
	desc, err := ParseDescriptor(m.Desc)
	if err != nil {
		return nil, &VerifyError{Method: m.Signature(), Index: -1, Msg: err.Error()}
	}

	nLocals := len(desc.Params)
	if !m.IsStatic() {
		nLocals++
	}
	for _, ins := range m.Code {
		switch imm := ins.Imm.(type) {
		case LocalImm:
			nLocals = max(nLocals, int(imm.Index)+1)
		case IIncImm:
			nLocals = max(nLocals, int(imm.Index)+1)
		}
	}

	entry := &Frame{Locals: make([]ValType, nLocals)}
	slot := 0
	if !m.IsStatic() {
		entry.Locals[0] = ValA
		slot = 1
	}
	for _, p := range desc.Params {
		entry.Locals[slot] = p
		slot++
	}

	a := &Analysis{CFG: g, Frames: make([]*Frame, len(m.Code)), MaxLocals: nLocals}
	if len(m.Code) == 0 {
		return a, nil
	}

	in := &interp{m: m, ret: desc.Return}
	a.Frames[0] = entry
	work := []int{0}
	queued := make([]bool, len(m.Code))
	queued[0] = true

	merge := func(from, to int, f *Frame) error {
		cur := a.Frames[to]
		if cur == nil {
			a.Frames[to] = f.clone()
			if !queued[to] {
				queued[to] = true
				work = append(work, to)
			}
			return nil
		}
		if len(cur.Stack) != len(f.Stack) {
			return in.fail(from, "stack depth %d does not match %d at join with instruction %d", len(f.Stack), len(cur.Stack), to)
		}
		for k := range cur.Stack {
			if cur.Stack[k] != f.Stack[k] {
				return in.fail(from, "stack slot %d type %s does not match %s at join with instruction %d", k, f.Stack[k], cur.Stack[k], to)
			}
		}
		changed := false
		for k := range cur.Locals {
			if cur.Locals[k] != ValTop && cur.Locals[k] != f.Locals[k] {
				cur.Locals[k] = ValTop
				changed = true
			}
		}
		if changed && !queued[to] {
			queued[to] = true
			work = append(work, to)
		}
		return nil
	}

	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		queued[i] = false

		before := a.Frames[i]
		for _, h := range g.Catch[i] {
			hf := &Frame{Locals: before.Locals, Stack: []ValType{ValA}}
			if err := merge(i, h, hf); err != nil {
				return nil, err
			}
		}

		after := before.clone()
		if err := in.step(i, after); err != nil {
			return nil, err
		}
		a.MaxStack = max(a.MaxStack, len(before.Stack), len(after.Stack))
		for _, s := range g.Succ[i] {
			if err := merge(i, s, after); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

type interp struct {
	m   *Method
	ret ValType
}

func (in *interp) fail(i int, format string, args ...any) error {
	return &VerifyError{Method: in.m.Signature(), Index: i, Op: in.m.Code[i].Op, Msg: fmt.Sprintf(format, args...)}
}

// step applies the effect of instruction i to f.
func (in *interp) step(i int, f *Frame) error {
	ins := in.m.Code[i]

	pop := func(want ValType) (ValType, error) {
		if len(f.Stack) == 0 {
			return 0, in.fail(i, "stack underflow")
		}
		top := f.Stack[len(f.Stack)-1]
		f.Stack = f.Stack[:len(f.Stack)-1]
		if want != ValTop && top != want {
			return 0, in.fail(i, "expected %s on stack, found %s", want, top)
		}
		return top, nil
	}
	popN := func(types ...ValType) error {
		for k := len(types) - 1; k >= 0; k-- {
			if _, err := pop(types[k]); err != nil {
				return err
			}
		}
		return nil
	}
	push := func(v ValType) {
		f.Stack = append(f.Stack, v)
	}
	unary := func(from, to ValType) error {
		if _, err := pop(from); err != nil {
			return err
		}
		push(to)
		return nil
	}
	binary := func(t, to ValType) error {
		if err := popN(t, t); err != nil {
			return err
		}
		push(to)
		return nil
	}

	switch ins.Op {
	case OpLabel, OpNop, OpMark:
	case OpIConst:
		push(ValI)
	case OpLConst:
		push(ValJ)
	case OpFConst:
		push(ValF)
	case OpDConst:
		push(ValD)
	case OpAConstNull, OpSConst, OpNew:
		push(ValA)

	case OpILoad, OpLLoad, OpFLoad, OpDLoad, OpALoad:
		t := loadType(ins.Op)
		idx := ins.Imm.(LocalImm).Index
		if got := f.Locals[idx]; got != t {
			return in.fail(i, "load %s from local %d holding %s", t, idx, got)
		}
		push(t)
	case OpIStore, OpLStore, OpFStore, OpDStore, OpAStore:
		t := storeType(ins.Op)
		if _, err := pop(t); err != nil {
			return err
		}
		f.Locals[ins.Imm.(LocalImm).Index] = t
	case OpIInc:
		idx := ins.Imm.(IIncImm).Index
		if f.Locals[idx] != ValI {
			return in.fail(i, "iinc on local %d holding %s", idx, f.Locals[idx])
		}

	case OpPop:
		_, err := pop(ValTop)
		return err
	case OpDup:
		v, err := pop(ValTop)
		if err != nil {
			return err
		}
		push(v)
		push(v)
	case OpSwap:
		a, err := pop(ValTop)
		if err != nil {
			return err
		}
		b, err := pop(ValTop)
		if err != nil {
			return err
		}
		push(a)
		push(b)

	case OpIAdd, OpISub, OpIMul, OpIDiv, OpIRem:
		return binary(ValI, ValI)
	case OpINeg:
		return unary(ValI, ValI)
	case OpLAdd, OpLSub, OpLMul, OpLDiv:
		return binary(ValJ, ValJ)
	case OpFAdd, OpFMul:
		return binary(ValF, ValF)
	case OpDAdd, OpDMul:
		return binary(ValD, ValD)
	case OpLCmp:
		return binary(ValJ, ValI)
	case OpI2L:
		return unary(ValI, ValJ)
	case OpL2I:
		return unary(ValJ, ValI)
	case OpI2F:
		return unary(ValI, ValF)
	case OpI2D:
		return unary(ValI, ValD)
	case OpF2I:
		return unary(ValF, ValI)
	case OpD2I:
		return unary(ValD, ValI)

	case OpGoto:
	case OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe, OpTableSwitch:
		_, err := pop(ValI)
		return err
	case OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe:
		return popN(ValI, ValI)
	case OpIfNull, OpIfNonNull, OpAThrow, OpMonitorEnter, OpMonitorExit:
		_, err := pop(ValA)
		return err

	case OpIReturn, OpLReturn, OpFReturn, OpDReturn, OpAReturn:
		t := returnType(ins.Op)
		if t != in.ret {
			return in.fail(i, "%s in method returning %s", ins.Op, in.ret)
		}
		_, err := pop(t)
		return err
	case OpReturn:
		if in.ret != ValVoid {
			return in.fail(i, "return in method returning %s", in.ret)
		}

	case OpGetField:
		return unary(ValA, ins.Imm.(FieldImm).Type)
	case OpPutField:
		return popN(ValA, ins.Imm.(FieldImm).Type)
	case OpGetStatic:
		push(ins.Imm.(FieldImm).Type)
	case OpPutStatic:
		_, err := pop(ins.Imm.(FieldImm).Type)
		return err
	case OpCheckCast:
		return unary(ValA, ValA)
	case OpInstanceOf:
		return unary(ValA, ValI)

	case OpInvokeStatic, OpInvokeVirtual, OpInvokeSpecial, OpInvokeInterface:
		ref := ins.Imm.(MethodRef)
		d, err := ParseDescriptor(ref.Desc)
		if err != nil {
			return in.fail(i, "%v", err)
		}
		if err := popN(d.Params...); err != nil {
			return err
		}
		if ins.Op != OpInvokeStatic {
			if _, err := pop(ValA); err != nil {
				return err
			}
		}
		if d.Return != ValVoid {
			push(d.Return)
		}

	default:
		return in.fail(i, "unknown opcode")
	}
	return nil
}

func loadType(op Opcode) ValType {
	return [...]ValType{ValI, ValJ, ValF, ValD, ValA}[op-OpILoad]
}

func storeType(op Opcode) ValType {
	return [...]ValType{ValI, ValJ, ValF, ValD, ValA}[op-OpIStore]
}

func returnType(op Opcode) ValType {
	return [...]ValType{ValI, ValJ, ValF, ValD, ValA}[op-OpIReturn]
}
