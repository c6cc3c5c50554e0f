package classfile

import (
	"fmt"
	"math"
)

// Label identifies a branch target within one method.
type Label uint32

// Instruction is one decoded instruction. Imm holds the immediate, if any.
type Instruction struct {
	Imm any
	Op  Opcode
}

// I32Imm holds the constant for iconst.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant for lconst.
type I64Imm struct {
	Value int64
}

// F32Imm holds the constant for fconst.
type F32Imm struct {
	Value float32
}

// F64Imm holds the constant for dconst.
type F64Imm struct {
	Value float64
}

// StringImm holds the constant for sconst.
type StringImm struct {
	Value string
}

// LocalImm holds the local slot for loads and stores.
type LocalImm struct {
	Index uint32
}

// IIncImm holds the slot and delta for iinc.
type IIncImm struct {
	Index uint32
	Delta int32
}

// BranchImm holds the target of goto and conditional branches.
type BranchImm struct {
	Target Label
}

// SwitchImm holds a dense jump table. Key Low+i jumps to Targets[i].
type SwitchImm struct {
	Targets []Label
	Low     int32
	Default Label
}

// FieldImm names a field and its value type.
type FieldImm struct {
	Owner string
	Name  string
	Type  ValType
}

// TypeImm names a class for new, checkcast and instanceof.
type TypeImm struct {
	Class string
}

// MarkImm holds the per-method ordinal of a tagged call site.
type MarkImm struct {
	Site uint32
}

// LabelImm holds the label defined by an OpLabel pseudo instruction.
type LabelImm struct {
	Label Label
}

// immKind describes the immediate layout of an opcode.
type immKind uint8

const (
	immNone immKind = iota
	immI32
	immI64
	immF32
	immF64
	immString
	immLocal
	immIInc
	immBranch
	immSwitch
	immField
	immType
	immMethod
	immMark
)

type opInfo struct {
	name string
	imm  immKind
}

var opTable = map[Opcode]opInfo{
	OpNop:             {"nop", immNone},
	OpIConst:          {"iconst", immI32},
	OpLConst:          {"lconst", immI64},
	OpFConst:          {"fconst", immF32},
	OpDConst:          {"dconst", immF64},
	OpAConstNull:      {"aconst_null", immNone},
	OpSConst:          {"sconst", immString},
	OpILoad:           {"iload", immLocal},
	OpLLoad:           {"lload", immLocal},
	OpFLoad:           {"fload", immLocal},
	OpDLoad:           {"dload", immLocal},
	OpALoad:           {"aload", immLocal},
	OpIStore:          {"istore", immLocal},
	OpLStore:          {"lstore", immLocal},
	OpFStore:          {"fstore", immLocal},
	OpDStore:          {"dstore", immLocal},
	OpAStore:          {"astore", immLocal},
	OpIInc:            {"iinc", immIInc},
	OpPop:             {"pop", immNone},
	OpDup:             {"dup", immNone},
	OpSwap:            {"swap", immNone},
	OpIAdd:            {"iadd", immNone},
	OpISub:            {"isub", immNone},
	OpIMul:            {"imul", immNone},
	OpIDiv:            {"idiv", immNone},
	OpIRem:            {"irem", immNone},
	OpINeg:            {"ineg", immNone},
	OpLAdd:            {"ladd", immNone},
	OpLSub:            {"lsub", immNone},
	OpLMul:            {"lmul", immNone},
	OpLDiv:            {"ldiv", immNone},
	OpFAdd:            {"fadd", immNone},
	OpFMul:            {"fmul", immNone},
	OpDAdd:            {"dadd", immNone},
	OpDMul:            {"dmul", immNone},
	OpI2L:             {"i2l", immNone},
	OpL2I:             {"l2i", immNone},
	OpI2F:             {"i2f", immNone},
	OpI2D:             {"i2d", immNone},
	OpF2I:             {"f2i", immNone},
	OpD2I:             {"d2i", immNone},
	OpLCmp:            {"lcmp", immNone},
	OpGoto:            {"goto", immBranch},
	OpIfEq:            {"ifeq", immBranch},
	OpIfNe:            {"ifne", immBranch},
	OpIfLt:            {"iflt", immBranch},
	OpIfGe:            {"ifge", immBranch},
	OpIfGt:            {"ifgt", immBranch},
	OpIfLe:            {"ifle", immBranch},
	OpIfICmpEq:        {"if_icmpeq", immBranch},
	OpIfICmpNe:        {"if_icmpne", immBranch},
	OpIfICmpLt:        {"if_icmplt", immBranch},
	OpIfICmpGe:        {"if_icmpge", immBranch},
	OpIfNull:          {"ifnull", immBranch},
	OpIfNonNull:       {"ifnonnull", immBranch},
	OpTableSwitch:     {"tableswitch", immSwitch},
	OpIReturn:         {"ireturn", immNone},
	OpLReturn:         {"lreturn", immNone},
	OpFReturn:         {"freturn", immNone},
	OpDReturn:         {"dreturn", immNone},
	OpAReturn:         {"areturn", immNone},
	OpReturn:          {"return", immNone},
	OpAThrow:          {"athrow", immNone},
	OpGetField:        {"getfield", immField},
	OpPutField:        {"putfield", immField},
	OpGetStatic:       {"getstatic", immField},
	OpPutStatic:       {"putstatic", immField},
	OpNew:             {"new", immType},
	OpCheckCast:       {"checkcast", immType},
	OpInstanceOf:      {"instanceof", immType},
	OpInvokeStatic:    {"invokestatic", immMethod},
	OpInvokeVirtual:   {"invokevirtual", immMethod},
	OpInvokeSpecial:   {"invokespecial", immMethod},
	OpInvokeInterface: {"invokeinterface", immMethod},
	OpMonitorEnter:    {"monitorenter", immNone},
	OpMonitorExit:     {"monitorexit", immNone},
	OpMark:            {"mark", immMark},
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opTable))
	for op, info := range opTable {
		m[info.name] = op
	}
	return m
}()

// String returns the mnemonic for op.
func (op Opcode) String() string {
	if op == OpLabel {
		return "label"
	}
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}

// LookupOpcode returns the opcode for a mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// Known reports whether op is a real, encodable opcode.
func (op Opcode) Known() bool {
	_, ok := opTable[op]
	return ok
}

// IsInvoke reports whether op calls a method.
func (op Opcode) IsInvoke() bool {
	return op >= OpInvokeStatic && op <= OpInvokeInterface
}

// IsBranch reports whether op transfers control to a label.
func (op Opcode) IsBranch() bool {
	return op >= OpGoto && op <= OpTableSwitch
}

// IsReturn reports whether op returns from the method.
func (op Opcode) IsReturn() bool {
	return op >= OpIReturn && op <= OpReturn
}

// EndsBlock reports whether control never falls through op.
func (op Opcode) EndsBlock() bool {
	return op == OpGoto || op == OpTableSwitch || op == OpAThrow || op.IsReturn()
}

// Label returns the label defined by an OpLabel instruction.
func (i Instruction) Label() (Label, bool) {
	if i.Op != OpLabel {
		return 0, false
	}
	imm, ok := i.Imm.(LabelImm)
	return imm.Label, ok
}

// Method returns the invoke target of an invoke instruction.
func (i Instruction) Method() (MethodRef, bool) {
	if !i.Op.IsInvoke() {
		return MethodRef{}, false
	}
	ref, ok := i.Imm.(MethodRef)
	return ref, ok
}

// Site returns the ordinal carried by an OpMark instruction.
func (i Instruction) Site() (uint32, bool) {
	if i.Op != OpMark {
		return 0, false
	}
	imm, ok := i.Imm.(MarkImm)
	return imm.Site, ok
}

// Targets returns the labels a branch instruction may jump to.
func (i Instruction) Targets() []Label {
	switch imm := i.Imm.(type) {
	case BranchImm:
		return []Label{imm.Target}
	case SwitchImm:
		out := make([]Label, 0, len(imm.Targets)+1)
		out = append(out, imm.Default)
		return append(out, imm.Targets...)
	}
	return nil
}

// String renders the instruction in assembler syntax.
func (i Instruction) String() string {
	switch imm := i.Imm.(type) {
	case nil:
		return i.Op.String()
	case LabelImm:
		return fmt.Sprintf("L%d:", imm.Label)
	case I32Imm:
		return fmt.Sprintf("%s %d", i.Op, imm.Value)
	case I64Imm:
		return fmt.Sprintf("%s %d", i.Op, imm.Value)
	case F32Imm:
		return fmt.Sprintf("%s %g", i.Op, imm.Value)
	case F64Imm:
		return fmt.Sprintf("%s %g", i.Op, imm.Value)
	case StringImm:
		return fmt.Sprintf("%s %q", i.Op, imm.Value)
	case LocalImm:
		return fmt.Sprintf("%s %d", i.Op, imm.Index)
	case IIncImm:
		return fmt.Sprintf("%s %d %d", i.Op, imm.Index, imm.Delta)
	case BranchImm:
		return fmt.Sprintf("%s L%d", i.Op, imm.Target)
	case SwitchImm:
		s := fmt.Sprintf("%s %d L%d", i.Op, imm.Low, imm.Default)
		for _, t := range imm.Targets {
			s += fmt.Sprintf(" L%d", t)
		}
		return s
	case FieldImm:
		return fmt.Sprintf("%s %s.%s %s", i.Op, imm.Owner, imm.Name, imm.Type)
	case TypeImm:
		return fmt.Sprintf("%s %s", i.Op, imm.Class)
	case MethodRef:
		return fmt.Sprintf("%s %s", i.Op, imm)
	case MarkImm:
		return fmt.Sprintf("%s %d", i.Op, imm.Site)
	default:
		return fmt.Sprintf("%s %v", i.Op, imm)
	}
}

// Constructors used by code generators.

// Ins returns an instruction without immediate.
func Ins(op Opcode) Instruction { return Instruction{Op: op} }

// IConst pushes an int constant.
func IConst(v int32) Instruction { return Instruction{Op: OpIConst, Imm: I32Imm{Value: v}} }

// Load pushes local slot idx of type t.
func Load(t ValType, idx uint32) Instruction {
	return Instruction{Op: loadOp(t), Imm: LocalImm{Index: idx}}
}

// Store pops into local slot idx of type t.
func Store(t ValType, idx uint32) Instruction {
	return Instruction{Op: storeOp(t), Imm: LocalImm{Index: idx}}
}

// Branch jumps to l under op.
func Branch(op Opcode, l Label) Instruction {
	return Instruction{Op: op, Imm: BranchImm{Target: l}}
}

// Invoke calls ref with op.
func Invoke(op Opcode, ref MethodRef) Instruction {
	return Instruction{Op: op, Imm: ref}
}

// Mark tags the next invoke with ordinal site.
func Mark(site uint32) Instruction {
	return Instruction{Op: OpMark, Imm: MarkImm{Site: site}}
}

// Place defines label l at this position.
func Place(l Label) Instruction {
	return Instruction{Op: OpLabel, Imm: LabelImm{Label: l}}
}

// Return returns a value of type t, or nothing for ValVoid.
func Return(t ValType) Instruction {
	switch t {
	case ValI:
		return Ins(OpIReturn)
	case ValJ:
		return Ins(OpLReturn)
	case ValF:
		return Ins(OpFReturn)
	case ValD:
		return Ins(OpDReturn)
	case ValA:
		return Ins(OpAReturn)
	}
	return Ins(OpReturn)
}

func loadOp(t ValType) Opcode {
	switch t {
	case ValJ:
		return OpLLoad
	case ValF:
		return OpFLoad
	case ValD:
		return OpDLoad
	case ValA:
		return OpALoad
	}
	return OpILoad
}

func storeOp(t ValType) Opcode {
	switch t {
	case ValJ:
		return OpLStore
	case ValF:
		return OpFStore
	case ValD:
		return OpDStore
	case ValA:
		return OpAStore
	}
	return OpIStore
}

func f32Bits(v float32) uint32 { return math.Float32bits(v) }
func f64Bits(v float64) uint64 { return math.Float64bits(v) }

// validImm reports whether the immediate's type matches the opcode.
func (i Instruction) validImm() bool {
	if i.Op == OpLabel {
		_, ok := i.Imm.(LabelImm)
		return ok
	}
	info, ok := opTable[i.Op]
	if !ok {
		return false
	}
	var match bool
	switch info.imm {
	case immNone:
		match = i.Imm == nil
	case immI32:
		_, match = i.Imm.(I32Imm)
	case immI64:
		_, match = i.Imm.(I64Imm)
	case immF32:
		_, match = i.Imm.(F32Imm)
	case immF64:
		_, match = i.Imm.(F64Imm)
	case immString:
		_, match = i.Imm.(StringImm)
	case immLocal:
		_, match = i.Imm.(LocalImm)
	case immIInc:
		_, match = i.Imm.(IIncImm)
	case immBranch:
		_, match = i.Imm.(BranchImm)
	case immSwitch:
		_, match = i.Imm.(SwitchImm)
	case immField:
		var f FieldImm
		f, match = i.Imm.(FieldImm)
		match = match && f.Type.Valid()
	case immType:
		_, match = i.Imm.(TypeImm)
	case immMethod:
		_, match = i.Imm.(MethodRef)
	case immMark:
		_, match = i.Imm.(MarkImm)
	}
	return match
}
