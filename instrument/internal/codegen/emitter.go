package codegen

import (
	"slices"

	"github.com/wippyai/fibers/classfile"
)

// StackClass owns the runtime hooks every rewritten method calls.
const StackClass = "fibers/Stack"

// Hook references on StackClass.
var (
	GetStack        = hook("getStack", "()A")
	NextMethodEntry = hook("nextMethodEntry", "(A)I")
	PushMethod      = hook("pushMethod", "(AII)V")
	PopMethod       = hook("popMethod", "(A)V")
)

func hook(name, desc string) classfile.MethodRef {
	return classfile.MethodRef{Owner: StackClass, Name: name, Desc: desc}
}

var typeNames = map[classfile.ValType]string{
	classfile.ValI: "Int",
	classfile.ValJ: "Long",
	classfile.ValF: "Float",
	classfile.ValD: "Double",
	classfile.ValA: "Object",
}

// PutHook returns the hook storing a value of type t: put<T>(A t I)V.
func PutHook(t classfile.ValType) classfile.MethodRef {
	return hook("put"+typeNames[t], "(A"+string(rune(t))+"I)V")
}

// GetHook returns the hook loading a value of type t: get<T>(AI)t.
func GetHook(t classfile.ValType) classfile.MethodRef {
	return hook("get"+typeNames[t], "(AI)"+string(rune(t)))
}

// IsHook reports whether ref targets the runtime stack.
func IsHook(ref classfile.MethodRef) bool {
	return ref.Owner == StackClass
}

// Emitter accumulates an instruction list. Methods return the emitter for chaining.
type Emitter struct {
	code []classfile.Instruction
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Len returns the number of emitted entries, labels included.
func (e *Emitter) Len() int {
	return len(e.code)
}

// Reset discards everything emitted so far.
func (e *Emitter) Reset() {
	e.code = e.code[:0]
}

// Code returns the emitted list. The slice is owned by the emitter.
func (e *Emitter) Code() []classfile.Instruction {
	return e.code
}

// Copy returns an independent copy of the emitted list.
func (e *Emitter) Copy() []classfile.Instruction {
	return slices.Clone(e.code)
}

// Emit appends instructions verbatim.
func (e *Emitter) Emit(ins ...classfile.Instruction) *Emitter {
	e.code = append(e.code, ins...)
	return e
}

// Label places l at the current position.
func (e *Emitter) Label(l classfile.Label) *Emitter {
	return e.Emit(classfile.Place(l))
}

// IConst pushes an int constant.
func (e *Emitter) IConst(v int32) *Emitter {
	return e.Emit(classfile.IConst(v))
}

// Load pushes local idx of type t.
func (e *Emitter) Load(t classfile.ValType, idx uint32) *Emitter {
	return e.Emit(classfile.Load(t, idx))
}

// Store pops into local idx of type t.
func (e *Emitter) Store(t classfile.ValType, idx uint32) *Emitter {
	return e.Emit(classfile.Store(t, idx))
}

// Goto jumps to l.
func (e *Emitter) Goto(l classfile.Label) *Emitter {
	return e.Emit(classfile.Branch(classfile.OpGoto, l))
}

// IfNull jumps to l when the popped reference is null.
func (e *Emitter) IfNull(l classfile.Label) *Emitter {
	return e.Emit(classfile.Branch(classfile.OpIfNull, l))
}

// TableSwitch pops an int k and jumps to targets[k-low], or def when out of range.
func (e *Emitter) TableSwitch(low int32, targets []classfile.Label, def classfile.Label) *Emitter {
	return e.Emit(classfile.Instruction{
		Op:  classfile.OpTableSwitch,
		Imm: classfile.SwitchImm{Low: low, Targets: slices.Clone(targets), Default: def},
	})
}

// InvokeStatic calls ref.
func (e *Emitter) InvokeStatic(ref classfile.MethodRef) *Emitter {
	return e.Emit(classfile.Invoke(classfile.OpInvokeStatic, ref))
}

// GetStack pushes the current fiber stack, or null outside a fiber.
func (e *Emitter) GetStack() *Emitter {
	return e.InvokeStatic(GetStack)
}

// NextMethodEntry pushes the resume state of the frame being re-entered; 0 means a fresh call.
func (e *Emitter) NextMethodEntry(stack uint32) *Emitter {
	return e.Load(classfile.ValA, stack).InvokeStatic(NextMethodEntry)
}

// PushMethod records a frame in state entry that will hold slots values.
func (e *Emitter) PushMethod(stack uint32, entry, slots int32) *Emitter {
	return e.Load(classfile.ValA, stack).IConst(entry).IConst(slots).InvokeStatic(PushMethod)
}

// PopMethod discards the frame recorded for the returning method.
func (e *Emitter) PopMethod(stack uint32) *Emitter {
	return e.Load(classfile.ValA, stack).InvokeStatic(PopMethod)
}

// Put saves local idx of type t into frame slot.
func (e *Emitter) Put(stack uint32, t classfile.ValType, idx uint32, slot int32) *Emitter {
	return e.Load(classfile.ValA, stack).Load(t, idx).IConst(slot).InvokeStatic(PutHook(t))
}

// Get restores frame slot into local idx of type t.
func (e *Emitter) Get(stack uint32, t classfile.ValType, idx uint32, slot int32) *Emitter {
	return e.Load(classfile.ValA, stack).IConst(slot).InvokeStatic(GetHook(t)).Store(t, idx)
}
