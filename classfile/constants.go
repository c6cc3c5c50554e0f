package classfile

// fbc binary format magic number and version.
const (
	// Magic is the fbc magic number ("\0FBC" in little-endian).
	Magic uint32 = 0x43424600

	// Version is the supported fbc format version.
	Version uint32 = 0x01
)

// Section IDs define the binary identifiers for each unit section.
// Sections must appear in increasing order by ID (except custom sections).
const (
	SectionCustom  byte = 0 // Custom section (can appear anywhere)
	SectionPool    byte = 1 // String pool
	SectionClass   byte = 2 // Class header
	SectionFields  byte = 3 // Field declarations
	SectionMethods byte = 4 // Method declarations and bodies
)

// Access flags for classes, fields and methods.
const (
	AccPublic       uint32 = 0x0001
	AccPrivate      uint32 = 0x0002
	AccStatic       uint32 = 0x0008
	AccFinal        uint32 = 0x0010
	AccSynchronized uint32 = 0x0020
	AccNative       uint32 = 0x0100
	AccInterface    uint32 = 0x0200
	AccAbstract     uint32 = 0x0400
	AccSuspendable  uint32 = 0x8000 // declared suspendable
)

// ValType is a single-slot value type.
type ValType byte

// Value types as they appear in descriptors and frames.
const (
	ValTop  ValType = 0   // unusable local (uninitialized or merged)
	ValI    ValType = 'I' // 32-bit integer
	ValJ    ValType = 'J' // 64-bit integer
	ValF    ValType = 'F' // 32-bit float
	ValD    ValType = 'D' // 64-bit float
	ValA    ValType = 'A' // reference
	ValVoid ValType = 'V' // return type only
)

// String returns the descriptor letter, or "T" for top.
func (v ValType) String() string {
	if v == ValTop {
		return "T"
	}
	return string(rune(v))
}

// Valid reports whether v may appear as a value (not void, not top).
func (v ValType) Valid() bool {
	switch v {
	case ValI, ValJ, ValF, ValD, ValA:
		return true
	}
	return false
}

// Opcode identifies an instruction.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00
	OpIConst     Opcode = 0x01
	OpLConst     Opcode = 0x02
	OpFConst     Opcode = 0x03
	OpDConst     Opcode = 0x04
	OpAConstNull Opcode = 0x05
	OpSConst     Opcode = 0x06
)

// Locals
const (
	OpILoad  Opcode = 0x10
	OpLLoad  Opcode = 0x11
	OpFLoad  Opcode = 0x12
	OpDLoad  Opcode = 0x13
	OpALoad  Opcode = 0x14
	OpIStore Opcode = 0x18
	OpLStore Opcode = 0x19
	OpFStore Opcode = 0x1A
	OpDStore Opcode = 0x1B
	OpAStore Opcode = 0x1C
	OpIInc   Opcode = 0x1D
)

// Stack
const (
	OpPop  Opcode = 0x20
	OpDup  Opcode = 0x21
	OpSwap Opcode = 0x22
)

// Arithmetic
const (
	OpIAdd Opcode = 0x30
	OpISub Opcode = 0x31
	OpIMul Opcode = 0x32
	OpIDiv Opcode = 0x33
	OpIRem Opcode = 0x34
	OpINeg Opcode = 0x35
	OpLAdd Opcode = 0x36
	OpLSub Opcode = 0x37
	OpLMul Opcode = 0x38
	OpLDiv Opcode = 0x39
	OpFAdd Opcode = 0x3A
	OpFMul Opcode = 0x3B
	OpDAdd Opcode = 0x3C
	OpDMul Opcode = 0x3D
)

// Conversions and comparison
const (
	OpI2L  Opcode = 0x40
	OpL2I  Opcode = 0x41
	OpI2F  Opcode = 0x42
	OpI2D  Opcode = 0x43
	OpF2I  Opcode = 0x44
	OpD2I  Opcode = 0x45
	OpLCmp Opcode = 0x46
)

// Control flow
const (
	OpGoto        Opcode = 0x50
	OpIfEq        Opcode = 0x51
	OpIfNe        Opcode = 0x52
	OpIfLt        Opcode = 0x53
	OpIfGe        Opcode = 0x54
	OpIfGt        Opcode = 0x55
	OpIfLe        Opcode = 0x56
	OpIfICmpEq    Opcode = 0x57
	OpIfICmpNe    Opcode = 0x58
	OpIfICmpLt    Opcode = 0x59
	OpIfICmpGe    Opcode = 0x5A
	OpIfNull      Opcode = 0x5B
	OpIfNonNull   Opcode = 0x5C
	OpTableSwitch Opcode = 0x5D
)

// Returns and throw
const (
	OpIReturn Opcode = 0x60
	OpLReturn Opcode = 0x61
	OpFReturn Opcode = 0x62
	OpDReturn Opcode = 0x63
	OpAReturn Opcode = 0x64
	OpReturn  Opcode = 0x65
	OpAThrow  Opcode = 0x66
)

// Objects
const (
	OpGetField   Opcode = 0x70
	OpPutField   Opcode = 0x71
	OpGetStatic  Opcode = 0x72
	OpPutStatic  Opcode = 0x73
	OpNew        Opcode = 0x74
	OpCheckCast  Opcode = 0x75
	OpInstanceOf Opcode = 0x76
)

// Invocation
const (
	OpInvokeStatic    Opcode = 0x80
	OpInvokeVirtual   Opcode = 0x81
	OpInvokeSpecial   Opcode = 0x82
	OpInvokeInterface Opcode = 0x83
)

// Monitors
const (
	OpMonitorEnter Opcode = 0x90
	OpMonitorExit  Opcode = 0x91
)

// OpMark tags the following invoke as a suspendable call site. The VM treats it as nop.
const OpMark Opcode = 0xF0

// OpLabel is an in-memory pseudo instruction marking a branch target. It is never encoded.
const OpLabel Opcode = 0xFF

var flagNames = []struct {
	name string
	flag uint32
}{
	{"public", AccPublic},
	{"private", AccPrivate},
	{"static", AccStatic},
	{"final", AccFinal},
	{"synchronized", AccSynchronized},
	{"native", AccNative},
	{"interface", AccInterface},
	{"abstract", AccAbstract},
	{"suspendable", AccSuspendable},
}

// FlagNames returns the keyword for every access flag set in flags.
func FlagNames(flags uint32) []string {
	var out []string
	for _, f := range flagNames {
		if flags&f.flag != 0 {
			out = append(out, f.name)
		}
	}
	return out
}

// ParseFlag returns the access flag for a keyword.
func ParseFlag(name string) (uint32, bool) {
	for _, f := range flagNames {
		if f.name == name {
			return f.flag, true
		}
	}
	return 0, false
}
