package classfile_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/fasm"
)

const sample = `
class app/Sample extends vm/lang/Object
field total J

method loop (I)J static
    lconst 0
    lstore 1
  top:
    iload 0
    ifle done
    lload 1
    iload 0
    i2l
    ladd
    lstore 1
    iinc 0 -1
    goto top
  done:
    lload 1
    lreturn
end

method pick (I)A static
    iload 0
    tableswitch 1 other one two
  one:
    sconst "one"
    areturn
  two:
    sconst "two"
    areturn
  other:
    aconst_null
    areturn
end

method guarded ()V
  from:
    aload 0
    invokevirtual app/Sample.risky()V
  to:
    return
  handler:
    pop
    fconst 1.5
    dconst -2.25
    pop
    pop
    return
    catch from to handler vm/lang/Exception
end

method risky ()V native
end
`

func mustClass(t *testing.T, src string) *classfile.Class {
	t.Helper()
	c, err := fasm.Assemble(src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := mustClass(t, sample)
	c.Custom = []classfile.CustomSection{{Name: "source", Data: []byte("Sample.fasm")}}
	c.Methods[0].Instrumented = &classfile.InstrumentedInfo{
		AOT: true,
		Sites: []classfile.InstrumentedSite{
			{Target: classfile.MethodRef{Owner: "fibers/Fiber", Name: "park", Desc: "()V"}, Pre: 3, Post: 40},
		},
	}

	data, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := classfile.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Name != "app/Sample" || got.Super != "vm/lang/Object" {
		t.Errorf("header = %q / %q", got.Name, got.Super)
	}
	if len(got.Fields) != 1 || got.Fields[0].Type != classfile.ValJ {
		t.Errorf("fields = %+v", got.Fields)
	}
	if len(got.Custom) != 1 || string(got.Custom[0].Data) != "Sample.fasm" {
		t.Errorf("custom = %+v", got.Custom)
	}
	if len(got.Methods) != 4 {
		t.Fatalf("methods = %d, want 4", len(got.Methods))
	}

	info := got.Methods[0].Instrumented
	if info == nil || !info.AOT || len(info.Sites) != 1 || info.Sites[0].Post != 40 {
		t.Errorf("instrumented = %+v", info)
	}

	guarded := got.Method("guarded", "()V")
	if len(guarded.Handlers) != 1 || guarded.Handlers[0].Type != "vm/lang/Exception" {
		t.Fatalf("handlers = %+v", guarded.Handlers)
	}
	var consts []any
	for _, ins := range guarded.Code {
		switch imm := ins.Imm.(type) {
		case classfile.F32Imm, classfile.F64Imm:
			consts = append(consts, imm)
		}
	}
	if len(consts) != 2 || consts[0] != (classfile.F32Imm{Value: 1.5}) || consts[1] != (classfile.F64Imm{Value: -2.25}) {
		t.Errorf("float constants = %v", consts)
	}

	again, err := got.Encode()
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("decode then encode is not byte-identical")
	}
	if err := classfile.Verify(got); err != nil {
		t.Errorf("Verify decoded: %v", err)
	}
}

func TestDecodeRecordsOffsets(t *testing.T) {
	data, err := fasm.Compile(sample)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	c, err := classfile.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := c.Method("loop", "(I)J")
	if len(m.Offsets) != len(m.Code) {
		t.Fatalf("offsets %d for %d instructions", len(m.Offsets), len(m.Code))
	}
	// lconst 0 is two bytes, lstore 1 is two bytes, then the loop head label.
	if m.Offsets[0] != 0 || m.Offsets[1] != 2 {
		t.Errorf("offsets = %v", m.Offsets[:2])
	}
	if _, ok := m.Code[2].Label(); !ok || m.Offsets[2] != 4 || m.Offsets[3] != 4 {
		t.Errorf("label offset = %d, next = %d", m.Offsets[2], m.Offsets[3])
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := fasm.Compile("class a/B\nmethod m ()V static\n return\nend")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	badMagic := append([]byte{}, valid...)
	badMagic[1] = 'X'
	badVersion := append([]byte{}, valid...)
	badVersion[4] = 9

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad magic", badMagic, classfile.ErrInvalidMagic},
		{"bad version", badVersion, classfile.ErrInvalidVersion},
		{"truncated", valid[:len(valid)-2], nil},
		{"header only", valid[:8], nil},
		{"empty", nil, nil},
		{"huge handler count", patchMethods(t, valid, []byte{0x01, byte(classfile.OpReturn), 0x00},
			[]byte{0x01, byte(classfile.OpReturn), 0xF0, 0xFF, 0xFF, 0xFF, 0x0F}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := classfile.Decode(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

// patchMethods replaces the last occurrence of old in the methods section
// payload and fixes up the section size.
func patchMethods(t *testing.T, data, old, repl []byte) []byte {
	t.Helper()
	uleb := func(b []byte) (uint64, int) {
		var v uint64
		for i, c := range b {
			v |= uint64(c&0x7f) << (7 * i)
			if c&0x80 == 0 {
				return v, i + 1
			}
		}
		t.Fatal("truncated size")
		return 0, 0
	}
	out := append([]byte{}, data[:8]...)
	for p := 8; p < len(data); {
		id := data[p]
		size, n := uleb(data[p+1:])
		payload := data[p+1+n : p+1+n+int(size)]
		p += 1 + n + int(size)
		if id == classfile.SectionMethods {
			i := bytes.LastIndex(payload, old)
			if i < 0 {
				t.Fatal("pattern not found in methods section")
			}
			payload = append(append(append([]byte{}, payload[:i]...), repl...), payload[i+len(old):]...)
		}
		out = append(out, id)
		for v := uint64(len(payload)); ; {
			c := byte(v & 0x7f)
			v >>= 7
			if v != 0 {
				out = append(out, c|0x80)
				continue
			}
			out = append(out, c)
			break
		}
		out = append(out, payload...)
	}
	return out
}

func TestDecodeRejectsOutOfOrderSections(t *testing.T) {
	data := []byte{0x00, 0x46, 0x42, 0x43, 0x01, 0x00, 0x00, 0x00}
	data = append(data, classfile.SectionFields, 1, 0)
	data = append(data, classfile.SectionPool, 1, 0)
	if _, err := classfile.Decode(data); err == nil || !strings.Contains(err.Error(), "out of order") {
		t.Errorf("expected out of order error, got %v", err)
	}
}

func TestEncodeRejectsUndefinedLabel(t *testing.T) {
	c := &classfile.Class{Name: "a/B"}
	m := &classfile.Method{Name: "m", Desc: "()V", Flags: classfile.AccStatic}
	m.Code = []classfile.Instruction{classfile.Branch(classfile.OpGoto, 9)}
	c.Methods = append(c.Methods, m)
	if _, err := c.Encode(); err == nil {
		t.Error("expected error for undefined label")
	}
}

func TestAnalyzeFrames(t *testing.T) {
	c := mustClass(t, sample)
	m := c.Method("loop", "(I)J")
	a, err := classfile.Analyze(m)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", a.MaxStack)
	}
	if a.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", a.MaxLocals)
	}
	head := a.Frames[2]
	if head == nil {
		t.Fatal("loop head unreachable")
	}
	if head.Locals[0] != classfile.ValI || head.Locals[1] != classfile.ValJ {
		t.Errorf("loop head locals = %v", head.Locals)
	}
	if len(head.Stack) != 0 {
		t.Errorf("loop head stack = %v", head.Stack)
	}
}

func TestAnalyzeMergesLocalsToTop(t *testing.T) {
	c := mustClass(t, `
class a/B
method m (I)V static
    iload 0
    ifeq other
    iconst 1
    istore 1
    goto join
  other:
    aconst_null
    astore 1
  join:
    return
end`)
	a, err := classfile.Analyze(c.Methods[0])
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	join := a.CFG.LabelIndex[c.Methods[0].Code[len(c.Methods[0].Code)-2].Imm.(classfile.LabelImm).Label]
	if got := a.Frames[join].Locals[1]; got != classfile.ValTop {
		t.Errorf("local 1 at join = %v, want top", got)
	}
}

func TestVerifyRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"underflow", "class a/B\nmethod m ()V static\n locals 0\n stack 1\n pop\n return\nend", "underflow"},
		{"stack too small", "class a/B\nmethod m ()I static\n locals 0\n stack 0\n iconst 1\n ireturn\nend", "exceeds max stack"},
		{"wrong local type", "class a/B\nmethod m (I)V static\n locals 1\n stack 1\n aload 0\n pop\n return\nend", "load A from local 0"},
		{"falls off", "class a/B\nmethod m ()V static\n locals 0\n stack 0\n nop\nend", "falls off"},
		{"join depth", "class a/B\nmethod m (I)V static\n locals 1\n stack 2\n iconst 0\n iload 0\n ifeq x\n iconst 1\nx:\n pop\n return\nend", "stack depth"},
		{"stray mark", "class a/B\nmethod m ()V static\n locals 0\n stack 0\n mark 0\n return\nend", "mark not followed"},
		{"native with code", "class a/B\nmethod m ()V static native\n locals 0\n stack 0\n return\nend", "has code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustClass(t, tt.src)
			err := classfile.Verify(c)
			if err == nil {
				t.Fatal("expected verification error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseDescriptorAndRef(t *testing.T) {
	d, err := classfile.ParseDescriptor("(IJA)D")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if len(d.Params) != 3 || d.Return != classfile.ValD || d.String() != "(IJA)D" {
		t.Errorf("descriptor = %+v", d)
	}
	for _, bad := range []string{"", "()", "(I", "(V)V", "(I)Q", "I)V"} {
		if _, err := classfile.ParseDescriptor(bad); err == nil {
			t.Errorf("ParseDescriptor(%q) should fail", bad)
		}
	}

	ref, err := classfile.ParseMethodRef("app/Outer$Inner.call(A)I")
	if err != nil {
		t.Fatalf("ParseMethodRef: %v", err)
	}
	if ref.Owner != "app/Outer$Inner" || ref.Name != "call" || ref.Signature() != "call(A)I" {
		t.Errorf("ref = %+v", ref)
	}
	if _, err := classfile.ParseMethodRef("nodot()V"); err == nil {
		t.Error("expected error without owner")
	}
}

func TestNaNConstantRoundTrip(t *testing.T) {
	c := &classfile.Class{Name: "a/B"}
	m := &classfile.Method{Name: "m", Desc: "()D", Flags: classfile.AccStatic, MaxStack: 1}
	m.Code = []classfile.Instruction{
		{Op: classfile.OpDConst, Imm: classfile.F64Imm{Value: math.NaN()}},
		classfile.Return(classfile.ValD),
	}
	c.Methods = append(c.Methods, m)
	data, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := classfile.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v := got.Methods[0].Code[0].Imm.(classfile.F64Imm).Value
	if !math.IsNaN(v) {
		t.Errorf("constant = %v, want NaN", v)
	}
}
