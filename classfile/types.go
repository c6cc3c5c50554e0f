package classfile

import (
	"fmt"
	"strings"
)

// Class is the mutable model of one compiled unit.
type Class struct {
	Name       string
	Super      string
	Interfaces []string
	Fields     []Field
	Methods    []*Method
	Custom     []CustomSection
	Flags      uint32
}

// Field declares an instance or static field.
type Field struct {
	Name  string
	Type  ValType
	Flags uint32
}

// CustomSection holds opaque named data carried through unchanged.
type CustomSection struct {
	Name string
	Data []byte
}

// Method is a method declaration with an optional body.
type Method struct {
	Instrumented *InstrumentedInfo
	Name         string
	Desc         string
	Code         []Instruction
	Handlers     []Handler
	Flags        uint32
	MaxLocals    uint32
	MaxStack     uint32

	// Offsets holds the byte offset of each Code entry as decoded.
	// Labels share the offset of the next instruction. Nil once Code is rebuilt.
	Offsets []int

	nextLabel    Label
	labelScanned bool
}

// Handler is one exception table entry. Start is inclusive, End exclusive.
// An empty Type catches everything. Table order is match priority.
type Handler struct {
	Type   string
	Start  Label
	End    Label
	Target Label
}

// InstrumentedInfo is attached to a rewritten method and lists its resume points.
type InstrumentedInfo struct {
	Sites []InstrumentedSite
	AOT   bool
}

// InstrumentedSite maps call-site ordinal i to its offsets before and after rewriting.
type InstrumentedSite struct {
	Target MethodRef
	Pre    uint32
	Post   uint32
}

// MethodRef names a method by owner class, name and descriptor.
type MethodRef struct {
	Owner string
	Name  string
	Desc  string
}

// String returns "owner.name(desc)".
func (r MethodRef) String() string {
	return r.Owner + "." + r.Name + r.Desc
}

// Signature returns "name(desc)", the key of a method within its class.
func (r MethodRef) Signature() string {
	return r.Name + r.Desc
}

// ParseMethodRef parses "owner.name(desc)". The owner may contain '/' and '$'.
func ParseMethodRef(s string) (MethodRef, error) {
	paren := strings.IndexByte(s, '(')
	if paren < 0 {
		return MethodRef{}, fmt.Errorf("method ref %q: missing descriptor", s)
	}
	dot := strings.LastIndexByte(s[:paren], '.')
	if dot <= 0 || dot == paren-1 {
		return MethodRef{}, fmt.Errorf("method ref %q: expected owner.name(desc)", s)
	}
	ref := MethodRef{Owner: s[:dot], Name: s[dot+1 : paren], Desc: s[paren:]}
	if _, err := ParseDescriptor(ref.Desc); err != nil {
		return MethodRef{}, err
	}
	return ref, nil
}

// Descriptor is a parsed method descriptor such as "(IJA)V".
type Descriptor struct {
	Params []ValType
	Return ValType
}

// ParseDescriptor parses a method descriptor.
func ParseDescriptor(desc string) (Descriptor, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return Descriptor{}, fmt.Errorf("descriptor %q: malformed", desc)
	}
	end := strings.IndexByte(desc, ')')
	if end < 0 || end != len(desc)-2 {
		return Descriptor{}, fmt.Errorf("descriptor %q: malformed", desc)
	}
	d := Descriptor{Return: ValType(desc[end+1])}
	for i := 1; i < end; i++ {
		v := ValType(desc[i])
		if !v.Valid() {
			return Descriptor{}, fmt.Errorf("descriptor %q: bad parameter type %q", desc, desc[i])
		}
		d.Params = append(d.Params, v)
	}
	if d.Return != ValVoid && !d.Return.Valid() {
		return Descriptor{}, fmt.Errorf("descriptor %q: bad return type", desc)
	}
	return d, nil
}

// String renders the descriptor back to its text form.
func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, p := range d.Params {
		b.WriteByte(byte(p))
	}
	b.WriteByte(')')
	b.WriteByte(byte(d.Return))
	return b.String()
}

// Signature returns "name(desc)".
func (m *Method) Signature() string {
	return m.Name + m.Desc
}

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool {
	return m.Flags&AccStatic != 0
}

// IsConstructor reports whether the method is an instance or class initializer.
func (m *Method) IsConstructor() bool {
	return m.Name == "<init>" || m.Name == "<clinit>"
}

// HasCode reports whether the method carries a body.
func (m *Method) HasCode() bool {
	return len(m.Code) > 0
}

// ArgSlots returns the number of local slots taken by the receiver and parameters.
func (m *Method) ArgSlots() (int, error) {
	d, err := ParseDescriptor(m.Desc)
	if err != nil {
		return 0, err
	}
	n := len(d.Params)
	if !m.IsStatic() {
		n++
	}
	return n, nil
}

// NewLabel allocates a label unused by the method body.
func (m *Method) NewLabel() Label {
	if !m.labelScanned {
		for _, ins := range m.Code {
			if l, ok := ins.Label(); ok && l >= m.nextLabel {
				m.nextLabel = l + 1
			}
		}
		m.labelScanned = true
	}
	l := m.nextLabel
	m.nextLabel++
	return l
}

// Method looks up a method by name and descriptor.
func (c *Class) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Ref returns the reference naming m as declared by c.
func (c *Class) Ref(m *Method) MethodRef {
	return MethodRef{Owner: c.Name, Name: m.Name, Desc: m.Desc}
}
