package fasm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/fasm/internal/token"
)

// Error reports a problem at a source line.
type Error struct {
	Msg  string
	Line int
}

func (e *Error) Error() string {
	return fmt.Sprintf("fasm: line %d: %s", e.Line, e.Msg)
}

// Compile assembles source and encodes it to fbc bytes.
func Compile(source string) ([]byte, error) {
	c, err := Assemble(source)
	if err != nil {
		return nil, err
	}
	return c.Encode()
}

// Assemble parses source into a class model. Methods that omit "locals" or
// "stack" get both computed from their bodies.
func Assemble(source string) (*classfile.Class, error) {
	lines, err := token.Tokenize(source)
	if err != nil {
		return nil, fmt.Errorf("fasm: %w", err)
	}
	p := &parser{}
	for _, ln := range lines {
		p.line = ln.Num
		if err := p.parseLine(ln.Tokens); err != nil {
			return nil, err
		}
	}
	if p.method != nil {
		return nil, p.errorf("method %s not closed with end", p.method.m.Name)
	}
	if p.class == nil {
		return nil, &Error{Line: p.line, Msg: "no class declared"}
	}
	return p.class, nil
}

type methodState struct {
	m        *classfile.Method
	labels   map[string]classfile.Label
	defined  map[string]bool
	explicit bool
}

type parser struct {
	class  *classfile.Class
	method *methodState
	line   int
}

func (p *parser) errorf(format string, args ...any) error {
	return &Error{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseLine(toks []token.Token) error {
	head := toks[0]
	if p.method != nil {
		return p.parseBody(toks)
	}
	if head.Type != token.Word {
		return p.errorf("unexpected %s outside method", head.Type)
	}
	switch head.Value {
	case "class":
		return p.parseClass(toks[1:])
	case "field":
		return p.parseField(toks[1:])
	case "method":
		return p.parseMethod(toks[1:])
	}
	return p.errorf("unknown directive %q", head.Value)
}

func (p *parser) parseClass(args []token.Token) error {
	if p.class != nil {
		return p.errorf("class already declared")
	}
	if len(args) == 0 {
		return p.errorf("class needs a name")
	}
	c := &classfile.Class{Name: args[0].Value}
	mode := ""
	for _, t := range args[1:] {
		if flag, ok := classfile.ParseFlag(t.Value); ok {
			c.Flags |= flag
			continue
		}
		switch t.Value {
		case "extends", "implements":
			mode = t.Value
			continue
		}
		switch mode {
		case "extends":
			c.Super = t.Value
		case "implements":
			c.Interfaces = append(c.Interfaces, t.Value)
		default:
			return p.errorf("unexpected %q in class declaration", t.Value)
		}
	}
	p.class = c
	return nil
}

func (p *parser) needClass() error {
	if p.class == nil {
		return p.errorf("class must be declared first")
	}
	return nil
}

func (p *parser) parseField(args []token.Token) error {
	if err := p.needClass(); err != nil {
		return err
	}
	if len(args) < 2 || len(args[1].Value) != 1 {
		return p.errorf("field needs a name and a type letter")
	}
	f := classfile.Field{Name: args[0].Value, Type: classfile.ValType(args[1].Value[0])}
	if !f.Type.Valid() {
		return p.errorf("invalid field type %q", args[1].Value)
	}
	flags, err := p.flags(args[2:])
	if err != nil {
		return err
	}
	f.Flags = flags
	p.class.Fields = append(p.class.Fields, f)
	return nil
}

func (p *parser) parseMethod(args []token.Token) error {
	if err := p.needClass(); err != nil {
		return err
	}
	if len(args) < 2 {
		return p.errorf("method needs a name and a descriptor")
	}
	if _, err := classfile.ParseDescriptor(args[1].Value); err != nil {
		return p.errorf("%v", err)
	}
	flags, err := p.flags(args[2:])
	if err != nil {
		return err
	}
	m := &classfile.Method{Name: args[0].Value, Desc: args[1].Value, Flags: flags}
	p.method = &methodState{
		m:       m,
		labels:  make(map[string]classfile.Label),
		defined: make(map[string]bool),
	}
	return nil
}

func (p *parser) flags(args []token.Token) (uint32, error) {
	var flags uint32
	for _, t := range args {
		f, ok := classfile.ParseFlag(t.Value)
		if !ok {
			return 0, p.errorf("unknown flag %q", t.Value)
		}
		flags |= f
	}
	return flags, nil
}

func (p *parser) label(name string) classfile.Label {
	ms := p.method
	if l, ok := ms.labels[name]; ok {
		return l
	}
	l := ms.m.NewLabel()
	ms.labels[name] = l
	return l
}

func (p *parser) parseBody(toks []token.Token) error {
	ms := p.method
	head := toks[0]
	if head.Type == token.Label {
		if ms.defined[head.Value] {
			return p.errorf("label %s defined twice", head.Value)
		}
		ms.defined[head.Value] = true
		ms.m.Code = append(ms.m.Code, classfile.Place(p.label(head.Value)))
		if len(toks) > 1 {
			return p.parseBody(toks[1:])
		}
		return nil
	}
	if head.Type != token.Word {
		return p.errorf("unexpected %s", head.Type)
	}
	args := toks[1:]

	switch head.Value {
	case "end":
		return p.endMethod()
	case "locals", "stack":
		if len(args) != 1 {
			return p.errorf("%s needs one number", head.Value)
		}
		n, err := strconv.ParseUint(args[0].Value, 10, 32)
		if err != nil {
			return p.errorf("%s: %v", head.Value, err)
		}
		if head.Value == "locals" {
			ms.m.MaxLocals = uint32(n)
		} else {
			ms.m.MaxStack = uint32(n)
		}
		ms.explicit = true
		return nil
	case "catch":
		if len(args) < 3 || len(args) > 4 {
			return p.errorf("catch needs start, end, handler and an optional type")
		}
		h := classfile.Handler{
			Start:  p.label(args[0].Value),
			End:    p.label(args[1].Value),
			Target: p.label(args[2].Value),
		}
		if len(args) == 4 {
			h.Type = args[3].Value
		}
		ms.m.Handlers = append(ms.m.Handlers, h)
		return nil
	}

	op, ok := classfile.LookupOpcode(head.Value)
	if !ok {
		return p.errorf("unknown instruction %q", head.Value)
	}
	ins, err := p.instruction(op, args)
	if err != nil {
		return err
	}
	ms.m.Code = append(ms.m.Code, ins)
	return nil
}

func (p *parser) endMethod() error {
	ms := p.method
	for name := range ms.labels {
		if !ms.defined[name] {
			return p.errorf("method %s: label %s used but not defined", ms.m.Name, name)
		}
	}
	if !ms.explicit {
		if err := classfile.ComputeMaxs(ms.m); err != nil {
			return p.errorf("method %s: %v", ms.m.Name, err)
		}
	}
	p.class.Methods = append(p.class.Methods, ms.m)
	p.method = nil
	return nil
}

func (p *parser) instruction(op classfile.Opcode, args []token.Token) (classfile.Instruction, error) {
	ins := classfile.Instruction{Op: op}
	want := func(n int) error {
		if len(args) != n {
			return p.errorf("%s takes %d operand(s), got %d", op, n, len(args))
		}
		return nil
	}
	u32 := func(s string) (uint32, error) {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, p.errorf("%s: %v", op, err)
		}
		return uint32(v), nil
	}
	i32 := func(s string) (int32, error) {
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, p.errorf("%s: %v", op, err)
		}
		return int32(v), nil
	}

	switch op {
	case classfile.OpIConst:
		if err := want(1); err != nil {
			return ins, err
		}
		v, err := i32(args[0].Value)
		if err != nil {
			return ins, err
		}
		ins.Imm = classfile.I32Imm{Value: v}
	case classfile.OpLConst:
		if err := want(1); err != nil {
			return ins, err
		}
		v, err := strconv.ParseInt(args[0].Value, 10, 64)
		if err != nil {
			return ins, p.errorf("%s: %v", op, err)
		}
		ins.Imm = classfile.I64Imm{Value: v}
	case classfile.OpFConst:
		if err := want(1); err != nil {
			return ins, err
		}
		v, err := strconv.ParseFloat(args[0].Value, 32)
		if err != nil {
			return ins, p.errorf("%s: %v", op, err)
		}
		ins.Imm = classfile.F32Imm{Value: float32(v)}
	case classfile.OpDConst:
		if err := want(1); err != nil {
			return ins, err
		}
		v, err := strconv.ParseFloat(args[0].Value, 64)
		if err != nil {
			return ins, p.errorf("%s: %v", op, err)
		}
		ins.Imm = classfile.F64Imm{Value: v}
	case classfile.OpSConst:
		if err := want(1); err != nil {
			return ins, err
		}
		if args[0].Type != token.String {
			return ins, p.errorf("sconst needs a quoted string")
		}
		s, err := strconv.Unquote(args[0].Value)
		if err != nil {
			return ins, p.errorf("sconst: %v", err)
		}
		ins.Imm = classfile.StringImm{Value: s}
	case classfile.OpILoad, classfile.OpLLoad, classfile.OpFLoad, classfile.OpDLoad, classfile.OpALoad,
		classfile.OpIStore, classfile.OpLStore, classfile.OpFStore, classfile.OpDStore, classfile.OpAStore:
		if err := want(1); err != nil {
			return ins, err
		}
		v, err := u32(args[0].Value)
		if err != nil {
			return ins, err
		}
		ins.Imm = classfile.LocalImm{Index: v}
	case classfile.OpIInc:
		if err := want(2); err != nil {
			return ins, err
		}
		idx, err := u32(args[0].Value)
		if err != nil {
			return ins, err
		}
		delta, err := i32(args[1].Value)
		if err != nil {
			return ins, err
		}
		ins.Imm = classfile.IIncImm{Index: idx, Delta: delta}
	case classfile.OpTableSwitch:
		if len(args) < 2 {
			return ins, p.errorf("tableswitch needs low, default and targets")
		}
		low, err := i32(args[0].Value)
		if err != nil {
			return ins, err
		}
		imm := classfile.SwitchImm{Low: low, Default: p.label(args[1].Value)}
		for _, t := range args[2:] {
			imm.Targets = append(imm.Targets, p.label(t.Value))
		}
		ins.Imm = imm
	case classfile.OpGetField, classfile.OpPutField, classfile.OpGetStatic, classfile.OpPutStatic:
		if err := want(2); err != nil {
			return ins, err
		}
		dot := strings.LastIndexByte(args[0].Value, '.')
		if dot <= 0 || len(args[1].Value) != 1 {
			return ins, p.errorf("%s needs owner.name and a type letter", op)
		}
		f := classfile.FieldImm{Owner: args[0].Value[:dot], Name: args[0].Value[dot+1:], Type: classfile.ValType(args[1].Value[0])}
		if !f.Type.Valid() {
			return ins, p.errorf("%s: invalid type %q", op, args[1].Value)
		}
		ins.Imm = f
	case classfile.OpNew, classfile.OpCheckCast, classfile.OpInstanceOf:
		if err := want(1); err != nil {
			return ins, err
		}
		ins.Imm = classfile.TypeImm{Class: args[0].Value}
	case classfile.OpInvokeStatic, classfile.OpInvokeVirtual, classfile.OpInvokeSpecial, classfile.OpInvokeInterface:
		if err := want(1); err != nil {
			return ins, err
		}
		ref, err := classfile.ParseMethodRef(args[0].Value)
		if err != nil {
			return ins, p.errorf("%v", err)
		}
		ins.Imm = ref
	case classfile.OpMark:
		if err := want(1); err != nil {
			return ins, err
		}
		v, err := u32(args[0].Value)
		if err != nil {
			return ins, err
		}
		ins.Imm = classfile.MarkImm{Site: v}
	default:
		if op.IsBranch() {
			if err := want(1); err != nil {
				return ins, err
			}
			ins.Imm = classfile.BranchImm{Target: p.label(args[0].Value)}
			return ins, nil
		}
		if err := want(0); err != nil {
			return ins, err
		}
	}
	return ins, nil
}
