package classfile

import (
	"fmt"

	"github.com/wippyai/fibers/classfile/internal/binary"
)

// pool interns strings in first-use order so encoding is deterministic.
type pool struct {
	idx  map[string]uint32
	strs []string
}

func newPool() *pool {
	return &pool{idx: make(map[string]uint32)}
}

func (p *pool) add(s string) uint32 {
	if i, ok := p.idx[s]; ok {
		return i
	}
	i := uint32(len(p.strs))
	p.idx[s] = i
	p.strs = append(p.strs, s)
	return i
}

// Encode serializes the class to the fbc binary format.
func (c *Class) Encode() ([]byte, error) {
	p := newPool()

	cw := binary.NewWriter()
	cw.WriteU32(c.Flags)
	cw.WriteU32(p.add(c.Name))
	writeOptional(cw, p, c.Super)
	cw.WriteU32(uint32(len(c.Interfaces)))
	for _, iface := range c.Interfaces {
		cw.WriteU32(p.add(iface))
	}

	var fw *binary.Writer
	if len(c.Fields) > 0 {
		fw = binary.NewWriter()
		fw.WriteU32(uint32(len(c.Fields)))
		for _, f := range c.Fields {
			if !f.Type.Valid() {
				return nil, fmt.Errorf("field %s: invalid type %s", f.Name, f.Type)
			}
			fw.WriteU32(f.Flags)
			fw.WriteU32(p.add(f.Name))
			fw.Byte(byte(f.Type))
		}
	}

	var mw *binary.Writer
	if len(c.Methods) > 0 {
		mw = binary.NewWriter()
		mw.WriteU32(uint32(len(c.Methods)))
		for _, m := range c.Methods {
			if err := encodeMethod(mw, p, m); err != nil {
				return nil, fmt.Errorf("method %s: %w", m.Signature(), err)
			}
		}
	}

	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	pw := binary.NewWriter()
	pw.WriteU32(uint32(len(p.strs)))
	for _, s := range p.strs {
		pw.WriteName(s)
	}
	writeSection(w, SectionPool, pw.Bytes())
	writeSection(w, SectionClass, cw.Bytes())
	if fw != nil {
		writeSection(w, SectionFields, fw.Bytes())
	}
	if mw != nil {
		writeSection(w, SectionMethods, mw.Bytes())
	}
	for _, cs := range c.Custom {
		sw := binary.NewWriter()
		sw.WriteName(cs.Name)
		sw.WriteBytes(cs.Data)
		writeSection(w, SectionCustom, sw.Bytes())
	}
	return w.Bytes(), nil
}

func writeSection(w *binary.Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(data)))
	w.WriteBytes(data)
}

// writeOptional writes a pool index plus one, or zero for the empty string.
func writeOptional(w *binary.Writer, p *pool, s string) {
	if s == "" {
		w.WriteU32(0)
		return
	}
	w.WriteU32(p.add(s) + 1)
}

func encodeMethod(w *binary.Writer, p *pool, m *Method) error {
	w.WriteU32(m.Flags)
	w.WriteU32(p.add(m.Name))
	w.WriteU32(p.add(m.Desc))
	w.WriteU32(m.MaxLocals)
	w.WriteU32(m.MaxStack)

	code, labels, err := encodeCode(p, m.Code)
	if err != nil {
		return err
	}
	w.WriteU32(uint32(len(code)))
	w.WriteBytes(code)

	w.WriteU32(uint32(len(m.Handlers)))
	for i, h := range m.Handlers {
		for _, l := range []Label{h.Start, h.End, h.Target} {
			off, ok := labels[l]
			if !ok {
				return fmt.Errorf("handler %d: undefined label L%d", i, l)
			}
			w.WriteU32(uint32(off))
		}
		writeOptional(w, p, h.Type)
	}

	if m.Instrumented == nil {
		w.Byte(0)
		return nil
	}
	w.Byte(1)
	if m.Instrumented.AOT {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
	w.WriteU32(uint32(len(m.Instrumented.Sites)))
	for _, s := range m.Instrumented.Sites {
		writeMethodRef(w, p, s.Target)
		w.WriteU32(s.Pre)
		w.WriteU32(s.Post)
	}
	return nil
}

func writeMethodRef(w *binary.Writer, p *pool, ref MethodRef) {
	w.WriteU32(p.add(ref.Owner))
	w.WriteU32(p.add(ref.Name))
	w.WriteU32(p.add(ref.Desc))
}

// encodeCode lays out the body and returns its bytes plus the offset of every label.
func encodeCode(p *pool, code []Instruction) ([]byte, map[Label]int, error) {
	labels := make(map[Label]int)
	pc := 0
	for i, ins := range code {
		if l, ok := ins.Label(); ok {
			if _, dup := labels[l]; dup {
				return nil, nil, fmt.Errorf("label L%d defined twice", l)
			}
			labels[l] = pc
			continue
		}
		n, err := instrSize(p, ins)
		if err != nil {
			return nil, nil, fmt.Errorf("instruction %d (%s): %w", i, ins.Op, err)
		}
		pc += n
	}

	w := binary.NewWriter()
	for i, ins := range code {
		if ins.Op == OpLabel {
			continue
		}
		if err := writeInstr(w, p, ins, labels); err != nil {
			return nil, nil, fmt.Errorf("instruction %d (%s): %w", i, ins.Op, err)
		}
	}
	return w.Bytes(), labels, nil
}

func instrSize(p *pool, ins Instruction) (int, error) {
	info, ok := opTable[ins.Op]
	if !ok {
		return 0, fmt.Errorf("unknown opcode 0x%02x", byte(ins.Op))
	}
	n := 1
	switch info.imm {
	case immNone:
		if ins.Imm != nil {
			return 0, errImm(ins)
		}
	case immI32:
		imm, ok := ins.Imm.(I32Imm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeS64(int64(imm.Value))
	case immI64:
		imm, ok := ins.Imm.(I64Imm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeS64(imm.Value)
	case immF32:
		if _, ok := ins.Imm.(F32Imm); !ok {
			return 0, errImm(ins)
		}
		n += 4
	case immF64:
		if _, ok := ins.Imm.(F64Imm); !ok {
			return 0, errImm(ins)
		}
		n += 8
	case immString:
		imm, ok := ins.Imm.(StringImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(p.add(imm.Value))
	case immLocal:
		imm, ok := ins.Imm.(LocalImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(imm.Index)
	case immIInc:
		imm, ok := ins.Imm.(IIncImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(imm.Index) + binary.SizeS64(int64(imm.Delta))
	case immBranch:
		if _, ok := ins.Imm.(BranchImm); !ok {
			return 0, errImm(ins)
		}
		n += 4
	case immSwitch:
		imm, ok := ins.Imm.(SwitchImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeS64(int64(imm.Low)) + binary.SizeU32(uint32(len(imm.Targets))) + 4 + 4*len(imm.Targets)
	case immField:
		imm, ok := ins.Imm.(FieldImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(p.add(imm.Owner)) + binary.SizeU32(p.add(imm.Name)) + 1
	case immType:
		imm, ok := ins.Imm.(TypeImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(p.add(imm.Class))
	case immMethod:
		ref, ok := ins.Imm.(MethodRef)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(p.add(ref.Owner)) + binary.SizeU32(p.add(ref.Name)) + binary.SizeU32(p.add(ref.Desc))
	case immMark:
		imm, ok := ins.Imm.(MarkImm)
		if !ok {
			return 0, errImm(ins)
		}
		n += binary.SizeU32(imm.Site)
	}
	return n, nil
}

func writeInstr(w *binary.Writer, p *pool, ins Instruction, labels map[Label]int) error {
	w.Byte(byte(ins.Op))
	target := func(l Label) error {
		off, ok := labels[l]
		if !ok {
			return fmt.Errorf("undefined label L%d", l)
		}
		w.WriteU32LE(uint32(off))
		return nil
	}
	switch imm := ins.Imm.(type) {
	case nil:
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteU32LE(f32Bits(imm.Value))
	case F64Imm:
		w.WriteU64LE(f64Bits(imm.Value))
	case StringImm:
		w.WriteU32(p.add(imm.Value))
	case LocalImm:
		w.WriteU32(imm.Index)
	case IIncImm:
		w.WriteU32(imm.Index)
		w.WriteS32(imm.Delta)
	case BranchImm:
		return target(imm.Target)
	case SwitchImm:
		w.WriteS32(imm.Low)
		w.WriteU32(uint32(len(imm.Targets)))
		if err := target(imm.Default); err != nil {
			return err
		}
		for _, t := range imm.Targets {
			if err := target(t); err != nil {
				return err
			}
		}
	case FieldImm:
		w.WriteU32(p.add(imm.Owner))
		w.WriteU32(p.add(imm.Name))
		w.Byte(byte(imm.Type))
	case TypeImm:
		w.WriteU32(p.add(imm.Class))
	case MethodRef:
		writeMethodRef(w, p, imm)
	case MarkImm:
		w.WriteU32(imm.Site)
	default:
		return errImm(ins)
	}
	return nil
}

func errImm(ins Instruction) error {
	return fmt.Errorf("%s: unexpected immediate %T", ins.Op, ins.Imm)
}
