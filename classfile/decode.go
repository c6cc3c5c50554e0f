package classfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/wippyai/fibers/classfile/internal/binary"
)

// Parsing errors returned by Decode.
var (
	ErrInvalidMagic   = errors.New("invalid fbc magic number")
	ErrInvalidVersion = errors.New("invalid fbc version")
)

// Decode parses an fbc compiled unit.
func Decode(data []byte) (*Class, error) {
	r := binary.NewReader(bytes.NewReader(data))

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	c := &Class{}
	d := &decoder{}
	var last byte
	sawClass := false

	for {
		id, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, r.WrapError("section header", err)
		}

		// Custom sections can appear anywhere
		if id != SectionCustom {
			if id <= last {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			last = id
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}
		sr := binary.NewReader(bytes.NewReader(payload))

		switch id {
		case SectionCustom:
			name, err := sr.ReadName()
			if err != nil {
				return nil, fmt.Errorf("custom section: %w", err)
			}
			c.Custom = append(c.Custom, CustomSection{Name: name, Data: payload[sr.Position():]})
		case SectionPool:
			if err := d.parsePool(sr); err != nil {
				return nil, fmt.Errorf("pool section: %w", err)
			}
		case SectionClass:
			if err := d.parseClass(sr, c); err != nil {
				return nil, fmt.Errorf("class section: %w", err)
			}
			sawClass = true
		case SectionFields:
			if err := d.parseFields(sr, c); err != nil {
				return nil, fmt.Errorf("fields section: %w", err)
			}
		case SectionMethods:
			if err := d.parseMethods(sr, c); err != nil {
				return nil, fmt.Errorf("methods section: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown section ID: 0x%02x", id)
		}
		if id != SectionCustom && sr.Len() != 0 {
			return nil, fmt.Errorf("section %d: %d trailing bytes", id, sr.Len())
		}
	}

	if !sawClass {
		return nil, errors.New("missing class section")
	}
	return c, nil
}

type decoder struct {
	strs []string
}

func (d *decoder) parsePool(r *binary.Reader) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(n) > r.Len() {
		return fmt.Errorf("pool count %d exceeds section size", n)
	}
	d.strs = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		d.strs = append(d.strs, s)
	}
	return nil
}

func (d *decoder) str(r *binary.Reader) (string, error) {
	i, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if int(i) >= len(d.strs) {
		return "", fmt.Errorf("pool index %d out of range (%d entries)", i, len(d.strs))
	}
	return d.strs[i], nil
}

func (d *decoder) optional(r *binary.Reader) (string, error) {
	i, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if i == 0 {
		return "", nil
	}
	if int(i-1) >= len(d.strs) {
		return "", fmt.Errorf("pool index %d out of range (%d entries)", i-1, len(d.strs))
	}
	return d.strs[i-1], nil
}

func (d *decoder) methodRef(r *binary.Reader) (MethodRef, error) {
	var ref MethodRef
	var err error
	if ref.Owner, err = d.str(r); err != nil {
		return ref, err
	}
	if ref.Name, err = d.str(r); err != nil {
		return ref, err
	}
	ref.Desc, err = d.str(r)
	return ref, err
}

func (d *decoder) parseClass(r *binary.Reader, c *Class) error {
	var err error
	if c.Flags, err = r.ReadU32(); err != nil {
		return err
	}
	if c.Name, err = d.str(r); err != nil {
		return err
	}
	if c.Super, err = d.optional(r); err != nil {
		return err
	}
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		iface, err := d.str(r)
		if err != nil {
			return fmt.Errorf("interface %d: %w", i, err)
		}
		c.Interfaces = append(c.Interfaces, iface)
	}
	return nil
}

func (d *decoder) parseFields(r *binary.Reader, c *Class) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		var f Field
		if f.Flags, err = r.ReadU32(); err != nil {
			return err
		}
		if f.Name, err = d.str(r); err != nil {
			return err
		}
		t, err := r.ReadByte()
		if err != nil {
			return err
		}
		f.Type = ValType(t)
		if !f.Type.Valid() {
			return fmt.Errorf("field %s: invalid type 0x%02x", f.Name, t)
		}
		c.Fields = append(c.Fields, f)
	}
	return nil
}

func (d *decoder) parseMethods(r *binary.Reader, c *Class) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		m, err := d.parseMethod(r)
		if err != nil {
			return fmt.Errorf("method %d: %w", i, err)
		}
		c.Methods = append(c.Methods, m)
	}
	return nil
}

func (d *decoder) parseMethod(r *binary.Reader) (*Method, error) {
	m := &Method{}
	var err error
	if m.Flags, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if m.Name, err = d.str(r); err != nil {
		return nil, err
	}
	if m.Desc, err = d.str(r); err != nil {
		return nil, err
	}
	if m.MaxLocals, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if m.MaxStack, err = r.ReadU32(); err != nil {
		return nil, err
	}
	codeLen, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	code, err := r.ReadBytes(int(codeLen))
	if err != nil {
		return nil, err
	}

	nh, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	// start, end, target and type take at least one byte each
	if uint64(nh)*4 > uint64(r.Len()) {
		return nil, fmt.Errorf("handler count %d exceeds method size", nh)
	}
	type rawHandler struct {
		start, end, target uint32
		typ                string
	}
	raws := make([]rawHandler, 0, nh)
	for i := uint32(0); i < nh; i++ {
		var h rawHandler
		if h.start, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if h.end, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if h.target, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if h.typ, err = d.optional(r); err != nil {
			return nil, err
		}
		raws = append(raws, h)
	}

	body, err := d.decodeCode(code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name+m.Desc, err)
	}
	for _, h := range raws {
		body.want(int(h.start))
		body.want(int(h.end))
		body.want(int(h.target))
	}
	labels, err := body.place(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name+m.Desc, err)
	}
	for _, h := range raws {
		m.Handlers = append(m.Handlers, Handler{
			Start:  labels[int(h.start)],
			End:    labels[int(h.end)],
			Target: labels[int(h.target)],
			Type:   h.typ,
		})
	}

	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 1 {
		info := &InstrumentedInfo{}
		aot, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		info.AOT = aot == 1
		ns, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < ns; i++ {
			var s InstrumentedSite
			if s.Target, err = d.methodRef(r); err != nil {
				return nil, err
			}
			if s.Pre, err = r.ReadU32(); err != nil {
				return nil, err
			}
			if s.Post, err = r.ReadU32(); err != nil {
				return nil, err
			}
			info.Sites = append(info.Sites, s)
		}
		m.Instrumented = info
	} else if flag != 0 {
		return nil, fmt.Errorf("invalid instrumented flag %d", flag)
	}
	return m, nil
}

// rawBody is a decoded instruction stream whose branch targets are still byte offsets.
type rawBody struct {
	instrs  []Instruction
	offsets []int
	// branch targets per instruction, parallel to instrs
	targets [][]int
	wanted  map[int]bool
	size    int
}

func (b *rawBody) want(off int) {
	b.wanted[off] = true
}

// place converts offsets to labels and builds the method's code.
func (b *rawBody) place(m *Method) (map[int]Label, error) {
	boundary := make(map[int]bool, len(b.offsets)+1)
	for _, off := range b.offsets {
		boundary[off] = true
	}
	boundary[b.size] = true

	sorted := make([]int, 0, len(b.wanted))
	for off := range b.wanted {
		if !boundary[off] {
			return nil, fmt.Errorf("target offset %d is not an instruction boundary", off)
		}
		sorted = append(sorted, off)
	}
	sort.Ints(sorted)
	labels := make(map[int]Label, len(sorted))
	for i, off := range sorted {
		labels[off] = Label(i)
	}

	code := make([]Instruction, 0, len(b.instrs)+len(sorted))
	offsets := make([]int, 0, cap(code))
	next := 0
	emitLabels := func(upTo int) {
		for next < len(sorted) && sorted[next] <= upTo {
			code = append(code, Place(Label(next)))
			offsets = append(offsets, sorted[next])
			next++
		}
	}
	for i, ins := range b.instrs {
		emitLabels(b.offsets[i])
		switch imm := ins.Imm.(type) {
		case BranchImm:
			imm.Target = labels[b.targets[i][0]]
			ins.Imm = imm
		case SwitchImm:
			imm.Default = labels[b.targets[i][0]]
			imm.Targets = make([]Label, len(b.targets[i])-1)
			for j, off := range b.targets[i][1:] {
				imm.Targets[j] = labels[off]
			}
			ins.Imm = imm
		}
		code = append(code, ins)
		offsets = append(offsets, b.offsets[i])
	}
	emitLabels(b.size)

	if len(code) > 0 {
		m.Code = code
		m.Offsets = offsets
	}
	m.nextLabel = Label(len(sorted))
	m.labelScanned = true
	return labels, nil
}

func (d *decoder) decodeCode(code []byte) (*rawBody, error) {
	r := binary.NewReader(bytes.NewReader(code))
	b := &rawBody{wanted: make(map[int]bool), size: len(code)}
	for r.Len() > 0 {
		pc := r.Position()
		opb, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		op := Opcode(opb)
		info, ok := opTable[op]
		if !ok {
			return nil, fmt.Errorf("unknown opcode 0x%02x at offset %d", opb, pc)
		}
		ins := Instruction{Op: op}
		var targets []int
		readTarget := func() error {
			off, err := r.ReadU32LE()
			if err != nil {
				return err
			}
			if int(off) > len(code) {
				return fmt.Errorf("branch target %d beyond code end %d", off, len(code))
			}
			targets = append(targets, int(off))
			b.want(int(off))
			return nil
		}

		switch info.imm {
		case immNone:
		case immI32:
			v, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			ins.Imm = I32Imm{Value: v}
		case immI64:
			v, err := r.ReadS64()
			if err != nil {
				return nil, err
			}
			ins.Imm = I64Imm{Value: v}
		case immF32:
			v, err := r.ReadU32LE()
			if err != nil {
				return nil, err
			}
			ins.Imm = F32Imm{Value: math.Float32frombits(v)}
		case immF64:
			v, err := r.ReadU64LE()
			if err != nil {
				return nil, err
			}
			ins.Imm = F64Imm{Value: math.Float64frombits(v)}
		case immString:
			s, err := d.str(r)
			if err != nil {
				return nil, err
			}
			ins.Imm = StringImm{Value: s}
		case immLocal:
			v, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			ins.Imm = LocalImm{Index: v}
		case immIInc:
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			delta, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			ins.Imm = IIncImm{Index: idx, Delta: delta}
		case immBranch:
			if err := readTarget(); err != nil {
				return nil, err
			}
			ins.Imm = BranchImm{}
		case immSwitch:
			low, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			n, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			if int(n)*4 > r.Len() {
				return nil, fmt.Errorf("tableswitch with %d targets exceeds code size", n)
			}
			for i := uint32(0); i <= n; i++ {
				if err := readTarget(); err != nil {
					return nil, err
				}
			}
			ins.Imm = SwitchImm{Low: low}
		case immField:
			var f FieldImm
			if f.Owner, err = d.str(r); err != nil {
				return nil, err
			}
			if f.Name, err = d.str(r); err != nil {
				return nil, err
			}
			t, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			f.Type = ValType(t)
			if !f.Type.Valid() {
				return nil, fmt.Errorf("field %s.%s: invalid type 0x%02x", f.Owner, f.Name, t)
			}
			ins.Imm = f
		case immType:
			s, err := d.str(r)
			if err != nil {
				return nil, err
			}
			ins.Imm = TypeImm{Class: s}
		case immMethod:
			ref, err := d.methodRef(r)
			if err != nil {
				return nil, err
			}
			ins.Imm = ref
		case immMark:
			v, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			ins.Imm = MarkImm{Site: v}
		}
		b.instrs = append(b.instrs, ins)
		b.offsets = append(b.offsets, pc)
		b.targets = append(b.targets, targets)
	}
	return b, nil
}
