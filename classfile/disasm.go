package classfile

import (
	"fmt"
	"io"
	"strings"
)

// Disassemble writes c in assembler syntax. Decoded byte offsets and
// resume tables are emitted as comments, so the output assembles back.
func Disassemble(w io.Writer, c *Class) error {
	ew := &errWriter{w: w}

	ew.printf("class %s", c.Name)
	if c.Super != "" {
		ew.printf(" extends %s", c.Super)
	}
	if len(c.Interfaces) > 0 {
		ew.printf(" implements %s", strings.Join(c.Interfaces, " "))
	}
	writeFlags(ew, c.Flags)
	ew.printf("\n")

	for _, f := range c.Fields {
		ew.printf("field %s %s", f.Name, f.Type)
		writeFlags(ew, f.Flags)
		ew.printf("\n")
	}

	for _, m := range c.Methods {
		ew.printf("\nmethod %s %s", m.Name, m.Desc)
		writeFlags(ew, m.Flags)
		ew.printf("\n")
		if m.Instrumented != nil {
			ew.printf("  ; instrumented aot=%t sites=%d\n", m.Instrumented.AOT, len(m.Instrumented.Sites))
			for i, s := range m.Instrumented.Sites {
				ew.printf("  ;   site %d %s pre=%d post=%d\n", i, s.Target, s.Pre, s.Post)
			}
		}
		if !m.HasCode() {
			ew.printf("end\n")
			continue
		}
		ew.printf("  locals %d\n  stack %d\n", m.MaxLocals, m.MaxStack)
		for i, ins := range m.Code {
			if ins.Op == OpLabel {
				ew.printf("  %s\n", ins)
				continue
			}
			if m.Offsets != nil {
				ew.printf("    %-40s ; @%d\n", ins, m.Offsets[i])
			} else {
				ew.printf("    %s\n", ins)
			}
		}
		for _, h := range m.Handlers {
			ew.printf("  catch L%d L%d L%d", h.Start, h.End, h.Target)
			if h.Type != "" {
				ew.printf(" %s", h.Type)
			}
			ew.printf("\n")
		}
		ew.printf("end\n")
	}
	return ew.err
}

func writeFlags(ew *errWriter, flags uint32) {
	for _, name := range FlagNames(flags) {
		ew.printf(" %s", name)
	}
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
