// Package fasm assembles the fbc text format into compiled units.
//
// It exists so tests, examples and tooling can write class bodies by hand:
//
//	data, err := fasm.Compile(`
//	class app/Worker
//	method run ()V static
//	    invokestatic fibers/Fiber.park()V
//	    return
//	end`)
//
// Syntax, one directive per line, ';' starts a comment:
//   - class NAME [extends SUPER] [implements IFACE...] [flags]
//   - field NAME TYPE [flags]
//   - method NAME DESC [flags] ... end
//   - inside a method: "locals N", "stack N", "NAME:" label definitions,
//     "catch START END HANDLER [TYPE]" and one instruction per line
//
// Flags are public, private, static, final, synchronized, native,
// interface, abstract and suspendable. The disassembler in package
// classfile prints this syntax.
package fasm
