// Package classfile reads, writes and checks fbc compiled units.
//
// An fbc unit holds one class: a string pool, the class header, field
// declarations and methods with stack-machine bodies. Values are single-slot
// (I, J, F, D, A) and method descriptors look like "(IJA)V".
//
// # Decoding and encoding
//
//	c, err := classfile.Decode(data)
//	...
//	out, err := c.Encode()
//
// Decoding replaces branch offsets with labels (OpLabel pseudo instructions)
// and records the byte offset of every instruction in Method.Offsets.
// Encoding is deterministic: decoding and re-encoding a unit produced by
// Encode yields identical bytes.
//
// # Analysis
//
// Analyze runs abstract interpretation over a body and returns the frame
// (local and operand stack types) before every reachable instruction along
// with its control-flow graph. Verify applies it to every method and also
// checks declared limits and call-site marks. ComputeMaxs recomputes limits
// after a body has been rewritten.
//
// # Call-site marks
//
// OpMark carries a per-method ordinal and tags the invoke that follows it.
// The VM executes it as a no-op.
package classfile
