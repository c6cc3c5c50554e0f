// Package codegen emits the instruction sequences of the fiber state machine.
//
// # Responsibilities
//
//   - Emit the dispatch prologue that jumps to a resume point
//   - Generate save and restore sequences against the fibers/Stack hooks
//   - Spill and reload the operand stack around a call site
//
// This package is internal to the instrumenter.
package codegen
