// Package errors provides structured error types for the fibers instrumentor.
//
// Errors are categorized by Phase (which pipeline stage failed) and Kind (error
// category). The Error type carries the class and method being processed, a
// detail message and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseInstrument, errors.KindRewrite).
//		Class("app/Worker").
//		Method("run()V").
//		Detail("monitor use in suspendable method").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Inconsistent(errors.PhasePostOffsets, "app/Worker", "run()V", "site count 2 != 1")
//	err := errors.InvalidData(errors.PhaseDecode, "truncated method body")
//
// All errors implement the standard error interface and support errors.Is/As.
// Two errors match under errors.Is when their Phase and Kind are equal.
package errors
