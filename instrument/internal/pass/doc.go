// Package pass holds the four phases of fiber instrumentation.
//
// Each phase is a Pass run over a freshly decoded class model. Phases share
// findings through a State that lives for one instrumentation call:
//
//	Labeler         tags suspendable call sites with mark instructions
//	OffsetRecorder  records the byte offset of every tagged call (pre and post)
//	Instrumenter    rewrites methods with tagged calls into state machines
//
// The orchestrator encodes the class after every phase and decodes it again
// before the next, so each phase sees exactly what the previous one wrote.
package pass
