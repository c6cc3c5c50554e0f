// Package fibers instruments compiled units so that plain methods can be
// suspended and resumed by a fiber runtime without a native continuation.
//
// A method that may call suspendable code is rewritten into a state machine:
// before each suspendable call it saves its live locals and operand stack
// to the fiber's stack, and on resume it jumps straight back to the call
// with its frame restored.
//
// # Architecture Overview
//
// The module is organized into packages with distinct responsibilities:
//
//	fibers/
//	├── classfile/     fbc compiled-unit model, codec, frame analysis, verifier
//	├── fasm/          text assembler for fbc units
//	├── methoddb/      per-loading-context method metadata cache
//	├── classifier/    suspendable classifiers and method matchers
//	├── instrument/    four-phase instrumentation pipeline
//	├── store/         SQLite record of ahead-of-time builds
//	├── errors/        structured error types for debugging
//	└── cmd/fiberc/    command line front end
//
// # Quick Start
//
// Instrument a unit as it is loaded:
//
//	inst := instrument.New(instrument.Config{Check: true})
//	ctx := methoddb.NewLoadingContext("app", nil)
//
//	res, err := inst.Instrument(ctx, "app/Worker", data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if res.Outcome != instrument.Skipped {
//	    install(res.Data)
//	}
//
// # Runtime contract
//
// Rewritten code calls static hooks on fibers/Stack: getStack, nextMethodEntry,
// pushMethod, popMethod and typed put/get accessors. Calls to
// fibers/Fiber.park, yield, sleep, join and parkAndUnpark are the points
// where a fiber actually suspends.
package fibers
