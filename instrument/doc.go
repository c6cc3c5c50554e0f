// Package instrument rewrites compiled units so that methods calling
// suspendable code can be parked and resumed by the fiber runtime.
//
// An Instrumentor routes each unit through four phases:
//
//  1. Labeling: every call to a suspendable or possibly suspendable method
//     is tagged with a mark carrying its per-method ordinal.
//  2. Pre-offsets: the serialized offset of every tagged call is recorded.
//  3. Instrumentation: each method with tagged calls becomes a state machine
//     that saves its frame to the fiber stack before a tagged call and
//     restores it when the fiber resumes.
//  4. Post-offsets: the final offsets are recorded and matched one-to-one
//     against the pre-offsets.
//
// Every phase decodes the bytes the previous phase produced and encodes its
// own output. Classification verdicts and offset records live in a
// methoddb.MethodDatabase scoped to the caller's loading context.
//
// # Failure policy
//
// A failure in phase 3 on a class without tagged calls is tolerated: the
// unit is reported as Skipped and should not be installed. A failure on a
// class with tagged calls is fatal and returned to the caller. Classifier
// failures and consistency faults are always returned.
//
// # Usage
//
//	inst := instrument.New(instrument.Config{Check: true})
//	res, err := inst.Instrument(ctx, "app/Worker", data)
//	if err != nil {
//	    return err
//	}
//	switch res.Outcome {
//	case instrument.Transformed, instrument.Unchanged:
//	    install(res.Data)
//	case instrument.Skipped:
//	    // do not install
//	}
package instrument
