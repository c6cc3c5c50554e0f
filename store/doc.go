// Package store persists ahead-of-time instrumentation results in SQLite.
//
// A build groups the call-site tables and suspendable verdicts produced by
// one instrumentation run. Verdicts from earlier builds can be loaded back
// into a classifier so later runs treat those methods as suspendable without
// re-deriving them.
package store
