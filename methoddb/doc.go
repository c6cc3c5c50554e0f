// Package methoddb caches per-loading-context method metadata for the
// instrumentation pipeline.
//
// A LoadingContext is an isolated universe of loaded code. The Registry
// owns one MethodDatabase per context and holds the context only weakly:
// once the context is unreachable its database is evicted without any
// explicit call.
//
// A MethodDatabase maps class names to ClassEntry values. Each ClassEntry
// tracks whether the class requires instrumentation and an ordered set of
// MethodEntry values keyed by signature. A MethodEntry holds the method's
// classification, decided at most once per context, and the call-site
// records that map each suspendable call's offset before rewriting to its
// offset after rewriting.
//
// Classification is delegated to a Classifier on cache miss. Concurrent
// first queries for the same method collapse into a single classifier call.
package methoddb
