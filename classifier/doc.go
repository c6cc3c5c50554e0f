// Package classifier provides methoddb.Classifier implementations.
//
// Default decides from declarations alone: the suspendable access flag on a
// method, the runtime park points, and optional pattern lists loaded with
// ParseSuspendables. Transitive computes a whole-program closure over a set
// of classes so that every method which can reach a park point is
// suspendable without being declared so; it suits ahead-of-time builds.
//
// Pattern syntax:
//
//	owner.name(desc)   one method
//	owner.name         every overload
//	owner.*            every method of owner
//	*.name             name in any class
//	*                  everything
package classifier
