package methoddb

import "github.com/wippyai/fibers/classfile"

// Classification is the suspendability verdict for one method.
type Classification int

const (
	// Unknown means no verdict has been cached yet.
	Unknown Classification = iota
	NotSuspendable
	// SuspendableSuper marks a virtual target whose overrides may suspend.
	SuspendableSuper
	Suspendable
)

func (c Classification) String() string {
	switch c {
	case NotSuspendable:
		return "not-suspendable"
	case SuspendableSuper:
		return "suspendable-super"
	case Suspendable:
		return "suspendable"
	}
	return "unknown"
}

// MaySuspend reports whether a call to a method with this verdict must be tagged.
func (c Classification) MaySuspend() bool {
	return c == Suspendable || c == SuspendableSuper
}

// Query describes the method being classified. Class and Method are set
// when the declaring class has been observed in this context.
type Query struct {
	Class  *classfile.Class
	Method *classfile.Method
	Ref    classfile.MethodRef
}

// Classifier decides whether a method is suspendable. It must be
// deterministic for a fixed context state and must not retain ctx.
type Classifier interface {
	Classify(ctx *LoadingContext, q Query) (Classification, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx *LoadingContext, q Query) (Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx *LoadingContext, q Query) (Classification, error) {
	return f(ctx, q)
}
