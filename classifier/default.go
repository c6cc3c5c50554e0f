package classifier

import (
	"fmt"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/methoddb"
)

// ParkPoints are the runtime methods that actually suspend a fiber.
var ParkPoints = []string{
	"fibers/Fiber.park",
	"fibers/Fiber.yield",
	"fibers/Fiber.sleep",
	"fibers/Fiber.join",
	"fibers/Fiber.parkAndUnpark",
}

var parkPoints = NewExactMatcher(ParkPoints)

// Default classifies by declaration: the suspendable access flag, the
// runtime park points, and optional suspendables and suspendable-supers lists.
type Default struct {
	suspendables MethodMatcher
	supers       MethodMatcher
}

// Option configures a Default classifier.
type Option func(*Default)

// WithSuspendables marks methods matching patterns as suspendable.
func WithSuspendables(patterns []string) Option {
	return func(d *Default) {
		d.suspendables = NewCompositeMatcher(d.suspendables, NewWildcardMatcher(patterns))
	}
}

// WithSuspendableSupers marks methods matching patterns as having suspendable overrides.
func WithSuspendableSupers(patterns []string) Option {
	return func(d *Default) {
		d.supers = NewCompositeMatcher(d.supers, NewWildcardMatcher(patterns))
	}
}

// WithMatcher adds an arbitrary matcher of suspendable methods.
func WithMatcher(m MethodMatcher) Option {
	return func(d *Default) {
		d.suspendables = NewCompositeMatcher(d.suspendables, m)
	}
}

// New creates a Default classifier.
func New(opts ...Option) *Default {
	d := &Default{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Classify implements methoddb.Classifier. When the query carries no method
// model, the context's class source is consulted for the owner.
func (d *Default) Classify(ctx *methoddb.LoadingContext, q methoddb.Query) (methoddb.Classification, error) {
	ref := q.Ref
	if parkPoints.MatchMethod(ref) {
		return methoddb.Suspendable, nil
	}

	m := q.Method
	if m == nil && q.Class == nil && ctx != nil && ctx.Source() != nil {
		c, err := ctx.Source().LoadClass(ref.Owner)
		if err != nil {
			return methoddb.Unknown, fmt.Errorf("load %s: %w", ref.Owner, err)
		}
		if c != nil {
			m = c.Method(ref.Name, ref.Desc)
		}
	}
	if m != nil && (m.Flags&classfile.AccSuspendable != 0 || m.Instrumented != nil) {
		return methoddb.Suspendable, nil
	}

	if d.suspendables != nil && d.suspendables.MatchMethod(ref) {
		return methoddb.Suspendable, nil
	}
	if d.supers != nil && d.supers.MatchMethod(ref) {
		return methoddb.SuspendableSuper, nil
	}
	return methoddb.NotSuspendable, nil
}
