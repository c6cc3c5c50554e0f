package methoddb

import (
	"cmp"
	stderrors "errors"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
)

var errContextReclaimed = stderrors.New("loading context was reclaimed")

// MethodDatabase holds the metadata of every class seen in one loading context.
type MethodDatabase struct {
	ctx        weak.Pointer[LoadingContext]
	classifier Classifier
	name       string

	mu      sync.RWMutex
	classes map[string]*ClassEntry

	group singleflight.Group
	calls atomic.Int64
}

func newMethodDatabase(ctx *LoadingContext, classifier Classifier) *MethodDatabase {
	return &MethodDatabase{
		ctx:        weak.Make(ctx),
		classifier: classifier,
		name:       ctx.Name(),
		classes:    make(map[string]*ClassEntry),
	}
}

// Name returns the name of the owning context.
func (db *MethodDatabase) Name() string {
	return db.name
}

// Context returns the owning context, or nil once it has been reclaimed.
func (db *MethodDatabase) Context() *LoadingContext {
	return db.ctx.Value()
}

// EntryFor returns the entry for className, creating an empty one on first access.
func (db *MethodDatabase) EntryFor(className string) *ClassEntry {
	db.mu.RLock()
	ce := db.classes[className]
	db.mu.RUnlock()
	if ce != nil {
		return ce
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if ce = db.classes[className]; ce != nil {
		return ce
	}
	ce = newClassEntry(className)
	db.classes[className] = ce
	return ce
}

// ClassEntry returns the entry for className without creating it.
func (db *MethodDatabase) ClassEntry(className string) *ClassEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.classes[className]
}

// Classes returns all entries sorted by class name.
func (db *MethodDatabase) Classes() []*ClassEntry {
	db.mu.RLock()
	out := make([]*ClassEntry, 0, len(db.classes))
	for _, ce := range db.classes {
		out = append(out, ce)
	}
	db.mu.RUnlock()
	slices.SortFunc(out, func(a, b *ClassEntry) int { return cmp.Compare(a.name, b.name) })
	return out
}

// Observe records the model of a class being instrumented so later
// classification queries for its methods carry it.
func (db *MethodDatabase) Observe(c *classfile.Class) *ClassEntry {
	ce := db.EntryFor(c.Name)
	ce.observe(c)
	return ce
}

// Classify returns the cached verdict for ref, consulting the classifier on
// first use. At most one verdict is ever cached per method; concurrent first
// queries share one classifier call. Classifier errors are not cached.
func (db *MethodDatabase) Classify(ref classfile.MethodRef) (Classification, error) {
	ce := db.EntryFor(ref.Owner)
	sig := ref.Signature()
	if me := ce.Method(sig); me != nil {
		if c := me.Classification(); c != Unknown {
			return c, nil
		}
	}

	v, err, _ := db.group.Do(ref.String(), func() (any, error) {
		if me := ce.Method(sig); me != nil {
			if c := me.Classification(); c != Unknown {
				return c, nil
			}
		}
		ctx := db.ctx.Value()
		if ctx == nil {
			return Unknown, errors.Classification(ref.Owner, sig, errContextReclaimed)
		}
		q := Query{Ref: ref}
		if q.Class = ce.Class(); q.Class != nil {
			q.Method = q.Class.Method(ref.Name, ref.Desc)
		}
		db.calls.Add(1)
		c, err := db.classifier.Classify(ctx, q)
		if err != nil {
			return Unknown, errors.Classification(ref.Owner, sig, err)
		}
		if c == Unknown {
			return Unknown, errors.New(errors.PhaseClassify, errors.KindClassification).
				Class(ref.Owner).Method(sig).Detail("classifier returned no verdict").Build()
		}
		return ce.settle(sig, c), nil
	})
	if err != nil {
		return Unknown, err
	}
	return v.(Classification), nil
}

// RecordOffsets stores the tagged call-site offsets of ref for phase.
// PhasePre replaces any pending list. PhasePost must match the pending
// list in length, marker ordinals and targets; on success the pairs become
// the method's call sites, otherwise the method is flagged inconsistent and
// an inconsistency error is returned.
func (db *MethodDatabase) RecordOffsets(ref classfile.MethodRef, phase Phase, sites []SiteOffset) error {
	return db.EntryFor(ref.Owner).recordOffsets(ref.Signature(), phase, sites)
}

// ClassifierCalls returns how many times the classifier has been consulted.
func (db *MethodDatabase) ClassifierCalls() int64 {
	return db.calls.Load()
}
