package methoddb

import (
	"fmt"
	"slices"
	"sync"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
)

// Phase selects which offset list RecordOffsets fills.
type Phase int

const (
	// PhasePre records offsets before the state-machine rewrite.
	PhasePre Phase = iota
	// PhasePost records offsets after the rewrite and commits call sites.
	PhasePost
)

func (p Phase) String() string {
	if p == PhasePre {
		return "pre"
	}
	return "post"
}

// SiteOffset is one tagged call site seen by an offset recorder.
type SiteOffset struct {
	Target classfile.MethodRef
	Offset int
	Site   uint32
}

// CallSite maps one suspendable call from its original offset to its final offset.
type CallSite struct {
	Target   classfile.MethodRef
	Original int
	Final    int
}

// MethodEntry is the cached metadata of one method.
type MethodEntry struct {
	signature string

	mu             sync.Mutex
	classification Classification
	pre            []SiteOffset
	sites          []CallSite
	inconsistent   bool
}

// Signature returns "name(desc)".
func (me *MethodEntry) Signature() string {
	return me.signature
}

// Classification returns the cached verdict, or Unknown.
func (me *MethodEntry) Classification() Classification {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.classification
}

// CallSites returns the committed call-site records in program order.
func (me *MethodEntry) CallSites() []CallSite {
	me.mu.Lock()
	defer me.mu.Unlock()
	return slices.Clone(me.sites)
}

// Inconsistent reports whether the last post offsets failed to match the pre offsets.
func (me *MethodEntry) Inconsistent() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.inconsistent
}

// ClassEntry is the cached metadata of one class.
type ClassEntry struct {
	name string

	mu       sync.RWMutex
	requires bool
	class    *classfile.Class
	methods  map[string]*MethodEntry
	order    []*MethodEntry
}

func newClassEntry(name string) *ClassEntry {
	return &ClassEntry{name: name, methods: make(map[string]*MethodEntry)}
}

// Name returns the internal class name.
func (ce *ClassEntry) Name() string {
	return ce.name
}

// RequiresInstrumentation reports whether any method of the class is or may be suspendable.
func (ce *ClassEntry) RequiresInstrumentation() bool {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.requires
}

// SetRequiresInstrumentation marks the class as containing suspendable code.
func (ce *ClassEntry) SetRequiresInstrumentation() {
	ce.mu.Lock()
	ce.requires = true
	ce.mu.Unlock()
}

// Method returns the entry for signature, or nil.
func (ce *ClassEntry) Method(signature string) *MethodEntry {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.methods[signature]
}

// Methods returns the method entries in first-seen order.
func (ce *ClassEntry) Methods() []*MethodEntry {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return slices.Clone(ce.order)
}

// Class returns the observed class model, or nil.
func (ce *ClassEntry) Class() *classfile.Class {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.class
}

func (ce *ClassEntry) observe(c *classfile.Class) {
	ce.mu.Lock()
	ce.class = c
	ce.mu.Unlock()
}

func (ce *ClassEntry) entry(signature string) *MethodEntry {
	ce.mu.RLock()
	me := ce.methods[signature]
	ce.mu.RUnlock()
	if me != nil {
		return me
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if me = ce.methods[signature]; me != nil {
		return me
	}
	me = &MethodEntry{signature: signature}
	ce.methods[signature] = me
	ce.order = append(ce.order, me)
	return me
}

// settle stores c unless a verdict already exists and returns the stored verdict.
func (ce *ClassEntry) settle(signature string, c Classification) Classification {
	me := ce.entry(signature)
	me.mu.Lock()
	if me.classification == Unknown {
		me.classification = c
	}
	got := me.classification
	me.mu.Unlock()

	if got.MaySuspend() {
		ce.SetRequiresInstrumentation()
	}
	return got
}

func (ce *ClassEntry) recordOffsets(signature string, phase Phase, sites []SiteOffset) error {
	me := ce.entry(signature)
	me.mu.Lock()
	defer me.mu.Unlock()

	if phase == PhasePre {
		me.pre = slices.Clone(sites)
		return nil
	}

	fail := func(format string, args ...any) error {
		me.inconsistent = true
		return errors.Inconsistent(errors.PhasePostOffsets, ce.name, signature, fmt.Sprintf(format, args...))
	}
	if me.pre == nil && len(sites) > 0 {
		return fail("post offsets recorded without pre offsets")
	}
	if len(me.pre) != len(sites) {
		return fail("%d call sites after rewrite, %d before", len(sites), len(me.pre))
	}
	out := make([]CallSite, len(sites))
	for i, post := range sites {
		pre := me.pre[i]
		if pre.Site != post.Site || pre.Target != post.Target {
			return fail("call site %d: %s (mark %d) before rewrite, %s (mark %d) after", i, pre.Target, pre.Site, post.Target, post.Site)
		}
		out[i] = CallSite{Target: post.Target, Original: pre.Offset, Final: post.Offset}
	}
	me.sites = out
	me.inconsistent = false
	return nil
}
