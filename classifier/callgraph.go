package classifier

import (
	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/methoddb"
)

// CallGraph represents the method call relationships of a set of classes.
// Maps each method to the methods it may directly transfer control to.
// A virtual or interface call also reaches every override declared in the set.
type CallGraph map[classfile.MethodRef][]classfile.MethodRef

// BuildCallGraph analyzes classes and constructs a call graph.
//
// Every declared method gets a node. Every declared method also gets an
// edge to each override in a subclass within the set, so an abstract or
// interface method reaches the implementations that may run in its place.
func BuildCallGraph(classes []*classfile.Class) CallGraph {
	cg := make(CallGraph)
	byName := make(map[string]*classfile.Class, len(classes))
	for _, c := range classes {
		byName[c.Name] = c
	}

	for _, c := range classes {
		for _, m := range c.Methods {
			caller := c.Ref(m)
			if _, ok := cg[caller]; !ok {
				cg[caller] = nil
			}
			for _, ins := range m.Code {
				if ref, ok := ins.Method(); ok {
					cg[caller] = appendUnique(cg[caller], ref)
				}
			}
		}
	}

	for _, c := range classes {
		for _, m := range c.Methods {
			if m.IsStatic() || m.IsConstructor() {
				continue
			}
			for _, super := range supertypes(c, byName) {
				base := classfile.MethodRef{Owner: super, Name: m.Name, Desc: m.Desc}
				cg[base] = appendUnique(cg[base], c.Ref(m))
			}
		}
	}
	return cg
}

// supertypes returns every proper supertype of c reachable within byName,
// plus the direct supertypes even when they are outside the set.
func supertypes(c *classfile.Class, byName map[string]*classfile.Class) []string {
	var out []string
	seen := map[string]bool{c.Name: true}
	queue := []*classfile.Class{c}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := append([]string{cur.Super}, cur.Interfaces...)
		for _, name := range next {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
			if sc, ok := byName[name]; ok {
				queue = append(queue, sc)
			}
		}
	}
	return out
}

// TransitiveCallers finds all methods that transitively call any of the targets.
//
// Starting from a set of target methods (typically park points), this
// walks the call graph backwards to find all callers that could reach them.
func (cg CallGraph) TransitiveCallers(targets map[classfile.MethodRef]bool) map[classfile.MethodRef]bool {
	result := make(map[classfile.MethodRef]bool)
	for t := range targets {
		result[t] = true
	}

	// Fixed-point iteration: keep expanding until no changes
	changed := true
	for changed {
		changed = false
		for caller, callees := range cg {
			if result[caller] {
				continue
			}
			for _, callee := range callees {
				if result[callee] {
					result[caller] = true
					changed = true
					break
				}
			}
		}
	}
	return result
}

// TransitiveCallees finds all methods that are transitively called by any of the sources.
func (cg CallGraph) TransitiveCallees(sources map[classfile.MethodRef]bool) map[classfile.MethodRef]bool {
	result := make(map[classfile.MethodRef]bool)
	for s := range sources {
		result[s] = true
	}

	changed := true
	for changed {
		changed = false
		for caller := range result {
			for _, callee := range cg[caller] {
				if !result[callee] {
					result[callee] = true
					changed = true
				}
			}
		}
	}
	return result
}

func appendUnique(slice []classfile.MethodRef, val classfile.MethodRef) []classfile.MethodRef {
	for _, v := range slice {
		if v == val {
			return slice
		}
	}
	return append(slice, val)
}

// Transitive classifies a closed set of classes ahead of time: every method
// that can reach a suspendable root through the call graph is suspendable.
// Methods outside the set fall back to the base classifier.
type Transitive struct {
	base    methoddb.Classifier
	verdict map[classfile.MethodRef]methoddb.Classification
}

// NewTransitive builds the call graph of classes and computes its closure.
// Roots are the nodes base classifies as suspendable or suspendable-super;
// base is consulted with a nil context during construction. A nil base
// means New().
func NewTransitive(classes []*classfile.Class, base methoddb.Classifier) (*Transitive, error) {
	if base == nil {
		base = New()
	}
	cg := BuildCallGraph(classes)
	models := make(map[classfile.MethodRef]methoddb.Query)
	for _, c := range classes {
		for _, m := range c.Methods {
			models[c.Ref(m)] = methoddb.Query{Ref: c.Ref(m), Class: c, Method: m}
		}
	}

	rootVerdict := make(map[classfile.MethodRef]methoddb.Classification)
	classify := func(ref classfile.MethodRef) error {
		if _, done := rootVerdict[ref]; done {
			return nil
		}
		q, ok := models[ref]
		if !ok {
			q = methoddb.Query{Ref: ref}
		}
		v, err := base.Classify(nil, q)
		if err != nil {
			return err
		}
		rootVerdict[ref] = v
		return nil
	}
	for caller, callees := range cg {
		if err := classify(caller); err != nil {
			return nil, err
		}
		for _, callee := range callees {
			if err := classify(callee); err != nil {
				return nil, err
			}
		}
	}
	roots := make(map[classfile.MethodRef]bool)
	for ref, v := range rootVerdict {
		if v.MaySuspend() {
			roots[ref] = true
		}
	}

	t := &Transitive{base: base, verdict: make(map[classfile.MethodRef]methoddb.Classification)}
	for ref := range cg.TransitiveCallers(roots) {
		switch q, ok := models[ref]; {
		case roots[ref]:
			t.verdict[ref] = rootVerdict[ref]
		case !ok || !q.Method.HasCode():
			t.verdict[ref] = methoddb.SuspendableSuper
		default:
			t.verdict[ref] = methoddb.Suspendable
		}
	}
	return t, nil
}

// Classify implements methoddb.Classifier.
func (t *Transitive) Classify(ctx *methoddb.LoadingContext, q methoddb.Query) (methoddb.Classification, error) {
	if v, ok := t.verdict[q.Ref]; ok {
		return v, nil
	}
	return t.base.Classify(ctx, q)
}

// Suspendables returns the methods the closure marked, in no particular order.
func (t *Transitive) Suspendables() []classfile.MethodRef {
	out := make([]classfile.MethodRef, 0, len(t.verdict))
	for ref := range t.verdict {
		out = append(out, ref)
	}
	return out
}
