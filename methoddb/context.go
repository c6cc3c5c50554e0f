package methoddb

import "github.com/wippyai/fibers/classfile"

// ClassSource resolves class models on behalf of classifiers. It is consulted
// only by Classifier implementations, never by the cache itself.
type ClassSource interface {
	LoadClass(name string) (*classfile.Class, error)
}

// LoadingContext identifies one isolated set of loaded code. It is a cache
// key only; its lifetime is managed by the caller.
type LoadingContext struct {
	source ClassSource
	name   string
}

// NewLoadingContext creates a context. source may be nil.
func NewLoadingContext(name string, source ClassSource) *LoadingContext {
	return &LoadingContext{name: name, source: source}
}

// Name returns the context's diagnostic name.
func (lc *LoadingContext) Name() string {
	return lc.name
}

// Source returns the context's class source, or nil.
func (lc *LoadingContext) Source() ClassSource {
	return lc.source
}

// MapSource is a ClassSource backed by a map of decoded classes.
type MapSource map[string]*classfile.Class

// LoadClass implements ClassSource.
func (s MapSource) LoadClass(name string) (*classfile.Class, error) {
	if c, ok := s[name]; ok {
		return c, nil
	}
	return nil, nil
}
