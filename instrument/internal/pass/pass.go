package pass

import (
	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/instrument/internal/engine"
	"github.com/wippyai/fibers/methoddb"
)

// Pass is one phase of the pipeline.
type Pass interface {
	// Name is the short stage name used in snapshots and logs.
	Name() string
	Phase() errors.Phase
	Run(st *State, c *classfile.Class) error
}

// State carries findings between the phases of one instrumentation call.
type State struct {
	DB    *methoddb.MethodDatabase
	Warnf func(format string, args ...any)

	// Tagged counts tagged calls per method signature.
	Tagged  map[string]int
	Pre     map[string][]methoddb.SiteOffset
	Post    map[string][]methoddb.SiteOffset
	Results map[string]*engine.Result
	AOT     bool
}

// NewState creates the state for instrumenting one class against db.
func NewState(db *methoddb.MethodDatabase, aot bool) *State {
	return &State{
		DB:      db,
		AOT:     aot,
		Tagged:  make(map[string]int),
		Pre:     make(map[string][]methoddb.SiteOffset),
		Post:    make(map[string][]methoddb.SiteOffset),
		Results: make(map[string]*engine.Result),
	}
}

// TaggedCalls returns the number of tagged calls across the class.
func (st *State) TaggedCalls() int {
	n := 0
	for _, c := range st.Tagged {
		n += c
	}
	return n
}

// Transformed returns the number of rewritten methods.
func (st *State) Transformed() int {
	return len(st.Results)
}

func (st *State) warnf(format string, args ...any) {
	if st.Warnf != nil {
		st.Warnf(format, args...)
	}
}
