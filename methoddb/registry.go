package methoddb

import (
	"runtime"
	"sync"
	"weak"

	"go.uber.org/zap"
)

// Registry maps loading contexts to their method databases. It never keeps a
// context reachable: once a context is collected its database is dropped.
type Registry struct {
	classifier Classifier

	mu  sync.Mutex
	dbs map[weak.Pointer[LoadingContext]]*MethodDatabase
}

// NewRegistry creates a registry whose databases consult classifier.
func NewRegistry(classifier Classifier) *Registry {
	return &Registry{
		classifier: classifier,
		dbs:        make(map[weak.Pointer[LoadingContext]]*MethodDatabase),
	}
}

// Database returns the database for ctx, creating it on first use.
// Lookup and creation happen in one critical section. ctx must not be nil.
func (r *Registry) Database(ctx *LoadingContext) *MethodDatabase {
	key := weak.Make(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	if db, ok := r.dbs[key]; ok {
		return db
	}
	db := newMethodDatabase(ctx, r.classifier)
	r.dbs[key] = db
	runtime.AddCleanup(ctx, r.evict, key)
	Logger().Debug("created method database", zap.String("context", ctx.Name()))
	return db
}

// Len returns the number of live databases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.dbs)
}

func (r *Registry) evict(key weak.Pointer[LoadingContext]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[key]; ok {
		delete(r.dbs, key)
		Logger().Debug("evicted method database", zap.String("context", db.Name()))
	}
}

func (r *Registry) sweepLocked() {
	for key, db := range r.dbs {
		if key.Value() == nil {
			delete(r.dbs, key)
			Logger().Debug("swept method database", zap.String("context", db.Name()))
		}
	}
}
