package methoddb

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
)

var (
	refRun  = classfile.MethodRef{Owner: "app/Worker", Name: "run", Desc: "()V"}
	refPark = classfile.MethodRef{Owner: "fibers/Fiber", Name: "park", Desc: "()V"}
	refAdd  = classfile.MethodRef{Owner: "app/Util", Name: "add", Desc: "(II)I"}
)

type countingClassifier struct {
	calls   atomic.Int64
	delay   time.Duration
	verdict func(q Query) Classification
}

func (c *countingClassifier) Classify(_ *LoadingContext, q Query) (Classification, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.verdict != nil {
		return c.verdict(q), nil
	}
	if q.Ref.Owner == "fibers/Fiber" {
		return Suspendable, nil
	}
	return NotSuspendable, nil
}

func TestClassifyIsIdempotent(t *testing.T) {
	cl := &countingClassifier{}
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(cl).Database(ctx)

	for i := 0; i < 5; i++ {
		c, err := db.Classify(refPark)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if c != Suspendable {
			t.Fatalf("Classify = %v, want suspendable", c)
		}
	}
	if n := cl.calls.Load(); n != 1 {
		t.Errorf("classifier called %d times, want 1", n)
	}
	if n := db.ClassifierCalls(); n != 1 {
		t.Errorf("ClassifierCalls = %d, want 1", n)
	}
	if !db.EntryFor("fibers/Fiber").RequiresInstrumentation() {
		t.Error("owner of a suspendable method should require instrumentation")
	}
	runtime.KeepAlive(ctx)
}

func TestClassifyConcurrentFirstQueries(t *testing.T) {
	cl := &countingClassifier{delay: 10 * time.Millisecond}
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(cl).Database(ctx)

	const workers = 32
	var wg sync.WaitGroup
	results := make([]Classification, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = db.Classify(refPark)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] != Suspendable {
			t.Errorf("worker %d: got %v", i, results[i])
		}
	}
	if n := cl.calls.Load(); n != 1 {
		t.Errorf("classifier called %d times, want 1", n)
	}
	runtime.KeepAlive(ctx)
}

func TestClassifyErrorsAreNotCached(t *testing.T) {
	var calls int
	cl := ClassifierFunc(func(_ *LoadingContext, q Query) (Classification, error) {
		calls++
		if calls == 1 {
			return Unknown, fmt.Errorf("source unavailable")
		}
		return NotSuspendable, nil
	})
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(cl).Database(ctx)

	_, err := db.Classify(refAdd)
	if err == nil {
		t.Fatal("expected classification error")
	}
	if !stderrors.Is(err, errors.ErrClassification) {
		t.Errorf("error %v is not a classification error", err)
	}

	c, err := db.Classify(refAdd)
	if err != nil {
		t.Fatalf("second Classify: %v", err)
	}
	if c != NotSuspendable || calls != 2 {
		t.Errorf("got %v after %d calls, want not-suspendable after 2", c, calls)
	}
	runtime.KeepAlive(ctx)
}

func TestClassifyRejectsUnknownVerdict(t *testing.T) {
	cl := ClassifierFunc(func(*LoadingContext, Query) (Classification, error) {
		return Unknown, nil
	})
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(cl).Database(ctx)

	if _, err := db.Classify(refAdd); !stderrors.Is(err, errors.ErrClassification) {
		t.Errorf("err = %v, want classification error", err)
	}
	if me := db.EntryFor("app/Util").Method(refAdd.Signature()); me != nil && me.Classification() != Unknown {
		t.Error("unknown verdict must not be cached")
	}
	runtime.KeepAlive(ctx)
}

func TestClassifyQueryCarriesObservedClass(t *testing.T) {
	var got Query
	cl := ClassifierFunc(func(_ *LoadingContext, q Query) (Classification, error) {
		got = q
		return Suspendable, nil
	})
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(cl).Database(ctx)

	class := &classfile.Class{
		Name:    "app/Worker",
		Methods: []*classfile.Method{{Name: "run", Desc: "()V", Flags: classfile.AccSuspendable}},
	}
	db.Observe(class)
	if _, err := db.Classify(refRun); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Class != class || got.Method != class.Methods[0] {
		t.Errorf("query = %+v, want observed class and method", got)
	}
	if got.Ref != refRun {
		t.Errorf("query ref = %v, want %v", got.Ref, refRun)
	}
	runtime.KeepAlive(ctx)
}

func TestEntryFor(t *testing.T) {
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(&countingClassifier{}).Database(ctx)

	if db.ClassEntry("app/Worker") != nil {
		t.Fatal("ClassEntry must not create entries")
	}
	a := db.EntryFor("app/Worker")
	if b := db.EntryFor("app/Worker"); a != b {
		t.Error("EntryFor returned distinct entries for one class")
	}
	if db.ClassEntry("app/Worker") != a {
		t.Error("ClassEntry did not find created entry")
	}
	if a.RequiresInstrumentation() {
		t.Error("new entry should not require instrumentation")
	}
	db.EntryFor("app/Alpha")
	classes := db.Classes()
	if len(classes) != 2 || classes[0].Name() != "app/Alpha" {
		t.Errorf("Classes() not sorted: %v", classes)
	}
	runtime.KeepAlive(ctx)
}

func TestRecordOffsets(t *testing.T) {
	pre := []SiteOffset{{Site: 0, Offset: 3, Target: refPark}, {Site: 1, Offset: 9, Target: refRun}}
	post := []SiteOffset{{Site: 0, Offset: 41, Target: refPark}, {Site: 1, Offset: 88, Target: refRun}}

	tests := []struct {
		name   string
		pre    []SiteOffset
		post   []SiteOffset
		noPre  bool
		wantOK bool
	}{
		{name: "matching", pre: pre, post: post, wantOK: true},
		{name: "no sites", pre: []SiteOffset{}, post: nil, wantOK: true},
		{name: "count mismatch", pre: pre, post: post[:1]},
		{name: "target mismatch", pre: pre, post: []SiteOffset{post[0], {Site: 1, Offset: 88, Target: refAdd}}},
		{name: "ordinal mismatch", pre: pre, post: []SiteOffset{post[0], {Site: 7, Offset: 88, Target: refRun}}},
		{name: "post without pre", noPre: true, post: post},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewLoadingContext("app", nil)
			db := NewRegistry(&countingClassifier{}).Database(ctx)

			if !tt.noPre {
				if err := db.RecordOffsets(refRun, PhasePre, tt.pre); err != nil {
					t.Fatalf("pre: %v", err)
				}
			}
			err := db.RecordOffsets(refRun, PhasePost, tt.post)
			me := db.EntryFor(refRun.Owner).Method(refRun.Signature())
			if tt.wantOK {
				if err != nil {
					t.Fatalf("post: %v", err)
				}
				sites := me.CallSites()
				if len(sites) != len(tt.post) {
					t.Fatalf("got %d call sites, want %d", len(sites), len(tt.post))
				}
				for i, s := range sites {
					if s.Original != tt.pre[i].Offset || s.Final != tt.post[i].Offset || s.Target != tt.post[i].Target {
						t.Errorf("site %d = %+v", i, s)
					}
				}
				return
			}
			if !errors.IsInconsistent(err) {
				t.Fatalf("err = %v, want inconsistency", err)
			}
			if !me.Inconsistent() {
				t.Error("method not flagged inconsistent")
			}
			if len(me.CallSites()) != 0 {
				t.Error("inconsistent offsets must not be committed")
			}
			runtime.KeepAlive(ctx)
		})
	}
}

func TestRegistrySeparatesContexts(t *testing.T) {
	r := NewRegistry(&countingClassifier{})
	a := NewLoadingContext("a", nil)
	b := NewLoadingContext("b", nil)

	dbA := r.Database(a)
	if r.Database(a) != dbA {
		t.Error("same context returned a different database")
	}
	dbB := r.Database(b)
	if dbA == dbB {
		t.Fatal("distinct contexts share a database")
	}
	dbA.EntryFor("app/Worker").SetRequiresInstrumentation()
	if dbB.ClassEntry("app/Worker") != nil {
		t.Error("entry leaked across contexts")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if dbA.Context() != a {
		t.Error("Context() did not return the owning context")
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func populate(r *Registry, n int) {
	for i := 0; i < n; i++ {
		ctx := NewLoadingContext(fmt.Sprintf("ctx-%d", i), MapSource{})
		db := r.Database(ctx)
		db.EntryFor("app/Worker").SetRequiresInstrumentation()
		_, _ = db.Classify(refPark)
	}
}

func waitForEviction(r *Registry) int {
	for i := 0; i < 50; i++ {
		runtime.GC()
		if n := r.Len(); n == 0 {
			return 0
		}
		time.Sleep(time.Millisecond)
	}
	return r.Len()
}

func TestRegistryReclaimsDroppedContexts(t *testing.T) {
	r := NewRegistry(&countingClassifier{})

	for cycle := 0; cycle < 5; cycle++ {
		populate(r, 20)
		if n := waitForEviction(r); n != 0 {
			t.Fatalf("cycle %d: %d databases still registered after GC", cycle, n)
		}
	}
}

func TestRegistryKeepsLiveContexts(t *testing.T) {
	r := NewRegistry(&countingClassifier{})
	live := NewLoadingContext("live", nil)
	r.Database(live)
	populate(r, 10)

	for i := 0; i < 50 && r.Len() > 1; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
	}
	if n := r.Len(); n != 1 {
		t.Errorf("Len = %d, want only the live context", n)
	}
	runtime.KeepAlive(live)
}

func TestClassifyAfterContextReclaimed(t *testing.T) {
	r := NewRegistry(&countingClassifier{})
	db := func() *MethodDatabase {
		return r.Database(NewLoadingContext("gone", nil))
	}()

	for i := 0; i < 50 && db.Context() != nil; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
	}
	if db.Context() != nil {
		t.Skip("context not collected")
	}
	if _, err := db.Classify(refPark); !stderrors.Is(err, errors.ErrClassification) {
		t.Errorf("err = %v, want classification error", err)
	}
}

func TestResumeTable(t *testing.T) {
	ctx := NewLoadingContext("app", nil)
	db := NewRegistry(&countingClassifier{}).Database(ctx)

	pre := []SiteOffset{{Site: 0, Offset: 4, Target: refPark}}
	post := []SiteOffset{{Site: 0, Offset: 57, Target: refPark}}
	if err := db.RecordOffsets(refRun, PhasePre, pre); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordOffsets(refRun, PhasePost, post); err != nil {
		t.Fatal(err)
	}
	db.EntryFor("app/Util")

	data, err := db.ExportResumeTable()
	if err != nil {
		t.Fatalf("ExportResumeTable: %v", err)
	}
	again, err := db.ExportResumeTable()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(again) {
		t.Error("resume table encoding is not deterministic")
	}

	table, err := DecodeResumeTable(data)
	if err != nil {
		t.Fatalf("DecodeResumeTable: %v", err)
	}
	if table.Context != "app" || len(table.Methods) != 1 {
		t.Fatalf("table = %+v", table)
	}
	sites := table.Lookup(refRun)
	if len(sites) != 1 {
		t.Fatalf("Lookup returned %d sites", len(sites))
	}
	want := ResumeSite{Target: "fibers/Fiber.park()V", Original: 4, Final: 57}
	if sites[0] != want {
		t.Errorf("site = %+v, want %+v", sites[0], want)
	}
	if table.Lookup(refAdd) != nil {
		t.Error("Lookup found a method without call sites")
	}

	if _, err := DecodeResumeTable([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error for malformed CBOR")
	}
	runtime.KeepAlive(ctx)
}

func TestClassificationString(t *testing.T) {
	tests := []struct {
		c    Classification
		want string
		may  bool
	}{
		{Unknown, "unknown", false},
		{NotSuspendable, "not-suspendable", false},
		{SuspendableSuper, "suspendable-super", true},
		{Suspendable, "suspendable", true},
	}
	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if tt.c.MaySuspend() != tt.may {
			t.Errorf("%v.MaySuspend() = %v", tt.c, !tt.may)
		}
	}
}
