package instrument

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/classifier"
	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/fasm"
	"github.com/wippyai/fibers/methoddb"
)

const workerSrc = `
class app/Worker
method run ()V static
    invokestatic fibers/Fiber.park()V
    return
end
method helper ()I static
    iconst 7
    ireturn
end
`

const utilSrc = `
class app/Util
method compute (I)I static
    iload 0
    iconst 2
    imul
    ireturn
end
`

// brokenSrc has no tagged calls and a method that fails verification.
const brokenSrc = `
class app/Broken
method bad ()I static
    locals 0
    stack 0
    ireturn
end
`

const lockedSrc = `
class app/Locked
method run ()V static synchronized
    invokestatic fibers/Fiber.park()V
    return
end
`

func compile(t *testing.T, src string) []byte {
	t.Helper()
	data, err := fasm.Compile(src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return data
}

func newContext(t *testing.T) *methoddb.LoadingContext {
	t.Helper()
	ctx := methoddb.NewLoadingContext(t.Name(), nil)
	t.Cleanup(func() { runtime.KeepAlive(ctx) })
	return ctx
}

type countingClassifier struct {
	calls atomic.Int64
	next  methoddb.Classifier
}

func (c *countingClassifier) Classify(ctx *methoddb.LoadingContext, q methoddb.Query) (methoddb.Classification, error) {
	c.calls.Add(1)
	return c.next.Classify(ctx, q)
}

type recordLog struct {
	mu       sync.Mutex
	messages map[Level][]string
	errors   []error
}

func (l *recordLog) Log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.messages == nil {
		l.messages = make(map[Level][]string)
	}
	l.messages[level] = append(l.messages[level], fmt.Sprintf(format, args...))
}

func (l *recordLog) Error(msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

func (l *recordLog) count(level Level) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages[level])
}

type memSnapshotter struct {
	mu     sync.Mutex
	stages []string
}

func (s *memSnapshotter) Snapshot(className, stage string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, className+":"+stage)
	return nil
}

func TestWorkerIsTransformed(t *testing.T) {
	ctx := newContext(t)
	inst := New(Config{Check: true})
	in := compile(t, workerSrc)

	res, err := inst.Instrument(ctx, "app/Worker", in)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Outcome != Transformed || res.Methods != 1 || res.Sites != 1 {
		t.Fatalf("result = %v methods=%d sites=%d", res.Outcome, res.Methods, res.Sites)
	}

	c, err := classfile.Decode(res.Data)
	if err != nil {
		t.Fatalf("Decode output: %v", err)
	}
	if err := classfile.Verify(c); err != nil {
		t.Fatalf("output does not verify: %v", err)
	}
	run := c.Method("run", "()V")
	if run.Instrumented == nil || len(run.Instrumented.Sites) != 1 || run.Instrumented.AOT {
		t.Errorf("instrumented info = %+v", run.Instrumented)
	}
	if c.Method("helper", "()I").Instrumented != nil {
		t.Error("helper carries instrumented info")
	}

	ce := inst.Database(ctx).ClassEntry("app/Worker")
	if ce == nil || !ce.RequiresInstrumentation() {
		t.Fatal("app/Worker not flagged")
	}
	sites := ce.Method("run()V").CallSites()
	if len(sites) != 1 {
		t.Fatalf("call sites = %v", sites)
	}
	if sites[0].Target.String() != "fibers/Fiber.park()V" {
		t.Errorf("target = %v", sites[0].Target)
	}
	if sites[0].Final <= sites[0].Original {
		t.Errorf("final offset %d not after original %d", sites[0].Final, sites[0].Original)
	}
	if uint32(sites[0].Original) != run.Instrumented.Sites[0].Pre || uint32(sites[0].Final) != run.Instrumented.Sites[0].Post {
		t.Errorf("embedded offsets %+v disagree with cache %+v", run.Instrumented.Sites[0], sites[0])
	}
}

func TestAlreadyInstrumentedIsUnchanged(t *testing.T) {
	ctx := newContext(t)
	inst := New(Config{})
	first, err := inst.Instrument(ctx, "app/Worker", compile(t, workerSrc))
	if err != nil {
		t.Fatal(err)
	}
	second, err := inst.Instrument(ctx, "app/Worker", first.Data)
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != Unchanged || !bytes.Equal(second.Data, first.Data) {
		t.Errorf("second pass = %v", second.Outcome)
	}
}

func TestUtilIsUnchanged(t *testing.T) {
	ctx := newContext(t)
	inst := New(Config{Check: true})
	in := compile(t, utilSrc)

	res, err := inst.Instrument(ctx, "app/Util", in)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Outcome != Unchanged || !bytes.Equal(res.Data, in) {
		t.Errorf("outcome = %v, bytes equal = %v", res.Outcome, bytes.Equal(res.Data, in))
	}
	for _, ce := range inst.Database(ctx).Classes() {
		if ce.RequiresInstrumentation() {
			t.Errorf("%s requires instrumentation", ce.Name())
		}
	}
}

func TestExcludedClassSkipsEveryPhase(t *testing.T) {
	ctx := newContext(t)
	cl := &countingClassifier{next: classifier.New()}
	inst := New(Config{Classifier: cl})
	in := compile(t, strings.Replace(workerSrc, "app/Worker", "fibers/instrument/CoreInternal", 1))

	res, err := inst.Instrument(ctx, "fibers.instrument.CoreInternal", in)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Outcome != Unchanged || !bytes.Equal(res.Data, in) {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if n := cl.calls.Load(); n != 0 {
		t.Errorf("classifier called %d times", n)
	}
	if inst.Database(ctx).ClassEntry("fibers/instrument/CoreInternal") != nil {
		t.Error("excluded class was observed")
	}
}

func TestShouldInstrument(t *testing.T) {
	tests := []struct {
		name     string
		platform bool
		want     bool
	}{
		{"", false, true},
		{"app/Worker", false, true},
		{"app.Worker", false, true},
		{"fibers/instrument/Instrumentor", false, false},
		{"fibers.instrument.Instrumentor", false, false},
		{"fibers/Fiber", false, false},
		{"fibers/Fiber$Task", false, false},
		{"fibers/FiberScheduler", false, true},
		{"fibers/Stack", false, false},
		{"fibers.Stack", false, false},
		{"fibers/StackTraceUtil", false, true},
		{"fibers/classfile/Decoder", false, false},
		{"vm/lang/Object", false, false},
		{"vm/lang/Object", true, false},
		{"vm/util/List", false, false},
		{"vm/util/List", true, true},
		{"sys/io/File", false, false},
		{"sys/io/File", true, true},
		{"vmware/App", false, true},
	}
	inst := New(Config{})
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.name, tt.platform), func(t *testing.T) {
			inst.SetAllowPlatform(tt.platform)
			for range 3 {
				if got := inst.ShouldInstrument(tt.name); got != tt.want {
					t.Fatalf("ShouldInstrument(%q) = %v, want %v", tt.name, got, tt.want)
				}
			}
		})
	}
}

func TestTolerantDegradation(t *testing.T) {
	ctx := newContext(t)
	log := &recordLog{}
	inst := New(Config{Check: true, Debug: true, Log: log})

	res, err := inst.Instrument(ctx, "app/Broken", compile(t, brokenSrc))
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Outcome != Skipped || res.Data != nil {
		t.Errorf("result = %v, data %d bytes", res.Outcome, len(res.Data))
	}
	if len(log.errors) != 0 {
		t.Errorf("errors logged: %v", log.errors)
	}
	if log.count(LevelDebug) == 0 {
		t.Error("no debug message for the skipped class")
	}

	inst.SetCheck(false)
	res, err = inst.Instrument(ctx, "app/Broken", compile(t, brokenSrc))
	if err != nil || res.Outcome != Unchanged {
		t.Errorf("unchecked: outcome %v err %v", res.Outcome, err)
	}
}

func TestFatalPropagation(t *testing.T) {
	ctx := newContext(t)
	log := &recordLog{}
	inst := New(Config{Log: log})

	res, err := inst.Instrument(ctx, "app/Locked", compile(t, lockedSrc))
	if !stderrors.Is(err, errors.ErrRewrite) {
		t.Fatalf("err = %v, want rewrite failure", err)
	}
	if res.Data != nil || res.Outcome != Unchanged {
		t.Errorf("result = %+v, want empty", res)
	}
	if len(log.errors) != 1 {
		t.Errorf("logged %d errors, want 1", len(log.errors))
	}

	inst.SetAllowMonitors(true)
	res, err = inst.Instrument(ctx, "app/Locked", compile(t, lockedSrc))
	if err != nil || res.Outcome != Transformed {
		t.Errorf("with monitors allowed: outcome %v err %v", res.Outcome, err)
	}
}

func TestClassifierFailureIsReturned(t *testing.T) {
	ctx := newContext(t)
	boom := stderrors.New("classifier offline")
	inst := New(Config{Classifier: methoddb.ClassifierFunc(func(*methoddb.LoadingContext, methoddb.Query) (methoddb.Classification, error) {
		return methoddb.Unknown, boom
	})})

	_, err := inst.Instrument(ctx, "app/Util", compile(t, utilSrc))
	if !stderrors.Is(err, errors.ErrClassification) || !stderrors.Is(err, boom) {
		t.Fatalf("err = %v, want classification failure", err)
	}
}

func TestMalformedInputIsReturned(t *testing.T) {
	_, err := New(Config{}).Instrument(newContext(t), "app/X", []byte("not a unit"))
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Phase != errors.PhaseDecode {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestClassificationIsIdempotentAcrossCalls(t *testing.T) {
	ctx := newContext(t)
	cl := &countingClassifier{next: classifier.New()}
	inst := New(Config{Classifier: cl})
	in := compile(t, workerSrc)

	if _, err := inst.Instrument(ctx, "app/Worker", in); err != nil {
		t.Fatal(err)
	}
	first := cl.calls.Load()
	if _, err := inst.Instrument(ctx, "app/Worker", in); err != nil {
		t.Fatal(err)
	}
	if got := cl.calls.Load(); got != first {
		t.Errorf("classifier calls grew from %d to %d", first, got)
	}

	other := newContext(t)
	if _, err := inst.Instrument(other, "app/Worker", in); err != nil {
		t.Fatal(err)
	}
	if got := cl.calls.Load(); got != 2*first {
		t.Errorf("second context made %d calls, want %d", got-first, first)
	}
}

func TestConcurrentInstrumentation(t *testing.T) {
	ctx := newContext(t)
	cl := &countingClassifier{next: classifier.New()}
	inst := New(Config{Classifier: cl, Check: true})
	in := compile(t, workerSrc)

	want, err := New(Config{}).Instrument(newContext(t), "app/Worker", in)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := inst.Instrument(ctx, "app/Worker", in)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(res.Data, want.Data) {
				errs <- fmt.Errorf("output differs")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	// run, helper and the park target
	if n := cl.calls.Load(); n != 3 {
		t.Errorf("classifier calls = %d, want 3", n)
	}
}

func TestLogMask(t *testing.T) {
	inst := New(Config{})
	check := func(debug, info, warn bool) {
		t.Helper()
		if inst.Enabled(LevelDebug) != debug || inst.Enabled(LevelInfo) != info || inst.Enabled(LevelWarning) != warn {
			t.Errorf("mask debug=%v info=%v warn=%v", inst.Enabled(LevelDebug), inst.Enabled(LevelInfo), inst.Enabled(LevelWarning))
		}
	}
	check(false, false, true)
	inst.SetVerbose(true)
	check(false, true, true)
	inst.SetDebug(true)
	check(true, true, true)
	inst.SetVerbose(false)
	check(true, true, true)
	inst.SetDebug(false)
	check(false, false, true)
}

func TestInfoLoggedOnlyWhenVerbose(t *testing.T) {
	log := &recordLog{}
	inst := New(Config{Log: log})
	in := compile(t, workerSrc)
	if _, err := inst.Instrument(newContext(t), "app/Worker", in); err != nil {
		t.Fatal(err)
	}
	if n := log.count(LevelInfo); n != 0 {
		t.Errorf("info messages = %d, want 0", n)
	}
	inst.SetVerbose(true)
	if _, err := inst.Instrument(newContext(t), "app/Worker", in); err != nil {
		t.Fatal(err)
	}
	if log.count(LevelInfo) != 1 || log.messages[LevelInfo][0] != "TRANSFORM: app/Worker" {
		t.Errorf("info messages = %v", log.messages[LevelInfo])
	}
}

func TestTransformLogsKnownRequest(t *testing.T) {
	log := &recordLog{}
	inst := New(Config{Log: log, Verbose: true})
	ctx := newContext(t)
	in := compile(t, workerSrc)
	for range 2 {
		if _, err := inst.Instrument(ctx, "app/Worker", in); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"TRANSFORM: app/Worker", "TRANSFORM: app/Worker request"}
	if got := log.messages[LevelInfo]; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("info messages = %q, want %q", got, want)
	}
}

func TestBlockingCallWarning(t *testing.T) {
	log := &recordLog{}
	inst := New(Config{Log: log})
	src := `
class app/Sleeper
method run ()V static
    lconst 10
    invokestatic vm/lang/Thread.sleep(J)V
    invokestatic fibers/Fiber.park()V
    return
end
`
	if _, err := inst.Instrument(newContext(t), "app/Sleeper", compile(t, src)); err != nil {
		t.Fatal(err)
	}
	if log.count(LevelWarning) != 1 {
		t.Errorf("warnings = %v", log.messages[LevelWarning])
	}
	inst.SetAllowBlocking(true)
	if _, err := inst.Instrument(newContext(t), "app/Sleeper", compile(t, src)); err != nil {
		t.Fatal(err)
	}
	if log.count(LevelWarning) != 1 {
		t.Errorf("warning repeated with blocking allowed")
	}
}

func TestSnapshotStages(t *testing.T) {
	snap := &memSnapshotter{}
	inst := New(Config{DumpPrefix: "app.Work", Snapshotter: snap, Check: true})
	if _, err := inst.Instrument(newContext(t), "app/Worker", compile(t, workerSrc)); err != nil {
		t.Fatal(err)
	}
	want := "app/Worker:load app/Worker:labeled app/Worker:pre-offsets app/Worker:instrumented app/Worker:post-offsets"
	if got := strings.Join(snap.stages, " "); got != want {
		t.Errorf("stages = %s", got)
	}

	snap.stages = nil
	if _, err := inst.Instrument(newContext(t), "app/Util", compile(t, utilSrc)); err != nil {
		t.Fatal(err)
	}
	if len(snap.stages) != 0 {
		t.Errorf("unmatched class snapshotted: %v", snap.stages)
	}
}

type failingSnapshotter struct{}

func (failingSnapshotter) Snapshot(string, string, []byte) error {
	return os.ErrExist
}

func TestSnapshotFailureFailsInstrumentation(t *testing.T) {
	inst := New(Config{DumpPrefix: "app/", Snapshotter: failingSnapshotter{}})
	res, err := inst.Instrument(newContext(t), "app/Worker", compile(t, workerSrc))
	if !stderrors.Is(err, errors.ErrDiagnostic) || !stderrors.Is(err, os.ErrExist) {
		t.Fatalf("err = %v, want diagnostic io error", err)
	}
	if res.Data != nil || res.Outcome != Unchanged {
		t.Errorf("result = %v with %d bytes", res.Outcome, len(res.Data))
	}
}

func TestSnapshotCollisionFailsInstrumentation(t *testing.T) {
	dir := t.TempDir()
	snap := NewFileSnapshotter(dir)
	snap.now = func() time.Time { return time.UnixMilli(1700000000000) }
	taken := filepath.Join(dir, "app.Worker-1700000000000-fibers-2-labeled.fbc")
	if err := os.WriteFile(taken, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	inst := New(Config{DumpPrefix: "app/", Snapshotter: snap})
	res, err := inst.Instrument(newContext(t), "app/Worker", compile(t, workerSrc))
	if !stderrors.Is(err, errors.ErrDiagnostic) {
		t.Fatalf("err = %v, want diagnostic io error", err)
	}
	if res.Data != nil {
		t.Errorf("output returned with a failed snapshot")
	}
	if _, err := os.Stat(filepath.Join(dir, "app.Worker-1700000000000-fibers-1-load.fbc")); err != nil {
		t.Errorf("load snapshot missing: %v", err)
	}
}

func TestNilContextIsRejected(t *testing.T) {
	inst := New(Config{})
	in := compile(t, workerSrc)
	check := func(err error) {
		t.Helper()
		var e *errors.Error
		if !stderrors.As(err, &e) || e.Kind != errors.KindInvalidInput {
			t.Errorf("err = %v, want invalid input", err)
		}
	}
	_, err := inst.Instrument(nil, "app/Worker", in)
	check(err)
	_, err = inst.InstrumentReader(nil, "app/Worker", bytes.NewReader(in))
	check(err)
	if inst.Registry().Len() != 0 {
		t.Errorf("registry touched by a nil context")
	}
}

func TestFileSnapshotter(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSnapshotter(dir)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	if err := s.Snapshot("app/Worker", "labeled", []byte{1, 2}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	path := filepath.Join(dir, "app.Worker-1700000000000-fibers-1-labeled.fbc")
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, []byte{1, 2}) {
		t.Fatalf("snapshot file: %v %v", data, err)
	}

	taken := filepath.Join(dir, "app.Worker-1700000000000-fibers-2-final.fbc")
	if err := os.WriteFile(taken, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err = s.Snapshot("app/Worker", "final", []byte{3})
	if !stderrors.Is(err, errors.ErrDiagnostic) {
		t.Fatalf("err = %v, want diagnostic io error", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDumpPrefix, "app.")
	t.Setenv(EnvDumpDir, dir)
	t.Setenv(EnvAllowPlatform, "true")

	cfg := ConfigFromEnv()
	if cfg.DumpPrefix != "app." || !cfg.AllowPlatform {
		t.Errorf("cfg = %+v", cfg)
	}
	fs, ok := cfg.Snapshotter.(*FileSnapshotter)
	if !ok || fs.Dir != dir {
		t.Errorf("snapshotter = %#v", cfg.Snapshotter)
	}

	t.Setenv(EnvAllowPlatform, "maybe")
	if ConfigFromEnv().AllowPlatform {
		t.Error("malformed boolean accepted")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, stderrors.New("disk gone") }

func TestInstrumentReader(t *testing.T) {
	inst := New(Config{})
	res, err := inst.InstrumentReader(newContext(t), "app/Worker", bytes.NewReader(compile(t, workerSrc)))
	if err != nil || res.Outcome != Transformed {
		t.Fatalf("outcome %v err %v", res.Outcome, err)
	}

	_, err = inst.InstrumentReader(newContext(t), "app/Worker", failingReader{})
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindIO {
		t.Fatalf("err = %v, want io error", err)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Unchanged: "unchanged", Transformed: "transformed", Skipped: "skipped"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q", o, o.String())
		}
	}
}
