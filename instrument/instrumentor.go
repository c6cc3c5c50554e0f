package instrument

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/classifier"
	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/instrument/internal/engine"
	"github.com/wippyai/fibers/instrument/internal/pass"
	"github.com/wippyai/fibers/methoddb"
)

// Outcome is the disposition of one instrumentation call.
type Outcome int

const (
	// Unchanged returns the input bytes: the unit is excluded, already
	// instrumented, or has nothing to rewrite.
	Unchanged Outcome = iota
	// Transformed returns rewritten bytes.
	Transformed
	// Skipped means the unit could not be rewritten and must not be installed.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Transformed:
		return "transformed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the product of one instrumentation call.
type Result struct {
	// Data is nil when Outcome is Skipped.
	Data    []byte
	Outcome Outcome
	// Methods is the number of rewritten methods.
	Methods int
	// Sites is the number of tagged calls.
	Sites int
}

// Instrumentor runs the instrumentation pipeline. It is safe for concurrent
// use; configuration changes apply to calls started afterwards.
type Instrumentor struct {
	registry *methoddb.Registry

	mu            sync.Mutex
	log           Log
	snap          Snapshotter
	blocking      classifier.MethodMatcher
	dumpPrefix    string
	mask          levelMask
	check         bool
	allowMonitors bool
	allowBlocking bool
	allowPlatform bool
	verbose       bool
	debug         bool
	aot           bool
}

// New creates an Instrumentor.
func New(cfg Config) *Instrumentor {
	cl := cfg.Classifier
	if cl == nil {
		cl = classifier.New()
	}
	blocking := cfg.BlockingCalls
	if blocking == nil {
		blocking = DefaultBlockingCalls
	}
	i := &Instrumentor{
		registry:      methoddb.NewRegistry(cl),
		log:           cfg.Log,
		snap:          cfg.Snapshotter,
		blocking:      classifier.NewWildcardMatcher(blocking),
		dumpPrefix:    cfg.DumpPrefix,
		check:         cfg.Check,
		allowMonitors: cfg.AllowMonitors,
		allowBlocking: cfg.AllowBlocking,
		allowPlatform: cfg.AllowPlatform,
		verbose:       cfg.Verbose,
		debug:         cfg.Debug,
		aot:           cfg.AOT,
	}
	i.mask = maskFor(i.verbose, i.debug)
	return i
}

// Database returns the metadata cache of ctx, creating it on first use.
func (i *Instrumentor) Database(ctx *methoddb.LoadingContext) *methoddb.MethodDatabase {
	return i.registry.Database(ctx)
}

// Registry returns the per-context cache registry.
func (i *Instrumentor) Registry() *methoddb.Registry {
	return i.registry
}

// InstrumentReader buffers r fully and instruments its contents.
func (i *Instrumentor) InstrumentReader(ctx *methoddb.LoadingContext, className string, r io.Reader) (Result, error) {
	if ctx == nil {
		return Result{}, errNoContext(className)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, errors.IO(errors.PhaseLoad, err, "read "+className)
	}
	return i.Instrument(ctx, className, data)
}

// settings is a consistent view of the configuration for one call.
type settings struct {
	log           Log
	snap          Snapshotter
	blocking      classifier.MethodMatcher
	mask          levelMask
	dump          bool
	check         bool
	allowMonitors bool
	allowBlocking bool
	allowPlatform bool
	aot           bool
}

func (s *settings) logf(level Level, format string, args ...any) {
	if s.log != nil && s.mask.has(level) {
		s.log.Log(level, format, args...)
	}
}

func (s *settings) logError(msg string, err error) {
	if s.log != nil {
		s.log.Error(msg, err)
	}
}

func (s *settings) snapshot(className, stage string, data []byte) error {
	if !s.dump {
		return nil
	}
	err := s.snap.Snapshot(className, stage, data)
	if err == nil || stderrors.Is(err, errors.ErrDiagnostic) {
		return err
	}
	return errors.IO(errors.PhaseDiagnostic, err, "snapshot "+className+" "+stage)
}

func (i *Instrumentor) settings(className string) *settings {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := &settings{
		log:           i.log,
		snap:          i.snap,
		blocking:      i.blocking,
		mask:          i.mask,
		check:         i.check,
		allowMonitors: i.allowMonitors,
		allowBlocking: i.allowBlocking,
		allowPlatform: i.allowPlatform,
		aot:           i.aot,
	}
	if i.dumpPrefix != "" && className != "" {
		prefix := strings.ReplaceAll(i.dumpPrefix, ".", "/")
		s.dump = strings.HasPrefix(strings.ReplaceAll(className, ".", "/"), prefix)
		if s.dump && s.snap == nil {
			s.snap = NewFileSnapshotter("")
		}
	}
	return s
}

func errNoContext(className string) error {
	return errors.New(errors.PhaseLoad, errors.KindInvalidInput).
		Class(className).Detail("nil loading context").Build()
}

// Instrument rewrites the compiled unit data of className within ctx.
//
// Excluded, already instrumented and untouched units come back Unchanged
// with the input bytes. A tolerated rewrite failure comes back Skipped with
// nil bytes and a nil error. A failed diagnostic snapshot fails the call.
func (i *Instrumentor) Instrument(ctx *methoddb.LoadingContext, className string, data []byte) (Result, error) {
	if ctx == nil {
		return Result{}, errNoContext(className)
	}
	s := i.settings(className)
	if !shouldInstrument(className, s.allowPlatform) {
		s.logf(LevelDebug, "excluded: %s", className)
		return Result{Outcome: Unchanged, Data: data}, nil
	}

	c, err := classfile.Decode(data)
	if err != nil {
		return Result{}, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Class(className).Cause(err).Detail("malformed compiled unit").Build()
	}
	name := className
	if name == "" {
		name = c.Name
	}
	for _, m := range c.Methods {
		if m.Instrumented != nil {
			s.logf(LevelDebug, "already instrumented: %s", name)
			return Result{Outcome: Unchanged, Data: data}, nil
		}
	}

	db := i.registry.Database(ctx)
	if ce := db.ClassEntry(name); ce != nil && ce.RequiresInstrumentation() {
		s.logf(LevelInfo, "TRANSFORM: %s request", name)
	} else {
		s.logf(LevelInfo, "TRANSFORM: %s", name)
	}
	if err := s.snapshot(name, "load", data); err != nil {
		return Result{}, err
	}

	st := pass.NewState(db, s.aot)
	st.Warnf = func(format string, args ...any) { s.logf(LevelWarning, format, args...) }
	transformer := engine.NewTransformer(engine.Config{
		Blocking:      s.blocking,
		Warnf:         st.Warnf,
		AllowMonitors: s.allowMonitors,
		AllowBlocking: s.allowBlocking,
	})
	passes := []pass.Pass{
		pass.Labeler{},
		pass.OffsetRecorder{When: methoddb.PhasePre},
		pass.Instrumenter{Transformer: transformer, Check: s.check},
		pass.OffsetRecorder{When: methoddb.PhasePost},
	}

	cur := data
	for _, p := range passes {
		c, err := classfile.Decode(cur)
		if err != nil {
			return Result{}, errors.New(p.Phase(), errors.KindInvalidData).
				Class(name).Cause(err).Detail("decode before %s", p.Name()).Build()
		}
		if err := p.Run(st, c); err != nil {
			if p.Phase() != errors.PhaseInstrument {
				return Result{}, err
			}
			if st.TaggedCalls() == 0 {
				s.logf(LevelDebug, "Unable to instrument class %s: %v", name, err)
				return Result{Outcome: Skipped}, nil
			}
			s.logError("Unable to instrument class "+name, err)
			return Result{}, err
		}
		cur, err = c.Encode()
		if err != nil {
			return Result{}, errors.New(p.Phase(), errors.KindInvalidData).
				Class(name).Cause(err).Detail("encode after %s", p.Name()).Build()
		}
		if err := s.snapshot(name, p.Name(), cur); err != nil {
			return Result{}, err
		}
	}

	if st.Transformed() == 0 {
		return Result{Outcome: Unchanged, Data: data}, nil
	}

	if s.dump && s.check {
		if err := verifyUnit(cur); err != nil {
			s.logError("Instrumented class "+name+" does not verify", err)
			return Result{}, errors.New(errors.PhaseVerify, errors.KindVerify).
				Class(name).Cause(err).Detail("final unit").Build()
		}
	}

	s.logf(LevelDebug, "instrumented %s: %d methods, %d call sites", name, st.Transformed(), st.TaggedCalls())
	return Result{Outcome: Transformed, Data: cur, Methods: st.Transformed(), Sites: st.TaggedCalls()}, nil
}

func verifyUnit(data []byte) error {
	c, err := classfile.Decode(data)
	if err != nil {
		return err
	}
	return classfile.Verify(c)
}
