package engine

import (
	"fmt"
	"slices"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/instrument/internal/codegen"
)

// MethodMatcher selects invoke targets.
type MethodMatcher interface {
	MatchMethod(ref classfile.MethodRef) bool
}

// Config configures the transformer.
type Config struct {
	// Blocking matches calls that block the carrier thread.
	Blocking MethodMatcher
	// Warnf receives non-fatal findings. Nil discards them.
	Warnf         func(format string, args ...any)
	AllowMonitors bool
	AllowBlocking bool
}

// CallSite describes a tagged call of a transformed method.
type CallSite struct {
	Target classfile.MethodRef
	// Live lists the locals saved at the call, ascending.
	Live []uint32
	// Spilled lists the operand stack at the call, bottom to top.
	Spilled []classfile.ValType
	Site    uint32
	// Reachable is false for a call no path reaches; it gets no resume point.
	Reachable bool
}

// Slots returns the number of frame slots the call saves.
func (cs CallSite) Slots() int {
	return len(cs.Live) + len(cs.Spilled)
}

// Result summarizes one transformed method.
type Result struct {
	Sites      []CallSite
	StackLocal uint32
	Handlers   int
}

// Transformer rewrites methods into resumable state machines.
// It is stateless between calls.
type Transformer struct {
	cfg Config
}

// NewTransformer creates a transformer.
func NewTransformer(cfg Config) *Transformer {
	return &Transformer{cfg: cfg}
}

type site struct {
	CallSite
	mark    int
	invoke  int
	frame   *classfile.Frame
	spill   classfile.Label
	resume  classfile.Label
	reload  classfile.Label
	spillAt uint32
}

// TransformMethod rewrites m in place. m is left untouched when an error is
// returned. A method without marks is not modified and yields an empty result.
func (t *Transformer) TransformMethod(className string, m *classfile.Method) (*Result, error) {
	sig := m.Signature()
	fail := func(kind errors.Kind, cause error, format string, args ...any) error {
		return errors.New(errors.PhaseInstrument, kind).Class(className).Method(sig).
			Cause(cause).Detail(format, args...).Build()
	}

	if m.Flags&classfile.AccSynchronized != 0 && !t.cfg.AllowMonitors {
		return nil, fail(errors.KindUnsupported, nil, "synchronized method cannot suspend while holding its monitor")
	}

	sites, err := t.collectSites(className, m, fail)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return &Result{}, nil
	}

	a, err := classfile.Analyze(m)
	if err != nil {
		return nil, fail(errors.KindVerify, err, "frame analysis failed")
	}
	invokes := make([]int, len(sites))
	for i, s := range sites {
		invokes[i] = s.invoke
	}
	live := NewLivenessAnalyzer(m.Code, a.CFG, a.MaxLocals).ComputeForCallSites(invokes)

	stackLocal := uint32(max(int(m.MaxLocals), a.MaxLocals))
	spillBase := stackLocal + 1
	for i := range sites {
		s := &sites[i]
		s.frame = a.Frames[s.mark]
		if s.frame == nil {
			continue
		}
		s.Reachable = true
		s.spillAt = spillBase
		s.Spilled = slices.Clone(s.frame.Stack)
		for _, l := range live[s.invoke] {
			if int(l) < len(s.frame.Locals) && s.frame.Locals[l] != classfile.ValTop {
				s.Live = append(s.Live, l)
			}
		}
		s.spill, s.resume, s.reload = m.NewLabel(), m.NewLabel(), m.NewLabel()
	}

	code := t.emit(m, sites, stackLocal)
	handlers, err := splitHandlers(code, m.Handlers, sites)
	if err != nil {
		return nil, fail(errors.KindInconsistent, err, "handler split failed")
	}

	trial := *m
	trial.Code = code
	trial.Handlers = handlers
	trial.Offsets = nil
	if err := classfile.ComputeMaxs(&trial); err != nil {
		return nil, fail(errors.KindVerify, err, "rewritten body does not verify")
	}
	m.Code, m.Handlers, m.Offsets = trial.Code, trial.Handlers, nil
	m.MaxLocals, m.MaxStack = trial.MaxLocals, trial.MaxStack

	res := &Result{StackLocal: stackLocal, Handlers: len(handlers)}
	for _, s := range sites {
		res.Sites = append(res.Sites, s.CallSite)
	}
	debugf("transformed %s.%s: %d call sites, %d handlers", className, sig, len(sites), len(handlers))
	return res, nil
}

// collectSites finds every mark, checks monitor and blocking-call rules, and
// checks that ordinals are exactly 0..k-1.
func (t *Transformer) collectSites(className string, m *classfile.Method, fail func(errors.Kind, error, string, ...any) error) ([]site, error) {
	var sites []site
	seen := make(map[uint32]bool)
	for i, ins := range m.Code {
		switch {
		case ins.Op == classfile.OpMonitorEnter || ins.Op == classfile.OpMonitorExit:
			if !t.cfg.AllowMonitors {
				return nil, fail(errors.KindUnsupported, nil, "%s at instruction %d", ins.Op, i)
			}
		case ins.Op.IsInvoke():
			ref, _ := ins.Method()
			if !t.cfg.AllowBlocking && t.cfg.Blocking != nil && t.cfg.Blocking.MatchMethod(ref) {
				t.warnf("%s.%s: blocking call to %s in a suspendable method", className, m.Signature(), ref)
			}
		case ins.Op == classfile.OpMark:
			ord, _ := ins.Site()
			if i+1 >= len(m.Code) || !m.Code[i+1].Op.IsInvoke() {
				return nil, fail(errors.KindInconsistent, nil, "mark %d at instruction %d does not precede an invoke", ord, i)
			}
			if seen[ord] {
				return nil, fail(errors.KindInconsistent, nil, "mark %d appears twice", ord)
			}
			seen[ord] = true
			ref, _ := m.Code[i+1].Method()
			sites = append(sites, site{CallSite: CallSite{Target: ref, Site: ord}, mark: i, invoke: i + 1})
		}
	}
	for ord := range seen {
		if int(ord) >= len(sites) {
			return nil, fail(errors.KindInconsistent, nil, "mark ordinals are not dense: %d of %d", ord, len(sites))
		}
	}
	return sites, nil
}

func (t *Transformer) warnf(format string, args ...any) {
	if t.cfg.Warnf != nil {
		t.cfg.Warnf(format, args...)
	}
}

// emit builds the rewritten body.
func (t *Transformer) emit(m *classfile.Method, sites []site, stack uint32) []classfile.Instruction {
	start := m.NewLabel()
	resumes := make([]classfile.Label, len(sites))
	byMark := make(map[int]*site, len(sites))
	for i := range sites {
		s := &sites[i]
		byMark[s.mark] = s
		resumes[s.Site] = start
		if s.Reachable {
			resumes[s.Site] = s.resume
		}
	}

	em := codegen.NewEmitter()
	em.GetStack().Store(classfile.ValA, stack).
		Load(classfile.ValA, stack).IfNull(start).
		NextMethodEntry(stack).TableSwitch(1, resumes, start).
		Label(start)

	for i, ins := range m.Code {
		if s, ok := byMark[i]; ok && s.Reachable {
			emitSite(em, s, stack)
		}
		if ins.Op.IsReturn() {
			skip := m.NewLabel()
			em.Load(classfile.ValA, stack).IfNull(skip).PopMethod(stack).Label(skip)
		}
		em.Emit(ins)
	}
	return em.Copy()
}

// emitSite emits, before the mark of s:
//
//	spill:  store operand stack into spill locals, top first
//	        if stack == null goto reload
//	        pushMethod; put live locals and spills; goto reload
//	resume: get live locals and spills
//	reload: load spills back onto the operand stack
func emitSite(em *codegen.Emitter, s *site, stack uint32) {
	em.Label(s.spill)
	for k := len(s.Spilled) - 1; k >= 0; k-- {
		em.Store(s.Spilled[k], s.spillAt+uint32(k))
	}
	em.Load(classfile.ValA, stack).IfNull(s.reload)
	em.PushMethod(stack, int32(s.Site)+1, int32(s.Slots()))
	slot := int32(0)
	for _, l := range s.Live {
		em.Put(stack, s.frame.Locals[l], l, slot)
		slot++
	}
	for k, v := range s.Spilled {
		em.Put(stack, v, s.spillAt+uint32(k), slot)
		slot++
	}
	em.Goto(s.reload)

	em.Label(s.resume)
	slot = 0
	for _, l := range s.Live {
		em.Get(stack, s.frame.Locals[l], l, slot)
		slot++
	}
	for k, v := range s.Spilled {
		em.Get(stack, v, s.spillAt+uint32(k), slot)
		slot++
	}

	em.Label(s.reload)
	for k, v := range s.Spilled {
		em.Load(v, s.spillAt+uint32(k))
	}
}

// splitHandlers removes [spill, reload) of every reachable site from each
// handler range. Each handler is replaced in place by its remaining
// non-empty segments, so relative priority is preserved.
func splitHandlers(code []classfile.Instruction, handlers []classfile.Handler, sites []site) ([]classfile.Handler, error) {
	if len(handlers) == 0 {
		return nil, nil
	}
	index := make(map[classfile.Label]int)
	for i, ins := range code {
		if l, ok := ins.Label(); ok {
			index[l] = i
		}
	}
	// before[i] counts non-label instructions before index i.
	before := make([]int, len(code)+1)
	for i, ins := range code {
		before[i+1] = before[i]
		if ins.Op != classfile.OpLabel {
			before[i+1]++
		}
	}

	type hole struct {
		from, to   int
		fromL, toL classfile.Label
	}
	var holes []hole
	for _, s := range sites {
		if s.Reachable {
			holes = append(holes, hole{from: index[s.spill], to: index[s.reload], fromL: s.spill, toL: s.reload})
		}
	}

	var out []classfile.Handler
	for hi, h := range handlers {
		start, ok1 := index[h.Start]
		end, ok2 := index[h.End]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("handler %d: range label not placed", hi)
		}
		curL, cur := h.Start, start
		for _, hl := range holes {
			if hl.from < cur || hl.to > end {
				continue
			}
			if before[hl.from]-before[cur] > 0 {
				out = append(out, classfile.Handler{Type: h.Type, Start: curL, End: hl.fromL, Target: h.Target})
			}
			curL, cur = hl.toL, hl.to
		}
		if before[end]-before[cur] > 0 {
			out = append(out, classfile.Handler{Type: h.Type, Start: curL, End: h.End, Target: h.Target})
		}
	}
	return out, nil
}
