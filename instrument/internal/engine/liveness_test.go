package engine

import (
	"fmt"
	"testing"

	"github.com/wippyai/fibers/classfile"
)

func liveAt(t *testing.T, m *classfile.Method, sites ...int) map[int][]uint32 {
	t.Helper()
	cfg, err := classfile.BuildCFG(m)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	return NewLivenessAnalyzer(m.Code, cfg, int(m.MaxLocals)).ComputeForCallSites(sites)
}

func TestLivenessStraightLine(t *testing.T) {
	m := method(t, `
method f (II)I static
    iconst 0
    istore 2
    iload 0
    istore 3
    iload 1
    iload 3
    iadd
    ireturn
end`, "f")

	got := liveAt(t, m, 0, 2, 4, 6)
	want := map[int]string{0: "[0 1]", 2: "[0 1]", 4: "[1 3]", 6: "[]"}
	for i, w := range want {
		if fmt.Sprint(got[i]) != w {
			t.Errorf("live before %d = %v, want %s", i, got[i], w)
		}
	}
}

func TestLivenessLoopCarried(t *testing.T) {
	m := method(t, `
method f ()I static
    iconst 0
    istore 0
    iconst 0
    istore 1
  top:
    iload 1
    iload 0
    iadd
    istore 1
    iinc 0 1
    iload 0
    iconst 5
    if_icmplt top
    iload 1
    ireturn
end`, "f")

	// index 4 is the top label; both counters are live around the back edge.
	got := liveAt(t, m, 4, 9)
	if fmt.Sprint(got[4]) != "[0 1]" {
		t.Errorf("live at loop head = %v, want [0 1]", got[4])
	}
	if fmt.Sprint(got[9]) != "[0 1]" {
		t.Errorf("live before iinc = %v, want [0 1]", got[9])
	}
}

func TestLivenessThroughHandler(t *testing.T) {
	m := method(t, `
method f ()V static
    iconst 7
    istore 0
    iconst 1
    istore 1
  try:
    invokestatic app/Io.poll()V
    iconst 9
    istore 0
  after:
    return
  handler:
    pop
    iload 0
    pop
    return
    catch try after handler
end`, "f")

	// Local 0 is dead on the normal path after the call but read by the handler.
	got := liveAt(t, m, 5)
	if fmt.Sprint(got[5]) != "[0]" {
		t.Errorf("live before call = %v, want [0]", got[5])
	}
	la := NewLivenessAnalyzer(m.Code, mustCFG(t, m), int(m.MaxLocals))
	if live := la.LiveAtInstruction(9); len(live) != 0 {
		t.Errorf("live before return = %v, want []", live)
	}
}

func mustCFG(t *testing.T, m *classfile.Method) *classfile.CFG {
	t.Helper()
	cfg, err := classfile.BuildCFG(m)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestLivenessNoSites(t *testing.T) {
	m := method(t, `
method f ()V static
    return
end`, "f")
	if got := liveAt(t, m); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
