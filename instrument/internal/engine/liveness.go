// Liveness analysis for call-site frame saving.
//
// A local is LIVE at a program point if there exists a path from that point
// to a use of the local that doesn't pass through a definition of that local.
// Only locals live at a suspendable call need to be saved in the fiber frame.
//
// Algorithm (backward dataflow analysis):
//  1. live-out of an instruction is the union of live-in over its normal successors
//  2. live-in is live-out minus definitions, plus uses
//  3. handler entries are added to live-in directly, since an exception may be
//     raised before the instruction's definition takes effect
//
// Iterates in reverse instruction order until a fixed point.
package engine

import (
	"github.com/wippyai/fibers/classfile"
)

// LivenessAnalyzer computes live locals at program points.
type LivenessAnalyzer struct {
	code      []classfile.Instruction
	cfg       *classfile.CFG
	liveIn    []*BitSet
	numLocals int
	solved    bool
}

// NewLivenessAnalyzer creates an analyzer for a body whose control flow is cfg.
func NewLivenessAnalyzer(code []classfile.Instruction, cfg *classfile.CFG, numLocals int) *LivenessAnalyzer {
	return &LivenessAnalyzer{code: code, cfg: cfg, numLocals: numLocals}
}

// LiveAtInstruction returns the locals live immediately before instruction i.
func (la *LivenessAnalyzer) LiveAtInstruction(i int) []uint32 {
	la.solve()
	return la.liveIn[i].ToSlice()
}

// ComputeForCallSites returns, per instruction index, the locals live before it.
func (la *LivenessAnalyzer) ComputeForCallSites(callSites []int) map[int][]uint32 {
	if len(callSites) == 0 {
		return nil
	}
	la.solve()
	result := make(map[int][]uint32, len(callSites))
	for _, i := range callSites {
		result[i] = la.liveIn[i].ToSlice()
	}
	return result
}

func (la *LivenessAnalyzer) solve() {
	if la.solved {
		return
	}
	la.solved = true

	n := len(la.code)
	la.liveIn = make([]*BitSet, n)
	for i := range la.liveIn {
		la.liveIn[i] = NewBitSet(la.numLocals)
	}

	scratch := NewBitSet(la.numLocals)
	changed := true
	for changed {
		changed = false
		for i := n - 1; i >= 0; i-- {
			scratch.Reset()
			for _, s := range la.cfg.Succ[i] {
				scratch.Union(la.liveIn[s])
			}
			applyTransfer(la.code[i], scratch)
			for _, h := range la.cfg.Catch[i] {
				scratch.Union(la.liveIn[h])
			}
			if !scratch.Equal(la.liveIn[i]) {
				la.liveIn[i].CopyFrom(scratch)
				changed = true
			}
		}
	}
}

// applyTransfer turns live-out into live-in for one instruction.
func applyTransfer(ins classfile.Instruction, live *BitSet) {
	switch ins.Op {
	case classfile.OpIStore, classfile.OpLStore, classfile.OpFStore, classfile.OpDStore, classfile.OpAStore:
		live.Clear(ins.Imm.(classfile.LocalImm).Index)
	case classfile.OpILoad, classfile.OpLLoad, classfile.OpFLoad, classfile.OpDLoad, classfile.OpALoad:
		live.Set(ins.Imm.(classfile.LocalImm).Index)
	case classfile.OpIInc:
		live.Set(ins.Imm.(classfile.IIncImm).Index)
	}
}
