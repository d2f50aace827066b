// Package liveness implements the ownership planner (spec.md §4.4): a
// pass over already-lowered IR that inserts ir.OpFreeLocal at each
// heap-owning slot's last use, on every reachable path, without ever
// freeing a value a later instruction still needs — including the one
// case that makes naive last-use insertion unsafe on a stack machine: a
// value can sit untouched beneath an entire if-expression's own pushes
// and pops before something above it finally consumes it.
//
// The planner runs in two passes per function:
//
//   - Backward slot liveness over basic blocks decides WHICH load of a
//     heap-owning local is its last use on a given path (or, failing
//     that, whether a store's value is never read at all).
//   - A forward, per-load stack-depth trace (consumerOf) decides WHERE
//     to place the free: not immediately after the load itself — an
//     operand can sit under several more pushes before anything pops it
//     — but immediately after the instruction that actually consumes
//     the pushed value. If that instruction is the function's own
//     OpReturn, the value is escaping to the caller and must not be
//     freed at all.
//
// The language's only control construct is if (forms.go's lowerIf), and
// every branch it opens is closed by a single forward jump to a shared
// label before the function can do anything else — there is no loop
// construct anywhere in lowering. That guarantees every value produced
// before a branch and still needed afterward is consumed only once
// that branch has rejoined, never from inside one arm but not the
// other, which is what lets the forward trace pick either arm of a
// JumpIfZero arbitrarily and still land on the correct consumer.
package liveness

import "github.com/slisp-lang/slisp/internal/ir"

// Plan returns a copy of prog in which every function's Code carries
// the FreeLocal instructions its heap-owning locals need. prog itself
// is left untouched.
func Plan(prog *ir.Program) (*ir.Program, error) {
	out := &ir.Program{
		Entry:      prog.Entry,
		Strings:    prog.Strings,
		HeapNeeded: prog.HeapNeeded,
	}
	for _, fn := range prog.Funcs {
		planned, err := planFunc(fn)
		if err != nil {
			return nil, err
		}
		out.Funcs = append(out.Funcs, planned)
	}
	return out, nil
}

// freeSite is one planned insertion: an ir.OpFreeLocal(slot) belongs
// immediately after instruction afterIdx in the ORIGINAL (pre-insertion)
// instruction numbering.
type freeSite struct {
	afterIdx int
	slot     int
}

func planFunc(fn *ir.Function) (*ir.Function, error) {
	ownable := ownableSlots(fn)
	if len(ownable) == 0 {
		return fn, nil
	}

	blocks := buildBlocks(fn.Code)
	live := computeLiveness(fn.Code, blocks, ownable)

	labelPos := make(map[int]int, len(blocks))
	for i, inst := range fn.Code {
		if inst.Op == ir.OpLabel {
			labelPos[inst.Arg] = i
		}
	}

	var sites []freeSite
	for bi := range blocks {
		sites = append(sites, planBlock(fn.Code, blocks[bi], live.liveOut[bi], ownable, labelPos)...)
	}

	return &ir.Function{
		Name:       fn.Name,
		ParamCount: fn.ParamCount,
		Locals:     fn.Locals,
		FrameSlots: fn.FrameSlots,
		Code:       withFrees(fn.Code, sites),
	}, nil
}

// ownableSlots returns the set of slots whose binding owns a heap
// allocation the planner must eventually free — every named local with
// HeapOwner set. Parameters are never in this set (lower.go binds them
// with heap=false: they arrive as borrows). Compiler-managed temp slots
// used to build collection literals are never in fn.Locals at all, so
// they're excluded automatically — correctly, since ownership of a
// cloned element transfers into the collection that consumes it; the
// temp slot is just transient wiring, never an independent owner.
func ownableSlots(fn *ir.Function) map[int]bool {
	set := make(map[int]bool)
	for _, l := range fn.Locals {
		if l.HeapOwner {
			set[l.Slot] = true
		}
	}
	return set
}

// planBlock walks one block backward, reproducing the live-in
// computation (so it has, at every point, exactly the set computed
// during the fixed-point pass) but this time recording insertions: a
// dead store (never read before end of its own liveness) frees right
// after the store; a load found to be this path's last use is resolved
// to its actual consumer via consumerOf and frees right after that,
// unless the consumer is OpReturn.
func planBlock(code ir.Seq, b block, liveOut map[int]bool, ownable map[int]bool, labelPos map[int]int) []freeSite {
	live := cloneSet(liveOut)
	var sites []freeSite
	for i := b.end - 1; i >= b.start; i-- {
		inst := code[i]
		switch inst.Op {
		case ir.OpStoreLocal:
			if ownable[inst.Arg] {
				if !live[inst.Arg] {
					sites = append(sites, freeSite{afterIdx: i, slot: inst.Arg})
				}
				delete(live, inst.Arg)
			}
		case ir.OpLoadLocal:
			if ownable[inst.Arg] {
				if !live[inst.Arg] {
					if consumer, ok := consumerOf(code, labelPos, i); ok && code[consumer].Op != ir.OpReturn {
						sites = append(sites, freeSite{afterIdx: consumer, slot: inst.Arg})
					}
				}
				live[inst.Arg] = true
			}
		}
	}
	return sites
}

func cloneSet(s map[int]bool) map[int]bool {
	out := make(map[int]bool, len(s))
	for k, v := range s {
		if v {
			out[k] = true
		}
	}
	return out
}

// withFrees rebuilds code with an ir.OpFreeLocal(slot) spliced in
// immediately after each site's instruction. Label/Jump ids are
// untouched by this: they're abstract ids resolved by the assembler's
// own label table (MarkLabel/JmpRel32), not raw instruction offsets, so
// inserting extra non-jump instructions between them never needs
// AdjustJumpTargets.
func withFrees(code ir.Seq, sites []freeSite) ir.Seq {
	if len(sites) == 0 {
		return code
	}
	byIdx := make(map[int][]int, len(sites)) // instruction index -> slots to free after it
	for _, s := range sites {
		byIdx[s.afterIdx] = append(byIdx[s.afterIdx], s.slot)
	}
	out := make(ir.Seq, 0, len(code)+len(sites))
	for i, inst := range code {
		out = append(out, inst)
		slots := byIdx[i]
		sortInts(slots)
		for _, slot := range slots {
			out = append(out, ir.Inst{Op: ir.OpFreeLocal, Arg: slot})
		}
	}
	return out
}

// sortInts is a tiny insertion sort: free-site lists per instruction
// are never more than a couple of elements long (at most one per
// distinct slot the instruction happens to kill/last-use), so this
// keeps output deterministic without pulling in sort for it.
func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
