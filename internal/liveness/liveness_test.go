package liveness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slisp-lang/slisp/internal/ir"
)

// freesOf returns the indices of every OpFreeLocal(slot) in code.
func freesOf(code ir.Seq, slot int) []int {
	var idxs []int
	for i, inst := range code {
		if inst.Op == ir.OpFreeLocal && inst.Arg == slot {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

func TestPlanFreesAfterTheConsumingRuntimeCallNotAfterTheLoad(t *testing.T) {
	// (let [v (vector 1 2)] (vector-count v))
	const vSlot = 0
	fn := &ir.Function{
		Name:       "f",
		ParamCount: 0,
		Locals:     []ir.Local{{Name: "v", Slot: vSlot, HeapOwner: true}},
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0}, // 0
			{Op: ir.OpStoreLocal, Arg: vSlot},                      // 1
			{Op: ir.OpLoadLocal, Arg: vSlot},                       // 2
			{Op: ir.OpRuntimeCall, Name: "_coll_count", Arg: 1},    // 3
			{Op: ir.OpReturn},                                      // 4
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)

	planned := out.Funcs[0]
	frees := freesOf(planned.Code, vSlot)
	require.Len(t, frees, 1)

	// The free must land right after the RuntimeCall that reads v (index
	// 3 in the original numbering), not right after the Load (index 2):
	// freeing immediately after the load would deallocate v's memory
	// before _coll_count ever dereferences it.
	require.Equal(t, ir.OpRuntimeCall, planned.Code[frees[0]-1].Op)
	require.Equal(t, ir.OpFreeLocal, planned.Code[frees[0]].Op)
	require.Equal(t, ir.OpReturn, planned.Code[frees[0]+1].Op)
}

func TestPlanNeverFreesAValueThatEscapesAsTheReturnValue(t *testing.T) {
	// (let [v (vector 1 2)] v)
	const vSlot = 0
	fn := &ir.Function{
		Name:       "f",
		ParamCount: 0,
		Locals:     []ir.Local{{Name: "v", Slot: vSlot, HeapOwner: true}},
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0},
			{Op: ir.OpStoreLocal, Arg: vSlot},
			{Op: ir.OpLoadLocal, Arg: vSlot},
			{Op: ir.OpReturn},
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)
	require.Empty(t, freesOf(out.Funcs[0].Code, vSlot))
}

func TestPlanExemptsBothBranchesOfAnIfThatReturnsDirectly(t *testing.T) {
	// (let [v (vector 1 2)] (if cond v (vector 3 4)))
	const vSlot = 0
	lElse, lEnd := 0, 1
	fn := &ir.Function{
		Name:       "f",
		ParamCount: 0,
		Locals:     []ir.Local{{Name: "v", Slot: vSlot, HeapOwner: true}},
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0}, // build v
			{Op: ir.OpStoreLocal, Arg: vSlot},
			{Op: ir.OpPushBool, Bool: true}, // stand-in condition
			{Op: ir.OpJumpIfZero, Arg: lElse},
			{Op: ir.OpLoadLocal, Arg: vSlot}, // then: returns v directly
			{Op: ir.OpJump, Arg: lEnd},
			{Op: ir.OpLabel, Arg: lElse},
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0}, // else: a fresh vector
			{Op: ir.OpLabel, Arg: lEnd},
			{Op: ir.OpReturn},
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)
	require.Empty(t, freesOf(out.Funcs[0].Code, vSlot))
}

func TestPlanFreesADeadStoreImmediately(t *testing.T) {
	// (let [v (vector 1 2)] 0) -- v is bound but never read.
	const vSlot = 0
	fn := &ir.Function{
		Name:       "f",
		ParamCount: 0,
		Locals:     []ir.Local{{Name: "v", Slot: vSlot, HeapOwner: true}},
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0},
			{Op: ir.OpStoreLocal, Arg: vSlot},
			{Op: ir.OpPushNumber, Num: 0},
			{Op: ir.OpReturn},
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)

	frees := freesOf(out.Funcs[0].Code, vSlot)
	require.Len(t, frees, 1)
	require.Equal(t, ir.OpStoreLocal, out.Funcs[0].Code[frees[0]-1].Op)
}

func TestPlanNeverFreesAParameterSlot(t *testing.T) {
	// (defn f [v] (vector-count v)) -- v is a borrow, not an owner, even
	// though its kind is heap-shaped; lower.go binds parameters with
	// HeapOwner=false, so this function's Locals carries none to plan
	// for regardless of how the body uses v.
	const vSlot = 0
	fn := &ir.Function{
		Name:       "f",
		ParamCount: 1,
		Locals:     []ir.Local{{Name: "v", Slot: vSlot, HeapOwner: false}},
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpLoadLocal, Arg: vSlot},
			{Op: ir.OpRuntimeCall, Name: "_coll_count", Arg: 1},
			{Op: ir.OpReturn},
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)
	require.Equal(t, fn, out.Funcs[0], "no ownable locals means Plan must not touch the function at all")
}

func TestPlanHandlesTwoSiblingLetsSharingAReusedSlot(t *testing.T) {
	// (do (let [v (vector 1)] (vector-count v)) (let [w (vector 2)] (vector-count w)))
	// v and w are bound to the SAME slot (its scope closed before w's
	// let opened it), so the planner must free each one exactly once,
	// at its own last use, never confusing one binding's liveness for
	// the other's.
	const slot = 0
	fn := &ir.Function{
		Name:       "f",
		ParamCount: 0,
		Locals: []ir.Local{
			{Name: "v", Slot: slot, HeapOwner: true},
			{Name: "w", Slot: slot, HeapOwner: true},
		},
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0}, // 0: build v
			{Op: ir.OpStoreLocal, Arg: slot},                       // 1
			{Op: ir.OpLoadLocal, Arg: slot},                        // 2
			{Op: ir.OpRuntimeCall, Name: "_coll_count", Arg: 1},    // 3: v's count
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 0}, // 4: build w
			{Op: ir.OpStoreLocal, Arg: slot},                       // 5
			{Op: ir.OpLoadLocal, Arg: slot},                        // 6
			{Op: ir.OpRuntimeCall, Name: "_coll_count", Arg: 1},    // 7: w's count
			{Op: ir.OpReturn},                                      // 8
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)

	frees := freesOf(out.Funcs[0].Code, slot)
	require.Len(t, frees, 2, "exactly one free per binding, never a double free of the shared slot")
}

func TestPlanLeavesAFunctionWithNoOwnableLocalsUntouched(t *testing.T) {
	fn := &ir.Function{
		Name: "f",
		Code: ir.Seq{
			{Op: ir.OpPushNumber, Num: 1},
			{Op: ir.OpReturn},
		},
	}
	prog := &ir.Program{Funcs: []*ir.Function{fn}}

	out, err := Plan(prog)
	require.NoError(t, err)
	require.Same(t, fn, out.Funcs[0])
}
