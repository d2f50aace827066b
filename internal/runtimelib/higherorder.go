package runtimelib

import "github.com/slisp-lang/slisp/internal/asm"

// The three helpers below accept a function pointer (as pushed by
// OpPushFunctionAddress) and drive it through internal/codegen's
// OpCallIndirect protocol by hand: push the callee's arguments (in
// Slisp declaration order, deepest first), push the function pointer
// on top, pop it into r11, `call r11`, then pop the N arguments the
// callee doesn't clean up itself (internal/codegen's OpCallIndirect
// case pops the pointer and does `add rsp, N*8` after the call — the
// same sequence is reproduced here verbatim since there's no IR
// instruction to emit, only raw bytes).
//
// The loop's persistent state (function pointer, cursors, remaining
// count, result pointer) lives in RBX and R12-R15. Compiled Slisp code
// never references those registers itself, but runtime helpers it calls
// (the collection helpers, _keyword_intern, these three) use them as
// scratch, so emitIndirectCall1/2 save all five around each call.
var indirectCallSaved = []asm.Reg{asm.RBX, asm.R12, asm.R13, asm.R14, asm.R15}

func (b *builder) emitIndirectCall1(arg asm.Reg, fn asm.Reg) {
	a := b.asm
	for _, r := range indirectCallSaved {
		a.PushR(r)
	}
	a.PushR(arg)
	a.PushR(fn)
	a.PopR(asm.R11)
	a.EmitBytes(0x41, 0xff, 0xd3) // call r11
	a.AddRI(asm.RSP, 8)
	for i := len(indirectCallSaved) - 1; i >= 0; i-- {
		a.PopR(indirectCallSaved[i])
	}
}

func (b *builder) emitIndirectCall2(arg0, arg1 asm.Reg, fn asm.Reg) {
	a := b.asm
	for _, r := range indirectCallSaved {
		a.PushR(r)
	}
	a.PushR(arg0)
	a.PushR(arg1)
	a.PushR(fn)
	a.PopR(asm.R11)
	a.EmitBytes(0x41, 0xff, 0xd3) // call r11
	a.AddRI(asm.RSP, 16)
	for i := len(indirectCallSaved) - 1; i >= 0; i-- {
		a.PopR(indirectCallSaved[i])
	}
}

// emitVectorMap writes `_vector_map(f, coll) -> vector`: a same-length
// vector of f applied to each element.
func (b *builder) emitVectorMap() {
	b.begin("_vector_map")
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)  // rbx = function ptr
	a.LoadMem(asm.R8, asm.RSI, -8)  // src coll ptr (scratch; consumed below)
	a.LoadMem(asm.R12, asm.R8, 0)   // r12 = remaining count

	a.MovRR(asm.RDI, asm.R12)
	a.PushR(asm.RDI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R15, asm.RAX) // result ptr
	a.StoreMem(asm.R15, 0, asm.RDI)

	a.LoadMem(asm.R13, asm.RSI, -8) // re-load src coll ptr into a persistent reg
	a.AddRI(asm.R13, 8)             // r13 = src cursor
	a.MovRR(asm.R14, asm.R15)
	a.AddRI(asm.R14, 8) // r14 = dst cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.R12, asm.R12)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(asm.RAX, asm.R13, 0) // element
	b.emitIndirectCall1(asm.RAX, asm.RBX)
	a.StoreMem(asm.R14, 0, asm.RAX) // f's result
	a.AddRI(asm.R13, 8)
	a.AddRI(asm.R14, 8)
	a.SubRI(asm.R12, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)

	a.MovRR(asm.RAX, asm.R15)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorFilter writes `_vector_filter(pred, coll) -> vector`: the
// elements for which pred returns truthy (non-nil, non-false; see
// value.Kind's boolean representation), in original order.
//
// pred's return overwrites RAX, so the candidate element itself has to
// be pushed TWICE before the call: the callee only ever reads its
// shallowest copy (the frame layout puts the last-pushed argument
// closest to rbp), and after OpCallIndirect's own `add rsp, 8` consumes
// that copy, the deeper copy is left sitting on top of the native
// stack, recoverable with a plain pop.
func (b *builder) emitVectorFilter() {
	b.begin("_vector_filter")
	a := b.asm
	lSkip := b.newLabel()
	lLoop := b.newLabel()
	lDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)  // rbx = predicate ptr
	a.LoadMem(asm.R12, asm.RSI, -8) // r12 = src coll ptr
	a.LoadMem(asm.R13, asm.R12, 0)  // r13 = remaining count

	// Worst case every element survives: size the result for count
	// elements up front. The header's count field is patched at the end
	// to the true kept count, so the unused tail past it is never read.
	a.MovRR(asm.RDI, asm.R13)
	a.PushR(asm.RDI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R14, asm.RAX) // result ptr
	a.MovRR(asm.R15, asm.R12)
	a.AddRI(asm.R15, 8) // r15 = src cursor

	// Only five registers (rbx, r12-r15) survive the indirect predicate
	// call below untouched, and they're already spent on the predicate
	// pointer, the remaining count, the result pointer, and the src
	// cursor. So the dst cursor is repurposed into r12 (the source coll
	// pointer it held is no longer needed once r13/r15 are derived from
	// it), and the kept count isn't tracked at all during the loop — at
	// the end it falls out of how far r12 advanced past its start.
	a.MovRR(asm.R12, asm.R14)
	a.AddRI(asm.R12, 8) // r12 = dst cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(asm.RAX, asm.R15, 0) // element
	a.PushR(asm.RAX)               // deep copy, recovered after cleanup
	b.emitIndirectCall1(asm.RAX, asm.RBX)
	a.TestRR(asm.RAX, asm.RAX)
	a.PopR(asm.RAX) // recovered original element value
	a.JccRel32(asm.CondE, lSkip)
	a.StoreMem(asm.R12, 0, asm.RAX)
	a.AddRI(asm.R12, 8)
	a.MarkLabel(lSkip)
	a.AddRI(asm.R15, 8)
	a.SubRI(asm.R13, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)

	// kept count = (final dst cursor - first dst slot) / 8
	a.MovRR(asm.RAX, asm.R12)
	a.SubRR(asm.RAX, asm.R14)
	a.SubRI(asm.RAX, 8)
	a.Cqo()
	a.MovRegImm64(asm.RCX, 8)
	a.IdivR(asm.RCX)
	a.StoreMem(asm.R14, 0, asm.RAX)

	a.MovRR(asm.RAX, asm.R14)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorReduce writes `_vector_reduce(f, init, coll) -> any`: folds
// f over coll left to right, f(acc, elem) each step, starting from
// init; coll's empty case returns init unchanged.
func (b *builder) emitVectorReduce() {
	b.begin("_vector_reduce")
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)   // rbx = function ptr
	a.LoadMem(asm.R12, asm.RSI, -8)  // r12 = acc (init, then running)
	a.LoadMem(asm.R13, asm.RSI, -16) // coll ptr
	a.LoadMem(asm.R14, asm.R13, 0)   // r14 = remaining count
	a.MovRR(asm.R15, asm.R13)
	a.AddRI(asm.R15, 8) // r15 = src cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.R14, asm.R14)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(asm.RAX, asm.R15, 0) // elem
	b.emitIndirectCall2(asm.R12, asm.RAX, asm.RBX) // f(acc, elem)
	a.MovRR(asm.R12, asm.RAX)                      // acc = result
	a.AddRI(asm.R15, 8)
	a.SubRI(asm.R14, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)

	a.MovRR(asm.RAX, asm.R12)
	a.Ret()
	a.ResolveJumps()
}
