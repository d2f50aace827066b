package runtimelib

import "github.com/slisp-lang/slisp/internal/asm"

// emitCloneHeapBlock writes the internal (not compiler-visible) helper
// every *_clone wrapper tail-calls: read the allocator header at ptr-8
// to learn the block's total size, allocate a fresh block of the same
// payload size, and word-copy the whole payload across. Every heap
// kind's allocated payload capacity is a multiple of 8 (blockSize is
// always 16-byte aligned and the header is 8 bytes), so this one
// word-copy loop is correct for String/Vector/Map/Set alike without
// needing to know which kind it's cloning (see DESIGN.md).
func (b *builder) emitCloneHeapBlock() {
	b.begin("_clone_heap_block")
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()

	a.MovRR(asm.RAX, asm.RDI)
	a.SubRI(asm.RAX, 8)
	a.LoadMem(asm.RCX, asm.RAX, 0)
	a.MovRegImm64(asm.RDX, 0x7FFFFFFFFFFFFFFF)
	a.AndRR(asm.RCX, asm.RDX) // rcx = total block size, flag cleared
	a.MovRR(asm.R8, asm.RCX)
	a.SubRI(asm.R8, 8) // r8 = payload size (bytes, multiple of 8)

	a.PushR(asm.RDI) // save src ptr
	a.PushR(asm.R8)  // save payload size
	a.MovRR(asm.RDI, asm.R8)
	a.CallRel32("_allocate")
	a.PopR(asm.R8)
	a.PopR(asm.RDI)
	// rax = new ptr, rdi = src ptr, r8 = remaining bytes

	a.MovRR(asm.R9, asm.RDI)  // src cursor
	a.MovRR(asm.R10, asm.RAX) // dst cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(asm.R11, asm.R9, 0)
	a.StoreMem(asm.R10, 0, asm.R11)
	a.AddRI(asm.R9, 8)
	a.AddRI(asm.R10, 8)
	a.SubRI(asm.R8, 8)
	a.JmpRel32(lLoop)

	a.MarkLabel(lDone)
	a.Ret()
	a.ResolveJumps()
}

// emitCloneWrapper writes a compiler-visible `_<kind>_clone` symbol:
// unwrap the OpRuntimeCall argument-array convention (RDI=1, RSI=&ptr)
// down to _clone_heap_block's direct-RDI convention.
func (b *builder) emitCloneWrapper(name string) {
	b.begin(name)
	a := b.asm
	a.LoadMem(asm.RDI, asm.RSI, 0)
	a.CallRel32("_clone_heap_block")
	a.Ret()
	a.ResolveJumps()
}

func (b *builder) emitStringClone() { b.emitCloneWrapper("_string_clone") }
func (b *builder) emitVectorClone() { b.emitCloneWrapper("_vector_clone") }
func (b *builder) emitMapClone()    { b.emitCloneWrapper("_map_clone") }
func (b *builder) emitSetClone()    { b.emitCloneWrapper("_set_clone") }

// emitWordCopyFromArgsLoop emits a loop that copies `count` (a register) 8-byte
// words from [src] (decrementing by 8 each iteration, matching the
// OpRuntimeCall argument-array layout where element i sits at
// [argsBase - 8*i]) to [dst] (incrementing by 8 each iteration). count,
// src, and dst are all clobbered; count must not be rcx/rax if the
// caller still needs them after (it doesn't, in every call site below).
func (b *builder) emitWordCopyFromArgsLoop(dst, src, count asm.Reg, scratch asm.Reg) {
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()
	a.MarkLabel(lLoop)
	a.TestRR(count, count)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(scratch, src, 0)
	a.StoreMem(dst, 0, scratch)
	a.AddRI(dst, 8)
	a.SubRI(src, 8)
	a.SubRI(count, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)
}

// emitWordCopyForwardLoop emits a loop that copies `count` words from
// [src] to [dst], advancing BOTH cursors forward by 8 each iteration —
// the shape every heap collection's own internal element array needs
// (unlike the args-array convention above, which reads backwards from
// a descending native-stack address).
func (b *builder) emitWordCopyForwardLoop(dst, src, count asm.Reg, scratch asm.Reg) {
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()
	a.MarkLabel(lLoop)
	a.TestRR(count, count)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(scratch, src, 0)
	a.StoreMem(dst, 0, scratch)
	a.AddRI(dst, 8)
	a.AddRI(src, 8)
	a.SubRI(count, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)
}

// emitWordArraySize computes, into RAX, the byte size of a flat
// [count-header][count data words] heap block given the element/word
// count currently in RDI: 8*(rdi+1). Shared by every _*_create helper
// and by any op allocating a result sized off an element count.
// Clobbers RAX only; uses doubling since internal/asm has no
// shift/mul-by-immediate instruction.
func (b *builder) emitWordArraySize() {
	a := b.asm
	a.MovRR(asm.RAX, asm.RDI)
	a.AddRI(asm.RAX, 1)
	a.AddRR(asm.RAX, asm.RAX) // x2
	a.AddRR(asm.RAX, asm.RAX) // x4
	a.AddRR(asm.RAX, asm.RAX) // x8
}
