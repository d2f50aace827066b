package runtimelib

import "github.com/slisp-lang/slisp/internal/asm"

// emitKeywordIntern writes `_keyword_intern(ptr) -> ptr`: a linear-scan
// intern table over every keyword literal's rodata string, so two
// keyword literals spelled the same way compare equal by pointer
// afterward (codegen.go's OpPushKeyword calls this on every keyword
// push). RDI=ptr, System-V style like _allocate/_free — there's only
// ever one argument, so there's no reason to go through the
// OpRuntimeCall argument-array convention.
//
// The table is a single growable block — [capacity][slot0]...[slotN-1]
// — whose pointer and live entry count live in the RW data segment
// alongside the allocator's own globals (DataBase/offKeywordTablePtr,
// offKeywordTableSize). Growing doubles capacity and frees the old
// block through the same _allocate/_free the allocator itself exposes.
func (b *builder) emitKeywordIntern() {
	b.begin("_keyword_intern")
	a := b.asm
	lScan := b.newLabel()
	lScanNext := b.newLabel()
	lLenMatch := b.newLabel()
	lByteLoop := b.newLabel()
	lFound := b.newLabel()
	lNoTable := b.newLabel()
	lCheckCap := b.newLabel()
	lGrow := b.newLabel()
	lDoAlloc := b.newLabel()
	lCopyExisting := b.newLabel()
	lCopyDone := b.newLabel()
	lSkipFree := b.newLabel()
	lAppend := b.newLabel()

	a.MovRR(asm.RBX, asm.RDI) // rbx = candidate string ptr (length-prefixed)
	a.MovRegImm64(asm.R12, DataBase)
	a.LoadMem(asm.R13, asm.R12, offKeywordTablePtr)  // r13 = table ptr (0 if none)
	a.LoadMem(asm.R14, asm.R12, offKeywordTableSize) // r14 = live entry count

	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lNoTable)

	// Scan existing entries for a byte-for-byte match.
	a.MovRR(asm.R15, asm.R14) // remaining
	a.MovRR(asm.R8, asm.R13)
	a.AddRI(asm.R8, 8) // cursor into the slot array

	a.MarkLabel(lScan)
	a.TestRR(asm.R15, asm.R15)
	a.JccRel32(asm.CondE, lCheckCap)
	a.LoadMem(asm.R9, asm.R8, 0)   // entry ptr
	a.LoadMem(asm.RDX, asm.R9, 0)  // entry length
	a.LoadMem(asm.RCX, asm.RBX, 0) // candidate length (reloaded every iteration)
	a.CmpRR(asm.RDX, asm.RCX)
	a.JccRel32(asm.CondE, lLenMatch)
	a.JmpRel32(lScanNext)

	a.MarkLabel(lLenMatch)
	a.MovRR(asm.R10, asm.RCX) // remaining bytes to compare (shared length)
	a.MovRR(asm.R11, asm.R9)
	a.AddRI(asm.R11, 8) // entry bytes cursor
	a.MovRR(asm.RDX, asm.RBX)
	a.AddRI(asm.RDX, 8) // candidate bytes cursor

	a.MarkLabel(lByteLoop)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lFound)
	a.LoadByte(asm.RAX, asm.R11, 0)
	a.LoadByte(asm.RCX, asm.RDX, 0)
	a.CmpRR(asm.RAX, asm.RCX)
	a.JccRel32(asm.CondNE, lScanNext)
	a.AddRI(asm.R11, 1)
	a.AddRI(asm.RDX, 1)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lByteLoop)

	a.MarkLabel(lFound)
	a.MovRR(asm.RAX, asm.R9) // matched entry is the canonical pointer
	a.Ret()

	a.MarkLabel(lScanNext)
	a.AddRI(asm.R8, 8)
	a.SubRI(asm.R15, 1)
	a.JmpRel32(lScan)

	// Not found among existing entries: append, growing first if full.
	a.MarkLabel(lCheckCap)
	a.LoadMem(asm.RAX, asm.R13, 0) // current capacity
	a.CmpRR(asm.R14, asm.RAX)
	a.JccRel32(asm.CondL, lAppend) // count < capacity: room to append
	a.JmpRel32(lGrow)

	a.MarkLabel(lNoTable)
	a.JmpRel32(lGrow)

	a.MarkLabel(lGrow)
	a.MovRegImm64(asm.RAX, 8) // default newCapacity when there's no table yet
	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lDoAlloc)
	a.LoadMem(asm.RAX, asm.R13, 0) // old capacity
	a.AddRR(asm.RAX, asm.RAX)      // newCapacity = capacity*2
	a.MarkLabel(lDoAlloc)

	a.PushR(asm.RAX) // newCapacity, saved across the allocate call
	a.MovRR(asm.RDI, asm.RAX)
	b.emitWordArraySize() // rax = size
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.R9) // newCapacity restored

	a.MovRR(asm.R10, asm.RAX) // r10 = new table ptr
	a.StoreMem(asm.R10, 0, asm.R9)

	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lCopyDone) // no existing table: nothing to copy
	a.MovRR(asm.R11, asm.R10)
	a.AddRI(asm.R11, 8) // dst cursor
	a.MovRR(asm.R8, asm.R13)
	a.AddRI(asm.R8, 8) // src cursor
	a.MovRR(asm.RCX, asm.R14) // entries to copy = live count

	a.MarkLabel(lCopyExisting)
	a.TestRR(asm.RCX, asm.RCX)
	a.JccRel32(asm.CondE, lCopyDone)
	a.LoadMem(asm.RAX, asm.R8, 0)
	a.StoreMem(asm.R11, 0, asm.RAX)
	a.AddRI(asm.R8, 8)
	a.AddRI(asm.R11, 8)
	a.SubRI(asm.RCX, 1)
	a.JmpRel32(lCopyExisting)
	a.MarkLabel(lCopyDone)

	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lSkipFree)
	a.PushR(asm.R10) // r10 isn't in the call-safe set; save it across _free
	a.MovRR(asm.RDI, asm.R13)
	a.CallRel32("_free")
	a.PopR(asm.R10)
	a.MarkLabel(lSkipFree)

	a.MovRR(asm.R13, asm.R10)
	a.MarkLabel(lAppend)

	// slot address = r13 + 8 + 8*count
	a.MovRR(asm.RAX, asm.R14)
	a.AddRR(asm.RAX, asm.RAX) // x2
	a.AddRR(asm.RAX, asm.RAX) // x4
	a.AddRR(asm.RAX, asm.RAX) // x8
	a.MovRR(asm.RCX, asm.R13)
	a.AddRI(asm.RCX, 8)
	a.AddRR(asm.RCX, asm.RAX)
	a.StoreMem(asm.RCX, 0, asm.RBX)

	a.AddRI(asm.R14, 1)
	a.StoreMem(asm.R12, offKeywordTableSize, asm.R14)
	a.StoreMem(asm.R12, offKeywordTablePtr, asm.R13)

	a.MovRR(asm.RAX, asm.RBX)
	a.Ret()
	a.ResolveJumps()
}
