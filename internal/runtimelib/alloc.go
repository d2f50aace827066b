package runtimelib

import "github.com/slisp-lang/slisp/internal/asm"

// emitHeapInit writes `_heap_init()`: mmap one 1 MiB anonymous RW region
// (same raw mmap syscall shape the teacher's own entry-stub codegen
// uses for its operand stack), installs one free block spanning it, and
// publishes heap_base/heap_end/free_list_head into the RW data segment.
func (b *builder) emitHeapInit() {
	b.begin("_heap_init")
	a := b.asm

	// mmap(addr=0, len=heapSize, prot=PROT_READ|PROT_WRITE,
	//      flags=MAP_PRIVATE|MAP_ANONYMOUS, fd=-1, offset=0)
	a.XorRR(asm.RDI, asm.RDI)
	a.MovRegImm64(asm.RSI, heapSize)
	a.MovRegImm64(asm.RDX, 3) // PROT_READ|PROT_WRITE
	a.MovRegImm64(asm.R10, 0x22) // MAP_PRIVATE|MAP_ANONYMOUS
	a.MovRegImm64(asm.R8, 0xFFFFFFFFFFFFFFFF) // fd = -1
	a.XorRR(asm.R9, asm.R9)
	a.MovRegImm64(asm.RAX, 9) // SYS_mmap
	a.Syscall()

	// rax now holds heap_base.
	a.MovRegImm64(asm.RCX, DataBase)
	a.StoreMem(asm.RCX, offHeapBase, asm.RAX)

	a.MovRR(asm.RDX, asm.RAX)
	a.AddRI(asm.RDX, heapSize)
	a.StoreMem(asm.RCX, offHeapEnd, asm.RDX)

	a.StoreMem(asm.RCX, offFreeListHead, asm.RAX)

	// Install the single free block covering the whole region:
	// [size=heapSize, flag clear][next=NULL].
	a.MovRegImm64(asm.RDX, heapSize)
	a.StoreMem(asm.RAX, 0, asm.RDX)
	a.XorRR(asm.RDX, asm.RDX)
	a.StoreMem(asm.RAX, 8, asm.RDX)

	a.Ret()
	a.ResolveJumps()
}

// emitAllocate writes `_allocate(size: u64) -> ptr`, RDI = size,
// returning a pointer past the block's header. First-fit over the free
// list, splitting a block when its remainder would still hold a header
// plus a useful payload (spec.md §3: "Heap object layout").
func (b *builder) emitAllocate() {
	b.begin("_allocate")
	a := b.asm

	lLoop := b.newLabel()
	lNext := b.newLabel()
	lBigEnough := b.newLabel()
	lNoSplit := b.newLabel()
	lSplitHead := b.newLabel()
	lSplitDone := b.newLabel()
	lWholeHead := b.newLabel()
	lWholeDone := b.newLabel()
	lFail := b.newLabel()
	lRet := b.newLabel()

	// rcx = blockSize = align16(rdi + 8)
	a.MovRR(asm.RAX, asm.RDI)
	a.AddRI(asm.RAX, 8)
	a.AddRI(asm.RAX, 15)
	a.MovRegImm64(asm.R11, 0xFFFFFFFFFFFFFFF0)
	a.AndRR(asm.RAX, asm.R11)
	a.MovRR(asm.RCX, asm.RAX)

	a.MovRegImm64(asm.R8, DataBase)
	a.LoadMem(asm.R9, asm.R8, offFreeListHead) // r9 = cur
	a.XorRR(asm.R10, asm.R10)                  // r10 = prev

	a.MarkLabel(lLoop)
	a.TestRR(asm.R9, asm.R9)
	a.JccRel32(asm.CondE, lFail)
	a.LoadMem(asm.RAX, asm.R9, 0) // rax = curSize (header, flag clear since on free list)
	a.CmpRR(asm.RAX, asm.RCX)
	a.JccRel32(asm.CondAE, lBigEnough)

	a.MarkLabel(lNext)
	a.MovRR(asm.R10, asm.R9)
	a.LoadMem(asm.R9, asm.R9, 8)
	a.JmpRel32(lLoop)

	a.MarkLabel(lBigEnough)
	a.MovRR(asm.RDX, asm.RAX)
	a.SubRR(asm.RDX, asm.RCX) // rdx = remainder
	a.CmpRI(asm.RDX, minSplitRemainder)
	a.JccRel32(asm.CondL, lNoSplit)

	// Split: new free block at cur+blockSize.
	a.MovRR(asm.R11, asm.R9)
	a.AddRR(asm.R11, asm.RCX)
	a.StoreMem(asm.R11, 0, asm.RDX) // new block size = remainder
	a.LoadMem(asm.RAX, asm.R9, 8)
	a.StoreMem(asm.R11, 8, asm.RAX) // new block next = cur.next

	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lSplitHead)
	a.StoreMem(asm.R10, 8, asm.R11) // prev.next = new block
	a.JmpRel32(lSplitDone)
	a.MarkLabel(lSplitHead)
	a.StoreMem(asm.R8, offFreeListHead, asm.R11)
	a.MarkLabel(lSplitDone)

	a.MovRR(asm.RAX, asm.RCX)
	a.MovRegImm64(asm.RDX, allocatedBit)
	a.OrRR(asm.RAX, asm.RDX)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.MovRR(asm.RAX, asm.R9)
	a.AddRI(asm.RAX, 8)
	a.LoadMem(asm.RDX, asm.R8, offAllocCount)
	a.AddRI(asm.RDX, 1)
	a.StoreMem(asm.R8, offAllocCount, asm.RDX)
	a.JmpRel32(lRet)

	a.MarkLabel(lNoSplit)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lWholeHead)
	a.LoadMem(asm.RAX, asm.R9, 8)
	a.StoreMem(asm.R10, 8, asm.RAX) // prev.next = cur.next
	a.JmpRel32(lWholeDone)
	a.MarkLabel(lWholeHead)
	a.LoadMem(asm.RAX, asm.R9, 8)
	a.StoreMem(asm.R8, offFreeListHead, asm.RAX)
	a.MarkLabel(lWholeDone)

	a.LoadMem(asm.RAX, asm.R9, 0) // reload curSize (untouched since first read)
	a.MovRegImm64(asm.RDX, allocatedBit)
	a.OrRR(asm.RAX, asm.RDX)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.MovRR(asm.RAX, asm.R9)
	a.AddRI(asm.RAX, 8)
	a.LoadMem(asm.RDX, asm.R8, offAllocCount)
	a.AddRI(asm.RDX, 1)
	a.StoreMem(asm.R8, offAllocCount, asm.RDX)
	a.JmpRel32(lRet)

	a.MarkLabel(lFail)
	a.XorRR(asm.RAX, asm.RAX)

	a.MarkLabel(lRet)
	a.Ret()
	a.ResolveJumps()
}

// emitFree writes `_free(ptr)`, RDI = ptr: clears the ALLOCATED flag and
// pushes the block onto the free list head. No coalescing (spec.md §3).
func (b *builder) emitFree() {
	b.begin("_free")
	a := b.asm

	a.MovRR(asm.RAX, asm.RDI)
	a.SubRI(asm.RAX, 8) // rax = block header address
	a.LoadMem(asm.RCX, asm.RAX, 0)
	a.MovRegImm64(asm.RDX, ^allocatedBit)
	a.AndRR(asm.RCX, asm.RDX)
	a.StoreMem(asm.RAX, 0, asm.RCX)

	a.MovRegImm64(asm.R8, DataBase)
	a.LoadMem(asm.RDX, asm.R8, offFreeListHead)
	a.StoreMem(asm.RAX, 8, asm.RDX)
	a.StoreMem(asm.R8, offFreeListHead, asm.RAX)

	a.LoadMem(asm.RDX, asm.R8, offFreeCount)
	a.AddRI(asm.RDX, 1)
	a.StoreMem(asm.R8, offFreeCount, asm.RDX)

	a.Ret()
	a.ResolveJumps()
}

// emitTelemetryReport writes `_telemetry_report()`, called from the AOT
// entry stub's epilogue when --trace-alloc was passed at compile time
// (spec.md §6: "enable allocator telemetry output on stdout at program
// exit"). It writes one line, "alloc=<n> free=<n>\n", built entirely on
// the native stack so it needs no heap allocation of its own (the
// allocator may already be in whatever state -main left it in). Each
// counter is converted to decimal by _u64_to_decimal, the same
// least-significant-digit-first approach emitStringFromNumber uses for
// Slisp's own number->string conversion, except with no sign handling
// (alloc/free counts never go negative) and writing straight into a stack buffer
// instead of a heap-allocated String.
func (b *builder) emitTelemetryReport() {
	b.begin("_telemetry_report")
	a := b.asm

	// The line is assembled in a 96-byte buffer reserved up front, via
	// two calls to the shared digit-writer, with the literal labels
	// written as immediate byte stores. Layout (rsp-relative):
	//   [0:6)    "alloc=" literal
	//   [6:18)   decimal digits for alloc_count (right-justified)
	//   [18:24)  " free=" literal
	//   [24:36)  decimal digits for free_count (right-justified)
	//   [36]     '\n'
	// so the write below covers the first 37 bytes.
	const bufSize = 96
	a.SubRI(asm.RSP, bufSize)

	// "alloc="
	writeLiteral(a, asm.RSP, 0, "alloc=")
	a.MovRegImm64(asm.R8, DataBase)
	a.LoadMem(asm.RDI, asm.R8, offAllocCount)
	a.MovRR(asm.RSI, asm.RSP)
	a.AddRI(asm.RSI, 6)
	a.MovRegImm64(asm.RDX, 12) // field width
	a.CallRel32("_u64_to_decimal")

	writeLiteral(a, asm.RSP, 18, " free=")
	a.MovRegImm64(asm.R8, DataBase)
	a.LoadMem(asm.RDI, asm.R8, offFreeCount)
	a.MovRR(asm.RSI, asm.RSP)
	a.AddRI(asm.RSI, 24)
	a.MovRegImm64(asm.RDX, 12)
	a.CallRel32("_u64_to_decimal")

	a.MovRegImm64(asm.R9, 0x0a) // '\n'
	a.StoreByte(asm.RSP, 36, asm.R9)

	// write(1, rsp, 37)
	a.MovRegImm64(asm.RDI, 1)
	a.MovRR(asm.RSI, asm.RSP)
	a.MovRegImm64(asm.RDX, 37)
	a.MovRegImm64(asm.RAX, 1) // SYS_write
	a.Syscall()

	a.AddRI(asm.RSP, bufSize)
	a.Ret()
	a.ResolveJumps()
}

// writeLiteral stores s's bytes into the assembler's in-progress code as
// a sequence of immediate byte writes to [base+off:base+off+len(s)).
// Used only for the short fixed ASCII labels emitTelemetryReport prints;
// anything longer belongs in rodata instead.
func writeLiteral(a *asm.Assembler, base asm.Reg, off int, s string) {
	for i := 0; i < len(s); i++ {
		a.MovRegImm64(asm.R9, uint64(s[i]))
		a.StoreByte(base, int32(off+i), asm.R9)
	}
}

// emitU64ToDecimal writes `_u64_to_decimal(value, out, width)`: converts
// RDI to decimal ASCII (dividing with signed cqo/idiv, so values of 2^63
// and above do not convert correctly), right-justified with space padding
// into a width-RDX-byte field starting at RSI. Shares
// emitStringFromNumber's least-significant-digit-first approach but
// writes directly into caller-owned memory instead of allocating.
func (b *builder) emitU64ToDecimal() {
	b.begin("_u64_to_decimal")
	a := b.asm

	lDigitLoop := b.newLabel()
	lDigitDone := b.newLabel()
	lPadLoop := b.newLabel()
	lPadDone := b.newLabel()

	// Fill the field with spaces first.
	a.MovRR(asm.RCX, asm.RDX) // rcx = remaining width
	a.MovRR(asm.R10, asm.RSI) // r10 = cursor
	a.MarkLabel(lPadLoop)
	a.TestRR(asm.RCX, asm.RCX)
	a.JccRel32(asm.CondE, lPadDone)
	a.MovRegImm64(asm.R11, 0x20) // ' '
	a.StoreByte(asm.R10, 0, asm.R11)
	a.AddRI(asm.R10, 1)
	a.SubRI(asm.RCX, 1)
	a.JmpRel32(lPadLoop)
	a.MarkLabel(lPadDone)

	// Walk from the right edge of the field backward, writing digits
	// least-significant-first, same as emitStringFromNumber.
	a.MovRR(asm.R10, asm.RSI)
	a.AddRR(asm.R10, asm.RDX)
	a.SubRI(asm.R10, 1) // r10 = &field[width-1], the rightmost byte
	a.MovRR(asm.RAX, asm.RDI)

	a.MarkLabel(lDigitLoop)
	a.MovRegImm64(asm.RCX, 10)
	a.Cqo()
	a.IdivR(asm.RCX)
	// rax = value/10, rdx = value%10
	a.AddRI(asm.RDX, int32('0'))
	a.StoreByte(asm.R10, 0, asm.RDX)
	a.SubRI(asm.R10, 1)
	a.TestRR(asm.RAX, asm.RAX)
	a.JccRel32(asm.CondNE, lDigitLoop)
	a.JmpRel32(lDigitDone)

	a.MarkLabel(lDigitDone)
	a.Ret()
	a.ResolveJumps()
}
