package runtimelib

import "github.com/slisp-lang/slisp/internal/asm"

// Register convention for the helpers in this file: RBX and R12-R15 are
// never touched by internal/codegen's compiled output, by _allocate, or
// by _clone_heap_block (see alloc.go/helpers.go), so any value stashed
// there survives a call to either without needing an explicit
// push/pop — unlike RDI/RSI/RAX/RCX/RDX/R8-R11, which _allocate uses
// internally and which therefore need saving across a call if still
// needed afterward.

// emitFlatCreate writes a `_vector_create`/`_set_create`-shaped symbol:
// RDI=count, RSI=args ptr (see package doc). Both kinds share the same
// payload shape — [count][elem0][elem1]...] — so one body serves both;
// Vector and Set differ only in what later code assumes about
// duplicates, not in how they're built.
func (b *builder) emitFlatCreate(symbol string) {
	b.begin(symbol)
	a := b.asm

	a.PushR(asm.RDI)
	a.PushR(asm.RSI)
	b.emitWordArraySize() // rax = size, from the still-live rdi
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RSI)
	a.PopR(asm.RDI)

	a.MovRR(asm.R11, asm.RAX)       // r11 = result ptr, survives the copy loop
	a.StoreMem(asm.R11, 0, asm.RDI) // count field = arity

	a.MovRR(asm.R10, asm.R11)
	a.AddRI(asm.R10, 8) // dst cursor
	a.MovRR(asm.R8, asm.RDI) // remaining count
	a.MovRR(asm.R9, asm.RSI) // src cursor (args ptr)
	b.emitWordCopyFromArgsLoop(asm.R10, asm.R9, asm.R8, asm.RAX)

	a.MovRR(asm.RAX, asm.R11)
	a.Ret()
	a.ResolveJumps()
}

func (b *builder) emitVectorCreate() { b.emitFlatCreate("_vector_create") }
func (b *builder) emitSetCreate()    { b.emitFlatCreate("_set_create") }

// emitMapCreate writes `_map_create(k0,v0,k1,v1,...) -> map`. Payload
// shape matches emitFlatCreate's (flat word array after the header),
// but the header word holds the PAIR count (arity/2), not the raw
// arity, matching _coll_count's expectation that count means "number
// of entries" uniformly across kinds.
func (b *builder) emitMapCreate() {
	b.begin("_map_create")
	a := b.asm

	a.PushR(asm.RDI)
	a.PushR(asm.RSI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RSI)
	a.PopR(asm.RDI) // rdi = arity (element count, always even)

	a.MovRR(asm.R11, asm.RAX) // result ptr

	a.MovRR(asm.RAX, asm.RDI)
	a.Cqo()
	a.MovRegImm64(asm.RCX, 2)
	a.IdivR(asm.RCX)                // rax = pair count
	a.StoreMem(asm.R11, 0, asm.RAX) // count field = pair count

	a.MovRR(asm.R10, asm.R11)
	a.AddRI(asm.R10, 8) // dst cursor
	a.MovRR(asm.R8, asm.RDI)
	a.MovRR(asm.R9, asm.RSI)
	b.emitWordCopyFromArgsLoop(asm.R10, asm.R9, asm.R8, asm.RAX)

	a.MovRR(asm.RAX, asm.R11)
	a.Ret()
	a.ResolveJumps()
}

// emitMapGet writes `_map_get(map, key) -> any`: linear scan over the
// flattened key/value pairs, returning nil (see OpPushNil's raw-zero
// encoding in internal/codegen) on a miss.
func (b *builder) emitMapGet() {
	b.begin("_map_get")
	a := b.asm
	lLoop := b.newLabel()
	lFound := b.newLabel()
	lMiss := b.newLabel()

	a.LoadMem(asm.R8, asm.RSI, 0)  // map ptr (arg0)
	a.LoadMem(asm.R9, asm.RSI, -8) // key (arg1)
	a.LoadMem(asm.R10, asm.R8, 0)  // remaining pair count
	a.MovRR(asm.R11, asm.R8)
	a.AddRI(asm.R11, 8) // cursor -> key slot

	a.MarkLabel(lLoop)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lMiss)
	a.LoadMem(asm.RAX, asm.R11, 0)
	a.CmpRR(asm.RAX, asm.R9)
	a.JccRel32(asm.CondE, lFound)
	a.AddRI(asm.R11, 16)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lLoop)

	a.MarkLabel(lFound)
	a.LoadMem(asm.RAX, asm.R11, 8)
	a.Ret()
	a.MarkLabel(lMiss)
	a.XorRR(asm.RAX, asm.RAX)
	a.Ret()
	a.ResolveJumps()
}

// emitMapAssoc writes `_map_assoc(map, key, val) -> map`: a fresh map
// with every existing pair copied, the given key's value either
// overwritten in place or appended as a new trailing pair. The caller
// (forms.go's builtinCalls CloneArgs) has already cloned val if it's a
// fresh heap value, so this only ever copies pointers, never clones.
func (b *builder) emitMapAssoc() {
	b.begin("_map_assoc")
	a := b.asm
	lScan := b.newLabel()
	lScanMatch := b.newLabel()
	lScanNext := b.newLabel()
	lScanDone := b.newLabel()
	lSizeReady := b.newLabel()
	lCopy := b.newLabel()
	lCopyMatch := b.newLabel()
	lCopyNext := b.newLabel()
	lCopyDone := b.newLabel()
	lAppendSkip := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)   // rbx = src map ptr
	a.LoadMem(asm.R12, asm.RSI, -8)  // r12 = key
	a.LoadMem(asm.R13, asm.RSI, -16) // r13 = val
	a.LoadMem(asm.R14, asm.RBX, 0)   // r14 = src pair count

	// Does key already exist in the source map? r15 = 1/0.
	a.MovRR(asm.RCX, asm.R14)
	a.MovRR(asm.RDX, asm.RBX)
	a.AddRI(asm.RDX, 8) // scan cursor
	a.XorRR(asm.R15, asm.R15)
	a.MarkLabel(lScan)
	a.TestRR(asm.RCX, asm.RCX)
	a.JccRel32(asm.CondE, lScanDone)
	a.LoadMem(asm.RAX, asm.RDX, 0)
	a.CmpRR(asm.RAX, asm.R12)
	a.JccRel32(asm.CondE, lScanMatch)
	a.JmpRel32(lScanNext)
	a.MarkLabel(lScanMatch)
	a.MovRegImm64(asm.R15, 1)
	a.JmpRel32(lScanDone)
	a.MarkLabel(lScanNext)
	a.AddRI(asm.RDX, 16)
	a.SubRI(asm.RCX, 1)
	a.JmpRel32(lScan)
	a.MarkLabel(lScanDone)

	// New pair count = src count, +1 if the key is new.
	a.MovRR(asm.RDI, asm.R14)
	a.TestRR(asm.R15, asm.R15)
	a.JccRel32(asm.CondNE, lSizeReady)
	a.AddRI(asm.RDI, 1)
	a.MarkLabel(lSizeReady)

	a.PushR(asm.R15) // found flag
	a.PushR(asm.RDI) // new pair count
	a.MovRR(asm.RAX, asm.RDI)
	a.AddRR(asm.RAX, asm.RAX) // word count = pairCount*2
	a.MovRR(asm.RDI, asm.RAX)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI) // new pair count
	a.PopR(asm.R15) // found flag

	a.MovRR(asm.R8, asm.RAX)       // r8 = result ptr
	a.StoreMem(asm.R8, 0, asm.RDI) // count field = new pair count

	// Walk src pairs, substituting val for the matching key; append the
	// new pair afterward if the key wasn't present.
	a.MovRR(asm.R9, asm.R14) // remaining src pairs
	a.MovRR(asm.R10, asm.RBX)
	a.AddRI(asm.R10, 8) // src cursor
	a.MovRR(asm.R11, asm.R8)
	a.AddRI(asm.R11, 8) // dst cursor

	a.MarkLabel(lCopy)
	a.TestRR(asm.R9, asm.R9)
	a.JccRel32(asm.CondE, lCopyDone)
	a.LoadMem(asm.RAX, asm.R10, 0) // src key
	a.CmpRR(asm.RAX, asm.R12)
	a.JccRel32(asm.CondE, lCopyMatch)
	a.StoreMem(asm.R11, 0, asm.RAX)
	a.LoadMem(asm.RAX, asm.R10, 8)
	a.StoreMem(asm.R11, 8, asm.RAX)
	a.JmpRel32(lCopyNext)
	a.MarkLabel(lCopyMatch)
	a.StoreMem(asm.R11, 0, asm.R12)
	a.StoreMem(asm.R11, 8, asm.R13)
	a.MarkLabel(lCopyNext)
	a.AddRI(asm.R10, 16)
	a.AddRI(asm.R11, 16)
	a.SubRI(asm.R9, 1)
	a.JmpRel32(lCopy)
	a.MarkLabel(lCopyDone)

	a.TestRR(asm.R15, asm.R15)
	a.JccRel32(asm.CondNE, lAppendSkip)
	a.StoreMem(asm.R11, 0, asm.R12)
	a.StoreMem(asm.R11, 8, asm.R13)
	a.MarkLabel(lAppendSkip)

	a.MovRR(asm.RAX, asm.R8)
	a.Ret()
	a.ResolveJumps()
}

// emitMapDissoc writes `_map_dissoc(map, key) -> map`: every pair
// except one matching key.
func (b *builder) emitMapDissoc() {
	b.begin("_map_dissoc")
	a := b.asm
	lCount := b.newLabel()
	lCountNext := b.newLabel()
	lCountDone := b.newLabel()
	lCopy := b.newLabel()
	lCopySkip := b.newLabel()
	lCopyDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)  // src map
	a.LoadMem(asm.R12, asm.RSI, -8) // key

	a.LoadMem(asm.R13, asm.RBX, 0) // remaining (count pass)
	a.MovRR(asm.R14, asm.RBX)
	a.AddRI(asm.R14, 8) // cursor
	a.XorRR(asm.R15, asm.R15) // surviving count

	a.MarkLabel(lCount)
	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lCountDone)
	a.LoadMem(asm.RAX, asm.R14, 0)
	a.CmpRR(asm.RAX, asm.R12)
	a.JccRel32(asm.CondE, lCountNext)
	a.AddRI(asm.R15, 1)
	a.MarkLabel(lCountNext)
	a.AddRI(asm.R14, 16)
	a.SubRI(asm.R13, 1)
	a.JmpRel32(lCount)
	a.MarkLabel(lCountDone)

	a.MovRR(asm.RDI, asm.R15)
	a.PushR(asm.RDI)
	a.MovRR(asm.RAX, asm.RDI)
	a.AddRR(asm.RAX, asm.RAX)
	a.MovRR(asm.RDI, asm.RAX)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R8, asm.RAX)
	a.StoreMem(asm.R8, 0, asm.RDI)

	a.LoadMem(asm.R13, asm.RBX, 0) // reload total src pairs
	a.MovRR(asm.R14, asm.RBX)
	a.AddRI(asm.R14, 8) // src cursor
	a.MovRR(asm.R9, asm.R8)
	a.AddRI(asm.R9, 8) // dst cursor

	a.MarkLabel(lCopy)
	a.TestRR(asm.R13, asm.R13)
	a.JccRel32(asm.CondE, lCopyDone)
	a.LoadMem(asm.RAX, asm.R14, 0)
	a.CmpRR(asm.RAX, asm.R12)
	a.JccRel32(asm.CondE, lCopySkip)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.LoadMem(asm.RAX, asm.R14, 8)
	a.StoreMem(asm.R9, 8, asm.RAX)
	a.AddRI(asm.R9, 16)
	a.MarkLabel(lCopySkip)
	a.AddRI(asm.R14, 16)
	a.SubRI(asm.R13, 1)
	a.JmpRel32(lCopy)
	a.MarkLabel(lCopyDone)

	a.MovRR(asm.RAX, asm.R8)
	a.Ret()
	a.ResolveJumps()
}

// emitMapKeysOrVals writes `_map_keys`/`_map_vals`: a vector of every
// key (valueOffset=0) or every value (valueOffset=8) in pair order.
func (b *builder) emitMapKeysOrVals(symbol string, valueOffset int32) {
	b.begin(symbol)
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0) // map ptr
	a.LoadMem(asm.R12, asm.RBX, 0) // pair count

	a.MovRR(asm.RDI, asm.R12)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.MovRR(asm.R13, asm.RAX)
	a.StoreMem(asm.R13, 0, asm.R12)

	a.MovRR(asm.R14, asm.RBX)
	a.AddRI(asm.R14, 8+valueOffset) // src cursor at first key or val slot
	a.MovRR(asm.R15, asm.R13)
	a.AddRI(asm.R15, 8) // dst cursor

	a.MarkLabel(lLoop)
	a.TestRR(asm.R12, asm.R12)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(asm.RAX, asm.R14, 0)
	a.StoreMem(asm.R15, 0, asm.RAX)
	a.AddRI(asm.R14, 16)
	a.AddRI(asm.R15, 8)
	a.SubRI(asm.R12, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)

	a.MovRR(asm.RAX, asm.R13)
	a.Ret()
	a.ResolveJumps()
}

func (b *builder) emitMapKeys() { b.emitMapKeysOrVals("_map_keys", 0) }
func (b *builder) emitMapVals() { b.emitMapKeysOrVals("_map_vals", 8) }

// emitMapMerge writes `_map_merge(a, b) -> map`: every pair of a whose
// key isn't also in b, plus every pair of b (so b wins on conflicts,
// matching the common "later map wins" merge convention).
func (b *builder) emitMapMerge() {
	b.begin("_map_merge")
	a := b.asm
	lScanA := b.newLabel()
	lScanAInner := b.newLabel()
	lScanAMatch := b.newLabel()
	lScanANext := b.newLabel()
	lScanADone := b.newLabel()
	lCopyA := b.newLabel()
	lCopyAInner := b.newLabel()
	lCopyAKeep := b.newLabel()
	lCopyASkip := b.newLabel()
	lCopyADone := b.newLabel()
	lCopyB := b.newLabel()
	lCopyBDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)  // map a
	a.LoadMem(asm.R12, asm.RSI, -8) // map b
	a.LoadMem(asm.R13, asm.RBX, 0)  // countA
	a.LoadMem(asm.R14, asm.R12, 0)  // countB

	// commonCount (r15) = how many of a's keys also exist in b.
	a.XorRR(asm.R15, asm.R15)
	a.MovRR(asm.R8, asm.R13)
	a.MovRR(asm.R9, asm.RBX)
	a.AddRI(asm.R9, 8) // a cursor

	a.MarkLabel(lScanA)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lScanADone)
	a.LoadMem(asm.RAX, asm.R9, 0) // a's key
	a.MovRR(asm.R10, asm.R14)
	a.MovRR(asm.R11, asm.R12)
	a.AddRI(asm.R11, 8) // b cursor
	a.MarkLabel(lScanAInner)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lScanANext)
	a.LoadMem(asm.RCX, asm.R11, 0)
	a.CmpRR(asm.RCX, asm.RAX)
	a.JccRel32(asm.CondE, lScanAMatch)
	a.AddRI(asm.R11, 16)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lScanAInner)
	a.MarkLabel(lScanAMatch)
	a.AddRI(asm.R15, 1)
	a.MarkLabel(lScanANext)
	a.AddRI(asm.R9, 16)
	a.SubRI(asm.R8, 1)
	a.JmpRel32(lScanA)
	a.MarkLabel(lScanADone)

	// newPairCount = countA + countB - commonCount
	a.MovRR(asm.RDI, asm.R13)
	a.AddRR(asm.RDI, asm.R14)
	a.SubRR(asm.RDI, asm.R15)
	a.PushR(asm.RDI)
	a.MovRR(asm.RAX, asm.RDI)
	a.AddRR(asm.RAX, asm.RAX)
	a.MovRR(asm.RDI, asm.RAX)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R8, asm.RAX) // result ptr
	a.StoreMem(asm.R8, 0, asm.RDI)

	// Copy phase A: only a's pairs whose key isn't also in b.
	a.MovRR(asm.R9, asm.R8)
	a.AddRI(asm.R9, 8) // dst cursor
	a.MovRR(asm.R10, asm.R13) // remaining A
	a.MovRR(asm.R11, asm.RBX)
	a.AddRI(asm.R11, 8) // A cursor

	a.MarkLabel(lCopyA)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lCopyADone)
	a.LoadMem(asm.RAX, asm.R11, 0) // A's key
	a.MovRR(asm.RCX, asm.R14)      // inner remaining = countB
	a.MovRR(asm.RDX, asm.R12)
	a.AddRI(asm.RDX, 8) // B cursor
	a.MarkLabel(lCopyAInner)
	a.TestRR(asm.RCX, asm.RCX)
	a.JccRel32(asm.CondE, lCopyAKeep)
	a.LoadMem(asm.R15, asm.RDX, 0)
	a.CmpRR(asm.R15, asm.RAX)
	a.JccRel32(asm.CondE, lCopyASkip)
	a.AddRI(asm.RDX, 16)
	a.SubRI(asm.RCX, 1)
	a.JmpRel32(lCopyAInner)
	a.MarkLabel(lCopyAKeep)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.LoadMem(asm.RAX, asm.R11, 8)
	a.StoreMem(asm.R9, 8, asm.RAX)
	a.AddRI(asm.R9, 16)
	a.MarkLabel(lCopyASkip)
	a.AddRI(asm.R11, 16)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lCopyA)
	a.MarkLabel(lCopyADone)

	// Copy phase B: every pair of b, verbatim.
	a.MovRR(asm.R10, asm.R14)
	a.MovRR(asm.R11, asm.R12)
	a.AddRI(asm.R11, 8)
	a.MarkLabel(lCopyB)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lCopyBDone)
	a.LoadMem(asm.RAX, asm.R11, 0)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.LoadMem(asm.RAX, asm.R11, 8)
	a.StoreMem(asm.R9, 8, asm.RAX)
	a.AddRI(asm.R9, 16)
	a.AddRI(asm.R11, 16)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lCopyB)
	a.MarkLabel(lCopyBDone)

	a.MovRR(asm.RAX, asm.R8)
	a.Ret()
	a.ResolveJumps()
}

// emitMapSelectKeys writes `_map_select_keys(map, keysVector) -> map`:
// only the pairs whose key appears in keysVector.
func (b *builder) emitMapSelectKeys() {
	b.begin("_map_select_keys")
	a := b.asm
	lCount := b.newLabel()
	lCountInner := b.newLabel()
	lCountMatch := b.newLabel()
	lCountNext := b.newLabel()
	lCountDone := b.newLabel()
	lCopy := b.newLabel()
	lCopyInner := b.newLabel()
	lCopyMatch := b.newLabel()
	lCopySkip := b.newLabel()
	lCopyDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)  // map ptr
	a.LoadMem(asm.R12, asm.RSI, -8) // keys vector ptr
	a.LoadMem(asm.R13, asm.RBX, 0)  // map pair count
	a.LoadMem(asm.R14, asm.R12, 0)  // keys vector element count

	a.XorRR(asm.R15, asm.R15) // matched pair count
	a.MovRR(asm.R8, asm.R13)
	a.MovRR(asm.R9, asm.RBX)
	a.AddRI(asm.R9, 8) // map cursor

	a.MarkLabel(lCount)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lCountDone)
	a.LoadMem(asm.RAX, asm.R9, 0) // key
	a.MovRR(asm.R10, asm.R14)
	a.MovRR(asm.R11, asm.R12)
	a.AddRI(asm.R11, 8) // keys cursor
	a.MarkLabel(lCountInner)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lCountNext)
	a.LoadMem(asm.RCX, asm.R11, 0)
	a.CmpRR(asm.RCX, asm.RAX)
	a.JccRel32(asm.CondE, lCountMatch)
	a.AddRI(asm.R11, 8)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lCountInner)
	a.MarkLabel(lCountMatch)
	a.AddRI(asm.R15, 1)
	a.MarkLabel(lCountNext)
	a.AddRI(asm.R9, 16)
	a.SubRI(asm.R8, 1)
	a.JmpRel32(lCount)
	a.MarkLabel(lCountDone)

	a.PushR(asm.R15)
	a.MovRR(asm.RAX, asm.R15)
	a.AddRR(asm.RAX, asm.RAX)
	a.MovRR(asm.RDI, asm.RAX)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.R15)

	a.MovRR(asm.R8, asm.RAX)
	a.StoreMem(asm.R8, 0, asm.R15)

	a.MovRR(asm.R9, asm.R8)
	a.AddRI(asm.R9, 8) // dst cursor
	a.MovRR(asm.R10, asm.R13) // remaining map pairs
	a.MovRR(asm.R11, asm.RBX)
	a.AddRI(asm.R11, 8) // map cursor

	a.MarkLabel(lCopy)
	a.TestRR(asm.R10, asm.R10)
	a.JccRel32(asm.CondE, lCopyDone)
	a.LoadMem(asm.RAX, asm.R11, 0) // key
	a.MovRR(asm.RCX, asm.R14)
	a.MovRR(asm.RDX, asm.R12)
	a.AddRI(asm.RDX, 8) // keys cursor
	a.MarkLabel(lCopyInner)
	a.TestRR(asm.RCX, asm.RCX)
	a.JccRel32(asm.CondE, lCopySkip)
	a.LoadMem(asm.RDI, asm.RDX, 0)
	a.CmpRR(asm.RDI, asm.RAX)
	a.JccRel32(asm.CondE, lCopyMatch)
	a.AddRI(asm.RDX, 8)
	a.SubRI(asm.RCX, 1)
	a.JmpRel32(lCopyInner)
	a.MarkLabel(lCopyMatch)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.LoadMem(asm.RAX, asm.R11, 8)
	a.StoreMem(asm.R9, 8, asm.RAX)
	a.AddRI(asm.R9, 16)
	a.MarkLabel(lCopySkip)
	a.AddRI(asm.R11, 16)
	a.SubRI(asm.R10, 1)
	a.JmpRel32(lCopy)
	a.MarkLabel(lCopyDone)

	a.MovRR(asm.RAX, asm.R8)
	a.Ret()
	a.ResolveJumps()
}

// emitMapZipmap writes `_map_zipmap(keysVector, valsVector) -> map`:
// pairs up corresponding elements, truncating to the shorter vector.
func (b *builder) emitMapZipmap() {
	b.begin("_map_zipmap")
	a := b.asm
	lMinReady := b.newLabel()
	lCopy := b.newLabel()
	lCopyDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0)  // keys vector
	a.LoadMem(asm.R12, asm.RSI, -8) // vals vector
	a.LoadMem(asm.R13, asm.RBX, 0)  // keys count
	a.LoadMem(asm.R14, asm.R12, 0)  // vals count

	a.MovRR(asm.R15, asm.R13)
	a.CmpRR(asm.R13, asm.R14)
	a.JccRel32(asm.CondLE, lMinReady)
	a.MovRR(asm.R15, asm.R14)
	a.MarkLabel(lMinReady)

	a.PushR(asm.R15)
	a.MovRR(asm.RAX, asm.R15)
	a.AddRR(asm.RAX, asm.RAX)
	a.MovRR(asm.RDI, asm.RAX)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.R15)

	a.MovRR(asm.R8, asm.RAX)
	a.StoreMem(asm.R8, 0, asm.R15)

	a.MovRR(asm.R9, asm.R8)
	a.AddRI(asm.R9, 8) // dst cursor
	a.MovRR(asm.R10, asm.RBX)
	a.AddRI(asm.R10, 8) // keys cursor
	a.MovRR(asm.R11, asm.R12)
	a.AddRI(asm.R11, 8) // vals cursor

	a.MarkLabel(lCopy)
	a.TestRR(asm.R15, asm.R15)
	a.JccRel32(asm.CondE, lCopyDone)
	a.LoadMem(asm.RAX, asm.R10, 0)
	a.StoreMem(asm.R9, 0, asm.RAX)
	a.LoadMem(asm.RAX, asm.R11, 0)
	a.StoreMem(asm.R9, 8, asm.RAX)
	a.AddRI(asm.R9, 16)
	a.AddRI(asm.R10, 8)
	a.AddRI(asm.R11, 8)
	a.SubRI(asm.R15, 1)
	a.JmpRel32(lCopy)
	a.MarkLabel(lCopyDone)

	a.MovRR(asm.RAX, asm.R8)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorFirst writes `_vector_first(v) -> any` (nil on empty).
func (b *builder) emitVectorFirst() {
	b.begin("_vector_first")
	a := b.asm
	lEmpty := b.newLabel()

	a.LoadMem(asm.R8, asm.RSI, 0) // v ptr
	a.LoadMem(asm.R9, asm.R8, 0)  // count
	a.TestRR(asm.R9, asm.R9)
	a.JccRel32(asm.CondE, lEmpty)
	a.LoadMem(asm.RAX, asm.R8, 8)
	a.Ret()
	a.MarkLabel(lEmpty)
	a.XorRR(asm.RAX, asm.RAX)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorRest writes `_vector_rest(v) -> vector` (drop the first
// element; an empty vector's rest is itself empty).
func (b *builder) emitVectorRest() {
	b.begin("_vector_rest")
	a := b.asm
	lHasElems := b.newLabel()
	lAlloc := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0) // src vptr
	a.LoadMem(asm.R12, asm.RBX, 0) // src count

	a.TestRR(asm.R12, asm.R12)
	a.JccRel32(asm.CondNE, lHasElems)
	a.XorRR(asm.RDI, asm.RDI)
	a.JmpRel32(lAlloc)
	a.MarkLabel(lHasElems)
	a.MovRR(asm.RDI, asm.R12)
	a.SubRI(asm.RDI, 1)
	a.MarkLabel(lAlloc)

	a.PushR(asm.RDI) // new count
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R13, asm.RAX) // result ptr
	a.StoreMem(asm.R13, 0, asm.RDI)

	a.MovRR(asm.R14, asm.R13)
	a.AddRI(asm.R14, 8) // dst cursor
	a.MovRR(asm.R15, asm.RBX)
	a.AddRI(asm.R15, 16) // src cursor = &src[1]
	a.MovRR(asm.R8, asm.RDI) // remaining = new count
	b.emitWordCopyForwardLoop(asm.R14, asm.R15, asm.R8, asm.RAX)

	a.MovRR(asm.RAX, asm.R13)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorCons writes `_vector_cons(x, coll) -> vector` (prepend x).
func (b *builder) emitVectorCons() {
	b.begin("_vector_cons")
	a := b.asm

	a.LoadMem(asm.RBX, asm.RSI, 0)  // x
	a.LoadMem(asm.R12, asm.RSI, -8) // coll ptr
	a.LoadMem(asm.R13, asm.R12, 0)  // src count

	a.MovRR(asm.RDI, asm.R13)
	a.AddRI(asm.RDI, 1)
	a.PushR(asm.RDI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R14, asm.RAX)
	a.StoreMem(asm.R14, 0, asm.RDI)
	a.StoreMem(asm.R14, 8, asm.RBX) // elem0 = x

	a.MovRR(asm.R15, asm.R14)
	a.AddRI(asm.R15, 16) // dst cursor, past the new elem0
	a.MovRR(asm.R8, asm.R12)
	a.AddRI(asm.R8, 8) // src cursor
	a.MovRR(asm.R9, asm.R13) // remaining = src count
	b.emitWordCopyForwardLoop(asm.R15, asm.R8, asm.R9, asm.RAX)

	a.MovRR(asm.RAX, asm.R14)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorConj writes `_vector_conj(coll, x) -> vector` (append x).
func (b *builder) emitVectorConj() {
	b.begin("_vector_conj")
	a := b.asm

	a.LoadMem(asm.RBX, asm.RSI, 0)  // coll ptr
	a.LoadMem(asm.R12, asm.RSI, -8) // x
	a.LoadMem(asm.R13, asm.RBX, 0)  // src count

	a.MovRR(asm.RDI, asm.R13)
	a.AddRI(asm.RDI, 1)
	a.PushR(asm.RDI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R14, asm.RAX)
	a.StoreMem(asm.R14, 0, asm.RDI)

	a.MovRR(asm.R15, asm.R14)
	a.AddRI(asm.R15, 8) // dst cursor
	a.MovRR(asm.R8, asm.RBX)
	a.AddRI(asm.R8, 8) // src cursor
	a.MovRR(asm.R9, asm.R13) // remaining
	b.emitWordCopyForwardLoop(asm.R15, asm.R8, asm.R9, asm.RAX)
	a.StoreMem(asm.R15, 0, asm.R12) // r15 now sits at the new last slot

	a.MovRR(asm.RAX, asm.R14)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorConcat writes `_vector_concat(a, b) -> vector`.
func (b *builder) emitVectorConcat() {
	b.begin("_vector_concat")
	a := b.asm

	a.LoadMem(asm.RBX, asm.RSI, 0)  // vector a
	a.LoadMem(asm.R12, asm.RSI, -8) // vector b
	a.LoadMem(asm.R13, asm.RBX, 0)  // countA
	a.LoadMem(asm.R14, asm.R12, 0)  // countB

	a.MovRR(asm.RDI, asm.R13)
	a.AddRR(asm.RDI, asm.R14)
	a.PushR(asm.RDI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R15, asm.RAX) // result ptr
	a.StoreMem(asm.R15, 0, asm.RDI)

	a.MovRR(asm.R8, asm.R15)
	a.AddRI(asm.R8, 8) // dst cursor
	a.MovRR(asm.R9, asm.RBX)
	a.AddRI(asm.R9, 8) // a cursor
	a.MovRR(asm.R10, asm.R13) // remaining A
	b.emitWordCopyForwardLoop(asm.R8, asm.R9, asm.R10, asm.RAX)

	a.MovRR(asm.R9, asm.R12)
	a.AddRI(asm.R9, 8) // b cursor
	a.MovRR(asm.R10, asm.R14) // remaining B
	b.emitWordCopyForwardLoop(asm.R8, asm.R9, asm.R10, asm.RAX)

	a.MovRR(asm.RAX, asm.R15)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorNth writes `_vector_nth(coll, index) -> any` (nil on an
// out-of-range index, negative or too large). Walks to the index
// instead of computing a scaled address: internal/asm has no
// register-scaled addressing mode.
func (b *builder) emitVectorNth() {
	b.begin("_vector_nth")
	a := b.asm
	lOOB := b.newLabel()
	lWalk := b.newLabel()
	lWalkDone := b.newLabel()

	a.LoadMem(asm.R8, asm.RSI, 0)  // coll ptr
	a.LoadMem(asm.R9, asm.RSI, -8) // index
	a.LoadMem(asm.R10, asm.R8, 0)  // count

	a.TestRR(asm.R9, asm.R9)
	a.JccRel32(asm.CondL, lOOB) // negative index
	a.CmpRR(asm.R9, asm.R10)
	a.JccRel32(asm.CondGE, lOOB)

	a.MovRR(asm.R11, asm.R8)
	a.AddRI(asm.R11, 8)
	a.MarkLabel(lWalk)
	a.TestRR(asm.R9, asm.R9)
	a.JccRel32(asm.CondE, lWalkDone)
	a.AddRI(asm.R11, 8)
	a.SubRI(asm.R9, 1)
	a.JmpRel32(lWalk)
	a.MarkLabel(lWalkDone)
	a.LoadMem(asm.RAX, asm.R11, 0)
	a.Ret()

	a.MarkLabel(lOOB)
	a.XorRR(asm.RAX, asm.RAX)
	a.Ret()
	a.ResolveJumps()
}

// emitVectorReverse writes `_vector_reverse(coll) -> vector`.
func (b *builder) emitVectorReverse() {
	b.begin("_vector_reverse")
	a := b.asm
	lLoop := b.newLabel()
	lDone := b.newLabel()

	a.LoadMem(asm.RBX, asm.RSI, 0) // src ptr
	a.LoadMem(asm.R12, asm.RBX, 0) // count

	a.MovRR(asm.RDI, asm.R12)
	a.PushR(asm.RDI)
	b.emitWordArraySize()
	a.MovRR(asm.RDI, asm.RAX)
	a.CallRel32("_allocate")
	a.PopR(asm.RDI)

	a.MovRR(asm.R13, asm.RAX) // result ptr
	a.StoreMem(asm.R13, 0, asm.RDI)

	// r14 = &src[count-1] (the last element); computed by doubling
	// (count-1) three times rather than a scaled-address instruction.
	a.MovRR(asm.R14, asm.RBX)
	a.AddRI(asm.R14, 8)
	a.MovRR(asm.RAX, asm.R12)
	a.SubRI(asm.RAX, 1)
	a.AddRR(asm.RAX, asm.RAX)
	a.AddRR(asm.RAX, asm.RAX)
	a.AddRR(asm.RAX, asm.RAX)
	a.AddRR(asm.R14, asm.RAX)

	a.MovRR(asm.R15, asm.R13)
	a.AddRI(asm.R15, 8) // dst cursor, forward
	a.MovRR(asm.R8, asm.R12) // remaining

	a.MarkLabel(lLoop)
	a.TestRR(asm.R8, asm.R8)
	a.JccRel32(asm.CondE, lDone)
	a.LoadMem(asm.RAX, asm.R14, 0)
	a.StoreMem(asm.R15, 0, asm.RAX)
	a.AddRI(asm.R15, 8)
	a.SubRI(asm.R14, 8)
	a.SubRI(asm.R8, 1)
	a.JmpRel32(lLoop)
	a.MarkLabel(lDone)

	a.MovRR(asm.RAX, asm.R13)
	a.Ret()
	a.ResolveJumps()
}
