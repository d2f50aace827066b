// Package runtimelib hand-assembles the native-code runtime every
// compiled Slisp program links against: the allocator (_heap_init,
// _allocate, _free) and the tagged-value helpers (_string_*, _vector_*,
// _map_*, _set_*, _keyword_intern) spec.md §4.1 names.
//
// Every helper is built the same way internal/codegen builds a Slisp
// function: an asm.Assembler accumulates one flat byte stream, labels
// resolve jumps locally per helper, and cross-helper calls (e.g.
// _vector_create calling _allocate) are recorded as asm.CallFixup
// entries and patched once every helper's offset is final — the same
// two-pass discipline internal/codegen.Compile uses for user functions.
//
// Calling convention. Two different conventions coexist, matching the
// two different call sites in internal/codegen:
//
//   - _allocate(size) and _free(ptr): a single value arrives directly in
//     RDI, System-V style, because internal/codegen's OpAllocate and
//     OpFreeLocal cases call them directly (no IR IS a variadic call
//     site here, so there's no reason to indirect through an argument
//     array).
//   - Every symbol reachable through OpRuntimeCall (everything the
//     compiler's builtinCalls/higherOrderCalls/lowerStr tables name, plus
//     _vector_create/_map_create/_set_create from collection literals):
//     RDI carries the argument count and RSI carries the address of the
//     first-pushed (deepest) argument, per internal/codegen's OpRuntimeCall
//     case. Argument i (0-indexed in push order) sits at [rsi - 8*i].
//     A helper with fixed arity simply knows which index means what;
//     only the *_create helpers and _string_concat_n actually vary N.
//   - _u64_to_decimal and _telemetry_report are never reachable from
//     compiled Slisp code (no compiler table names them) — they exist
//     solely to implement the --trace-alloc entry-stub trailer, so they
//     use a plain fixed-arity System-V convention of their own
//     (RDI/RSI/RDX) rather than either convention above.
package runtimelib

import (
	"fmt"

	"github.com/slisp-lang/slisp/internal/asm"
)

// DataBase is the fixed link address of the RW data segment holding the
// allocator's three globals (spec.md §6: "0x403000: heap_base (u64),
// 0x403008: heap_end (u64), 0x403010: free_list_head (u64)").
const DataBase = 0x403000

const (
	offHeapBase         = 0
	offHeapEnd          = 8
	offFreeListHead     = 16
	offKeywordTablePtr  = 24
	offKeywordTableSize = 32
	offAllocCount       = 40
	offFreeCount        = 48
)

// OffAllocCount and OffFreeCount are the allocator telemetry counters'
// offsets into the data segment, exported so internal/jit can read them
// directly out of the mapped page after -main returns rather than
// needing the AOT entry stub's _telemetry_report machine code (see that
// package's doc comment).
const (
	OffAllocCount = offAllocCount
	OffFreeCount  = offFreeCount
)

// DataSize is the byte size of the RW data segment: the allocator's
// three globals (spec.md §6), the keyword intern table's backing
// pointer and live entry count, and the two telemetry counters
// _allocate/_free maintain unconditionally (cheap: one memory add per
// call) so --trace-alloc (SPEC_FULL.md §A.1) has something to report
// regardless of whether the program that ends up reading them was
// compiled with the flag. All zero-initialized, same as the allocator's
// own globals before _heap_init runs.
const DataSize = 56

// allocatedBit marks a heap block's header as in-use; the low 63 bits
// of the same word hold the block's total size including the header
// (spec.md §3: "Heap object layout").
const allocatedBit = uint64(1) << 63

// minSplitRemainder is the smallest remainder worth carving off as its
// own free block (header + a minimal payload) when _allocate splits a
// block larger than requested. A remainder smaller than this is left
// attached to the allocated block instead (internal fragmentation, not
// a correctness issue).
const minSplitRemainder = 32

// heapSize is the fixed mmap reservation _heap_init makes.
const heapSize = 1 << 20 // 1 MiB

// Library is the fully linked runtime: one flat byte blob plus every
// helper's offset into it, ready for internal/codegen.Link to append
// after the compiled program's own functions.
type Library struct {
	Code    []byte
	Symbols map[string]int
}

// builder accumulates every helper into one asm.Assembler and tracks
// each one's start offset, mirroring internal/codegen's generator.
type builder struct {
	asm     *asm.Assembler
	symbols map[string]int
	labelID int
}

func (b *builder) newLabel() int {
	id := b.labelID
	b.labelID++
	return id
}

// begin records the current offset as the start of a named helper.
// Every emit* method below calls begin first, emits its body, then
// calls b.asm.ResolveJumps() to patch its own (locally-scoped) jumps
// before moving on to the next helper.
func (b *builder) begin(name string) {
	b.symbols[name] = b.asm.Len()
}

// Build assembles the complete runtime library in a fixed order (the
// order only matters for readability; every cross-helper reference goes
// through a CallFixup resolved once, at the end, exactly like
// internal/codegen's pass 2).
func Build() (*Library, error) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}

	b.emitHeapInit()
	b.emitAllocate()
	b.emitFree()
	b.emitU64ToDecimal()
	b.emitTelemetryReport()

	b.emitCloneHeapBlock()
	b.emitStringClone()
	b.emitVectorClone()
	b.emitMapClone()
	b.emitSetClone()

	b.emitStringCount()
	b.emitCollCount()
	b.emitCollEmpty()
	b.emitCollContains()
	b.emitStringEquals()
	b.emitStringConcatN()
	b.emitStringFromNumber()
	b.emitStringNormalize()

	b.emitKeywordIntern()

	b.emitVectorCreate()
	b.emitVectorFirst()
	b.emitVectorRest()
	b.emitVectorCons()
	b.emitVectorConj()
	b.emitVectorConcat()
	b.emitVectorNth()
	b.emitVectorReverse()

	b.emitMapCreate()
	b.emitMapGet()
	b.emitMapAssoc()
	b.emitMapDissoc()
	b.emitMapKeys()
	b.emitMapVals()
	b.emitMapMerge()
	b.emitMapSelectKeys()
	b.emitMapZipmap()

	b.emitSetCreate()

	b.emitVectorMap()
	b.emitVectorFilter()
	b.emitVectorReduce()

	for _, fx := range b.asm.CallFixups() {
		target, ok := b.symbols[fx.Target]
		if !ok {
			return nil, fmt.Errorf("runtimelib: unresolved internal call target %q", fx.Target)
		}
		b.asm.PatchRel32At(fx.CodeOffset, target)
	}

	return &Library{Code: b.asm.Code, Symbols: b.symbols}, nil
}
