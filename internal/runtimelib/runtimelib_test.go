package runtimelib

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slisp-lang/slisp/internal/asm"
)

func TestBuildResolvesEveryCallFixup(t *testing.T) {
	lib, err := Build()
	require.NoError(t, err)
	require.NotEmpty(t, lib.Code)
}

func TestBuildRegistersEverySymbolNamedInCodegen(t *testing.T) {
	lib, err := Build()
	require.NoError(t, err)

	// Every symbol internal/codegen's compileInst ever calls by name
	// (directly, or through the compiler's builtinCalls/higherOrderCalls
	// tables) must exist, or Compile's own CallFixups pass would fail at
	// link time with an unresolved target.
	want := []string{
		"_heap_init", "_allocate", "_free",
		"_string_clone", "_vector_clone", "_map_clone", "_set_clone",
		"_string_count", "_coll_count", "_coll_empty", "_coll_contains",
		"_string_equals", "_string_concat_n", "_string_from_number",
		"_string_normalize", "_keyword_intern",
		"_vector_create", "_vector_first", "_vector_rest", "_vector_cons",
		"_vector_conj", "_vector_concat", "_vector_nth", "_vector_reverse",
		"_map_create", "_map_get", "_map_assoc", "_map_dissoc", "_map_keys",
		"_map_vals", "_map_merge", "_map_select_keys", "_map_zipmap",
		"_set_create",
		"_vector_map", "_vector_filter", "_vector_reduce",
	}
	for _, name := range want {
		_, ok := lib.Symbols[name]
		require.True(t, ok, "missing symbol %q", name)
	}
}

func TestBuildSymbolOffsetsAreDistinctAndInBounds(t *testing.T) {
	lib, err := Build()
	require.NoError(t, err)

	seen := make(map[int]string)
	for name, off := range lib.Symbols {
		require.GreaterOrEqual(t, off, 0)
		require.Less(t, off, len(lib.Code))
		if other, ok := seen[off]; ok {
			t.Fatalf("symbols %q and %q share offset %d", name, other, off)
		}
		seen[off] = name
	}
}

func TestCollCountReadsTheHeaderWordThroughTheArgsPointer(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitCollCount()

	require.Equal(t, []byte{
		0x48, 0x8b, 0x3e, // mov rdi, [rsi]
		0x48, 0x8b, 0x07, // mov rax, [rdi]
		0xc3, // ret
	}, b.asm.Code)
}

func TestStringCountMatchesCollCountShape(t *testing.T) {
	// spec.md names _string_count separately from _coll_count, but
	// strings share the same count-first payload layout, so the two
	// should be byte-identical bodies under different symbol names.
	bCount := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	bCount.emitCollCount()
	bString := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	bString.emitStringCount()
	require.Equal(t, bCount.asm.Code, bString.asm.Code)
}

func TestCollEmptyReturnsOneWhenCountIsZero(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitCollEmpty()

	require.Equal(t, []byte{
		0x48, 0x8b, 0x3e, // mov rdi, [rsi]
		0x48, 0x8b, 0x07, // mov rax, [rdi]
		0x48, 0x85, 0xc0, // test rax, rax
		0x0f, 0x94, 0xc0, // sete al
		0x48, 0x0f, 0xb6, 0xc0, // movzx rax, al
		0xc3, // ret
	}, b.asm.Code)
}

func TestHeapInitWritesAllThreeGlobalsAfterMmap(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitHeapInit()

	// Every StoreMem against DataBase uses rcx/r8 as the base register
	// depending on which helper wrote it; _heap_init loads DataBase into
	// rcx once and reuses it for all three stores. Rather than hand-copy
	// the whole mmap syscall sequence's bytes, just check the tail shape:
	// the function ends in a ret and never calls out (heap init needs no
	// other helper).
	require.NotEmpty(t, b.asm.Code)
	require.Equal(t, byte(0xc3), b.asm.Code[len(b.asm.Code)-1])
	require.Empty(t, b.asm.CallFixups())
}

func TestAllocateAndFreeOnlyCallEachOtherNever(t *testing.T) {
	// Neither _allocate nor _free depends on another runtimelib symbol;
	// both are pure allocator-list manipulation.
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitAllocate()
	require.Empty(t, b.asm.CallFixups())

	b2 := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b2.emitFree()
	require.Empty(t, b2.asm.CallFixups())
}

func TestCloneWrappersCallCloneHeapBlock(t *testing.T) {
	for _, name := range []string{"_string_clone", "_vector_clone", "_map_clone", "_set_clone"} {
		b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
		b.emitCloneWrapper(name)
		require.Len(t, b.asm.CallFixups(), 1)
		require.Equal(t, "_clone_heap_block", b.asm.CallFixups()[0].Target)
	}
}

func TestVectorCreateAndSetCreateShareOneBody(t *testing.T) {
	bVec := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	bVec.emitVectorCreate()
	bSet := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	bSet.emitSetCreate()
	require.Equal(t, bVec.asm.Code, bSet.asm.Code)
}

func TestMapCreateDividesArityByTwoForThePairCount(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitMapCreate()
	// cqo then idiv rcx (divisor 2) must appear somewhere in the body;
	// this is what turns a flat k,v,k,v arity into a pair count.
	require.Contains(t, string(b.asm.Code), string([]byte{0x48, 0x99}))       // cqo
	require.Contains(t, string(b.asm.Code), string([]byte{0x48, 0xf7, 0xf9})) // idiv rcx
}

func TestVectorReduceCallsThroughR11LikeOpCallIndirect(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitVectorReduce()
	// The raw `call r11` bytes internal/codegen's OpCallIndirect emits
	// must appear verbatim — _vector_reduce drives the same protocol by
	// hand since there's no IR instruction it can emit instead.
	found := false
	code := b.asm.Code
	for i := 0; i+3 <= len(code); i++ {
		if code[i] == 0x41 && code[i+1] == 0xff && code[i+2] == 0xd3 {
			found = true
			break
		}
	}
	require.True(t, found, "expected a `call r11` (41 ff d3) in _vector_reduce")
}

func TestKeywordInternNeverCallsAnythingOtherThanAllocateAndFree(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitKeywordIntern()
	for _, fx := range b.asm.CallFixups() {
		require.Contains(t, []string{"_allocate", "_free"}, fx.Target)
	}
}

func TestDataSizeCoversAllocatorAndKeywordTableGlobals(t *testing.T) {
	require.Equal(t, 56, DataSize)
	require.Less(t, offHeapBase, DataSize)
	require.Less(t, offHeapEnd, DataSize)
	require.Less(t, offFreeListHead, DataSize)
	require.Less(t, offKeywordTablePtr, DataSize)
	require.Less(t, offKeywordTableSize, DataSize)
	require.Less(t, offAllocCount, DataSize)
	require.Less(t, offFreeCount, DataSize)
}

func TestAllocateIncrementsAllocCount(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitAllocate()
	// Both success paths (split and no-split) must bump offAllocCount
	// before returning, so the body holds exactly two
	// `mov [r8+offAllocCount], rdx` stores (49 89 50 28). The helper also
	// calls no other helper and produces a non-empty body.
	require.Empty(t, b.asm.CallFixups())
	require.NotZero(t, b.asm.Len())
	store := []byte{0x49, 0x89, 0x50, byte(offAllocCount)}
	require.Equal(t, 2, bytes.Count(b.asm.Code, store))
}

func TestTelemetryReportCallsU64ToDecimal(t *testing.T) {
	b := &builder{asm: asm.NewAssembler(), symbols: make(map[string]int)}
	b.emitTelemetryReport()
	for _, fx := range b.asm.CallFixups() {
		require.Equal(t, "_u64_to_decimal", fx.Target)
	}
	require.Len(t, b.asm.CallFixups(), 2)
}
