package elfobj

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slisp-lang/slisp/internal/codegen"
	"github.com/slisp-lang/slisp/internal/ir"
)

func TestBuildProducesValidElfHeader(t *testing.T) {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushNumber, Num: 5},
			{Op: ir.OpReturn},
		},
	})
	out, err := codegen.Link(prog, false)
	require.NoError(t, err)

	elf, err := Build(out, prog)
	require.NoError(t, err)
	require.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, elf[:4])
	require.Equal(t, byte(2), elf[4]) // ELFCLASS64
	require.Equal(t, byte(1), elf[5]) // ELFDATA2LSB
}

func TestBuildOmitsDataSegmentWhenHeapNotNeeded(t *testing.T) {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{{Op: ir.OpPushNumber, Num: 1}, {Op: ir.OpReturn}},
	})
	out, err := codegen.Link(prog, false)
	require.NoError(t, err)

	elf, err := Build(out, prog)
	require.NoError(t, err)
	phnum := int(elf[56]) | int(elf[57])<<8
	require.Equal(t, 1, phnum, "no rodata, no heap: only the code segment is needed")
}

func TestBuildRodataLayoutIsLengthPrefixed(t *testing.T) {
	blob, offsets := BuildRodata([]string{"hi", "world"})
	require.Len(t, offsets, 2)
	require.Equal(t, 0, offsets[0])
	length0 := blob[0]
	require.Equal(t, byte(2), length0) // "hi" has length 2
	require.Equal(t, byte('h'), blob[8])
	require.Equal(t, byte('i'), blob[9])
	require.Equal(t, byte(0), blob[10]) // NUL terminator
}

func TestBuildIncludesRodataSegmentWhenProgramHasStringLiterals(t *testing.T) {
	prog := ir.NewProgram()
	idx := prog.InternString("hello")
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushString, Arg: idx},
			{Op: ir.OpRuntimeCall, Name: "_string_count", Arg: 1},
			{Op: ir.OpReturn},
		},
	})
	out, err := codegen.Link(prog, false)
	require.NoError(t, err)

	elf, err := Build(out, prog)
	require.NoError(t, err)
	phnum := int(elf[56]) | int(elf[57])<<8
	require.GreaterOrEqual(t, phnum, 2, "a string literal requires a rodata segment")
}
