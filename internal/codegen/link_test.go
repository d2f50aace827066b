package codegen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slisp-lang/slisp/internal/ir"
)

func TestLinkResolvesRuntimeCallsCompileLeftPending(t *testing.T) {
	prog := ir.NewProgram()
	prog.HeapNeeded = true
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushNumber, Num: 11},
			{Op: ir.OpPushNumber, Num: 22},
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 2},
			{Op: ir.OpReturn},
		},
	})

	out, err := Link(prog, false)
	require.NoError(t, err)
	require.NotZero(t, out.FuncOffsets["_vector_create"])
	require.NotZero(t, out.FuncOffsets["_heap_init"])
	require.Greater(t, len(out.Code), out.FuncOffsets["_vector_create"])
}

func TestLinkFailsWhenCompileItselfFails(t *testing.T) {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpCall, Name: "does-not-exist", Arg: 0},
			{Op: ir.OpReturn},
		},
	})
	_, err := Link(prog, false)
	require.Error(t, err)
}

func TestLinkPlacesRuntimeLibraryCodeAfterProgramCode(t *testing.T) {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushNumber, Num: 5},
			{Op: ir.OpReturn},
		},
	})
	plain, err := Compile(prog, false)
	require.NoError(t, err)

	out, err := Link(prog, false)
	require.NoError(t, err)
	require.Equal(t, plain.Code, out.Code[:len(plain.Code)])
	require.Greater(t, len(out.Code), len(plain.Code))
}
