package compiler

import (
	"testing"

	"github.com/slisp-lang/slisp/internal/codegen"
	"github.com/slisp-lang/slisp/internal/ir"
	"github.com/slisp-lang/slisp/internal/liveness"
	"github.com/slisp-lang/slisp/internal/reader"
	"github.com/slisp-lang/slisp/internal/value"
	"github.com/stretchr/testify/require"
)

func compileSrc(t *testing.T, src string) *ir.Program {
	t.Helper()
	forms, err := reader.ReadAll("t.slisp", []byte(src))
	require.NoError(t, err)
	prog, err := Compile(forms)
	require.NoError(t, err)
	return prog
}

func TestCompileSimpleMain(t *testing.T) {
	prog := compileSrc(t, `(defn -main [] (+ 1 2))`)
	main := prog.FuncByName("-main")
	require.NotNil(t, main)
	require.Equal(t, ir.OpReturn, main.Code[len(main.Code)-1].Op)
}

func TestCompileRejectsProgramWithoutMain(t *testing.T) {
	forms, err := reader.ReadAll("t.slisp", []byte(`(defn add [x y] (+ x y))`))
	require.NoError(t, err)
	_, err = Compile(forms)
	require.Error(t, err)
}

func TestCompileFunctionCallAndParamKindInference(t *testing.T) {
	prog := compileSrc(t, `
		(defn add [x y] (+ x y))
		(defn -main [] (add 3 4))
	`)
	add := prog.FuncByName("add")
	require.NotNil(t, add)
	require.Len(t, add.Locals, 2)
	require.Equal(t, value.KindNumber, add.Locals[0].Kind)
	require.Equal(t, value.KindNumber, add.Locals[1].Kind)

	main := prog.FuncByName("-main")
	var sawCall bool
	for _, inst := range main.Code {
		if inst.Op == ir.OpCall && inst.Name == "add" {
			sawCall = true
			require.Equal(t, 2, inst.Arg)
		}
	}
	require.True(t, sawCall)
}

func TestCompileLetBindsAndReusesSlots(t *testing.T) {
	prog := compileSrc(t, `
		(defn -main []
		  (let [a 1 b 2] (+ a b))
		  (let [c 3] c))
	`)
	main := prog.FuncByName("-main")
	require.NotNil(t, main)
	// Two sibling lets should be able to reuse each other's slots since
	// neither is in scope when the other runs.
	require.LessOrEqual(t, main.FrameSlots, 2)
}

func TestCompileIfProducesJumpIfZeroAndMatchingLabels(t *testing.T) {
	prog := compileSrc(t, `(defn -main [] (if true 1 2))`)
	main := prog.FuncByName("-main")

	labelIDs := make(map[int]bool)
	var jz, labels int
	for _, inst := range main.Code {
		switch inst.Op {
		case ir.OpJumpIfZero:
			jz++
		case ir.OpLabel:
			labels++
			labelIDs[inst.Arg] = true
		}
	}
	require.Equal(t, 1, jz)
	require.Equal(t, 2, labels)

	// Every jump's target id must resolve to one of the labels actually
	// emitted for this function — not just the right opcode counts — or
	// asm.ResolveJumps panics with "jump to unmarked label" once this
	// function reaches codegen.
	for _, inst := range main.Code {
		if inst.Op == ir.OpJumpIfZero || inst.Op == ir.OpJump {
			require.True(t, labelIDs[inst.Arg], "jump target %d has no matching label", inst.Arg)
		}
	}

	planned, err := liveness.Plan(prog)
	require.NoError(t, err)

	var linkErr error
	require.NotPanics(t, func() {
		_, linkErr = codegen.Link(planned, false)
	})
	require.NoError(t, linkErr)
}

func TestCompileVectorLiteralUsesRuntimeCreate(t *testing.T) {
	prog := compileSrc(t, `(defn -main [] [1 2 3])`)
	main := prog.FuncByName("-main")
	var found bool
	for _, inst := range main.Code {
		if inst.Op == ir.OpRuntimeCall && inst.Name == "_vector_create" {
			found = true
			require.Equal(t, 3, inst.Arg)
		}
	}
	require.True(t, found)
}

func TestCompileStrNormalizesNonStringArgs(t *testing.T) {
	prog := compileSrc(t, `(defn -main [] (str "x=" 1))`)
	main := prog.FuncByName("-main")
	var normalize, concat bool
	for _, inst := range main.Code {
		if inst.Op == ir.OpRuntimeCall && inst.Name == "_string_from_number" {
			normalize = true
		}
		if inst.Op == ir.OpRuntimeCall && inst.Name == "_string_concat_n" {
			concat = true
			require.Equal(t, 2, inst.Arg)
		}
	}
	require.True(t, normalize)
	require.True(t, concat)
}

func TestCompileMapUsesFunctionAddressAndRuntimeCall(t *testing.T) {
	prog := compileSrc(t, `
		(defn inc [x] (+ x 1))
		(defn -main [] (map inc [1 2 3]))
	`)
	main := prog.FuncByName("-main")
	var pushedAddr, called bool
	for _, inst := range main.Code {
		if inst.Op == ir.OpPushFunctionAddress && inst.Name == "inc" {
			pushedAddr = true
		}
		if inst.Op == ir.OpRuntimeCall && inst.Name == "_vector_map" {
			called = true
		}
	}
	require.True(t, pushedAddr)
	require.True(t, called)
}

func TestCompileAnonymousFnIsHoisted(t *testing.T) {
	prog := compileSrc(t, `(defn -main [] (map (fn [x] (* x x)) [1 2 3]))`)
	var found bool
	for _, fn := range prog.Funcs {
		if fn.Name == "fn$1" {
			found = true
		}
	}
	require.True(t, found)
}
