package codegen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slisp-lang/slisp/internal/ir"
)

// buildMinimalMain returns a one-function program: (defn -main [] 5).
// FrameSlots is 1 (an unnamed temp, never actually stored here) purely
// to exercise the 16-byte frame-size rounding.
func buildMinimalMain() *ir.Program {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name:       "-main",
		ParamCount: 0,
		FrameSlots: 1,
		Code: ir.Seq{
			{Op: ir.OpPushNumber, Num: 5},
			{Op: ir.OpReturn},
		},
	})
	return prog
}

func TestCompileMinimalProgramProducesExactBytes(t *testing.T) {
	out, err := Compile(buildMinimalMain(), false)
	require.NoError(t, err)

	require.Equal(t, 20, out.FuncOffsets["-main"])
	require.Equal(t, 0, out.EntryOffset)

	expected := []byte{
		// entry stub: call -main (rel32 = 20 - (1+4) = 15)
		0xe8, 0x0f, 0x00, 0x00, 0x00,
		// mov rdi, rax
		0x48, 0x89, 0xc7,
		// movabs rax, 60
		0x48, 0xb8, 60, 0, 0, 0, 0, 0, 0, 0,
		// syscall
		0x0f, 0x05,
		// -main: push rbp; mov rbp,rsp; sub rsp,16 (1 slot rounded to 16)
		0x55,
		0x48, 0x89, 0xe5,
		0x48, 0x83, 0xec, 0x10,
		// movabs rax, 5; push rax
		0x48, 0xb8, 5, 0, 0, 0, 0, 0, 0, 0,
		0x50,
		// return: pop rax; mov rsp,rbp; pop rbp; ret
		0x58,
		0x48, 0x89, 0xec,
		0x5d,
		0xc3,
	}
	require.Equal(t, expected, out.Code)
}

func TestCompileEmitsHeapInitWhenProgramNeedsIt(t *testing.T) {
	prog := buildMinimalMain()
	prog.HeapNeeded = true
	out, err := Compile(prog, false)
	require.NoError(t, err)

	// One extra 5-byte call compared to the no-heap entry stub.
	require.Equal(t, 25, out.FuncOffsets["-main"])
}

func TestCompileEmitsTelemetryReportCallWhenRequested(t *testing.T) {
	prog := buildMinimalMain()
	out, err := Compile(prog, true)
	require.NoError(t, err)

	// Extra push rax / call _telemetry_report / pop rax compared to the
	// no-telemetry entry stub (1 + 5 + 1 = 7 bytes), _telemetry_report
	// itself left as a PendingCallFixups entry until Link appends
	// internal/runtimelib.
	require.Equal(t, 27, out.FuncOffsets["-main"])
	require.Len(t, out.PendingCallFixups, 1)
	require.Equal(t, "_telemetry_report", out.PendingCallFixups[0].Target)
}

func TestCompileFailsOnUnresolvedCallTarget(t *testing.T) {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpCall, Name: "does-not-exist", Arg: 0},
			{Op: ir.OpReturn},
		},
	})
	_, err := Compile(prog, false)
	require.Error(t, err)
}

func TestCompileFunctionArgumentsLandInDeclarationOrderSlots(t *testing.T) {
	// (defn f [a b] a) — param 0 must end up in slot 0 regardless of the
	// caller-pushed order being reversed relative to declaration order.
	prog := buildMinimalMain()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name:       "f",
		ParamCount: 2,
		FrameSlots: 2,
		Code: ir.Seq{
			{Op: ir.OpLoadLocal, Arg: 0},
			{Op: ir.OpReturn},
		},
	})
	out, err := Compile(prog, false)
	require.NoError(t, err)

	fnStart := out.FuncOffsets["f"]
	require.Equal(t, []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		0x48, 0x83, 0xec, 0x10, // sub rsp, 16 (2 slots)
		// param 0 (first declared, deepest on the caller's pushed stack)
		// lives at rbp+16+8*(2-1-0) = rbp+24.
		0x48, 0x8b, 0x45, 0x18, // mov rax, [rbp+24]
		0x48, 0x89, 0x45, 0xf8, // mov [rbp-8], rax
		// param 1 lives at rbp+16+8*(2-1-1) = rbp+16.
		0x48, 0x8b, 0x45, 0x10, // mov rax, [rbp+16]
		0x48, 0x89, 0x45, 0xf0, // mov [rbp-16], rax
	}, out.Code[fnStart:fnStart+24])
}

func TestCompilePushFunctionAddressPatchesAbsoluteCodeBaseAddress(t *testing.T) {
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "helper",
		Code: ir.Seq{{Op: ir.OpPushNumber, Num: 1}, {Op: ir.OpReturn}},
	})
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushFunctionAddress, Name: "helper"},
			{Op: ir.OpReturn},
		},
	})
	out, err := Compile(prog, false)
	require.NoError(t, err)

	helperAbs := uint64(CodeBase + out.FuncOffsets["helper"])
	// The movabs immediate for OpPushFunctionAddress lives in -main's code,
	// so scan from -main's start for helper's 8-byte little-endian
	// absolute address.
	mainStart := out.FuncOffsets["-main"]
	found := false
	for i := mainStart; i+8 <= len(out.Code); i++ {
		v := uint64(0)
		for b := 0; b < 8; b++ {
			v |= uint64(out.Code[i+b]) << (8 * b)
		}
		if v == helperAbs {
			found = true
			break
		}
	}
	require.True(t, found, "expected to find helper's absolute CodeBase-relative address patched into -main")
}

func TestCompileRuntimeCallPassesCountAndArgsPointer(t *testing.T) {
	// (_vector_create 11 22) — two elements pushed before the call; RDI
	// must carry the count and RSI must point at the deepest (first
	// pushed) argument so the helper can read [rsi-8*i] for i=0..count-1.
	prog := ir.NewProgram()
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushNumber, Num: 11},
			{Op: ir.OpPushNumber, Num: 22},
			{Op: ir.OpRuntimeCall, Name: "_vector_create", Arg: 2},
			{Op: ir.OpReturn},
		},
	})
	out, err := Compile(prog, false)
	require.NoError(t, err)

	fnStart := out.FuncOffsets["-main"]
	require.Equal(t, []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		// two movabs+push pairs for the literals
		0x48, 0xb8, 11, 0, 0, 0, 0, 0, 0, 0,
		0x50,
		0x48, 0xb8, 22, 0, 0, 0, 0, 0, 0, 0,
		0x50,
		// mov rdi, 2
		0x48, 0xbf, 2, 0, 0, 0, 0, 0, 0, 0,
		// lea rsi, [rsp+8] (count-1 == 1, times 8 == 8)
		0x48, 0x8d, 0x74, 0x24, 0x08,
	}, out.Code[fnStart:fnStart+4+22+10+5])
}

func TestCompileStringLiteralReportsFixupForLaterPatching(t *testing.T) {
	prog := ir.NewProgram()
	idx := prog.InternString("hello")
	prog.Funcs = append(prog.Funcs, &ir.Function{
		Name: "-main",
		Code: ir.Seq{
			{Op: ir.OpPushString, Arg: idx},
			{Op: ir.OpReturn},
		},
	})
	out, err := Compile(prog, false)
	require.NoError(t, err)
	require.Len(t, out.StringFixups, 1)
	require.Equal(t, idx, out.StringFixups[0].StringIdx)
}
