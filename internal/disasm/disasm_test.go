package disasm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slisp-lang/slisp/internal/asm"
)

func TestDecodeRecognizesPushMovRet(t *testing.T) {
	a := asm.NewAssembler()
	a.PushR(asm.RBP)
	a.MovRR(asm.RBP, asm.RSP)
	a.Ret()

	lines := Decode(a.Code, 0x401000)
	require.Len(t, lines, 3)
	require.Equal(t, uint64(0x401000), lines[0].Addr)
}

func TestCheckJumpTargetsFlagsAMidInstructionLanding(t *testing.T) {
	// jmp rel32 +1 (5-byte instruction at 0; target = 5+1 = 6), followed
	// by `mov rbx, rax` (3 bytes, offsets 5-7) whose second byte (offset
	// 6) the jump lands on instead of its start.
	code := []byte{0xE9, 0x01, 0x00, 0x00, 0x00, 0x48, 0x89, 0xC3, 0x90, 0x90}
	lines := Decode(code, 0)
	bad := CheckJumpTargets(lines)
	require.NotEmpty(t, bad, "jump target lands inside the mov instruction, not on its boundary")
}

func TestCheckJumpTargetsAcceptsAValidForwardJump(t *testing.T) {
	a := asm.NewAssembler()
	lEnd := 0
	a.JmpRel32(lEnd)
	a.MovRR(asm.RAX, asm.RCX) // skipped over
	a.MarkLabel(lEnd)
	a.Ret()
	a.ResolveJumps()

	lines := Decode(a.Code, 0)
	require.Empty(t, CheckJumpTargets(lines))
}
