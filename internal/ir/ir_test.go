package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdjustJumpTargetsRebasesOnlyJumps(t *testing.T) {
	seq := Seq{
		{Op: OpPushNumber, Num: 1},
		{Op: OpJumpIfZero, Arg: 2},
		{Op: OpLabel, Arg: 2},
	}
	AdjustJumpTargets(seq, 10)
	require.EqualValues(t, 1, seq[0].Num) // untouched
	require.EqualValues(t, 12, seq[1].Arg)
	require.EqualValues(t, 12, seq[2].Arg)
}

func TestConcatLeavesLabelIDsUntouched(t *testing.T) {
	// cond; JumpIfZero(7 -> else); then; Jump(9 -> end); Label(7) = else;
	// Label(9) = end. 7 and 9 stand in for ids a real caller would get
	// from compiler.Context.NewLabel(), already globally unique within
	// the function — Concat must not shift a jump's id away from its
	// target label's id just because they arrive in different
	// arguments.
	cond := Seq{{Op: OpPushBool, Bool: true}}
	thenBranch := Seq{
		{Op: OpJumpIfZero, Arg: 7},
		{Op: OpPushNumber, Num: 1},
		{Op: OpJump, Arg: 9},
	}
	elseBranch := Seq{
		{Op: OpLabel, Arg: 7},
		{Op: OpPushNumber, Num: 2},
		{Op: OpLabel, Arg: 9},
	}

	combined := Concat(cond, thenBranch, elseBranch)

	require.Equal(t, OpJumpIfZero, combined[1].Op)
	require.EqualValues(t, 7, combined[1].Arg)
	require.Equal(t, OpJump, combined[3].Op)
	require.EqualValues(t, 9, combined[3].Arg)
	require.Equal(t, OpLabel, combined[4].Op)
	require.EqualValues(t, 7, combined[4].Arg)
	require.Equal(t, OpLabel, combined[6].Op)
	require.EqualValues(t, 9, combined[6].Arg)
}

func TestInternStringIsStableAcrossDuplicateLiterals(t *testing.T) {
	p := NewProgram()
	i1 := p.InternString("hello")
	i2 := p.InternString("world")
	i3 := p.InternString("hello")
	require.Equal(t, i1, i3)
	require.NotEqual(t, i1, i2)
	require.Len(t, p.Strings, 2)
}
