package asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMovRegImm64EncodesRexAndOpcode(t *testing.T) {
	a := NewAssembler()
	a.MovRegImm64(RAX, 7)
	require.Equal(t, []byte{0x48, 0xb8, 7, 0, 0, 0, 0, 0, 0, 0}, a.Code)
}

func TestMovRegImm64UsesRexBForExtendedRegister(t *testing.T) {
	a := NewAssembler()
	a.MovRegImm64(R9, 1)
	require.Equal(t, byte(0x49), a.Code[0])
	require.Equal(t, byte(0xb8+1), a.Code[1])
}

func TestPushPopRoundTripLowAndExtendedRegs(t *testing.T) {
	a := NewAssembler()
	a.PushR(RBP)
	a.PushR(R12)
	a.PopR(R12)
	a.PopR(RBP)
	require.Equal(t, []byte{
		0x55,             // push rbp
		0x41, 0x54,       // push r12
		0x41, 0x5c,       // pop r12
		0x5d,             // pop rbp
	}, a.Code)
}

func TestCallRel32RecordsFixup(t *testing.T) {
	a := NewAssembler()
	a.EmitByte(0x90) // nop, to give the fixup a nonzero offset
	a.CallRel32("add")
	require.Len(t, a.CallFixups(), 1)
	fx := a.CallFixups()[0]
	require.Equal(t, "add", fx.Target)
	require.Equal(t, 2, fx.CodeOffset)
	require.Equal(t, byte(0xe8), a.Code[1])
}

func TestJmpRel32ResolvesForwardLabel(t *testing.T) {
	a := NewAssembler()
	a.JmpRel32(0)
	a.EmitBytes(0x90, 0x90, 0x90)
	a.MarkLabel(0)
	a.ResolveJumps()

	// jmp rel32 is at offset 0 (opcode) with its disp32 at offset 1;
	// the label was marked at offset 8 (1 opcode byte + 4 disp bytes + 3 nops).
	disp := int32(a.Code[1]) | int32(a.Code[2])<<8 | int32(a.Code[3])<<16 | int32(a.Code[4])<<24
	require.EqualValues(t, 8-5, disp)
}

func TestLoadStoreLocalUseDisp8ForSmallOffsets(t *testing.T) {
	a := NewAssembler()
	a.StoreLocal(8, RAX)
	a.LoadLocal(8, RCX)
	require.Equal(t, []byte{
		0x48, 0x89, 0x45, 0xf8, // mov [rbp-8], rax
		0x48, 0x8b, 0x4d, 0xf8, // mov rcx, [rbp-8]
	}, a.Code)
}

func TestAddRIChoosesImm8WhenItFits(t *testing.T) {
	a := NewAssembler()
	a.AddRI(RAX, 5)
	require.Equal(t, []byte{0x48, 0x83, 0xc0, 0x05}, a.Code)
}

func TestAddRIFallsBackToImm32(t *testing.T) {
	a := NewAssembler()
	a.AddRI(RAX, 1000)
	require.Equal(t, byte(0x48), a.Code[0])
	require.Equal(t, byte(0x05), a.Code[1]) // RAX special-cases to opcode 0x05 + imm32
}

func TestMovRegImm64PlaceholderPatchesInPlace(t *testing.T) {
	a := NewAssembler()
	a.EmitByte(0x90) // nop, to give the placeholder a nonzero offset
	off := a.MovRegImm64Placeholder(RAX)
	require.Equal(t, 3, off) // nop(1) + rex+opcode(2) precede the imm64
	a.PatchImm64At(off, 0x0102030405060708)
	require.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, a.Code[off:off+8])
}

func TestSetCCThenMovzxProducesBoolean(t *testing.T) {
	a := NewAssembler()
	a.CmpRR(RAX, RCX)
	a.SetCC(CondE, RAX)
	a.MovzxB(RAX)
	require.Equal(t, []byte{
		0x48, 0x39, 0xc8, // cmp rax, rcx
		0x0f, 0x94, 0xc0, // sete al
		0x48, 0x0f, 0xb6, 0xc0, // movzx rax, al
	}, a.Code)
}

func TestLoadByteZeroOffsetNoSIB(t *testing.T) {
	a := NewAssembler()
	a.LoadByte(RCX, RDX, 0)
	require.Equal(t, []byte{0x40, 0x8a, 0x0a}, a.Code) // mov cl, [rdx]
}

func TestLoadByteAlwaysEmitsRexEvenForLowRegisters(t *testing.T) {
	// RSI/RDI/RBP/RSP need a REX prefix present (any REX) to address
	// their low-8 forms (SIL/DIL/BPL/SPL) instead of AH/CH/DH/BH, so
	// LoadByte/StoreByte always emit one even when neither register
	// needs REX.R/REX.B bits set.
	a := NewAssembler()
	a.LoadByte(RAX, RSI, 0)
	require.Equal(t, []byte{0x40, 0x8a, 0x06}, a.Code) // mov al, [rsi]
}

func TestLoadByteRBPBaseForcesDisp8EvenAtZeroOffset(t *testing.T) {
	a := NewAssembler()
	a.LoadByte(RAX, RBP, 0)
	require.Equal(t, []byte{0x40, 0x8a, 0x45, 0x00}, a.Code) // mov al, [rbp+0]
}

func TestStoreByteRSPBaseEmitsSIB(t *testing.T) {
	a := NewAssembler()
	a.StoreByte(RSP, 0, RAX)
	require.Equal(t, []byte{0x40, 0x88, 0x04, 0x24}, a.Code) // mov [rsp], al
}

func TestLoadByteR12BaseAliasesRSPEncodingAndStillNeedsSIB(t *testing.T) {
	// R12's low 3 bits equal RSP's; REX.B distinguishes them for the
	// register field, but the ModR/M rm==100 still forces a SIB byte
	// regardless of which register REX.B selects.
	a := NewAssembler()
	a.LoadByte(RAX, R12, 0)
	require.Equal(t, []byte{0x41, 0x8a, 0x04, 0x24}, a.Code) // mov al, [r12]
}

func TestStoreByteUsesRexRForExtendedSourceRegister(t *testing.T) {
	a := NewAssembler()
	a.StoreByte(RDX, 0, R9)
	require.Equal(t, []byte{0x44, 0x88, 0x0a}, a.Code) // mov [rdx], r9b
}
