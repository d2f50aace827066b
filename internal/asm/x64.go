// Package asm provides the x86-64 instruction-encoding primitives shared
// by the code generator (internal/codegen) and the hand-written runtime
// library (internal/runtimelib): register constants, REX/ModRM
// computation, and byte-level emitters for the small instruction subset
// the compiler actually needs. It deliberately covers only what those
// two callers use, not the full x86-64 ISA.
package asm

// Reg names a general-purpose register by its 4-bit encoding (low 3
// bits go in ModR/M or the opcode; bit 3 goes in REX.R/X/B).
type Reg int

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Cond is a condition code used by Jcc/SetCC (the low nibble of the
// two-byte 0F 8x / 0F 9x opcode).
type Cond byte

const (
	CondE  Cond = 0x84 // equal / zero
	CondNE Cond = 0x85 // not equal / not zero
	CondL  Cond = 0x8C // less (signed)
	CondGE Cond = 0x8D // greater or equal (signed)
	CondLE Cond = 0x8E // less or equal (signed)
	CondG  Cond = 0x8F // greater (signed)
	CondAE Cond = 0x83 // above or equal (unsigned) / not carry
	CondNS Cond = 0x89 // not sign
)

// CallFixup records a `call rel32` whose target function address is not
// yet known; internal/codegen's Compile resolves it once every
// function's start offset has been assigned in pass 1.
type CallFixup struct {
	CodeOffset int // offset of the rel32 operand in Code
	Target     string
}

// JumpFixup records a `jmp`/`jCC rel32` whose target label has not been
// reached yet.
type JumpFixup struct {
	CodeOffset int // offset of the rel32 operand in Code
	LabelID    int
}

// Assembler accumulates machine code for one function (or, for
// internal/runtimelib, one hand-written helper) plus the fixups needed
// to resolve forward jumps and calls.
type Assembler struct {
	Code []byte

	callFixups   []CallFixup
	labelOffsets map[int]int
	jumpFixups   []JumpFixup
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{labelOffsets: make(map[int]int)}
}

// Len returns the current length of the accumulated code buffer, i.e.
// the offset the next emitted byte will land at.
func (a *Assembler) Len() int { return len(a.Code) }

func (a *Assembler) EmitByte(b byte) { a.Code = append(a.Code, b) }

func (a *Assembler) EmitBytes(bs ...byte) { a.Code = append(a.Code, bs...) }

func (a *Assembler) EmitU32(v uint32) {
	a.Code = append(a.Code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *Assembler) EmitU64(v uint64) {
	a.Code = append(a.Code,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// --- fixup bookkeeping -----------------------------------------------

// MarkLabel records that label id resolves to the current code offset.
func (a *Assembler) MarkLabel(id int) {
	a.labelOffsets[id] = len(a.Code)
}

// CallFixups returns the accumulated, not-yet-resolved call sites.
func (a *Assembler) CallFixups() []CallFixup { return a.callFixups }

// JumpFixups returns the accumulated, not-yet-resolved jump sites.
func (a *Assembler) JumpFixups() []JumpFixup { return a.jumpFixups }

// LabelOffset returns the code offset a label was marked at.
func (a *Assembler) LabelOffset(id int) (int, bool) {
	off, ok := a.labelOffsets[id]
	return off, ok
}

// PatchRel32At overwrites the 4-byte rel32 operand at fixupOff so that it
// encodes a jump/call to targetOff.
func (a *Assembler) PatchRel32At(fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	a.Code[fixupOff] = byte(rel)
	a.Code[fixupOff+1] = byte(rel >> 8)
	a.Code[fixupOff+2] = byte(rel >> 16)
	a.Code[fixupOff+3] = byte(rel >> 24)
}

// CallRel32 emits `call rel32` against an unresolved function name,
// recording a CallFixup for the caller to patch once every function's
// start address is known.
func (a *Assembler) CallRel32(target string) {
	a.EmitByte(0xe8)
	a.callFixups = append(a.callFixups, CallFixup{CodeOffset: len(a.Code), Target: target})
	a.EmitU32(0)
}

// JmpRel32 emits `jmp rel32` against a label id not yet marked, and
// records a JumpFixup.
func (a *Assembler) JmpRel32(labelID int) {
	a.EmitByte(0xe9)
	a.jumpFixups = append(a.jumpFixups, JumpFixup{CodeOffset: len(a.Code), LabelID: labelID})
	a.EmitU32(0)
}

// JccRel32 emits `jCC rel32` against a label id not yet marked.
func (a *Assembler) JccRel32(cc Cond, labelID int) {
	a.EmitBytes(0x0f, byte(cc))
	a.jumpFixups = append(a.jumpFixups, JumpFixup{CodeOffset: len(a.Code), LabelID: labelID})
	a.EmitU32(0)
}

// ResolveJumps patches every recorded jump fixup against its label's
// marked offset. Call once the whole function has been emitted.
func (a *Assembler) ResolveJumps() {
	for _, fx := range a.jumpFixups {
		target, ok := a.labelOffsets[fx.LabelID]
		if !ok {
			panic("asm: jump to unmarked label")
		}
		a.PatchRel32At(fx.CodeOffset, target)
	}
	a.jumpFixups = nil
}

// --- register-immediate ------------------------------------------------

// MovRegImm64 emits `movabs reg, imm64` (REX.W + B8+rd + imm64).
func (a *Assembler) MovRegImm64(reg Reg, val uint64) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.EmitByte(rex)
	a.EmitByte(byte(0xb8 + (reg & 7)))
	a.EmitU64(val)
}

// --- rbp-relative local access -----------------------------------------

// LoadLocal emits `mov reg, [rbp - offset]`.
func (a *Assembler) LoadLocal(offset int, reg Reg) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4c
	}
	modrm := byte(0x45 | (byte(reg&7) << 3))
	negOff := -offset
	if negOff >= -128 && negOff <= 127 {
		a.EmitBytes(rex, 0x8b, modrm, byte(negOff))
	} else {
		modrm = byte(0x85 | (byte(reg&7) << 3))
		a.EmitBytes(rex, 0x8b, modrm)
		a.EmitU32(uint32(int32(negOff)))
	}
}

// StoreLocal emits `mov [rbp - offset], reg`.
func (a *Assembler) StoreLocal(offset int, reg Reg) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4c
	}
	modrm := byte(0x45 | (byte(reg&7) << 3))
	negOff := -offset
	if negOff >= -128 && negOff <= 127 {
		a.EmitBytes(rex, 0x89, modrm, byte(negOff))
	} else {
		modrm = byte(0x85 | (byte(reg&7) << 3))
		a.EmitBytes(rex, 0x89, modrm)
		a.EmitU32(uint32(int32(negOff)))
	}
}

// LeaLocal emits `lea reg, [rbp - offset]` (used to take a local's
// address for OpPushLocalAddress).
func (a *Assembler) LeaLocal(offset int, reg Reg) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4c
	}
	modrm := byte(0x45 | (byte(reg&7) << 3))
	negOff := -offset
	if negOff >= -128 && negOff <= 127 {
		a.EmitBytes(rex, 0x8d, modrm, byte(negOff))
	} else {
		modrm = byte(0x85 | (byte(reg&7) << 3))
		a.EmitBytes(rex, 0x8d, modrm)
		a.EmitU32(uint32(int32(negOff)))
	}
}

// --- absolute-address immediates (string/function address patching) --

// MovRegImm64Placeholder emits `movabs reg, 0` and returns the offset of
// the 8-byte immediate, for later patching once the target's final
// linked address is known (string literals: rodata; function values:
// their own code offset — spec.md's "movabs rax, addr" literal form).
func (a *Assembler) MovRegImm64Placeholder(reg Reg) int {
	a.MovRegImm64(reg, 0)
	return len(a.Code) - 8
}

// PatchImm64At overwrites the 8-byte immediate previously reserved by
// MovRegImm64Placeholder with its final absolute value.
func (a *Assembler) PatchImm64At(immOffset int, val uint64) {
	for i := 0; i < 8; i++ {
		a.Code[immOffset+i] = byte(val >> (8 * i))
	}
}

// --- stack push/pop ------------------------------------------------------

func (a *Assembler) PushR(reg Reg) {
	if reg >= 8 {
		a.EmitBytes(0x41, byte(0x50+(reg&7)))
	} else {
		a.EmitByte(byte(0x50 + reg))
	}
}

func (a *Assembler) PopR(reg Reg) {
	if reg >= 8 {
		a.EmitBytes(0x41, byte(0x58+(reg&7)))
	} else {
		a.EmitByte(byte(0x58 + reg))
	}
}

// --- register-register --------------------------------------------------

func rexRR(dst, src Reg) byte {
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	return rex
}

func modrmRR(dst, src Reg) byte {
	return byte(0xc0 | (byte(dst&7) << 3) | byte(src&7))
}

func (a *Assembler) MovRR(dst, src Reg) { a.EmitBytes(rexRR(src, dst), 0x89, modrmRR(src, dst)) }
func (a *Assembler) AddRR(dst, src Reg) { a.EmitBytes(rexRR(src, dst), 0x01, modrmRR(src, dst)) }
func (a *Assembler) SubRR(dst, src Reg) { a.EmitBytes(rexRR(src, dst), 0x29, modrmRR(src, dst)) }
func (a *Assembler) AndRR(dst, src Reg) { a.EmitBytes(rexRR(src, dst), 0x21, modrmRR(src, dst)) }
func (a *Assembler) OrRR(dst, src Reg)  { a.EmitBytes(rexRR(src, dst), 0x09, modrmRR(src, dst)) }
func (a *Assembler) XorRR(dst, src Reg) { a.EmitBytes(rexRR(src, dst), 0x31, modrmRR(src, dst)) }
func (a *Assembler) CmpRR(x, y Reg)     { a.EmitBytes(rexRR(y, x), 0x39, modrmRR(y, x)) }
func (a *Assembler) TestRR(x, y Reg)    { a.EmitBytes(rexRR(y, x), 0x85, modrmRR(y, x)) }

// ImulRR emits `imul dst, src` (two-byte opcode 0F AF).
func (a *Assembler) ImulRR(dst, src Reg) {
	a.EmitBytes(rexRR(dst, src), 0x0f, 0xaf, modrmRR(dst, src))
}

// --- single-register / no-operand ---------------------------------------

func (a *Assembler) NegR(reg Reg) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.EmitBytes(rex, 0xf7, byte(0xd8|(reg&7)))
}

// Cqo sign-extends rax into rdx:rax ahead of idiv.
func (a *Assembler) Cqo() { a.EmitBytes(0x48, 0x99) }

func (a *Assembler) IdivR(reg Reg) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.EmitBytes(rex, 0xf7, byte(0xf8|(reg&7)))
}

func (a *Assembler) Syscall() { a.EmitBytes(0x0f, 0x05) }

func (a *Assembler) Ret() { a.EmitByte(0xc3) }

// --- register-immediate ---------------------------------------------------

// AddRI emits `add reg, imm`, choosing the imm8 or imm32 encoding.
func (a *Assembler) AddRI(reg Reg, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	if val >= -128 && val <= 127 {
		a.EmitBytes(rex, 0x83, byte(0xc0|(reg&7)), byte(val))
		return
	}
	if reg == RAX {
		a.EmitBytes(rex, 0x05)
	} else {
		a.EmitBytes(rex, 0x81, byte(0xc0|(reg&7)))
	}
	a.EmitU32(uint32(val))
}

// SubRI emits `sub reg, imm`, choosing the imm8 or imm32 encoding.
func (a *Assembler) SubRI(reg Reg, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	if val >= -128 && val <= 127 {
		a.EmitBytes(rex, 0x83, byte(0xe8|(reg&7)), byte(val))
		return
	}
	a.EmitBytes(rex, 0x81, byte(0xe8|(reg&7)))
	a.EmitU32(uint32(val))
}

// CmpRI emits `cmp reg, imm`, choosing the imm8 or imm32 encoding.
func (a *Assembler) CmpRI(reg Reg, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	if val >= -128 && val <= 127 {
		a.EmitBytes(rex, 0x83, byte(0xf8|(reg&7)), byte(val))
		return
	}
	a.EmitBytes(rex, 0x81, byte(0xf8|(reg&7)))
	a.EmitU32(uint32(val))
}

// --- memory with base+offset (used by the heap allocator and
// collection-element accessors in internal/runtimelib) ------------------

// LoadMem emits `mov dst, [base+off]`. base==RSP always carries a SIB
// byte (rm==100 forces one regardless of mod), unlike every other base
// register.
func (a *Assembler) LoadMem(dst, base Reg, off int32) {
	rex := rexRR(dst, base)
	sib := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		a.EmitBytes(rex, 0x8b, byte(byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.EmitBytes(rex, 0x8b, byte(0x40|byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitByte(byte(off))
	default:
		a.EmitBytes(rex, 0x8b, byte(0x80|byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitU32(uint32(off))
	}
}

// StoreMem emits `mov [base+off], src`. See LoadMem re: the RSP SIB byte.
func (a *Assembler) StoreMem(base Reg, off int32, src Reg) {
	rex := rexRR(src, base)
	sib := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		a.EmitBytes(rex, 0x89, byte(byte(src&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.EmitBytes(rex, 0x89, byte(0x40|byte(src&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitByte(byte(off))
	default:
		a.EmitBytes(rex, 0x89, byte(0x80|byte(src&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitU32(uint32(off))
	}
}

// LeaMem emits `lea dst, [base+off]` (used to compute the address of an
// argument array sitting on the native stack for variadic runtime
// helpers, since the argument count isn't known until codegen time).
// base==RSP always carries a SIB byte (rm==100 forces one regardless of
// mod), unlike every other base register.
func (a *Assembler) LeaMem(dst, base Reg, off int32) {
	rex := rexRR(dst, base)
	sib := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		a.EmitBytes(rex, 0x8d, byte(byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.EmitBytes(rex, 0x8d, byte(0x40|byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitByte(byte(off))
	default:
		a.EmitBytes(rex, 0x8d, byte(0x80|byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitU32(uint32(off))
	}
}

// --- byte-granularity memory access (string payloads aren't word
// aligned, unlike every other heap kind's flat word array) -------------

// LoadByte emits `mov dst_lo8, [base+off]` (zero-extending is the
// caller's job via MovzxB if needed; runtimelib only ever stores the
// loaded byte straight back out, so it doesn't bother).
func (a *Assembler) LoadByte(dst, base Reg, off int32) {
	rex := byte(0x40)
	if dst >= 8 {
		rex |= 0x04
	}
	if base >= 8 {
		rex |= 0x01
	}
	sib := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		a.EmitBytes(rex, 0x8a, byte(byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.EmitBytes(rex, 0x8a, byte(0x40|byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitByte(byte(off))
	default:
		a.EmitBytes(rex, 0x8a, byte(0x80|byte(dst&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitU32(uint32(off))
	}
}

// StoreByte emits `mov [base+off], src_lo8`.
func (a *Assembler) StoreByte(base Reg, off int32, src Reg) {
	rex := byte(0x40)
	if src >= 8 {
		rex |= 0x04
	}
	if base >= 8 {
		rex |= 0x01
	}
	sib := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		a.EmitBytes(rex, 0x88, byte(byte(src&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.EmitBytes(rex, 0x88, byte(0x40|byte(src&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitByte(byte(off))
	default:
		a.EmitBytes(rex, 0x88, byte(0x80|byte(src&7)<<3|byte(base&7)))
		if sib {
			a.EmitByte(0x24)
		}
		a.EmitU32(uint32(off))
	}
}

// --- setcc ----------------------------------------------------------------

// SetCC emits `setCC reg_lo8`.
func (a *Assembler) SetCC(cc Cond, reg Reg) {
	op := byte(0x90 | (byte(cc) & 0x0f))
	if reg >= 8 {
		a.EmitBytes(0x41, 0x0f, op, byte(0xc0|(reg&7)))
	} else {
		a.EmitBytes(0x0f, op, byte(0xc0|(reg&7)))
	}
}

// MovzxB emits `movzx reg, reg_lo8` (widens a setcc byte to a full
// 64-bit 0/1).
func (a *Assembler) MovzxB(reg Reg) {
	rex := rexRR(reg, reg)
	a.EmitBytes(rex, 0x0f, 0xb6, modrmRR(reg, reg))
}
