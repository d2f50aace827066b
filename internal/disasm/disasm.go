// Package disasm decodes emitted x86-64 machine code for the
// `--disasm` debug flag (SPEC_FULL.md §B) and for the mechanical check
// behind testable property P3 (spec.md §8: "for every emitted
// conditional, the branch taken on a false condition reaches the else
// subsequence... no jump target that lies inside an unrelated
// instruction"). Grounded on golint-fixer-exp's cmd/bin2ll and
// cmd/bin2asm, which decode x86 machine code with this same package
// family, and on golang-china-golangdoc.translations' cmd/internal/objfile,
// which uses the upstream golang.org/x/arch/x86/x86asm package directly
// for the same decode-and-print purpose.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction, ready to print as
// "<addr>: <bytes>  <syntax>".
type Line struct {
	Addr   uint64
	Bytes  []byte
	Inst   x86asm.Inst
	Syntax string
}

// Decode walks code from its start (virtual address base) decoding one
// instruction at a time in 64-bit mode until the whole slice is
// consumed. A decode error at offset i is not reported and does not
// abort the walk; the bad byte is skipped and decoding resumes at i+1, so a single
// misaligned landing doesn't hide every instruction after it (useful
// precisely when disassembling to diagnose a jump-target bug).
func Decode(code []byte, base uint64) []Line {
	var lines []Line
	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil || inst.Len == 0 {
			i++
			continue
		}
		lines = append(lines, Line{
			Addr:   base + uint64(i),
			Bytes:  code[i : i+inst.Len],
			Inst:   inst,
			Syntax: x86asm.GNUSyntax(inst, base+uint64(i), nil),
		})
		i += inst.Len
	}
	return lines
}

// Format renders lines the way objdump -d does: address, raw bytes,
// mnemonic.
func Format(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "%8x:\t% x\t%s\n", l.Addr, l.Bytes, l.Syntax)
	}
	return b.String()
}

// CheckJumpTargets implements the mechanical half of property P3: every
// relative jump/call/jcc instruction's computed target must land on the
// start address of some other decoded instruction in lines, never
// inside one. Returns every violation found (empty = property holds).
func CheckJumpTargets(lines []Line) []string {
	starts := make(map[uint64]bool, len(lines))
	for _, l := range lines {
		starts[l.Addr] = true
	}
	var bad []string
	for _, l := range lines {
		target, ok := branchTarget(l)
		if !ok {
			continue
		}
		if !starts[target] {
			bad = append(bad, fmt.Sprintf("%#x: %s targets %#x, which is not an instruction boundary", l.Addr, l.Syntax, target))
		}
	}
	return bad
}

// branchTarget extracts the absolute target address of a relative
// branch instruction (Jcc/JMP/CALL with a one-operand rel8/rel32 arg),
// or reports false for anything else.
func branchTarget(l Line) (uint64, bool) {
	switch l.Inst.Op {
	case x86asm.JMP, x86asm.CALL,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNS, x86asm.JO, x86asm.JS,
		x86asm.JP, x86asm.JNP, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		for _, arg := range l.Inst.Args {
			if arg == nil {
				continue
			}
			if rel, ok := arg.(x86asm.Rel); ok {
				return l.Addr + uint64(l.Inst.Len) + uint64(int64(rel)), true
			}
		}
	}
	return 0, false
}
