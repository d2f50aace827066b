package codegen

import (
	"fmt"

	"github.com/slisp-lang/slisp/internal/ir"
	"github.com/slisp-lang/slisp/internal/runtimelib"
)

// Link compiles prog and appends internal/runtimelib's code after it,
// resolving every PendingCallFixups entry Compile deferred (every _*
// call a program makes — allocation, collection literals, keyword
// interning, higher-order helpers, and the entry stub's
// _telemetry_report call when telemetry is set) against the runtime
// library's own symbol table. The result is link-complete:
// internal/elfobj and internal/jit both consume this Output the same
// way they'd consume a program with no runtime dependency at all.
func Link(prog *ir.Program, telemetry bool) (*Output, error) {
	out, err := Compile(prog, telemetry)
	if err != nil {
		return nil, err
	}
	lib, err := runtimelib.Build()
	if err != nil {
		return nil, fmt.Errorf("codegen: building runtime library: %w", err)
	}

	libBase := len(out.Code)
	code := make([]byte, 0, libBase+len(lib.Code))
	code = append(code, out.Code...)
	code = append(code, lib.Code...)

	funcOffsets := make(map[string]int, len(out.FuncOffsets)+len(lib.Symbols))
	for name, off := range out.FuncOffsets {
		funcOffsets[name] = off
	}
	for name, off := range lib.Symbols {
		funcOffsets[name] = libBase + off
	}

	for _, fx := range out.PendingCallFixups {
		target, ok := funcOffsets[fx.Target]
		if !ok {
			return nil, fmt.Errorf("codegen: unresolved runtime call target %q", fx.Target)
		}
		patchRel32(code, fx.CodeOffset, target)
	}

	return &Output{
		Code:         code,
		FuncOffsets:  funcOffsets,
		EntryOffset:  out.EntryOffset,
		StringFixups: out.StringFixups,
	}, nil
}

// patchRel32 writes the little-endian rel32 displacement for a call
// whose instruction ends 4 bytes after fixupOff, mirroring
// asm.Assembler.PatchRel32At but operating on a plain byte slice since
// the two code blocks (program + runtime library) have already been
// concatenated by the time this runs.
func patchRel32(code []byte, fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	code[fixupOff] = byte(rel)
	code[fixupOff+1] = byte(rel >> 8)
	code[fixupOff+2] = byte(rel >> 16)
	code[fixupOff+3] = byte(rel >> 24)
}
