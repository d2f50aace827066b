package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/slisp-lang/slisp/internal/codegen"
	"github.com/slisp-lang/slisp/internal/compiler"
	"github.com/slisp-lang/slisp/internal/disasm"
	"github.com/slisp-lang/slisp/internal/jit"
	"github.com/slisp-lang/slisp/internal/liveness"
	"github.com/slisp-lang/slisp/internal/reader"
)

// newJitCmd wires the in-process path: reader -> compiler -> liveness ->
// codegen.Link -> jit.Load -> Run, printing -main's return value the
// way spec.md §4.6 describes the JIT REPL's single-file collapse.
//
// Unlike `compile`, telemetry here is read straight out of the mapped
// data segment after Run returns instead of via the entry stub's
// _telemetry_report machine code: this process already has the
// allocator's counters in its own address space, so there is nothing
// for the emitted code to print that logrus can't report more usefully
// itself (SPEC_FULL.md §A.2 "--trace-alloc... attaches an alloc/free
// field per event").
func newJitCmd() *cobra.Command {
	var (
		traceAlloc bool
		disasmOut  bool
	)
	cmd := &cobra.Command{
		Use:   "jit FILE",
		Short: "JIT-compile a Slisp program and run it in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJit(args[0], traceAlloc, disasmOut)
		},
	}
	cmd.Flags().BoolVar(&traceAlloc, "trace-alloc", false, "log allocator telemetry after -main returns")
	cmd.Flags().BoolVar(&disasmOut, "disasm", false, "print the emitted machine code's disassembly to stderr")
	return cmd
}

func runJit(path string, traceAlloc, disasmOut bool) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("slisp jit: reading %s: %w", path, err)
	}

	forms, err := reader.ReadAll(path, src)
	if err != nil {
		log.WithFields(logFieldsPhase("read")).WithError(err).Error("slisp jit")
		return err
	}

	prog, err := compiler.Compile(forms)
	if err != nil {
		log.WithFields(logFieldsPhase("lower")).WithError(err).Error("slisp jit")
		return err
	}

	prog, err = liveness.Plan(prog)
	if err != nil {
		log.WithFields(logFieldsPhase("plan")).WithError(err).Error("slisp jit")
		return err
	}

	if traceAlloc {
		log.SetLevel(logrus.DebugLevel)
	}

	linked, err := codegen.Link(prog, false)
	if err != nil {
		log.WithFields(logFieldsPhase("emit")).WithError(err).Error("slisp jit")
		return err
	}

	if disasmOut {
		lines := disasm.Decode(linked.Code, codegen.CodeBase)
		fmt.Fprint(os.Stderr, disasm.Format(lines))
		for _, bad := range disasm.CheckJumpTargets(lines) {
			log.WithFields(logFieldsPhase("emit")).Warn(bad)
		}
	}

	loaded, err := jit.Load(linked, prog)
	if err != nil {
		log.WithFields(logFieldsPhase("jit")).WithError(err).Error("slisp jit")
		return err
	}
	defer loaded.Close()

	result, err := loaded.Run()
	if err != nil {
		log.WithFields(logFieldsPhase("jit")).WithError(err).Error("slisp jit")
		return err
	}
	fmt.Println(result)

	if traceAlloc && prog.HeapNeeded {
		alloc, free := loaded.AllocCounters()
		log.WithFields(logrus.Fields{"phase": "jit", "alloc": alloc, "free": free}).Debug("allocator telemetry")
	}
	return nil
}
