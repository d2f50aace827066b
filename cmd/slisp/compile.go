package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/slisp-lang/slisp/internal/codegen"
	"github.com/slisp-lang/slisp/internal/compiler"
	"github.com/slisp-lang/slisp/internal/disasm"
	"github.com/slisp-lang/slisp/internal/elfobj"
	"github.com/slisp-lang/slisp/internal/liveness"
	"github.com/slisp-lang/slisp/internal/reader"
)

// newCompileCmd wires the AOT pipeline: reader -> compiler -> liveness
// -> codegen.Link -> elfobj.Build -> executable file (spec.md §6
// "slisp --compile FILE -o OUT").
func newCompileCmd() *cobra.Command {
	var (
		out       string
		traceAll  bool
		disasmOut bool
		keepObj   bool
	)
	cmd := &cobra.Command{
		Use:   "compile FILE",
		Short: "Compile a Slisp program to a standalone x86-64 Linux executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("slisp compile: -o OUT is required")
			}
			return runCompile(args[0], out, traceAll, disasmOut, keepObj)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output executable path")
	cmd.Flags().BoolVar(&traceAll, "trace-alloc", false, "link allocator telemetry reporting into the emitted binary")
	cmd.Flags().BoolVar(&disasmOut, "disasm", false, "print the emitted machine code's disassembly to stderr")
	cmd.Flags().BoolVar(&keepObj, "keep-obj", false, "keep the raw linked code blob alongside OUT (debugging aid)")
	return cmd
}

func runCompile(path, out string, traceAlloc, disasmOut, keepObj bool) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("slisp compile: reading %s: %w", path, err)
	}

	forms, err := reader.ReadAll(path, src)
	if err != nil {
		log.WithFields(logFieldsPhase("read")).WithError(err).Error("slisp compile")
		return err
	}

	prog, err := compiler.Compile(forms)
	if err != nil {
		log.WithFields(logFieldsPhase("lower")).WithError(err).Error("slisp compile")
		return err
	}

	prog, err = liveness.Plan(prog)
	if err != nil {
		log.WithFields(logFieldsPhase("plan")).WithError(err).Error("slisp compile")
		return err
	}

	if traceAlloc {
		log.SetLevel(logrus.DebugLevel)
	}

	linked, err := codegen.Link(prog, traceAlloc)
	if err != nil {
		log.WithFields(logFieldsPhase("emit")).WithError(err).Error("slisp compile")
		return err
	}
	log.WithFields(logFieldsPhase("emit")).WithField("bytes", len(linked.Code)).Debug("linked machine code")

	if disasmOut {
		lines := disasm.Decode(linked.Code, codegen.CodeBase)
		fmt.Fprint(os.Stderr, disasm.Format(lines))
		for _, bad := range disasm.CheckJumpTargets(lines) {
			log.WithFields(logFieldsPhase("emit")).Warn(bad)
		}
	}

	if keepObj {
		if err := os.WriteFile(out+".obj", linked.Code, 0o644); err != nil {
			return fmt.Errorf("slisp compile: writing %s.obj: %w", out, err)
		}
	}

	elf, err := elfobj.Build(linked, prog)
	if err != nil {
		log.WithFields(logFieldsPhase("elf")).WithError(err).Error("slisp compile")
		return err
	}
	if err := os.WriteFile(out, elf, 0o755); err != nil {
		return fmt.Errorf("slisp compile: writing %s: %w", out, err)
	}
	return nil
}

func logFieldsPhase(phase string) logrus.Fields {
	return logrus.Fields{"phase": phase}
}
