// Command slisp is the driver for the Slisp native compiler: it reads
// source, lowers it to the stack-machine IR, plans ownership, emits
// x86-64 machine code, and either writes an ELF executable or JIT-loads
// and runs the result in-process (spec.md §6 "External interfaces").
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

// newRootCmd builds the command tree. Run with no subcommand, slisp
// behaves like `slisp repl`. The --trace-alloc and --disasm flags are
// bound on the subcommands that accept them rather than globally, since
// `repl` takes neither (SPEC_FULL.md §A.1).
func newRootCmd() *cobra.Command {
	repl := newReplCmd()
	root := &cobra.Command{
		Use:           "slisp",
		Short:         "Slisp: a Lisp that compiles straight to x86-64 Linux machine code",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          repl.RunE,
	}
	root.AddCommand(repl)
	root.AddCommand(newCompileCmd())
	root.AddCommand(newJitCmd())
	return root
}

func main() {
	log.SetFormatter(&logrus.TextFormatter{})
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("slisp")
		os.Exit(1)
	}
}
