package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newReplCmd is the stub for the tree-walking interpreter's REPL, which
// spec.md §1 places out of scope for this core: a separate external
// collaborator. The subcommand still exists so spec §6's CLI surface is
// complete, but it does nothing but say so.
func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start the tree-walking interpreter REPL (not part of this core)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.ErrOrStderr(), "slisp repl: the tree-walking interpreter is not part of this core; see spec.md §1")
			os.Exit(2)
			return nil
		},
	}
}
