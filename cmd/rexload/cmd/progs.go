package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tianyin/rex"
)

// progsCmd loads path (a one-shot CLI process has no persistent handle to
// look up across invocations, so "handle" here means "the object at
// path") and lists every discovered program entry point.
var progsCmd = &cobra.Command{
	Use:   "progs <path>",
	Short: "Load an object and list its discovered program entry points",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := rex.LoadObject(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		for _, name := range h.ProgramNames() {
			fd, _ := h.FindProgram(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tfd=%d\n", name, fd)
		}
		return nil
	},
}
