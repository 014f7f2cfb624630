package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tianyin/rex"
)

var loadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "Load an ELF extension object and print a summary of what loaded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := rex.LoadObject(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), h.String())
		return nil
	},
}
