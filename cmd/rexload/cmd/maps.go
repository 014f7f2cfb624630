package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tianyin/rex"
)

var mapsCmd = &cobra.Command{
	Use:   "maps <path>",
	Short: "Load an object and list its discovered maps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := rex.LoadObject(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		for _, name := range h.MapNames() {
			fd, _ := h.FindMap(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tfd=%d\n", name, fd)
		}
		return nil
	},
}
