package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tianyin/rex"
	"github.com/tianyin/rex/internal/rexconfig"
)

var vp = viper.New()

// RootCmd is the rexload command tree: load, progs, maps.
var RootCmd = &cobra.Command{
	Use:   "rexload",
	Short: "Load rex extension objects and inspect their maps and programs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rex.Configure(rexconfig.FromViper(vp))
	},
}

func init() {
	rexconfig.RegisterFlags(RootCmd.PersistentFlags(), vp)
	RootCmd.AddCommand(loadCmd, progsCmd, mapsCmd)
}
