// Command rexload is a sample CLI exercising the rex control surface end
// to end: load an object, then list the programs or maps it exposes. It
// is demonstration scaffolding, not a production loader daemon, and
// attaches nothing to a kernel event source itself.
package main

import (
	"context"
	"os"

	"github.com/tianyin/rex/cmd/rexload/cmd"
)

func main() {
	if err := cmd.RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
