package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cluso-kv",
		Short:         "Key-value node with asynchronous master/replica replication",
		Version:       version,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSwitchoverCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newTopCmd())
	return root
}
