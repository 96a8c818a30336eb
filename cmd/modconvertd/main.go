// Command modconvertd runs the conversion job orchestration core behind a
// small HTTP façade, or drives a running instance from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "modconvertd",
		Short:   "modconvertd runs and drives the conversion job queue",
		Version: version,
	}
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildEnqueueCmd())
	root.AddCommand(buildStatusCmd())
	return root
}
