package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobqueue",
		Short:         "A persistent background job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addr := os.Getenv("JOBQUEUE_ADDR")
	if addr == "" {
		addr = "localhost:8080"
	}
	opts := &clientOptions{}
	root.PersistentFlags().StringVar(&opts.addr, "addr", addr, "server address (env JOBQUEUE_ADDR)")
	root.PersistentFlags().StringVar(&opts.tenant, "tenant", "", "tenant id sent as X-Tenant-ID")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
		newRetryCmd(opts),
		newDeleteCmd(opts),
		newClearCmd(opts),
		newStatsCmd(opts),
	)
	return root
}
