// Package main implements the substrate daemon and its administrative CLI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	serverURL  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "substrate",
		Short: "Shared knowledge layer for autonomous agents",
		Long: `substrate records what agents learn about external services, confirms
observations once independent agents agree, and replicates them to peer
nodes through shared outbox directories.

Run "substrate serve" to start the HTTP API and the sync loop. The other
commands operate on the local data directory directly.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default ~/.config/substrate/config.yaml)")
	root.PersistentFlags().StringVar(&flags.serverURL, "server", "http://localhost:3000", "substrate server URL for the health command")

	root.AddCommand(
		newServeCmd(flags),
		newSyncCmd(flags),
		newStatsCmd(flags),
		newRebuildCmd(flags),
		newTransitionCmd(flags, "confirm", "Manually confirm an observation"),
		newTransitionCmd(flags, "reject", "Reject an observation"),
		newTransitionCmd(flags, "stale", "Mark an observation stale"),
		newHealthCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "substrate\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
