package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forked",
		Short: "Time-travel debugger daemon for OpenClaw agents",
		Long: `Forked ingests execution traces from the OpenClaw gateway, stores them as
branching timelines, and lets you re-run any prior point with edited inputs,
optionally after rolling the filesystem back to the state that existed then.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forked %s\n", version)
		},
	})

	return rootCmd
}
