package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &generateOptions{}
	root := &cobra.Command{
		Use:   "bibles",
		Short: "Build a consolidated license report across Meterian projects",
		Long: `bibles asks the reporting service to generate a bill of materials for every
project matching a tag, waits for each job to finish, and writes one CSV row per
distinct component with its licenses, copyright and the projects that use it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, opts)
		},
	}
	opts.bind(root)

	root.AddCommand(newRunsCmd(), newMigrateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
		},
	}
}
