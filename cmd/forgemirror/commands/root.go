// Package commands implements the forgemirror CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	output     string
}

// NewRootCommand creates the forgemirror root command with all subcommands.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "forgemirror",
		Short: "Index and serve the history of version-control repositories",
		Long: `forgemirror mirrors repositories, indexes their commits, trees and blobs
into a shared store, and answers history queries from that index.

Repositories:
  repo create|clone|refresh|status|reset|delete

Queries:
  log, show, ls-tree, cat

Servers:
  serve   HTTP webhooks, health and metrics, with background syncs
  mcp     Model Context Protocol server on stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./forgemirror.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", formatText, "output format: text, json or yaml")

	root.AddCommand(
		newRepoCommand(opts),
		newLogCommand(opts),
		newShowCommand(opts),
		newLsTreeCommand(opts),
		newCatCommand(opts),
		newServeCommand(opts),
		newMCPCommand(opts),
		newVersionCommand(opts),
	)

	return root
}
