package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/forgemirror/pkg/mcp"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/version"
)

func newMCPCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

Tools:
  - forgemirror_log: commits of a repository, newest first, paginated
  - forgemirror_commit: one commit with optional parents and children
  - forgemirror_tree: directory listing or file content at a commit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, observability.ModeMCP, func(a *app) error {
				srv := mcp.NewServer(mcp.ServerDeps{
					Query:   a.query,
					Version: version.Get().Version,
					Logger:  a.logger,
					Metrics: a.red,
					Tracer:  a.providers.Tracer,
				})

				return srv.Run(cmd.Context())
			})
		},
	}
}
