package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

func newRepoCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage mirrored repositories",
	}

	cmd.AddCommand(
		newRepoCreateCommand(opts),
		newRepoCloneCommand(opts),
		newRepoRefreshCommand(opts),
		newRepoStatusCommand(opts),
		newRepoResetCommand(opts),
		newRepoDeleteCommand(opts),
	)

	return cmd
}

func newRepoCreateCommand(opts *globalOptions) *cobra.Command {
	var create lifecycle.CreateOptions

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty repository and index it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				repo, err := a.manager.Create(cmd.Context(), args[0], create)
				if err != nil {
					return err
				}

				return printRepository(cmd.OutOrStdout(), opts.output, repo)
			})
		},
	}

	addCreateFlags(cmd, &create)

	return cmd
}

func newRepoCloneCommand(opts *globalOptions) *cobra.Command {
	var (
		create   lifecycle.CreateOptions
		upstream string
	)

	cmd := &cobra.Command{
		Use:   "clone <name> <source>",
		Short: "Mirror a repository from a source URL or path and index it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				repo, err := a.manager.CloneFrom(cmd.Context(), args[0], args[1], upstream, create)
				if err != nil {
					return err
				}

				return printRepository(cmd.OutOrStdout(), opts.output, repo)
			})
		},
	}

	addCreateFlags(cmd, &create)
	cmd.Flags().StringVar(&upstream, "upstream-name", "origin", "name recorded for the source")

	return cmd
}

func addCreateFlags(cmd *cobra.Command, create *lifecycle.CreateOptions) {
	cmd.Flags().StringVar(&create.Path, "path", "", "repository location (default: <repositories.root>/<name>)")
	cmd.Flags().StringVar(&create.Driver, "driver", "", "backend driver: libgit2 or gogit (default: repositories.driver)")
}

func newRepoRefreshCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <name>",
		Short: "Capture references and index new commits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				result, err := a.manager.Refresh(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				return render(cmd.OutOrStdout(), opts.output, result, func(w io.Writer) error {
					resumed := ""
					if result.Resumed {
						resumed = " (resumed)"
					}

					_, err := fmt.Fprintf(w, "%s: %s, %s new commits in %s%s\n",
						result.Repository, colorStatus(result.Status),
						humanize.Comma(int64(result.NewCommits)), result.Duration.Round(time.Millisecond), resumed)

					return err
				})
			})
		},
	}
}

// repositoryStatus is one row of `repo status`.
type repositoryStatus struct {
	store.Repository `yaml:",inline"`

	Commits int `json:"commits" yaml:"commits"`
}

func newRepoStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show repository status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				ctx := cmd.Context()

				var repos []*store.Repository

				if len(args) == 1 {
					repo, err := a.manager.Repository(ctx, args[0])
					if err != nil {
						return err
					}

					repos = []*store.Repository{repo}
				} else {
					var err error

					repos, err = a.manager.Repositories(ctx)
					if err != nil {
						return err
					}
				}

				rows := make([]repositoryStatus, 0, len(repos))

				for _, repo := range repos {
					n, err := a.store.CountCommits(ctx, repo.Kind, repo.ID)
					if err != nil {
						return err
					}

					rows = append(rows, repositoryStatus{Repository: *repo, Commits: n})
				}

				return render(cmd.OutOrStdout(), opts.output, rows, func(w io.Writer) error {
					return printStatusTable(w, rows)
				})
			})
		},
	}
}

func printStatusTable(w io.Writer, rows []repositoryStatus) error {
	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"NAME", "STATUS", "DRIVER", "HEADS", "TAGS", "COMMITS", "UPDATED", "LAST ERROR"})

	for _, row := range rows {
		tbl.AppendRow(table.Row{
			row.Name,
			colorStatus(row.Status),
			row.Driver,
			len(row.Heads),
			len(row.Tags),
			humanize.Comma(int64(row.Commits)),
			ago(row.UpdatedAt),
			firstLine(row.LastError),
		})
	}

	tbl.Render()

	return nil
}

func printRepository(w io.Writer, format string, repo *store.Repository) error {
	return render(w, format, repo, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s (%s, %s) %s\n", repo.Name, repo.Driver, repo.Path, colorStatus(repo.Status))

		return err
	})
}

func newRepoResetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Return a failed repository to init so it can be synced again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				if err := a.manager.Reset(cmd.Context(), args[0]); err != nil {
					return err
				}

				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", args[0])

				return err
			})
		},
	}
}

func newRepoDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Forget a repository; shared objects and files on disk are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				if err := a.manager.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}

				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])

				return err
			})
		},
	}
}
