package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/query"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

const defaultLogCount = 20

// logOutput is the structured form of `log`.
type logOutput struct {
	Commits  []*store.Commit `json:"commits" yaml:"commits"`
	Frontier []string        `json:"frontier" yaml:"frontier"`
}

func newLogCommand(opts *globalOptions) *cobra.Command {
	var skip, count int

	cmd := &cobra.Command{
		Use:   "log <repo> [rev...]",
		Short: "List commits newest first",
		Long: `List the commits reachable from the given revisions (default: the default
head), newest first. The frontier printed at the end continues the listing
when passed back as revisions with --skip 0.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				ctx := cmd.Context()

				page, err := a.query.Log(ctx, args[0], args[1:], skip, count)
				if err != nil {
					return err
				}

				out := logOutput{Commits: make([]*store.Commit, 0, len(page.IDs)), Frontier: page.Frontier}

				for _, oid := range page.IDs {
					commit, err := a.query.Commit(ctx, args[0], oid)
					if err != nil {
						return err
					}

					out.Commits = append(out.Commits, commit)
				}

				return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
					return printLog(w, out)
				})
			})
		},
	}

	cmd.Flags().IntVar(&skip, "skip", 0, "number of commits to skip")
	cmd.Flags().IntVarP(&count, "count", "n", defaultLogCount, "number of commits to list")

	return cmd
}

func printLog(w io.Writer, out logOutput) error {
	yellow := color.New(color.FgYellow)

	for _, commit := range out.Commits {
		if _, err := fmt.Fprintf(w, "%s %s %s  %s\n",
			yellow.Sprint(query.ShortID(commit.OID)),
			ago(commit.Author.When),
			commit.Author.Name,
			commit.Summary()); err != nil {
			return err
		}
	}

	if len(out.Frontier) > 0 {
		_, err := fmt.Fprintf(w, "... continue from %s\n", strings.Join(out.Frontier, " "))

		return err
	}

	return nil
}

// showOutput is the structured form of `show`.
type showOutput struct {
	store.Commit `yaml:",inline"`

	Prev []string `json:"prev,omitempty" yaml:"prev,omitempty"`
	Next []string `json:"next,omitempty" yaml:"next,omitempty"`
}

func newShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <repo> [rev]",
		Short: "Show a commit with its parents and in-repository children",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				ctx := cmd.Context()

				var (
					commit *store.Commit
					err    error
				)

				if len(args) == 2 {
					commit, err = a.query.Commit(ctx, args[0], args[1])
				} else {
					commit, err = a.query.Latest(ctx, args[0])
				}

				if err != nil {
					return err
				}

				neighbours, err := a.query.CommitContext(ctx, args[0], commit.OID)
				if err != nil {
					return err
				}

				out := showOutput{Commit: *commit, Prev: neighbours.Prev, Next: neighbours.Next}

				return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
					return printCommit(w, out)
				})
			})
		},
	}
}

func printCommit(w io.Writer, out showOutput) error {
	yellow := color.New(color.FgYellow)

	lines := []string{
		yellow.Sprintf("commit %s", out.OID),
		fmt.Sprintf("tree      %s", out.TreeID),
		fmt.Sprintf("parents   %s", strings.Join(out.Prev, " ")),
		fmt.Sprintf("children  %s", strings.Join(out.Next, " ")),
		fmt.Sprintf("author    %s <%s> %s", out.Author.Name, out.Author.Email, ago(out.Author.When)),
		fmt.Sprintf("committer %s <%s> %s", out.Committer.Name, out.Committer.Email, ago(out.Committer.When)),
		"",
	}

	for _, line := range strings.Split(strings.TrimRight(out.Message, "\n"), "\n") {
		lines = append(lines, "    "+line)
	}

	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))

	return err
}

func newLsTreeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls-tree <repo> [rev] [path]",
		Short: "List a directory of an indexed commit",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				ctx := cmd.Context()
				rev, p := "HEAD", ""

				if len(args) > 1 {
					rev = args[1]
				}

				if len(args) > 2 {
					p = args[2]
				}

				entry, err := a.query.GetPath(ctx, args[0], rev, p)
				if err != nil {
					return err
				}

				entries := []query.Entry{*entry}

				if entry.Type == backend.EntryTree {
					entries, err = a.query.TreeEntries(ctx, args[0], entry.OID)
					if err != nil {
						return err
					}
				}

				return render(cmd.OutOrStdout(), opts.output, entries, func(w io.Writer) error {
					tbl := newTable(w)
					tbl.AppendHeader(table.Row{"TYPE", "OBJECT", "LANGUAGE", "NAME"})

					for _, e := range entries {
						tbl.AppendRow(table.Row{e.Type, e.OID, e.Language, e.Name})
					}

					tbl.Render()

					return nil
				})
			})
		},
	}
}

func newCatCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <repo> <rev> <path>",
		Short: "Write the content of a file at an indexed commit to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, observability.ModeCLI, func(a *app) error {
				rc, err := a.query.OpenBlob(cmd.Context(), args[0], args[1], args[2])
				if err != nil {
					return err
				}
				defer rc.Close()

				_, err = io.Copy(cmd.OutOrStdout(), rc)

				return err
			})
		},
	}
}
