package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/forgemirror/pkg/version"
)

func newVersionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()

			return render(cmd.OutOrStdout(), opts.output, info, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, info.String())

				return err
			})
		},
	}
}
