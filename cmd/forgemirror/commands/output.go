package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// Output formats.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// ErrUnknownFormat is returned for an unsupported --output value.
var ErrUnknownFormat = errors.New("unknown output format")

// render writes value as JSON or YAML, or calls text for the text format.
func render(w io.Writer, format string, value any, text func(io.Writer) error) error {
	switch format {
	case formatText, "":
		return text(w)
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(value)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(value); err != nil {
			return err
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// newTable creates a borderless table in the style used across the CLI.
func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	return tbl
}

var statusColors = map[store.Status]*color.Color{
	store.StatusReady:        color.New(color.FgGreen),
	store.StatusAnalyzing:    color.New(color.FgCyan),
	store.StatusInitializing: color.New(color.FgCyan),
	store.StatusInit:         color.New(color.FgYellow),
	store.StatusError:        color.New(color.FgRed),
}

func colorStatus(status store.Status) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(status)
	}

	return string(status)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return humanize.Time(t)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")

	return line
}
