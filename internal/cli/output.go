package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-runewidth"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format for CLI commands
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// ParseOutputFormat validates a --output value. Empty means table.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputFormatTable:
		return OutputFormatTable, nil
	case OutputFormatJSON, OutputFormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s (use table, json or yaml)", s)
	}
}

// Printer writes command results in the selected format.
type Printer struct {
	Format OutputFormat
	Out    io.Writer
}

// NewPrinter creates a printer for the given --output value.
func NewPrinter(format string, out io.Writer) (*Printer, error) {
	f, err := ParseOutputFormat(format)
	if err != nil {
		return nil, err
	}
	return &Printer{Format: f, Out: out}, nil
}

// Print renders v as JSON or YAML. In table format render fills a table
// instead; a nil render falls back to YAML.
func (p *Printer) Print(v any, render func(t table.Writer)) error {
	switch p.Format {
	case OutputFormatJSON:
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case OutputFormatTable:
		if render != nil {
			t := table.NewWriter()
			t.SetOutputMirror(p.Out)
			t.SetStyle(table.StyleRounded)
			render(t)
			t.Render()
			return nil
		}
	}
	return p.yaml(v)
}

// PrintText writes text as-is in table format and v otherwise.
func (p *Printer) PrintText(text string, v any) error {
	if p.Format == OutputFormatTable {
		_, err := io.WriteString(p.Out, text)
		return err
	}
	return p.Print(v, nil)
}

func (p *Printer) yaml(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to convert to YAML: %w", err)
	}
	_, err = p.Out.Write(data)
	return err
}

// maxCellWidth keeps long commands from wrapping the table.
const maxCellWidth = 40

// cell formats a single table value. Empty values render as "-".
func cell(v any) string {
	s := fmt.Sprint(v)
	switch s {
	case "", "0", "[]", "<nil>":
		return "-"
	}
	return runewidth.Truncate(s, maxCellWidth, "...")
}
