package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/ctxflow/pkg/diagram"
	kschema "github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

var (
	describeFormat string
	describeRaw    bool
	describeWidth  int
)

var describeCmd = &cobra.Command{
	Use:   "describe [process.yaml]",
	Short: "Describe a process as Markdown, a Mermaid flowchart or an ASCII tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

func init() {
	describeCmd.Flags().StringVarP(&describeFormat, "format", "f", string(diagram.FormatMarkdown), "output format: markdown, mermaid, ascii")
	describeCmd.Flags().BoolVar(&describeRaw, "raw", false, "print Markdown source instead of rendering it")
	describeCmd.Flags().IntVar(&describeWidth, "width", 100, "word wrap width for rendered Markdown")
}

func runDescribe(cmd *cobra.Command, args []string) error {
	p, err := kschema.LoadFile(args[0])
	if err != nil {
		return err
	}
	format := diagram.Format(describeFormat)
	out, err := diagram.Generate(p, format)
	if err != nil {
		return err
	}
	if format == diagram.FormatMarkdown && !describeRaw {
		out = renderMarkdown(out, describeWidth)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out, "\n"))
	return nil
}

// renderMarkdown converts Markdown to styled terminal output. Falls back to
// the raw input if rendering fails.
func renderMarkdown(md string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
