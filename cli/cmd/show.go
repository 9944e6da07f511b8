package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v2"

	"github.com/openkickstartai/nbcheck/nbformat"
	"github.com/openkickstartai/nbcheck/types"
)

// ShowCommand returns the show command: a rendered terminal view of one
// notebook, markdown cells styled and code cells fenced with their
// outputs inline.
func ShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Render a notebook in the terminal",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			NoColorFlag,
			&cli.IntFlag{
				Name:  "width",
				Usage: "Wrap width for rendered output (0 = no wrap)",
				Value: 100,
			},
		},
		Action: showAction,
	}
}

func showAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("notebook path required", 2)
	}

	doc, err := nbformat.Load(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot load %s: %v", c.Args().First(), err), 2)
	}

	md := notebookMarkdown(doc)

	if c.Bool("no-color") {
		fmt.Print(md)
		return nil
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(c.Int("width")),
	)
	if err != nil {
		return fmt.Errorf("renderer setup failed: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}
	fmt.Print(out)
	return nil
}

// notebookMarkdown flattens a notebook into a single markdown document.
// Markdown cells pass through; code cells become fenced blocks followed
// by their text outputs.
func notebookMarkdown(doc *types.Document) string {
	lang := notebookLanguage(doc)
	var b strings.Builder

	for i := range doc.Cells {
		cell := &doc.Cells[i]
		switch cell.Type {
		case types.CellMarkdown:
			b.WriteString(cell.Source)
			b.WriteString("\n\n")
		case types.CellRaw:
			b.WriteString("```\n")
			b.WriteString(ensureNewline(cell.Source))
			b.WriteString("```\n\n")
		case types.CellCode:
			fmt.Fprintf(&b, "```%s\n", lang)
			b.WriteString(ensureNewline(cell.Source))
			b.WriteString("```\n\n")
			for j := range cell.Outputs {
				writeOutputMarkdown(&b, &cell.Outputs[j])
			}
		}
	}
	return b.String()
}

func writeOutputMarkdown(b *strings.Builder, out *types.Output) {
	switch out.Type {
	case types.OutputStream:
		b.WriteString("```\n")
		b.WriteString(ensureNewline(out.Text))
		b.WriteString("```\n\n")
	case types.OutputError:
		fmt.Fprintf(b, "```\n%s: %s\n```\n\n", out.Ename, out.Evalue)
	case types.OutputExecuteResult, types.OutputDisplayData:
		if text, ok := out.Data["text/plain"].(string); ok {
			b.WriteString("```\n")
			b.WriteString(ensureNewline(text))
			b.WriteString("```\n\n")
		} else if len(out.Data) > 0 {
			fmt.Fprintf(b, "*[%s output]*\n\n", firstMIME(out.Data))
		}
	}
}

// notebookLanguage reads the language from notebook metadata, falling
// back to the kernelspec language and then to python.
func notebookLanguage(doc *types.Document) string {
	if info, ok := doc.Metadata["language_info"].(map[string]any); ok {
		if name, ok := info["name"].(string); ok && name != "" {
			return name
		}
	}
	if spec, ok := doc.Metadata["kernelspec"].(map[string]any); ok {
		if lang, ok := spec["language"].(string); ok && lang != "" {
			return lang
		}
	}
	return "python"
}

func firstMIME(bundle types.MIMEBundle) string {
	for mime := range bundle {
		if mime != "text/plain" {
			return mime
		}
	}
	return "rich"
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
