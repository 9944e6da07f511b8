package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/openkickstartai/nbcheck/cli/render"
	"github.com/openkickstartai/nbcheck/scheduler"
	"github.com/openkickstartai/nbcheck/transcript"
)

// InspectCommand returns the inspect command. Inspect is a read-only view
// of a saved run artifact: a suite report JSON or a .nbt transcript. The
// file kind is picked by extension.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a saved suite report or notebook transcript",
		ArgsUsage: "FILE",
		Flags: append(TUIReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Show only the suite metrics section of a report",
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("report or transcript file required", 1)
	}
	path := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if filepath.Ext(path) == transcript.FileExt {
		return inspectTranscript(c, r, path)
	}
	return inspectReport(c, r, path)
}

func inspectTranscript(c *cli.Context, r *render.Renderer, path string) error {
	if c.Bool("stats") {
		return cli.Exit("--stats is only available for reports", 1)
	}

	recs, err := transcript.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read transcript %s: %v", path, err), 2)
	}
	records := make([]transcript.Record, len(recs))
	for i, rec := range recs {
		records[i] = *rec
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_transcript", records)
	}
	return r.Render(records)
}

func inspectReport(c *cli.Context, r *render.Renderer, path string) error {
	report, err := scheduler.ReadSuiteReport(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read report %s: %v", path, err), 2)
	}

	if c.Bool("stats") {
		if report.Metrics == nil {
			return cli.Exit("report carries no metrics", 1)
		}
		if c.Bool("tui") {
			return r.RenderTUI("stats_suite", report.Metrics)
		}
		return r.Render(report.Metrics)
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_report", report)
	}
	return r.Render(report)
}
