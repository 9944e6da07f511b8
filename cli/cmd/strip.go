package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/openkickstartai/nbcheck/nbformat"
)

// StripCommand returns the strip command. Strip clears outputs and
// execution counts in place, leaving sources and metadata untouched, so
// notebooks can be committed without baked-in results.
func StripCommand() *cli.Command {
	return &cli.Command{
		Name:      "strip",
		Usage:     "Clear outputs and execution counts from notebooks",
		ArgsUsage: "PATH...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "check",
				Usage: "Report files that would change without writing; exit 1 if any",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress per-file lines",
			},
		},
		Action: stripAction,
	}
}

func stripAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("at least one notebook path required", 2)
	}

	paths, err := nbformat.Discover(c.Args().Slice())
	if err != nil {
		return cli.Exit(fmt.Sprintf("discovery failed: %v", err), 2)
	}
	if len(paths) == 0 {
		return cli.Exit("no notebooks found", 2)
	}

	check := c.Bool("check")
	quiet := c.Bool("quiet")
	changed := 0

	for _, p := range paths {
		doc, err := nbformat.Load(p)
		if err != nil {
			return cli.Exit(fmt.Sprintf("cannot load %s: %v", p, err), 2)
		}
		if !nbformat.Strip(doc) {
			continue
		}
		changed++
		if check {
			if !quiet {
				fmt.Printf("would strip %s\n", p)
			}
			continue
		}
		if err := nbformat.Save(doc, p); err != nil {
			return cli.Exit(fmt.Sprintf("cannot write %s: %v", p, err), 2)
		}
		if !quiet {
			fmt.Printf("stripped %s\n", p)
		}
	}

	if check && changed > 0 {
		return cli.Exit(fmt.Sprintf("%d notebook(s) would change", changed), 1)
	}
	return nil
}
