package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/openkickstartai/nbcheck/cli/render"
	"github.com/openkickstartai/nbcheck/diff"
	"github.com/openkickstartai/nbcheck/nbformat"
)

// DiffCommand returns the diff command: an offline comparison of two
// notebook files under the configured normalization policy, no kernel
// involved.
func DiffCommand() *cli.Command {
	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare executed notebook outputs against a baseline",
		ArgsUsage: "ACTUAL BASELINE",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to nbcheck.yaml for the diff policy section",
			},
		),
		Action: diffAction,
	}
}

func diffAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("exactly two notebook paths required: ACTUAL BASELINE", 2)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for diff command", 1)
	}

	cfg, err := loadRunConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 2)
	}
	policy, err := cfg.Diff.Policy()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid diff policy: %v", err), 2)
	}

	actual, err := nbformat.Load(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot load %s: %v", c.Args().Get(0), err), 2)
	}
	baseline, err := nbformat.Load(c.Args().Get(1))
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot load %s: %v", c.Args().Get(1), err), 2)
	}

	mismatches := diff.Compare(actual, baseline, policy)
	if len(mismatches) == 0 {
		fmt.Println("outputs match")
		return nil
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if err := r.Render(mismatches); err != nil {
		return err
	}
	return cli.Exit("", 1)
}
