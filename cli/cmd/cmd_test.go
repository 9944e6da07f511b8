package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openkickstartai/nbcheck/cli/config"
	"github.com/openkickstartai/nbcheck/types"
)

// runApp runs the given commands through a throwaway app with the default
// exit handler disabled, so exit codes come back as errors instead of
// killing the test process.
func runApp(t *testing.T, commands []*cli.Command, args ...string) error {
	t.Helper()
	app := &cli.App{
		Commands:       commands,
		ExitErrHandler: func(*cli.Context, error) {},
	}
	return app.Run(append([]string{"nbcheck"}, args...))
}

// exitCode extracts the cli.ExitCoder code from an error, or 0 for nil.
func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("error is not an ExitCoder: %v", err)
	}
	return coder.ExitCode()
}

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	flags := ReadOnlyFlags()

	hasTUI := false
	for _, f := range flags {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}

	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestTUIReadOnlyFlags_IncludesTUI(t *testing.T) {
	flags := TUIReadOnlyFlags()

	hasTUI := false
	for _, f := range flags {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}

	if !hasTUI {
		t.Error("TUIReadOnlyFlags should include --tui flag")
	}
}

func TestIsStderrTTY(_ *testing.T) {
	// This test documents the function exists and can be called.
	// Actual TTY behavior depends on runtime environment.
	_ = isStderrTTY()
}

func TestCommands_UniqueNames(t *testing.T) {
	commands := []*cli.Command{
		RunCommand(),
		StripCommand(),
		DiffCommand(),
		ShowCommand(),
		InspectCommand(),
		VersionCommand("", "abc123"),
	}

	seen := map[string]bool{}
	for _, c := range commands {
		if seen[c.Name] {
			t.Errorf("duplicate command name %q", c.Name)
		}
		seen[c.Name] = true
	}
}

func TestVersionCommand_RejectsTUI(t *testing.T) {
	err := runApp(t, []*cli.Command{VersionCommand("", "abc123")}, "version", "--tui")
	if code := exitCode(t, err); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestVersionCommand_RendersJSON(t *testing.T) {
	err := runApp(t, []*cli.Command{VersionCommand("", "abc123")}, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
}

func TestMergeRunFlags(t *testing.T) {
	cmdDef := RunCommand()
	var got *config.Config
	cmdDef.Action = func(c *cli.Context) error {
		got = &config.Config{Workers: 2, Kernel: "deno", StopOnError: true}
		got.CellTimeout.Duration = time.Minute
		mergeRunFlags(c, got)
		return nil
	}

	err := runApp(t, []*cli.Command{cmdDef},
		"run",
		"--workers", "8",
		"--cell-timeout", "30s",
		"--gateway-url", "http://gw:8888",
		"--adapter", "webhook",
		"--adapter-url", "http://hooks.example.com/nb",
		"demo.ipynb",
	)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got.Workers != 8 {
		t.Errorf("Workers = %d, want 8 (flag overrides config)", got.Workers)
	}
	if got.CellTimeout.Duration != 30*time.Second {
		t.Errorf("CellTimeout = %s, want 30s", got.CellTimeout.Duration)
	}
	if got.Gateway.URL != "http://gw:8888" {
		t.Errorf("Gateway.URL = %q", got.Gateway.URL)
	}
	if got.Adapter.Type != "webhook" || got.Adapter.URL != "http://hooks.example.com/nb" {
		t.Errorf("adapter config = %+v", got.Adapter)
	}
	// Unset flags leave config values alone.
	if got.Kernel != "deno" {
		t.Errorf("Kernel = %q, want deno (config value kept)", got.Kernel)
	}
	if !got.StopOnError {
		t.Error("StopOnError flipped by an unset flag")
	}
}

func TestLoadRunConfig_DefaultFile(t *testing.T) {
	dir := t.TempDir()
	content := "workers: 5\nkernel: julia-1.10\n"
	if err := os.WriteFile(filepath.Join(dir, defaultConfigFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cmdDef := RunCommand()
	var cfg *config.Config
	var loadErr error
	cmdDef.Action = func(c *cli.Context) error {
		cfg, loadErr = loadRunConfig(c)
		return nil
	}
	if err := runApp(t, []*cli.Command{cmdDef}, "run", "demo.ipynb"); err != nil {
		t.Fatal(err)
	}
	if loadErr != nil {
		t.Fatalf("loadRunConfig: %v", loadErr)
	}
	if cfg.Workers != 5 || cfg.Kernel != "julia-1.10" {
		t.Errorf("config = %+v, want workers 5 kernel julia-1.10", cfg)
	}
}

func TestLoadRunConfig_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cmdDef := RunCommand()
	var cfg *config.Config
	var loadErr error
	cmdDef.Action = func(c *cli.Context) error {
		cfg, loadErr = loadRunConfig(c)
		return nil
	}
	if err := runApp(t, []*cli.Command{cmdDef}, "run", "demo.ipynb"); err != nil {
		t.Fatal(err)
	}
	if loadErr != nil {
		t.Fatalf("loadRunConfig: %v", loadErr)
	}
	if cfg.Workers != 0 || cfg.Kernel != "" || cfg.Gateway.URL != "" {
		t.Errorf("config = %+v, want zero value", cfg)
	}
}

func TestBuildAdapter(t *testing.T) {
	t.Run("none configured", func(t *testing.T) {
		a, err := buildAdapter(config.AdapterConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != nil {
			t.Error("expected nil adapter for empty config")
		}
	})

	t.Run("webhook", func(t *testing.T) {
		a, err := buildAdapter(config.AdapterConfig{
			Type: "webhook",
			URL:  "http://hooks.example.com/nb",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a == nil {
			t.Fatal("expected adapter")
		}
		_ = a.Close()
	})

	t.Run("webhook without URL", func(t *testing.T) {
		if _, err := buildAdapter(config.AdapterConfig{Type: "webhook"}); err == nil {
			t.Error("expected error for webhook without URL")
		}
	})

	t.Run("redis invalid URL", func(t *testing.T) {
		if _, err := buildAdapter(config.AdapterConfig{Type: "redis", URL: "://bad"}); err == nil {
			t.Error("expected error for invalid redis URL")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := buildAdapter(config.AdapterConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unknown adapter type")
		}
	})
}

func TestSummaryLine(t *testing.T) {
	verdict := func(s types.RunStatus) *types.RunVerdict { return &types.RunVerdict{Status: s} }

	tests := []struct {
		name     string
		verdicts []*types.RunVerdict
		want     string
	}{
		{
			name:     "all passed",
			verdicts: []*types.RunVerdict{verdict(types.StatusPassed), verdict(types.StatusPassed)},
			want:     "2 passed, 0 failed in 1.5s",
		},
		{
			name: "mixed",
			verdicts: []*types.RunVerdict{
				verdict(types.StatusPassed),
				verdict(types.StatusFailed),
				verdict(types.StatusErrored),
				verdict(types.StatusTimedOut),
				verdict(types.StatusCancelled),
			},
			want: "1 passed, 1 failed, 1 errored, 1 timed out, 1 cancelled in 1.5s",
		},
		{
			name:     "nil verdict skipped",
			verdicts: []*types.RunVerdict{verdict(types.StatusPassed), nil},
			want:     "1 passed, 0 failed in 1.5s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summaryLine(tt.verdicts, 1500*time.Millisecond)
			if got != tt.want {
				t.Errorf("summaryLine = %q, want %q", got, tt.want)
			}
		})
	}
}
