package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/openkickstartai/nbcheck/adapter"
	"github.com/openkickstartai/nbcheck/adapter/redis"
	"github.com/openkickstartai/nbcheck/adapter/webhook"
	"github.com/openkickstartai/nbcheck/cli/config"
	"github.com/openkickstartai/nbcheck/gateway"
	"github.com/openkickstartai/nbcheck/log"
	"github.com/openkickstartai/nbcheck/metrics"
	"github.com/openkickstartai/nbcheck/nbformat"
	"github.com/openkickstartai/nbcheck/runner"
	"github.com/openkickstartai/nbcheck/scheduler"
	"github.com/openkickstartai/nbcheck/store"
	"github.com/openkickstartai/nbcheck/transcript"
	"github.com/openkickstartai/nbcheck/types"
)

// defaultConfigFile is loaded from the working directory when --config
// is not given and the file exists.
const defaultConfigFile = "nbcheck.yaml"

// RunCommand returns the run command.
// This is the only command that talks to a kernel gateway.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute notebooks against a kernel gateway and report verdicts",
		ArgsUsage: "PATH...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to nbcheck.yaml (default: ./nbcheck.yaml if present)",
			},
			// Execution flags
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"p"},
				Usage:   "Number of concurrent notebooks (one kernel each)",
			},
			&cli.DurationFlag{
				Name:  "cell-timeout",
				Usage: "Per-cell execution timeout (0 = unbounded)",
			},
			&cli.DurationFlag{
				Name:  "notebook-timeout",
				Usage: "Cumulative per-notebook execution budget (0 = unbounded)",
			},
			&cli.BoolFlag{
				Name:  "stop-on-error",
				Usage: "Abort a notebook at the first errored cell",
			},
			&cli.BoolFlag{
				Name:  "compare",
				Usage: "Compare executed outputs against the notebook's stored outputs",
			},
			&cli.BoolFlag{
				Name:  "write-outputs",
				Usage: "Write executed outputs back to the notebook files",
			},
			&cli.BoolFlag{
				Name:  "benchmark",
				Usage: "Show per-notebook wall-clock timings",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress per-notebook and summary lines",
			},
			// Artifact flags
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write the suite report JSON to this path (\"-\" for stderr)",
			},
			&cli.StringFlag{
				Name:  "transcript-dir",
				Usage: "Record a kernel event transcript per notebook in this directory",
			},
			// Gateway flags
			&cli.StringFlag{
				Name:  "kernel",
				Usage: "Kernelspec name to launch (default python3)",
			},
			&cli.StringFlag{
				Name:  "gateway-url",
				Usage: "External kernel gateway URL (skips the ephemeral Docker gateway)",
			},
			&cli.StringFlag{
				Name:  "gateway-token",
				Usage: "Gateway auth token",
			},
			&cli.StringFlag{
				Name:  "gateway-image",
				Usage: "Image for the ephemeral Docker gateway",
			},
			&cli.BoolFlag{
				Name:  "gateway-no-reuse",
				Usage: "Always start a fresh ephemeral gateway container",
			},
			// Storage flags
			&cli.StringFlag{
				Name:  "store-backend",
				Usage: "Artifact store backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "store-path",
				Usage: "Artifact store path (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "store-region",
				Usage: "AWS region for the s3 backend (optional, uses default chain)",
			},
			// Adapter flags
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "Completion event adapter: webhook or redis",
			},
			&cli.StringFlag{
				Name:  "adapter-url",
				Usage: "Adapter endpoint (webhook: HTTP URL, redis: redis:// URL)",
			},
			&cli.StringFlag{
				Name:  "adapter-channel",
				Usage: "Redis pub/sub channel for completion events",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("at least one notebook path required", 2)
	}

	cfg, err := loadRunConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 2)
	}
	mergeRunFlags(c, cfg)

	policy, err := cfg.Diff.Policy()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid diff policy: %v", err), 2)
	}

	paths, err := nbformat.Discover(c.Args().Slice())
	if err != nil {
		return cli.Exit(fmt.Sprintf("discovery failed: %v", err), 2)
	}
	if len(paths) == 0 {
		return cli.Exit("no notebooks found", 2)
	}

	docs := make([]*types.Document, len(paths))
	for i, p := range paths {
		doc, err := nbformat.Load(p)
		if err != nil {
			return cli.Exit(fmt.Sprintf("cannot load %s: %v", p, err), 2)
		}
		docs[i] = doc
	}

	runID := uuid.NewString()
	logger := log.NewLogger(runID)

	kernelName := cfg.Kernel
	if kernelName == "" {
		kernelName = gateway.DefaultKernelName
	}
	storageBackend := cfg.Storage.Backend
	if storageBackend == "" {
		storageBackend = "none"
	}
	collector := metrics.NewCollector(kernelName, storageBackend, runID)

	// Context cancelled on SIGINT/SIGTERM; in-flight notebooks finish
	// with status cancelled and sessions are torn down before exit.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	provisioner, cleanup, err := buildProvisioner(ctx, cfg, kernelName, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("gateway setup failed: %v", err), 2)
	}
	defer cleanup()

	sink, sinkClose, err := buildSink(runID, cfg.Adapter, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("adapter setup failed: %v", err), 2)
	}
	defer sinkClose()

	capture := &captureSink{inner: sink, executed: make(map[string]*types.Document)}

	run, err := runner.New(runner.Options{
		CellTimeout:    cfg.CellTimeout.Duration,
		NotebookBudget: cfg.NotebookTimeout.Duration,
		StopOnError:    cfg.StopOnError,
		Collector:      collector,
	}, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid execution options: %v", err), 2)
	}

	sched, err := scheduler.New(provisioner, run, scheduler.Options{
		Workers:       cfg.Workers,
		RunID:         runID,
		Compare:       c.Bool("compare"),
		Policy:        policy,
		TranscriptDir: cfg.TranscriptDir,
		Sink:          capture,
		Collector:     collector,
	}, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid suite options: %v", err), 2)
	}

	started := time.Now()
	verdicts := sched.RunAll(ctx, docs)
	duration := time.Since(started)

	if !c.Bool("quiet") {
		for _, v := range verdicts {
			printVerdictLine(v, c.Bool("benchmark"))
		}
		fmt.Println(summaryLine(verdicts, duration))
	}

	if c.Bool("write-outputs") {
		writeExecutedOutputs(capture, verdicts, logger)
	}

	snap := collector.Snapshot()
	report := scheduler.BuildSuiteReport(runID, started, duration, verdicts, &snap)

	if cfg.Report != "" {
		if err := scheduler.WriteSuiteReport(report, cfg.Report); err != nil {
			return cli.Exit(fmt.Sprintf("report write failed: %v", err), 2)
		}
	}

	if cfg.Storage.Backend != "" {
		uploadArtifacts(cfg, report, capture, started, collector, logger)
	}

	if code := scheduler.WorstVerdictStatus(verdicts).ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// loadRunConfig loads the config file named by --config, or the default
// nbcheck.yaml when present. No file means all defaults.
func loadRunConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return &config.Config{}, nil
		}
		path = defaultConfigFile
	}
	return config.Load(path)
}

// mergeRunFlags folds explicitly set CLI flags over config file values.
// Flags always win.
func mergeRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("cell-timeout") {
		cfg.CellTimeout.Duration = c.Duration("cell-timeout")
	}
	if c.IsSet("notebook-timeout") {
		cfg.NotebookTimeout.Duration = c.Duration("notebook-timeout")
	}
	if c.IsSet("stop-on-error") {
		cfg.StopOnError = c.Bool("stop-on-error")
	}
	if c.IsSet("kernel") {
		cfg.Kernel = c.String("kernel")
	}
	if c.IsSet("transcript-dir") {
		cfg.TranscriptDir = c.String("transcript-dir")
	}
	if c.IsSet("report") {
		cfg.Report = c.String("report")
	}
	if c.IsSet("gateway-url") {
		cfg.Gateway.URL = c.String("gateway-url")
	}
	if c.IsSet("gateway-token") {
		cfg.Gateway.AuthToken = c.String("gateway-token")
	}
	if c.IsSet("gateway-image") {
		cfg.Gateway.Docker.Image = c.String("gateway-image")
	}
	if c.IsSet("gateway-no-reuse") {
		cfg.Gateway.Docker.NoReuse = c.Bool("gateway-no-reuse")
	}
	if c.IsSet("store-backend") {
		cfg.Storage.Backend = c.String("store-backend")
	}
	if c.IsSet("store-path") {
		cfg.Storage.Path = c.String("store-path")
	}
	if c.IsSet("store-region") {
		cfg.Storage.Region = c.String("store-region")
	}
	if c.IsSet("adapter") {
		cfg.Adapter.Type = c.String("adapter")
	}
	if c.IsSet("adapter-url") {
		cfg.Adapter.URL = c.String("adapter-url")
	}
	if c.IsSet("adapter-channel") {
		cfg.Adapter.Channel = c.String("adapter-channel")
	}
}

// buildProvisioner resolves the kernel source in order of preference:
// endpoint pool, external gateway URL, ephemeral Docker gateway. The
// returned cleanup releases whatever was started and must run after the
// last session is gone.
func buildProvisioner(ctx context.Context, cfg *config.Config, kernelName string, logger *log.Logger) (scheduler.Provisioner, func(), error) {
	base := gateway.Config{
		AuthToken:  cfg.Gateway.AuthToken,
		KernelName: kernelName,
		Timeout:    cfg.Gateway.Timeout.Duration,
	}
	if cfg.Gateway.Retries != nil {
		base.Retries = *cfg.Gateway.Retries
	} else {
		base.Retries = gateway.DefaultRetries
	}

	if len(cfg.Gateway.Pool.Endpoints) > 0 {
		pool := cfg.Gateway.Pool.EndpointPool()
		pp, err := gateway.NewPoolProvisioner(pool, base, logger)
		if err != nil {
			return nil, nil, err
		}
		// One sticky key per suite: with the sticky strategy a whole
		// invocation pins to a single gateway.
		suiteKey := uuid.NewString()
		prov := scheduler.ProvisionerFunc(func(ctx context.Context) (scheduler.Session, error) {
			s, err := pp.Provision(ctx, suiteKey)
			if err != nil {
				return nil, err
			}
			return s, nil
		})
		return prov, func() { _ = pp.Close() }, nil
	}

	url := cfg.Gateway.URL
	cleanup := func() {}
	if url == "" {
		dockerCfg := gateway.DockerConfig{
			Image:        cfg.Gateway.Docker.Image,
			HostPort:     cfg.Gateway.Docker.HostPort,
			StartTimeout: cfg.Gateway.Docker.StartTimeout.Duration,
		}
		if cfg.Gateway.Docker.NoReuse {
			eph, err := gateway.StartEphemeralGateway(ctx, dockerCfg, logger)
			if err != nil {
				return nil, nil, err
			}
			url = eph.URL()
			cleanup = func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), scheduler.TeardownTimeout)
				defer cancel()
				_ = eph.Close(closeCtx)
			}
		} else {
			reused, err := gateway.AcquireReusableGateway(ctx, dockerCfg, logger)
			if err != nil {
				return nil, nil, err
			}
			url = reused
		}
	}

	base.URL = url
	client, err := gateway.New(base, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	prov := scheduler.ProvisionerFunc(func(ctx context.Context) (scheduler.Session, error) {
		s, err := client.Provision(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	clientCleanup := func() {
		_ = client.Close()
		cleanup()
	}
	return prov, clientCleanup, nil
}

// buildSink creates the completion event sink for the configured adapter.
// No adapter configured means no sink.
func buildSink(runID string, cfg config.AdapterConfig, logger *log.Logger) (scheduler.Sink, func(), error) {
	a, err := buildAdapter(cfg)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, func() {}, nil
	}
	return adapter.NewSink(runID, a, logger), func() { _ = a.Close() }, nil
}

func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := func(fallback int) int {
		if cfg.Retries != nil {
			return *cfg.Retries
		}
		return fallback
	}

	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries(webhook.DefaultRetries),
		})
	case "redis":
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries(redis.DefaultRetries),
		})
	default:
		return nil, fmt.Errorf("unknown adapter type: %s (must be webhook or redis)", cfg.Type)
	}
}

// captureSink retains every executed document for --write-outputs and
// artifact upload, forwarding to the adapter sink when one is configured.
type captureSink struct {
	inner    scheduler.Sink
	mu       sync.Mutex
	executed map[string]*types.Document
}

func (s *captureSink) NotebookFinished(ctx context.Context, executed *types.Document, verdict *types.RunVerdict) {
	s.mu.Lock()
	s.executed[verdict.Path] = executed
	s.mu.Unlock()
	if s.inner != nil {
		s.inner.NotebookFinished(ctx, executed, verdict)
	}
}

func (s *captureSink) get(path string) *types.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed[path]
}

// writeExecutedOutputs writes fresh outputs back to the source files.
// Only notebooks that ran to completion are rewritten; an errored or
// cancelled run would bake partial outputs into the baseline.
func writeExecutedOutputs(capture *captureSink, verdicts []*types.RunVerdict, logger *log.Logger) {
	for _, v := range verdicts {
		if v == nil || (v.Status != types.StatusPassed && v.Status != types.StatusFailed) {
			continue
		}
		doc := capture.get(v.Path)
		if doc == nil {
			continue
		}
		if err := nbformat.Save(doc, v.Path); err != nil {
			logger.Warn("write-outputs failed", map[string]any{
				"notebook": v.Path,
				"error":    err.Error(),
			})
		}
	}
}

// uploadArtifacts pushes the report, executed notebooks and transcripts
// to the configured artifact store. Upload failures are logged, never
// fatal: the verdicts already stand.
func uploadArtifacts(cfg *config.Config, report *scheduler.SuiteReport, capture *captureSink, started time.Time, collector *metrics.Collector, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		logger.Warn("artifact store unavailable", map[string]any{"error": err.Error()})
		return
	}
	instrumented := store.NewInstrumentedStore(st, collector)
	defer instrumented.Close()

	layout := store.NewLayout(report.RunID, started)

	data, err := report.Encode()
	if err == nil {
		err = instrumented.Put(ctx, layout.ReportKey(), data)
	}
	if err != nil {
		logger.Warn("report upload failed", map[string]any{"error": err.Error()})
	}

	for _, nb := range report.Notebooks {
		if nb == nil {
			continue
		}
		doc := capture.get(nb.Path)
		if doc == nil {
			continue
		}
		encoded, err := nbformat.Encode(doc)
		if err == nil {
			err = instrumented.Put(ctx, layout.NotebookKey(nb.Path), encoded)
		}
		if err != nil {
			logger.Warn("notebook upload failed", map[string]any{
				"notebook": nb.Path,
				"error":    err.Error(),
			})
		}
	}

	if cfg.TranscriptDir != "" {
		uploadTranscripts(ctx, instrumented, layout, cfg.TranscriptDir, logger)
	}
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "fs":
		return store.NewFSStore(cfg.Path)
	case "s3":
		bucket, prefix := store.ParseS3Path(cfg.Path)
		return store.NewS3Store(ctx, store.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown store backend: %s (must be fs or s3)", cfg.Backend)
	}
}

func uploadTranscripts(ctx context.Context, st store.Store, layout store.Layout, dir string, logger *log.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("transcript dir unreadable", map[string]any{"error": err.Error()})
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != transcript.FileExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err == nil {
			err = st.Put(ctx, layout.TranscriptKey(e.Name()), data)
		}
		if err != nil {
			logger.Warn("transcript upload failed", map[string]any{
				"file":  e.Name(),
				"error": err.Error(),
			})
		}
	}
}

func printVerdictLine(v *types.RunVerdict, benchmark bool) {
	if v == nil {
		return
	}
	fmt.Println(verdictLine(v, benchmark))
}

// verdictLine renders one per-notebook result line, e.g.
// "FAIL plots.ipynb (failed): 1 output mismatch(es) ... [340ms]".
func verdictLine(v *types.RunVerdict, benchmark bool) string {
	label := "FAIL"
	if v.Status == types.StatusPassed {
		label = "PASS"
	}
	line := fmt.Sprintf("%s %s", label, v.Path)
	if v.Status != types.StatusPassed {
		line += fmt.Sprintf(" (%s)", v.Status)
		if v.Diagnostic != "" {
			line += ": " + v.Diagnostic
		}
	}
	if benchmark {
		line += fmt.Sprintf(" [%s]", (time.Duration(v.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	return line
}

// summaryLine renders the closing suite line, e.g.
// "3 passed, 1 failed, 1 errored in 12.4s".
func summaryLine(verdicts []*types.RunVerdict, duration time.Duration) string {
	counts := map[types.RunStatus]int{}
	for _, v := range verdicts {
		if v != nil {
			counts[v.Status]++
		}
	}

	line := fmt.Sprintf("%d passed, %d failed", counts[types.StatusPassed], counts[types.StatusFailed])
	if n := counts[types.StatusErrored]; n > 0 {
		line += fmt.Sprintf(", %d errored", n)
	}
	if n := counts[types.StatusTimedOut]; n > 0 {
		line += fmt.Sprintf(", %d timed out", n)
	}
	if n := counts[types.StatusCancelled]; n > 0 {
		line += fmt.Sprintf(", %d cancelled", n)
	}
	return line + fmt.Sprintf(" in %s", duration.Round(100*time.Millisecond))
}
