package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/ingestcheck/internal/config"
	"github.com/pingsantohq/ingestcheck/internal/diag"
	"github.com/pingsantohq/ingestcheck/internal/engine"
	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/internal/health"
	"github.com/pingsantohq/ingestcheck/internal/logging"
	"github.com/pingsantohq/ingestcheck/internal/metrics"
	"github.com/pingsantohq/ingestcheck/internal/report"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	exitOK      = 0
	exitFailure = 1
)

// environment carries the process-level collaborators so tests can run
// commands in-process.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	// logOutput overrides the configured log destination when set.
	logOutput io.Writer
	engine    engine.Dependencies
}

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(exitFailure)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := environment{stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv}

	var (
		code     int
		finished atomic.Bool
	)
	grp, groupCtx := errgroup.WithContext(runCtx)
	grp.Go(func() error {
		defer stop()
		code = execute(groupCtx, os.Args[1:], env)
		finished.Store(true)
		return nil
	})
	grp.Go(func() error {
		<-groupCtx.Done()
		if !finished.Load() {
			fmt.Fprintln(os.Stderr, "interrupt received, reporting partial results")
		}
		return nil
	})
	_ = grp.Wait()
	stop()
	os.Exit(code)
}

// execute dispatches one subcommand and returns the process exit code.
func execute(ctx context.Context, args []string, env environment) int {
	if len(args) == 0 {
		printUsage(env.stdout)
		return exitFailure
	}
	if env.getenv == nil {
		env.getenv = os.Getenv
	}

	cmd := args[0]
	var (
		code int
		err  error
	)
	switch cmd {
	case "check":
		code, err = runCheck(ctx, args[1:], env)
	case "auth":
		code, err = runAuth(ctx, args[1:], env)
	case "endpoints":
		code, err = runEndpoints(ctx, args[1:], env)
	case "diag":
		err = runDiag(ctx, args[1:], env)
	case "-h", "--help", "help":
		printUsage(env.stdout)
		return exitOK
	default:
		fmt.Fprintf(env.stderr, "unknown command: %s\n", cmd)
		printUsage(env.stderr)
		return exitFailure
	}

	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(env.stderr, "command %s failed: %v\n", cmd, err)
		return exitFailure
	}
	return code
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Azure Monitor Agent ingestion connectivity check")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ingestcheck check [--config file] [--config-dir dir] [--proxy-file file] [--workers n] [--format text|json|yaml] [--skip-ingest] [--report-file file]")
	fmt.Fprintln(w, "  ingestcheck auth --method shared-key|managed-identity|anonymous [--workspace-id id] [--key-env NAME|--key-file file] [--log-type name]")
	fmt.Fprintln(w, "  ingestcheck endpoints [--config-dir dir] [--format text|json|yaml]")
	fmt.Fprintln(w, "  ingestcheck diag [--output file] [--logs dir] [--journal-unit unit]")
}

// commonFlags are shared by every subcommand that builds an engine.
type commonFlags struct {
	configPath string
	configDir  string
	proxyFile  string
	caFile     string
	workers    int
	debug      bool
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to ingestcheck configuration file (default $INGESTCHECK_CONFIG or "+config.DefaultConfigPath+")")
	fs.StringVar(&c.configDir, "config-dir", "", "Agent configuration chunk directory")
	fs.StringVar(&c.proxyFile, "proxy-file", "", "Agent proxy environment file")
	fs.StringVar(&c.caFile, "ca-file", "", "Additional PEM bundle of trusted roots")
	fs.IntVar(&c.workers, "workers", 0, "Concurrent probes (default NumCPU*4)")
	fs.BoolVar(&c.debug, "debug", false, "Log every diagnostic step")
}

func (c commonFlags) load(ctx context.Context) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.Load(ctx, c.configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if c.configDir != "" {
		cfg.ConfigDir = c.configDir
	}
	if c.proxyFile != "" {
		cfg.ProxyFile = c.proxyFile
	}
	if c.caFile != "" {
		cfg.CAFile = c.caFile
	}
	if c.workers > 0 {
		cfg.Workers = c.workers
	}
	if c.debug {
		cfg.Logging.Debug = true
	}
	return cfg, cfg.Validate()
}

// session is an engine ready to run, with the logger and metrics it reports to.
type session struct {
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Registry
	engine  *engine.Engine
}

func newSession(ctx context.Context, flags commonFlags, env environment) (*session, error) {
	cfg, err := flags.load(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging, env)
	if err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()
	deps := env.engine
	deps.Logger = logger
	deps.Metrics = registry
	if deps.Getenv == nil {
		deps.Getenv = env.getenv
	}
	if cfg.Logging.Debug {
		deps.Recorder = events.NewMulti(deps.Recorder, events.LogRecorder{Logger: logger})
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return &session{cfg: cfg, logger: logger, metrics: registry, engine: eng}, nil
}

func newLogger(cfg logging.Config, env environment) (zerolog.Logger, error) {
	if env.logOutput != nil {
		return logging.NewWithWriter(cfg, env.logOutput)
	}
	return logging.New(cfg)
}

// finish renders the report, persists the optional artifacts and maps the
// verdict to an exit code.
func (s *session) finish(rep types.Report, verdict health.Verdict, format report.Format, reportFile string, env environment) (int, error) {
	data, err := report.Encode(rep, format)
	if err != nil {
		return exitFailure, err
	}
	if _, err := env.stdout.Write(data); err != nil {
		return exitFailure, fmt.Errorf("write report: %w", err)
	}
	if format == report.FormatText {
		writeVerdict(env.stdout, verdict)
	}

	if reportFile != "" {
		doc, err := report.Encode(rep, report.FormatJSON)
		if err != nil {
			return exitFailure, err
		}
		if err := report.WriteFile(reportFile, doc); err != nil {
			return exitFailure, err
		}
	}
	if s.cfg.Metrics.Textfile != "" {
		if err := s.metrics.WriteTextfile(s.cfg.Metrics.Textfile); err != nil {
			s.logger.Warn().Err(err).Str("path", s.cfg.Metrics.Textfile).Msg("metrics textfile not written")
		}
	}

	if !verdict.Healthy {
		return exitFailure, nil
	}
	return exitOK, nil
}

func writeVerdict(w io.Writer, v health.Verdict) {
	state := "healthy"
	if !v.Healthy {
		state = "unhealthy"
	}
	fmt.Fprintf(w, "Verdict: %s\n", state)
	for _, f := range v.Findings {
		if f.Target != "" {
			fmt.Fprintf(w, "  [%s] %s %s: %s\n", f.Severity, f.Category, f.Target, f.Message)
			continue
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", f.Severity, f.Category, f.Message)
	}
}

func runDiag(ctx context.Context, args []string, env environment) error {
	logger, err := newLogger(logging.Config{}, env)
	if err != nil {
		return err
	}
	return diag.Run(ctx, args, diag.Dependencies{
		Now:    time.Now,
		Logger: logger,
		Engine: env.engine,
		Stdout: env.stdout,
	})
}
