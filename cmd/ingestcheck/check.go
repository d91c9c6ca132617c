package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/pingsantohq/ingestcheck/internal/engine"
	"github.com/pingsantohq/ingestcheck/internal/report"
)

func runCheck(ctx context.Context, args []string, env environment) (int, error) {
	var common commonFlags
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common.bind(fs)
	formatFlag := fs.String("format", "text", "Report format: text, json or yaml")
	skipIngest := fs.Bool("skip-ingest", false, "Do not post to the ingestion endpoints")
	skipProbes := fs.Bool("skip-probes", false, "Do not probe the resolved endpoints")
	timeout := fs.Duration("timeout", 0, "Override every per-stage probe timeout (e.g. 5s)")
	reportFile := fs.String("report-file", "", "Also write the JSON report to this path")
	logType := fs.String("log-type", "", "Log-Type header for ingestion posts")

	if err := fs.Parse(args); err != nil {
		return exitFailure, err
	}
	format, err := report.ParseFormat(*formatFlag)
	if err != nil {
		return exitFailure, err
	}

	s, err := newSession(ctx, common, env)
	if err != nil {
		return exitFailure, err
	}

	started := time.Now()
	res, err := s.engine.Run(ctx, engine.RunOptions{
		ConfigDir:       s.cfg.ConfigDir,
		ProxyFile:       s.cfg.ProxyFile,
		ProbeTimeout:    *timeout,
		SkipProbes:      *skipProbes,
		AnonymousIngest: !*skipIngest,
		LogType:         *logType,
	})
	switch {
	case errors.Is(err, engine.ErrCancelled):
		s.logger.Warn().Dur("elapsed", time.Since(started)).Msg("check interrupted")
		if _, ferr := s.finish(res.Report, res.Verdict, format, *reportFile, env); ferr != nil {
			return exitFailure, ferr
		}
		return exitFailure, nil
	case err != nil:
		return exitFailure, fmt.Errorf("check: %w", err)
	}

	s.logger.Debug().Dur("elapsed", time.Since(started)).Msg("check complete")
	return s.finish(res.Report, res.Verdict, format, *reportFile, env)
}
