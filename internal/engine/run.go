package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/ingestcheck/internal/auth"
	"github.com/pingsantohq/ingestcheck/internal/health"
	"github.com/pingsantohq/ingestcheck/internal/ingest"
	"github.com/pingsantohq/ingestcheck/internal/proxy"
	"github.com/pingsantohq/ingestcheck/internal/report"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// AuthRequest is one ingestion attempt in a run. An empty Target is derived
// from the workspace and the resolved cloud.
type AuthRequest struct {
	Method      types.AuthMethod
	Credentials auth.Credentials
	Target      string
}

type RunOptions struct {
	ConfigDir string
	ProxyFile string
	// ProbeTimeout overrides the per-stage probe timeouts when positive.
	ProbeTimeout time.Duration
	SkipProbes   bool
	// AnonymousIngest posts once without credentials to every workspace.
	AnonymousIngest bool
	Auth            []AuthRequest
	LogType         string
	Fields          map[string]any
}

type Result struct {
	Loaded  Loaded
	Proxy   proxy.Config
	Report  types.Report
	Verdict health.Verdict
}

// Run executes a complete diagnostic pass. Probes and ingestion attempts run
// concurrently. Fatal configuration errors end the run early; a cancelled
// context returns the partial result with ErrCancelled.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (Result, error) {
	var res Result
	loaded, err := e.Load(ctx, opts.ConfigDir)
	res.Loaded = loaded
	if err != nil {
		if cancelled(ctx) {
			return res, ErrCancelled
		}
		return res, err
	}

	agg := report.NewAggregator()
	for _, w := range loaded.Configuration.Warnings {
		agg.AddWarning(w.Error())
	}

	px, perr := e.ResolveProxy(loaded.Configuration.Settings, opts.ProxyFile)
	if perr != nil {
		agg.AddWarning(perr.Error())
	}
	res.Proxy = px

	requests := e.authRequests(loaded.Endpoints, opts)
	var payload []byte
	if len(requests) > 0 {
		payload, err = e.Payload(ctx, opts.Fields)
		if err != nil {
			return res, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if !opts.SkipProbes {
		g.Go(func() error {
			e.probeTargets(gctx, loaded.Targets, px, opts.ProbeTimeout, agg)
			return nil
		})
	}
	if len(requests) > 0 {
		g.Go(func() error {
			for _, req := range requests {
				out := e.authenticate(gctx, px, req.Method, req.Credentials, req.Target, payload, opts.LogType)
				agg.AddAuth(out)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := agg.Report(report.ConfigSummary(loaded.Endpoints, px.Configured(), px.Authenticated()), e.policy())
	e.stamp(ctx, &rep)
	e.deps.Metrics.ObserveRun(rep.Counts)
	res.Report = rep
	res.Verdict = health.NewChecker(e.deps.Metrics).Evaluate(rep)

	e.deps.Logger.Info().
		Str("run_id", rep.RunID).
		Int("total", rep.Counts.Total).
		Int("passed", rep.Counts.Passed).
		Int("failed", rep.Counts.Failed).
		Int("warnings", rep.Counts.Warnings).
		Bool("healthy", res.Verdict.Healthy).
		Msg("diagnostic run finished")

	if cancelled(ctx) {
		return res, ErrCancelled
	}
	return res, nil
}

func (e *Engine) authRequests(set types.EndpointSet, opts RunOptions) []AuthRequest {
	var out []AuthRequest
	if opts.AnonymousIngest {
		for _, ws := range set.WorkspaceIDs.Sorted() {
			out = append(out, AuthRequest{
				Method:      types.MethodAnonymous,
				Credentials: auth.Credentials{WorkspaceID: ws, Cloud: set.CloudSuffix},
				Target:      ingest.URL(ws, set.CloudSuffix),
			})
		}
	}
	for _, req := range opts.Auth {
		if req.Credentials.Cloud == "" {
			req.Credentials.Cloud = set.CloudSuffix
		}
		out = append(out, req)
	}
	return out
}
