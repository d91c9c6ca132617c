// Package engine wires configuration, endpoint resolution, probing and
// authentication into a single diagnostic run.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/internal/auth"
	"github.com/pingsantohq/ingestcheck/internal/certs"
	"github.com/pingsantohq/ingestcheck/internal/config"
	"github.com/pingsantohq/ingestcheck/internal/dcr"
	"github.com/pingsantohq/ingestcheck/internal/endpoint"
	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/internal/identity"
	"github.com/pingsantohq/ingestcheck/internal/ingest"
	"github.com/pingsantohq/ingestcheck/internal/metrics"
	"github.com/pingsantohq/ingestcheck/internal/probe"
	"github.com/pingsantohq/ingestcheck/internal/proxy"
	"github.com/pingsantohq/ingestcheck/internal/report"
	"github.com/pingsantohq/ingestcheck/internal/worker"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// ErrCancelled is returned when the run context is cancelled. The partial
// result is still returned alongside it.
var ErrCancelled = fmt.Errorf("run cancelled: %w", context.Canceled)

// Dependencies allow test overrides for network, filesystem and clock.
type Dependencies struct {
	Logger   zerolog.Logger
	Resolver probe.Resolver
	Dialer   probe.Dialer
	// HTTPClient is used for ingestion; it defaults to one honoring the
	// resolved proxy and CA bundle.
	HTTPClient ingest.Doer
	// IdentityClient talks to the metadata service and never uses a proxy.
	IdentityClient identity.Doer
	Files          identity.FileReader
	Getenv         func(string) string
	Stat           func(string) (os.FileInfo, error)
	Recorder       events.Recorder
	Metrics        metrics.Recorder
	Host           func(context.Context) types.HostInfo
	Now            func() time.Time
	NewRunID       func() string
}

type Engine struct {
	cfg  config.Config
	deps Dependencies
	tls  *tls.Config
	// identity is built once so the metadata variant never changes mid-run.
	identity *identity.Client
}

func New(cfg config.Config, deps Dependencies) (*Engine, error) {
	cfg.ApplyDefaults()
	tlsConfig, err := certs.ClientTLSConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.Stat == nil {
		deps.Stat = os.Stat
	}
	if deps.Recorder == nil {
		deps.Recorder = events.NoopRecorder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	if deps.Host == nil {
		deps.Host = HostInfo
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return uuid.NewString() }
	}
	e := &Engine{cfg: cfg, deps: deps, tls: tlsConfig}
	e.identity = identity.NewClient(e.identityConfig(), identity.Dependencies{
		HTTPClient: deps.IdentityClient,
		Files:      deps.Files,
		Getenv:     deps.Getenv,
		Stat:       deps.Stat,
		Recorder:   deps.Recorder,
		Logger:     deps.Logger,
	})
	return e, nil
}

func (e *Engine) Config() config.Config { return e.cfg }

// IdentityEnvironment reports the metadata service variant chosen at construction.
func (e *Engine) IdentityEnvironment() identity.Environment { return e.identity.Environment() }

// Loaded is a read configuration directory and the endpoints derived from it.
type Loaded struct {
	Configuration dcr.Configuration
	Endpoints     types.EndpointSet
	Targets       []types.ProbeTarget
}

// Load reads dir and resolves its endpoints. Missing configuration and an
// empty workspace set are fatal.
func (e *Engine) Load(ctx context.Context, dir string) (Loaded, error) {
	if dir == "" {
		dir = e.cfg.ConfigDir
	}
	conf, err := dcr.Load(ctx, dir, dcr.Dependencies{Logger: e.deps.Logger})
	if err != nil {
		return Loaded{Configuration: conf}, err
	}
	set, err := endpoint.Resolve(conf.Records)
	if err != nil {
		return Loaded{Configuration: conf, Endpoints: set}, err
	}
	return Loaded{Configuration: conf, Endpoints: set, Targets: endpoint.Targets(set)}, nil
}

// LoadConfiguration reads dir and returns the endpoint set and merged settings.
func (e *Engine) LoadConfiguration(ctx context.Context, dir string) (types.EndpointSet, types.AgentSettings, error) {
	loaded, err := e.Load(ctx, dir)
	return loaded.Endpoints, loaded.Configuration.Settings, err
}

// ResolveProxy merges the environment, the proxy file and agent settings,
// in that order of increasing precedence. An unreadable proxy file is
// reported and skipped.
func (e *Engine) ResolveProxy(settings types.AgentSettings, proxyFile string) (proxy.Config, error) {
	if proxyFile == "" {
		proxyFile = e.cfg.ProxyFile
	}
	env := proxy.FromEnvironment(e.deps.Getenv)
	file, err := proxy.FromFile(proxyFile)
	if err != nil {
		e.deps.Logger.Warn().Err(err).Str("file", proxyFile).Msg("ignoring proxy file")
	}
	px := proxy.Resolve(env, file, proxy.FromSettings(settings))
	if px.Configured() {
		e.deps.Logger.Info().Str("proxy", px.Redacted()).Bool("authenticated", px.Authenticated()).Msg("using proxy")
	}
	return px, err
}

// RunProbes probes every target derived from set and returns one result per
// target. A positive timeout overrides the configured per-stage timeouts.
func (e *Engine) RunProbes(ctx context.Context, set types.EndpointSet, px proxy.Config, timeout time.Duration) []types.ProbeResult {
	sink := &worker.Collector{}
	e.probeTargets(ctx, endpoint.Targets(set), px, timeout, sink)
	return sink.Results()
}

func (e *Engine) probeTargets(ctx context.Context, targets []types.ProbeTarget, px proxy.Config, timeout time.Duration, sink worker.ResultSink) {
	pcfg := probe.Config{
		DNSTimeout:  e.cfg.Timeouts.DNS,
		TLSTimeout:  e.cfg.Timeouts.TLS,
		HTTPTimeout: e.cfg.Timeouts.HTTP,
		Proxy:       px,
		TLS:         e.tls,
	}
	if timeout > 0 {
		pcfg.DNSTimeout, pcfg.TLSTimeout, pcfg.HTTPTimeout = timeout, timeout, timeout
	}
	prober := probe.New(pcfg, probe.Dependencies{
		Resolver: e.deps.Resolver,
		Dialer:   e.deps.Dialer,
		Recorder: e.deps.Recorder,
		Logger:   e.deps.Logger,
		Now:      e.deps.Now,
	})
	pool := worker.NewPool(worker.Jobs(targets), observingSink{next: sink, metrics: e.deps.Metrics},
		worker.WithWorkerCount(e.cfg.Workers),
		worker.WithProber(prober.Probe),
		worker.WithLogger(e.deps.Logger),
		worker.WithTotal(len(targets)),
	)
	pool.Start(ctx).Wait()
}

type observingSink struct {
	next    worker.ResultSink
	metrics metrics.Recorder
}

func (s observingSink) AddProbe(res types.ProbeResult) {
	s.metrics.ObserveProbe(res)
	s.next.AddProbe(res)
}

// Authenticate performs one ingestion attempt with the given method.
func (e *Engine) Authenticate(ctx context.Context, method types.AuthMethod, creds auth.Credentials, target string, payload []byte) types.AuthOutcome {
	return e.authenticate(ctx, proxy.Config{}, method, creds, target, payload, "")
}

// AuthenticateVia is Authenticate routed through px, tagging the record with
// logType.
func (e *Engine) AuthenticateVia(ctx context.Context, px proxy.Config, req AuthRequest, payload []byte, logType string) types.AuthOutcome {
	return e.authenticate(ctx, px, req.Method, req.Credentials, req.Target, payload, logType)
}

func (e *Engine) authenticate(ctx context.Context, px proxy.Config, method types.AuthMethod, creds auth.Credentials, target string, payload []byte, logType string) types.AuthOutcome {
	validator := auth.NewValidator(auth.Dependencies{
		Ingest: ingest.NewClient(ingest.Config{LogType: logType, Timeout: e.cfg.Timeouts.Ingest}, ingest.Dependencies{
			HTTPClient: e.httpClient(px),
			Now:        e.deps.Now,
			Logger:     e.deps.Logger,
			Recorder:   e.deps.Recorder,
		}),
		Identity: e.identity,
		Logger:   e.deps.Logger,
	})
	out := validator.Authenticate(ctx, method, creds, target, payload)
	e.deps.Metrics.ObserveAuth(out)
	return out
}

// Summarize builds a report for results gathered outside Run.
func (e *Engine) Summarize(ctx context.Context, probes []types.ProbeResult, auths []types.AuthOutcome) types.Report {
	rep := report.Summarize(probes, auths, types.ConfigSummary{}, e.policy())
	e.stamp(ctx, &rep)
	return rep
}

// Payload builds the single-record ingestion payload for this host.
func (e *Engine) Payload(ctx context.Context, fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{"Message": "ingestcheck connectivity test"}
	}
	return ingest.Payload(e.deps.Now(), e.deps.Host(ctx).Hostname, fields)
}

func (e *Engine) stamp(ctx context.Context, rep *types.Report) {
	rep.RunID = e.deps.NewRunID()
	rep.GeneratedAt = e.deps.Now().UTC()
	rep.Host = e.deps.Host(ctx)
}

func (e *Engine) policy() report.Policy {
	return report.Policy{CountUnexpectedAsFailed: e.cfg.Report.CountUnexpectedAsFailed}
}

func (e *Engine) identityConfig() identity.Config {
	id := e.cfg.Identity
	return identity.Config{
		IMDSEndpoint:  id.IMDSEndpoint,
		ArcEndpoint:   id.ArcEndpoint,
		ArcMarker:     id.ArcMarker,
		TokenDir:      id.TokenDir,
		Selector:      id.Selector,
		SelectorValue: id.SelectorValue,
		Variant:       identity.Variant(id.Variant),
		Timeout:       e.cfg.Timeouts.Token,
	}
}

func (e *Engine) httpClient(px proxy.Config) ingest.Doer {
	if e.deps.HTTPClient != nil {
		return e.deps.HTTPClient
	}
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return px.ProxyFor(req.URL.Host)
		},
		TLSClientConfig:     e.tls.Clone(),
		TLSHandshakeTimeout: e.cfg.Timeouts.TLS,
	}
	if e.deps.Dialer != nil {
		transport.DialContext = e.deps.Dialer.DialContext
	} else {
		transport.DialContext = (&net.Dialer{Timeout: e.cfg.Timeouts.TLS}).DialContext
	}
	return &http.Client{Transport: transport}
}

func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}
