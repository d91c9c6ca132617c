// Package probe checks reachability of a single endpoint in strict stages:
// name resolution, TLS handshake on port 443, then an HTTP health check for
// the roles that expose one. The first stage that does not pass ends the probe.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/internal/certs"
	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/internal/proxy"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	httpsPort         = "443"
	DefaultHealthPath = "/health"
	healthyBody       = "Healthy"
	maxHealthBody     = 4 << 10
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens a stream connection.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Doer executes an HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	DNSTimeout  time.Duration
	TLSTimeout  time.Duration
	HTTPTimeout time.Duration
	Proxy       proxy.Config
	TLS         *tls.Config
	HealthPath  string
}

type Dependencies struct {
	Resolver Resolver
	Dialer   Dialer
	// HTTP defaults to a client that dials through Dialer and honors Proxy.
	HTTP     Doer
	Recorder events.Recorder
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Prober struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) *Prober {
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 10 * time.Second
	}
	if cfg.TLSTimeout <= 0 {
		cfg.TLSTimeout = 15 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.TLS == nil {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if deps.Resolver == nil {
		deps.Resolver = net.DefaultResolver
	}
	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{}
	}
	if deps.HTTP == nil {
		deps.HTTP = newHTTPClient(cfg, deps.Dialer)
	}
	if deps.Recorder == nil {
		deps.Recorder = events.NoopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Prober{cfg: cfg, deps: deps}
}

func newHTTPClient(cfg Config, dialer Dialer) *http.Client {
	pc := cfg.Proxy
	return &http.Client{
		Transport: &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				return pc.ProxyFor(req.URL.Host)
			},
			DialContext:         dialer.DialContext,
			TLSClientConfig:     cfg.TLS.Clone(),
			TLSHandshakeTimeout: cfg.TLSTimeout,
			DisableKeepAlives:   true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Probe runs the stages for target and returns exactly one result. It never
// returns an error; failures are encoded in the result.
func (p *Prober) Probe(ctx context.Context, target types.ProbeTarget) types.ProbeResult {
	start := p.deps.Now()
	res := p.probe(ctx, target)
	res.Target = target
	res.Duration = p.deps.Now().Sub(start)

	ev := p.deps.Logger.Debug()
	if res.Outcome != types.OutcomePass {
		ev = p.deps.Logger.Info()
	}
	ev.Str("host", target.Host).
		Str("role", string(target.Role)).
		Str("stage", string(res.Stage)).
		Str("outcome", string(res.Outcome)).
		Str("cause", string(res.Cause)).
		Dur("duration", res.Duration).
		Msg("probe finished")
	return res
}

func (p *Prober) probe(ctx context.Context, target types.ProbeTarget) types.ProbeResult {
	if err := ctx.Err(); err != nil {
		return failure(types.StageDNS, causeOf(ctx, err), "run cancelled before probe started")
	}

	addrs, res, ok := p.resolve(ctx, target)
	if !ok {
		return res
	}

	proxyURL, err := p.cfg.Proxy.ProxyFor(target.Host)
	if err != nil {
		r := failure(types.StageTLS, types.CauseProxy, fmt.Sprintf("invalid proxy address: %v", err))
		r.Addresses = addrs
		return r
	}

	skipTLS := proxyURL != nil && proxyURL.User != nil
	if skipTLS {
		if !target.Role.HealthChecked() {
			return types.ProbeResult{
				Stage:     types.StageDNS,
				Outcome:   types.OutcomeWarn,
				Cause:     types.CauseProxyAuth,
				Detail:    "resolved; reachability not confirmed behind authenticating proxy",
				Addresses: addrs,
			}
		}
	} else {
		res := p.handshake(ctx, target, addrs, proxyURL)
		res.Addresses = addrs
		if res.Outcome != types.OutcomePass || !target.Role.HealthChecked() {
			return res
		}
	}

	res = p.health(ctx, target)
	res.Addresses = addrs
	return res
}

func (p *Prober) resolve(ctx context.Context, target types.ProbeTarget) ([]string, types.ProbeResult, bool) {
	p.record(types.EventStageStart, target, types.StageDNS, nil)
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.DNSTimeout)
	defer cancel()

	addrs, err := p.deps.Resolver.LookupHost(stageCtx, target.Host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses for %s", target.Host)
	}
	if err != nil {
		cause := causeOf(ctx, err)
		if cause == types.CauseNone {
			cause = types.CauseDNS
		}
		res := failure(types.StageDNS, cause, err.Error())
		p.record(types.EventStageDone, target, types.StageDNS, &res)
		return nil, res, false
	}
	res := types.ProbeResult{Stage: types.StageDNS, Outcome: types.OutcomePass}
	p.record(types.EventStageDone, target, types.StageDNS, &res)
	return addrs, res, true
}

func (p *Prober) handshake(ctx context.Context, target types.ProbeTarget, addrs []string, proxyURL *url.URL) types.ProbeResult {
	p.record(types.EventStageStart, target, types.StageTLS, nil)
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.TLSTimeout)
	defer cancel()

	res := p.handshakeOnce(stageCtx, ctx, target, addrs, proxyURL)
	p.record(types.EventStageDone, target, types.StageTLS, &res)
	return res
}

func (p *Prober) handshakeOnce(ctx, parent context.Context, target types.ProbeTarget, addrs []string, proxyURL *url.URL) types.ProbeResult {
	var (
		conn net.Conn
		err  error
	)
	if proxyURL != nil {
		conn, err = p.dialProxy(ctx, proxyURL, net.JoinHostPort(target.Host, httpsPort))
	} else {
		conn, err = p.dialAny(ctx, addrs)
	}
	if err != nil {
		cause := causeOf(parent, err)
		var perr *proxyError
		switch {
		case cause != types.CauseNone:
		case errors.As(err, &perr):
			cause = perr.cause()
		default:
			cause = types.CauseConnect
		}
		return failure(types.StageTLS, cause, err.Error())
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	tlsConn := tls.Client(conn, certs.ForServer(p.cfg.TLS, target.Host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if certs.IsVerificationError(err) {
			return types.ProbeResult{
				Stage:   types.StageTLS,
				Outcome: types.OutcomeWarn,
				Cause:   types.CauseUntrusted,
				Detail:  certs.Describe(err),
			}
		}
		cause := causeOf(parent, err)
		if cause == types.CauseNone {
			cause = types.CauseConnect
		}
		return failure(types.StageTLS, cause, fmt.Sprintf("tls handshake: %v", err))
	}
	state := tlsConn.ConnectionState()
	return types.ProbeResult{
		Stage:   types.StageTLS,
		Outcome: types.OutcomePass,
		Detail:  tls.VersionName(state.Version),
	}
}

func (p *Prober) dialAny(ctx context.Context, addrs []string) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := p.deps.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, httpsPort))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (p *Prober) health(ctx context.Context, target types.ProbeTarget) types.ProbeResult {
	p.record(types.EventStageStart, target, types.StageHTTP, nil)
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.HTTPTimeout)
	defer cancel()

	res := p.healthOnce(stageCtx, ctx, target)
	p.record(types.EventStageDone, target, types.StageHTTP, &res)
	return res
}

func (p *Prober) healthOnce(ctx, parent context.Context, target types.ProbeTarget) types.ProbeResult {
	endpoint := (&url.URL{Scheme: "https", Host: target.Host, Path: p.cfg.HealthPath}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return failure(types.StageHTTP, types.CauseConnect, err.Error())
	}

	resp, err := p.deps.HTTP.Do(req)
	if err != nil {
		if certs.IsVerificationError(err) {
			return types.ProbeResult{
				Stage:   types.StageHTTP,
				Outcome: types.OutcomeWarn,
				Cause:   types.CauseUntrusted,
				Detail:  certs.Describe(err),
			}
		}
		cause := causeOf(parent, err)
		if cause == types.CauseNone {
			cause = types.CauseConnect
		}
		return failure(types.StageHTTP, cause, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return failure(types.StageHTTP, types.CauseProxyAuth, "proxy rejected credentials")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(types.StageHTTP, types.CauseStatus, fmt.Sprintf("health check returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		cause := causeOf(parent, err)
		if cause == types.CauseNone {
			cause = types.CauseConnect
		}
		return failure(types.StageHTTP, cause, fmt.Sprintf("read health body: %v", err))
	}
	if strings.TrimSpace(string(body)) != healthyBody {
		return types.ProbeResult{
			Stage:   types.StageHTTP,
			Outcome: types.OutcomeWarn,
			Cause:   types.CausePayload,
			Detail:  fmt.Sprintf("status %d with unexpected body", resp.StatusCode),
		}
	}
	return types.ProbeResult{Stage: types.StageHTTP, Outcome: types.OutcomePass}
}

func (p *Prober) record(kind types.EventType, target types.ProbeTarget, stage types.Stage, res *types.ProbeResult) {
	ev := types.Event{
		Type:      kind,
		Timestamp: p.deps.Now().UTC(),
		Target:    target.Host,
		Stage:     stage,
		Labels:    map[string]string{"role": string(target.Role)},
	}
	if res != nil {
		ev.Labels["outcome"] = string(res.Outcome)
		if res.Cause != types.CauseNone {
			ev.Labels["cause"] = string(res.Cause)
		}
	}
	p.deps.Recorder.Record(ev)
}

func failure(stage types.Stage, cause types.Cause, detail string) types.ProbeResult {
	return types.ProbeResult{Stage: stage, Outcome: types.OutcomeFail, Cause: cause, Detail: detail}
}

// causeOf separates run cancellation and step timeouts from other failures.
// parent is the run context; a cancelled parent wins over a stage deadline.
func causeOf(parent context.Context, err error) types.Cause {
	if errors.Is(parent.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return types.CauseCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(parent.Err(), context.DeadlineExceeded) {
		return types.CauseTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.CauseTimeout
	}
	return types.CauseNone
}
