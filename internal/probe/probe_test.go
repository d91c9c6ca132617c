package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/internal/proxy"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const testHost = "example.com"

type fakeResolver struct {
	addrs map[string][]string
	err   error
	block bool
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	addrs, ok := f.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// redirectDialer sends every dial to target unless the address is listed in passthrough.
type redirectDialer struct {
	target      string
	passthrough map[string]bool
	err         error

	mu    sync.Mutex
	dials []string
}

func (d *redirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var nd net.Dialer
	if d.passthrough[address] {
		return nd.DialContext(ctx, network, address)
	}
	return nd.DialContext(ctx, network, d.target)
}

func healthServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultHealthPath {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func trustingTLS(srv *httptest.Server) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

func newTestProber(srv *httptest.Server, cfg Config, rec events.Recorder) (*Prober, *redirectDialer) {
	dialer := &redirectDialer{target: srv.Listener.Addr().String()}
	if cfg.TLS == nil {
		cfg.TLS = trustingTLS(srv)
	}
	return New(cfg, Dependencies{
		Resolver: fakeResolver{addrs: map[string][]string{testHost: {"192.0.2.10"}}},
		Dialer:   dialer,
		Recorder: rec,
	}), dialer
}

func stages(evs []types.Event, kind types.EventType) []types.Stage {
	var out []types.Stage
	for _, ev := range evs {
		if ev.Type == kind {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func TestProbeHealthyHandler(t *testing.T) {
	srv := healthServer(t, http.StatusOK, "Healthy\n")
	rec := &events.Memory{}
	p, dialer := newTestProber(srv, Config{}, rec)

	target := types.ProbeTarget{Host: testHost, Role: types.RoleGlobalHandler}
	res := p.Probe(context.Background(), target)

	assert.Equal(t, types.StageHTTP, res.Stage)
	assert.Equal(t, types.OutcomePass, res.Outcome)
	assert.Equal(t, target, res.Target)
	assert.Equal(t, []string{"192.0.2.10"}, res.Addresses)
	assert.Equal(t, []types.Stage{types.StageDNS, types.StageTLS, types.StageHTTP}, stages(rec.Events(), types.EventStageStart))
	assert.Contains(t, dialer.dials, "192.0.2.10:443")
}

func TestProbeIngestionRoleStopsAfterTLS(t *testing.T) {
	srv := healthServer(t, http.StatusOK, "Healthy")
	rec := &events.Memory{}
	p, _ := newTestProber(srv, Config{}, rec)

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleLogAnalytics})

	assert.Equal(t, types.StageTLS, res.Stage)
	assert.Equal(t, types.OutcomePass, res.Outcome)
	assert.NotContains(t, stages(rec.Events(), types.EventStageStart), types.StageHTTP)
}

func TestProbeDNSFailureShortCircuits(t *testing.T) {
	srv := healthServer(t, http.StatusOK, "Healthy")
	rec := &events.Memory{}
	p, dialer := newTestProber(srv, Config{}, rec)

	res := p.Probe(context.Background(), types.ProbeTarget{Host: "missing.example.com", Role: types.RoleRegionalHandler})

	assert.Equal(t, types.StageDNS, res.Stage)
	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, types.CauseDNS, res.Cause)
	assert.Equal(t, []types.Stage{types.StageDNS}, stages(rec.Events(), types.EventStageStart))
	assert.Empty(t, dialer.dials)
}

func TestProbeDNSTimeout(t *testing.T) {
	p := New(Config{DNSTimeout: 20 * time.Millisecond}, Dependencies{Resolver: fakeResolver{block: true}})

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleMetrics})

	assert.Equal(t, types.StageDNS, res.Stage)
	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, types.CauseTimeout, res.Cause)
}

func TestProbeCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Config{}, Dependencies{Resolver: fakeResolver{addrs: map[string][]string{testHost: {"192.0.2.1"}}}})

	res := p.Probe(ctx, types.ProbeTarget{Host: testHost, Role: types.RoleManagement})

	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, types.CauseCancelled, res.Cause)
}

func TestProbeConnectFailure(t *testing.T) {
	srv := healthServer(t, http.StatusOK, "Healthy")
	p, dialer := newTestProber(srv, Config{}, nil)
	dialer.err = errors.New("connection refused")

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleLogAnalytics})

	assert.Equal(t, types.StageTLS, res.Stage)
	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, types.CauseConnect, res.Cause)
}

func TestProbeUntrustedCertificateWarns(t *testing.T) {
	srv := healthServer(t, http.StatusOK, "Healthy")
	rec := &events.Memory{}
	p, _ := newTestProber(srv, Config{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}, rec)

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleGlobalHandler})

	assert.Equal(t, types.StageTLS, res.Stage)
	assert.Equal(t, types.OutcomeWarn, res.Outcome)
	assert.Equal(t, types.CauseUntrusted, res.Cause)
	assert.NotContains(t, stages(rec.Events(), types.EventStageStart), types.StageHTTP)
}

func TestProbeHealthResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome types.Outcome
		cause   types.Cause
	}{
		{name: "unexpected body", status: http.StatusOK, body: "Degraded", outcome: types.OutcomeWarn, cause: types.CausePayload},
		{name: "accepted without body", status: http.StatusNoContent, outcome: types.OutcomeWarn, cause: types.CausePayload},
		{name: "server error", status: http.StatusServiceUnavailable, body: "Healthy", outcome: types.OutcomeFail, cause: types.CauseStatus},
		{name: "not found", status: http.StatusNotFound, outcome: types.OutcomeFail, cause: types.CauseStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := healthServer(t, tt.status, tt.body)
			p, _ := newTestProber(srv, Config{}, nil)

			res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleManagement})

			assert.Equal(t, types.StageHTTP, res.Stage)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.cause, res.Cause)
		})
	}
}

func TestProbeAuthenticatedProxySkipsTLS(t *testing.T) {
	srv := healthServer(t, http.StatusOK, "Healthy")
	rec := &events.Memory{}
	cfg := Config{Proxy: proxy.Config{Address: "http://proxy.internal:3128", Username: "user", Password: "secret"}}
	p, dialer := newTestProber(srv, cfg, rec)

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleMetrics})

	assert.Equal(t, types.StageDNS, res.Stage)
	assert.Equal(t, types.OutcomeWarn, res.Outcome)
	assert.Equal(t, types.CauseProxyAuth, res.Cause)
	assert.Equal(t, []types.Stage{types.StageDNS}, stages(rec.Events(), types.EventStageStart))
	assert.Empty(t, dialer.dials)
}

// connectProxy tunnels CONNECT requests to backend, or answers with status when set.
func connectProxy(t *testing.T, backend string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(connectHandler(backend, status))
	t.Cleanup(srv.Close)
	return srv
}

// tlsConnectProxy is connectProxy behind TLS, as an https:// proxy.
func tlsConnectProxy(t *testing.T, backend string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(connectHandler(backend, status))
	t.Cleanup(srv.Close)
	return srv
}

func connectHandler(backend string, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "CONNECT only", http.StatusMethodNotAllowed)
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		upstream, err := net.Dial("tcp", backend)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			upstream.Close()
			http.Error(w, "hijack unsupported", http.StatusInternalServerError)
			return
		}
		client, buf, err := hj.Hijack()
		if err != nil {
			upstream.Close()
			return
		}
		_, _ = fmt.Fprint(client, "HTTP/1.1 200 Connection Established\r\n\r\n")
		go func() {
			if buf.Reader.Buffered() > 0 {
				_, _ = io.CopyN(upstream, buf, int64(buf.Reader.Buffered()))
			}
			_, _ = io.Copy(upstream, client)
			upstream.Close()
		}()
		go func() {
			_, _ = io.Copy(client, upstream)
			client.Close()
		}()
	})
}

func TestProbeThroughConnectProxy(t *testing.T) {
	backend := healthServer(t, http.StatusOK, "Healthy")
	proxySrv := connectProxy(t, backend.Listener.Addr().String(), 0)
	proxyAddr := proxySrv.Listener.Addr().String()

	dialer := &redirectDialer{target: backend.Listener.Addr().String(), passthrough: map[string]bool{proxyAddr: true}}
	p := New(Config{
		Proxy: proxy.Config{Address: proxySrv.URL},
		TLS:   trustingTLS(backend),
	}, Dependencies{
		Resolver: fakeResolver{addrs: map[string][]string{testHost: {"192.0.2.10"}}},
		Dialer:   dialer,
	})

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleLogAnalytics})

	require.Equal(t, types.OutcomePass, res.Outcome, res.Detail)
	assert.Equal(t, types.StageTLS, res.Stage)
	assert.Equal(t, []string{proxyAddr}, dialer.dials)
}

func TestProbeProxyRefusesTunnel(t *testing.T) {
	backend := healthServer(t, http.StatusOK, "Healthy")
	proxySrv := connectProxy(t, backend.Listener.Addr().String(), http.StatusProxyAuthRequired)
	proxyAddr := proxySrv.Listener.Addr().String()

	p := New(Config{Proxy: proxy.Config{Address: proxySrv.URL}}, Dependencies{
		Resolver: fakeResolver{addrs: map[string][]string{testHost: {"192.0.2.10"}}},
		Dialer:   &redirectDialer{passthrough: map[string]bool{proxyAddr: true}},
	})

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleLogAnalytics})

	assert.Equal(t, types.StageTLS, res.Stage)
	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, types.CauseProxyAuth, res.Cause)
}

func TestProbeThroughTLSProxy(t *testing.T) {
	backend := healthServer(t, http.StatusOK, "Healthy")
	proxySrv := tlsConnectProxy(t, backend.Listener.Addr().String(), 0)
	proxyAddr := proxySrv.Listener.Addr().String()
	require.True(t, strings.HasPrefix(proxySrv.URL, "https://"))

	dialer := &redirectDialer{target: backend.Listener.Addr().String(), passthrough: map[string]bool{proxyAddr: true}}
	// httptest servers share one certificate, so these roots trust the proxy too.
	p := New(Config{
		Proxy: proxy.Config{Address: proxySrv.URL},
		TLS:   trustingTLS(backend),
	}, Dependencies{
		Resolver: fakeResolver{addrs: map[string][]string{testHost: {"192.0.2.10"}}},
		Dialer:   dialer,
	})

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleLogAnalytics})

	require.Equal(t, types.OutcomePass, res.Outcome, res.Detail)
	assert.Equal(t, []string{proxyAddr}, dialer.dials)
}

func TestProbeTLSProxyUntrusted(t *testing.T) {
	backend := healthServer(t, http.StatusOK, "Healthy")
	proxySrv := tlsConnectProxy(t, backend.Listener.Addr().String(), 0)
	proxyAddr := proxySrv.Listener.Addr().String()

	p := New(Config{
		Proxy: proxy.Config{Address: proxySrv.URL},
		TLS:   &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: x509.NewCertPool()},
	}, Dependencies{
		Resolver: fakeResolver{addrs: map[string][]string{testHost: {"192.0.2.10"}}},
		Dialer:   &redirectDialer{passthrough: map[string]bool{proxyAddr: true}},
	})

	res := p.Probe(context.Background(), types.ProbeTarget{Host: testHost, Role: types.RoleLogAnalytics})

	assert.Equal(t, types.StageTLS, res.Stage)
	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Equal(t, types.CauseProxy, res.Cause)
	assert.Contains(t, res.Detail, "TLS handshake with proxy")
}
