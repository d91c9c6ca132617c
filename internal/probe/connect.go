package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pingsantohq/ingestcheck/internal/certs"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

type proxyError struct {
	status int
	msg    string
}

func (e *proxyError) Error() string { return e.msg }

func (e *proxyError) cause() types.Cause {
	if e.status == http.StatusProxyAuthRequired {
		return types.CauseProxyAuth
	}
	return types.CauseProxy
}

// dialProxy opens a tunnel to address through an HTTP proxy using CONNECT.
// An https proxy is reached over TLS before the CONNECT is sent.
func (p *Prober) dialProxy(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		port := "80"
		if proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), port)
	}

	conn, err := p.deps.Dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, certs.ForServer(p.cfg.TLS, proxyURL.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("proxy TLS handshake: %w", ctx.Err())
			}
			return nil, &proxyError{msg: fmt.Sprintf("TLS handshake with proxy %s failed: %v", proxyAddr, err)}
		}
		conn = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read CONNECT response: %w", ctx.Err())
		}
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, &proxyError{
			status: resp.StatusCode,
			msg:    fmt.Sprintf("proxy %s refused tunnel to %s: %s", proxyAddr, address, resp.Status),
		}
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
