package certs

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeAgainstSelfSignedIsVerificationError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	cfg, err := ClientTLSConfig("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialer := &tls.Dialer{Config: ForServer(cfg, "example.com")}
	conn, err := dialer.DialContext(ctx, "tcp", server.Listener.Addr().String())
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	assert.True(t, IsVerificationError(err))
	assert.Contains(t, Describe(err), "not trusted")
}

func TestCustomBundleTrustsServer(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pemEncode(server.Certificate().Raw), 0o600))

	cfg, err := ClientTLSConfig(path)
	require.NoError(t, err)

	// httptest certificates are issued for example.com and 127.0.0.1.
	dialer := &tls.Dialer{Config: ForServer(cfg, "example.com")}
	conn, err := dialer.DialContext(context.Background(), "tcp", server.Listener.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestInvalidBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not pem"), 0o600))
	_, err := ClientTLSConfig(path)
	assert.Error(t, err)

	_, err = ClientTLSConfig(filepath.Join(t.TempDir(), "absent.pem"))
	assert.Error(t, err)
}

func TestIsVerificationErrorIgnoresNetworkErrors(t *testing.T) {
	assert.False(t, IsVerificationError(nil))
	assert.False(t, IsVerificationError(errors.New("boom")))
	assert.False(t, IsVerificationError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
}

func pemEncode(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
