package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

func fixedNow() time.Time {
	return time.Date(2024, 3, 5, 7, 8, 9, 123456789, time.UTC)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		method types.AuthMethod
		class  types.Classification
		reason string
	}{
		{200, types.MethodSharedKey, types.ClassReachable, "accepted"},
		{202, types.MethodManagedIdentityToken, types.ClassReachable, "accepted"},
		{400, types.MethodSharedKey, types.ClassRejected, "malformed_payload"},
		{401, types.MethodAnonymous, types.ClassAuthRequiredAsExpected, "auth_required"},
		{403, types.MethodAnonymous, types.ClassAuthRequiredAsExpected, "auth_required"},
		{401, types.MethodSharedKey, types.ClassAuthenticationFailed, "unauthorized"},
		{403, types.MethodSharedKey, types.ClassAuthenticationFailed, "forbidden"},
		{401, types.MethodManagedIdentityToken, types.ClassAuthenticationFailed, "token_invalid"},
		{403, types.MethodManagedIdentityToken, types.ClassAuthenticationFailed, "identity_lacks_permission"},
		{413, types.MethodSharedKey, types.ClassRejected, "payload_too_large"},
		{429, types.MethodSharedKey, types.ClassRejected, "throttled"},
		{500, types.MethodSharedKey, types.ClassRejected, "server_error"},
		{503, types.MethodSharedKey, types.ClassUnexpected, "status_503"},
		{302, types.MethodAnonymous, types.ClassUnexpected, "status_302"},
	}
	for _, tt := range tests {
		class, reason := Classify(tt.status, tt.method)
		assert.Equal(t, tt.class, class, "status %d method %s", tt.status, tt.method)
		assert.Equal(t, tt.reason, reason, "status %d method %s", tt.status, tt.method)
	}
}

func TestSendAccepted(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, ResourcePath, r.URL.Path)
		assert.Equal(t, APIVersion, r.URL.Query().Get("api-version"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := &events.Memory{}
	c := NewClient(Config{LogType: "Probe"}, Dependencies{Now: fixedNow, Recorder: rec})
	auth := AuthorizerFunc(func(req *http.Request, b []byte) error {
		req.Header.Set("Authorization", "SharedKey ws:sig")
		return nil
	})
	payload := []byte(`[{"a":1}]`)
	out := c.Send(context.Background(), types.MethodSharedKey, srv.URL+ResourcePath+"?api-version="+APIVersion, payload, auth)

	assert.Equal(t, types.ClassReachable, out.Classification)
	assert.Equal(t, http.StatusAccepted, out.HTTPStatus)
	assert.Equal(t, "SharedKey ws:sig", got.Get("Authorization"))
	assert.Equal(t, "Probe", got.Get("Log-Type"))
	assert.Equal(t, "Tue, 05 Mar 2024 07:08:09 GMT", got.Get("x-ms-date"))
	assert.Equal(t, "TimeGenerated", got.Get("time-generated-field"))
	assert.Equal(t, ContentType, got.Get("Content-Type"))
	assert.Equal(t, payload, body)
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, types.EventIngestPost, rec.Events()[0].Type)
}

func TestSendAnonymousUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		http.Error(w, "missing credentials", http.StatusForbidden)
	}))
	defer srv.Close()

	out := NewClient(Config{}, Dependencies{}).Send(context.Background(), types.MethodAnonymous, srv.URL, []byte("[]"), nil)

	assert.Equal(t, types.ClassAuthRequiredAsExpected, out.Classification)
	assert.Equal(t, http.StatusForbidden, out.HTTPStatus)
	assert.Equal(t, "missing credentials", out.Detail)
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	out := NewClient(Config{}, Dependencies{}).Send(context.Background(), types.MethodSharedKey, endpoint, []byte("[]"), nil)

	assert.Equal(t, types.ClassUnreachable, out.Classification)
	assert.Zero(t, out.HTTPStatus)
	assert.Equal(t, types.CauseConnect, out.Cause)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	out := NewClient(Config{Timeout: 20 * time.Millisecond}, Dependencies{}).
		Send(context.Background(), types.MethodSharedKey, srv.URL, []byte("[]"), nil)

	assert.Equal(t, types.ClassUnreachable, out.Classification)
	assert.Equal(t, types.CauseTimeout, out.Cause)
}

func TestSendAuthorizerFailureSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	auth := AuthorizerFunc(func(*http.Request, []byte) error {
		return &AuthorizationError{Reason: "invalid_key"}
	})
	out := NewClient(Config{}, Dependencies{}).Send(context.Background(), types.MethodSharedKey, srv.URL, []byte("[]"), auth)

	assert.Equal(t, types.ClassAuthenticationFailed, out.Classification)
	assert.Equal(t, "invalid_key", out.Reason)
	assert.Zero(t, hits.Load())
}

func TestPayload(t *testing.T) {
	data, err := Payload(fixedNow(), "vm-01", map[string]any{"Message": "hello", "Computer": "spoofed"})
	require.NoError(t, err)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "2024-03-05T07:08:09.123Z", records[0]["TimeGenerated"])
	assert.Equal(t, "vm-01", records[0]["Computer"])
	assert.Equal(t, "hello", records[0]["Message"])
}

func TestURL(t *testing.T) {
	assert.Equal(t,
		"https://ws1.ods.opinsights.azure.us/api/logs?api-version=2016-04-01",
		URL("ws1", types.CloudGovernment))
}
