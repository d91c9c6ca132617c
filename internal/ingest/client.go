// Package ingest posts records to the log ingestion endpoint and classifies
// the response.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/internal/certs"
	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	APIVersion     = "2016-04-01"
	ResourcePath   = "/api/logs"
	ContentType    = "application/json"
	DefaultLogType = "IngestCheck"

	headerLogType       = "Log-Type"
	headerDate          = "x-ms-date"
	headerTimeGenerated = "time-generated-field"

	userAgent       = "ingestcheck/1.0"
	maxResponseBody = 1 << 10
)

// Authorizer adds credentials to an ingestion request. body is the exact
// payload that will be sent.
type Authorizer interface {
	Authorize(req *http.Request, body []byte) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(req *http.Request, body []byte) error

func (f AuthorizerFunc) Authorize(req *http.Request, body []byte) error { return f(req, body) }

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	LogType string
	Timeout time.Duration
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient Doer
	Now        func() time.Time
	Logger     zerolog.Logger
	Recorder   events.Recorder
}

type Client struct {
	httpClient Doer
	logType    string
	timeout    time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	recorder   events.Recorder
}

func NewClient(cfg Config, deps Dependencies) *Client {
	c := &Client{
		httpClient: deps.HTTPClient,
		logType:    cfg.LogType,
		timeout:    cfg.Timeout,
		now:        deps.Now,
		logger:     deps.Logger,
		recorder:   deps.Recorder,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logType == "" {
		c.logType = DefaultLogType
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.recorder == nil {
		c.recorder = events.NoopRecorder{}
	}
	return c
}

// Now returns the client clock, shared with signers that need the request date.
func (c *Client) Now() time.Time { return c.now() }

// URL returns the ingestion URL for a workspace in the given cloud.
func URL(workspaceID string, sfx types.CloudSuffix) string {
	return "https://" + workspaceID + ".ods.opinsights.azure" + string(sfx) + ResourcePath + "?api-version=" + APIVersion
}

// Send posts body once and classifies the outcome. A nil auth sends the
// request without credentials. There are no retries.
func (c *Client) Send(ctx context.Context, method types.AuthMethod, endpoint string, body []byte, auth Authorizer) types.AuthOutcome {
	out := types.AuthOutcome{Method: method, Target: endpoint}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		out.Classification = types.ClassUnexpected
		out.Reason = "invalid_endpoint"
		out.Detail = err.Error()
		return out
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerLogType, c.logType)
	req.Header.Set(headerDate, c.now().UTC().Format(http.TimeFormat))
	req.Header.Set(headerTimeGenerated, "TimeGenerated")

	if auth != nil {
		if err := auth.Authorize(req, body); err != nil {
			var aerr *AuthorizationError
			out.Classification = types.ClassAuthenticationFailed
			out.Reason = "authorization_unavailable"
			if errors.As(err, &aerr) {
				out.Reason = aerr.Reason
			}
			out.Detail = err.Error()
			return out
		}
	}

	c.recorder.Record(types.Event{
		Type:      types.EventIngestPost,
		Timestamp: c.now().UTC(),
		Target:    req.URL.Host,
		Labels:    map[string]string{"method": string(method)},
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		out.Classification = types.ClassUnreachable
		out.Cause = transportCause(ctx, err)
		out.Reason = string(out.Cause)
		out.Detail = err.Error()
		c.logger.Info().Str("target", req.URL.Host).Str("method", string(method)).Err(err).Msg("ingestion endpoint unreachable")
		return out
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	out.HTTPStatus = resp.StatusCode
	out.Classification, out.Reason = Classify(resp.StatusCode, method)
	if out.Classification != types.ClassReachable {
		out.Detail = strings.TrimSpace(string(snippet))
		if out.Detail == "" {
			out.Detail = resp.Status
		}
	}
	c.logger.Info().
		Str("target", req.URL.Host).
		Str("method", string(method)).
		Int("status", resp.StatusCode).
		Str("classification", string(out.Classification)).
		Msg("ingestion attempt finished")
	return out
}

// Classify maps an ingestion response status to a classification and a
// reason label. Anonymous 401/403 mean the endpoint is reachable and
// demanding credentials, which is the expected answer.
func Classify(status int, method types.AuthMethod) (types.Classification, string) {
	bearer := method == types.MethodManagedIdentityToken
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return types.ClassReachable, "accepted"
	case http.StatusBadRequest:
		return types.ClassRejected, "malformed_payload"
	case http.StatusUnauthorized:
		switch {
		case method == types.MethodAnonymous:
			return types.ClassAuthRequiredAsExpected, "auth_required"
		case bearer:
			return types.ClassAuthenticationFailed, "token_invalid"
		default:
			return types.ClassAuthenticationFailed, "unauthorized"
		}
	case http.StatusForbidden:
		switch {
		case method == types.MethodAnonymous:
			return types.ClassAuthRequiredAsExpected, "auth_required"
		case bearer:
			return types.ClassAuthenticationFailed, "identity_lacks_permission"
		default:
			return types.ClassAuthenticationFailed, "forbidden"
		}
	case http.StatusRequestEntityTooLarge:
		return types.ClassRejected, "payload_too_large"
	case http.StatusTooManyRequests:
		return types.ClassRejected, "throttled"
	case http.StatusInternalServerError:
		return types.ClassRejected, "server_error"
	default:
		return types.ClassUnexpected, "status_" + strconv.Itoa(status)
	}
}

// AuthorizationError is returned by authorizers that could not produce
// credentials. Reason becomes the outcome reason.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

func transportCause(ctx context.Context, err error) types.Cause {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return types.CauseCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.CauseTimeout
	case certs.IsVerificationError(err):
		return types.CauseUntrusted
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.CauseTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.CauseDNS
	}
	return types.CauseConnect
}
