// Package identity acquires managed-identity access tokens from the local
// metadata service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	DirectAPIVersion    = "2018-02-01"
	ChallengeAPIVersion = "2019-11-01"

	// MaxKeyFileSize bounds the challenge key file.
	MaxKeyFileSize = 4 << 10
	KeyExtension   = ".key"

	maxTokenResponse = 64 << 10
	realmPrefix      = "basic realm="
)

// Selectors for a user-assigned identity.
const (
	SelectorClientID   = "client_id"
	SelectorResourceID = "mi_res_id"
	SelectorObjectID   = "object_id"
)

// Failure reasons carried by AuthenticationError.
const (
	ReasonTokenUnavailable = "token_unavailable"
	ReasonChallengeMissing = "challenge_missing"
	ReasonPathRejected     = "challenge_path_rejected"
	ReasonKeyUnreadable    = "challenge_key_unreadable"
	ReasonSecretRejected   = "challenge_secret_rejected"
)

// AuthenticationError means the metadata service answered but no token was
// issued.
type AuthenticationError struct {
	Reason string
	Status int
	Err    error
}

func (e *AuthenticationError) Error() string {
	msg := "token acquisition failed: " + e.Reason
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UnreachableError means the metadata service could not be reached.
type UnreachableError struct {
	Cause types.Cause
	Err   error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("metadata service unreachable (%s): %v", e.Cause, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// FileReader is the filesystem view used to read challenge key files.
type FileReader interface {
	Lstat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
}

type osFiles struct{}

func (osFiles) Lstat(name string) (fs.FileInfo, error) { return os.Lstat(name) }
func (osFiles) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	IMDSEndpoint string
	ArcEndpoint  string
	ArcMarker    string
	// TokenDir is the only directory challenge key files may live in.
	TokenDir string
	// Variant forces a variant instead of detecting it.
	Variant       Variant
	Selector      string
	SelectorValue string
	Timeout       time.Duration
}

type Dependencies struct {
	HTTPClient Doer
	Files      FileReader
	Getenv     func(string) string
	Stat       func(string) (os.FileInfo, error)
	Recorder   events.Recorder
	Logger     zerolog.Logger
}

type Token struct {
	AccessToken string
	TokenType   string
	Resource    string
	ExpiresOn   time.Time
}

type Client struct {
	cfg  Config
	env  Environment
	deps Dependencies
}

// NewClient builds a client; the variant is decided here, once.
func NewClient(cfg Config, deps Dependencies) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if deps.HTTPClient == nil {
		// Metadata endpoints are link-local and must never go through a proxy.
		deps.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: nil}}
	}
	if deps.Files == nil {
		deps.Files = osFiles{}
	}
	if deps.Recorder == nil {
		deps.Recorder = events.NoopRecorder{}
	}
	return &Client{
		cfg:  cfg,
		env:  DetectEnvironment(cfg, deps.Getenv, deps.Stat),
		deps: deps,
	}
}

func (c *Client) Environment() Environment { return c.env }

// Token requests an access token for resource.
func (c *Client) Token(ctx context.Context, resource string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.env.Variant == VariantChallenge {
		return c.challengeToken(ctx, resource)
	}
	resp, err := c.get(ctx, resource, DirectAPIVersion, "")
	if err != nil {
		return Token{}, err
	}
	return c.decode(resp)
}

func (c *Client) challengeToken(ctx context.Context, resource string) (Token, error) {
	resp, err := c.get(ctx, resource, ChallengeAPIVersion, "")
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return c.decode(resp)
	}
	header := resp.Header.Get("WWW-Authenticate")
	drain(resp)

	keyPath, ok := parseRealm(header)
	if !ok {
		return Token{}, &AuthenticationError{Reason: ReasonChallengeMissing, Status: resp.StatusCode}
	}
	secret, err := c.readKey(keyPath)
	if err != nil {
		return Token{}, err
	}
	c.deps.Logger.Debug().Str("realm", filepath.Base(keyPath)).Msg("answering metadata challenge")

	resp, err = c.get(ctx, resource, ChallengeAPIVersion, "Basic "+secret)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return Token{}, &AuthenticationError{Reason: ReasonSecretRejected, Status: resp.StatusCode}
	}
	return c.decode(resp)
}

func (c *Client) get(ctx context.Context, resource, apiVersion, authorization string) (*http.Response, error) {
	u, err := url.Parse(c.env.Endpoint)
	if err != nil || u.Host == "" {
		return nil, &UnreachableError{Cause: types.CauseConnect, Err: fmt.Errorf("invalid metadata endpoint %q", c.env.Endpoint)}
	}
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("resource", resource)
	if c.cfg.Selector != "" && c.cfg.SelectorValue != "" {
		q.Set(c.cfg.Selector, c.cfg.SelectorValue)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &UnreachableError{Cause: types.CauseConnect, Err: err}
	}
	req.Header.Set("Metadata", "true")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	step := "request"
	if authorization != "" {
		step = "challenge_response"
	}
	c.deps.Recorder.Record(types.Event{
		Type:      types.EventTokenFetch,
		Timestamp: time.Now().UTC(),
		Target:    u.Host,
		Labels:    map[string]string{"variant": string(c.env.Variant), "step": step},
	})

	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{Cause: transportCause(ctx, err), Err: err}
	}
	return resp, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Resource         string `json:"resource"`
	ExpiresOn        string `json:"expires_on"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) decode(resp *http.Response) (Token, error) {
	defer drain(resp)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return Token{}, &UnreachableError{Cause: types.CauseConnect, Err: fmt.Errorf("read token response: %w", err)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, &AuthenticationError{
			Reason: ReasonTokenUnavailable,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("decode token response: %w", err),
		}
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		var cause error
		if tr.Error != "" {
			cause = errors.New(strings.TrimSpace(tr.Error + ": " + tr.ErrorDescription))
		}
		return Token{}, &AuthenticationError{Reason: ReasonTokenUnavailable, Status: resp.StatusCode, Err: cause}
	}

	tok := Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType, Resource: tr.Resource}
	if secs, err := strconv.ParseInt(tr.ExpiresOn, 10, 64); err == nil {
		tok.ExpiresOn = time.Unix(secs, 0).UTC()
	}
	return tok, nil
}

// readKey loads the challenge secret after checking that path is a regular
// .key file directly inside the token directory and within the size bound.
func (c *Client) readKey(path string) (string, error) {
	if err := ValidateKeyPath(c.cfg.TokenDir, path); err != nil {
		return "", &AuthenticationError{Reason: ReasonPathRejected, Err: err}
	}
	info, err := c.deps.Files.Lstat(path)
	if err != nil {
		return "", &AuthenticationError{Reason: ReasonKeyUnreadable, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &AuthenticationError{Reason: ReasonPathRejected, Err: fmt.Errorf("%s is not a regular file", path)}
	}
	if info.Size() > MaxKeyFileSize {
		return "", &AuthenticationError{Reason: ReasonPathRejected, Err: fmt.Errorf("%s exceeds %d bytes", path, MaxKeyFileSize)}
	}
	data, err := c.deps.Files.ReadFile(path)
	if err != nil {
		return "", &AuthenticationError{Reason: ReasonKeyUnreadable, Err: err}
	}
	return strings.TrimSpace(string(data)), nil
}

// ValidateKeyPath checks the lexical shape of a challenge key path.
func ValidateKeyPath(dir, path string) error {
	if dir == "" {
		return errors.New("no token directory configured")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("key path %q is not absolute", path)
	}
	clean := filepath.Clean(path)
	if clean != path {
		return fmt.Errorf("key path %q is not canonical", path)
	}
	if filepath.Dir(clean) != filepath.Clean(dir) {
		return fmt.Errorf("key path %q is outside %s", path, dir)
	}
	if filepath.Ext(clean) != KeyExtension {
		return fmt.Errorf("key path %q lacks %s extension", path, KeyExtension)
	}
	return nil
}

func parseRealm(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(realmPrefix) || !strings.EqualFold(header[:len(realmPrefix)], realmPrefix) {
		return "", false
	}
	realm := strings.Trim(strings.TrimSpace(header[len(realmPrefix):]), `"`)
	return realm, realm != ""
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func transportCause(ctx context.Context, err error) types.Cause {
	if errors.Is(err, context.Canceled) {
		return types.CauseCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.CauseTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.CauseTimeout
	}
	return types.CauseConnect
}
