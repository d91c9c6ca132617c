// Package fakeazure serves stand-ins for the ingestion, metadata-service and
// handler health endpoints, for tests that exercise the real clients.
package fakeazure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

const (
	TokenPath  = "/metadata/identity/oauth2/token"
	IngestPath = "/api/logs"
	HealthPath = "/health"
)

type Options struct {
	// IngestStatus is returned for accepted credentials. Defaults to 202.
	IngestStatus int
	// WorkspaceID and SharedKey enable signature verification of SharedKey requests.
	WorkspaceID string
	SharedKey   string
	// Token is issued by the metadata endpoint and expected on Bearer requests.
	Token string
	// TokenError makes the metadata endpoint answer with an error document.
	TokenError string
	// ChallengeRealm turns the metadata endpoint into the challenge variant,
	// answering unauthenticated requests with this realm path.
	ChallengeRealm string
	// ChallengeSecret is the expected Basic credential after the challenge.
	ChallengeSecret string
	// OmitChallengeHeader answers 401 without WWW-Authenticate.
	OmitChallengeHeader bool
	HealthStatus        int
	HealthBody          string
	TLS                 bool
}

// Request is a recorded inbound request.
type Request struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

type Server struct {
	*httptest.Server
	opts Options

	mu       sync.Mutex
	requests []Request
}

func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.IngestStatus == 0 {
		opts.IngestStatus = http.StatusAccepted
	}
	if opts.Token == "" {
		opts.Token = "fake-access-token"
	}
	if opts.HealthStatus == 0 {
		opts.HealthStatus = http.StatusOK
	}
	if opts.HealthBody == "" {
		opts.HealthBody = "Healthy"
	}

	s := &Server{opts: opts}
	r := mux.NewRouter()
	r.Use(s.record)
	r.HandleFunc(IngestPath, s.ingestHandler).Methods(http.MethodPost)
	r.HandleFunc(TokenPath, s.tokenHandler).Methods(http.MethodGet)
	r.HandleFunc(HealthPath, s.healthHandler).Methods(http.MethodGet)

	if opts.TLS {
		s.Server = httptest.NewTLSServer(r)
	} else {
		s.Server = httptest.NewServer(r)
	}
	t.Cleanup(s.Close)
	return s
}

func (s *Server) IngestURL() string { return s.URL + IngestPath + "?api-version=2016-04-01" }

func (s *Server) TokenURL() string { return s.URL + TokenPath }

// Requests returns the recorded requests, optionally filtered by path.
func (s *Server) Requests(path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api-version") == "" {
		http.Error(w, "missing api-version", http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		http.Error(w, "payload must be a JSON array", http.StatusBadRequest)
		return
	}

	authz := r.Header.Get("Authorization")
	switch {
	case authz == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	case strings.HasPrefix(authz, "SharedKey "):
		if s.opts.SharedKey != "" && !s.validSignature(r, authz, len(body)) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	case strings.HasPrefix(authz, "Bearer "):
		if strings.TrimPrefix(authz, "Bearer ") != s.opts.Token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	default:
		http.Error(w, "unsupported authorization", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(s.opts.IngestStatus)
}

func (s *Server) validSignature(r *http.Request, authz string, length int) bool {
	cred := strings.TrimPrefix(authz, "SharedKey ")
	ws, sig, ok := strings.Cut(cred, ":")
	if !ok || ws != s.opts.WorkspaceID {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(s.opts.SharedKey)
	if err != nil {
		return false
	}
	canonical := "POST\n" + strconv.Itoa(length) + "\napplication/json\nx-ms-date:" + r.Header.Get("x-ms-date") + "\n" + IngestPath
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical))
	return sig == base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.ChallengeRealm == "" && r.Header.Get("Metadata") != "true" {
		http.Error(w, "Metadata header required", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("resource") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "resource required"})
		return
	}
	if s.opts.ChallengeRealm != "" {
		authz := r.Header.Get("Authorization")
		if authz == "" {
			if !s.opts.OmitChallengeHeader {
				w.Header().Set("WWW-Authenticate", "Basic realm="+s.opts.ChallengeRealm)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if authz != "Basic "+s.opts.ChallengeSecret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_secret"})
			return
		}
	}
	if s.opts.TokenError != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": s.opts.TokenError, "error_description": "identity not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": s.opts.Token,
		"expires_on":   strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
		"resource":     r.URL.Query().Get("resource"),
		"token_type":   "Bearer",
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(s.opts.HealthStatus)
	fmt.Fprint(w, s.opts.HealthBody)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
