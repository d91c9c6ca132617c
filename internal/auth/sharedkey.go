package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pingsantohq/ingestcheck/internal/ingest"
)

// ReasonInvalidKey marks a shared key that is not valid base64.
const ReasonInvalidKey = "invalid_key"

// StringToSign builds the canonical string for a shared-key POST of
// contentLength bytes sent at date (RFC1123, GMT).
func StringToSign(contentLength int, date string) string {
	return http.MethodPost + "\n" +
		strconv.Itoa(contentLength) + "\n" +
		ingest.ContentType + "\n" +
		"x-ms-date:" + date + "\n" +
		ingest.ResourcePath
}

// Sign returns the Authorization header value for a shared-key request.
// key is the base64-encoded workspace key.
func Sign(workspaceID, key string, contentLength int, date string) (string, error) {
	decoded, err := decodeKey(key)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(StringToSign(contentLength, date)))
	return "SharedKey " + workspaceID + ":" + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeKey(key string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) == 0 {
		if err == nil {
			err = fmt.Errorf("empty key")
		}
		return nil, &ingest.AuthorizationError{Reason: ReasonInvalidKey, Err: fmt.Errorf("decode shared key: %w", err)}
	}
	return decoded, nil
}

// SharedKeyAuthorizer signs requests with a workspace key.
type SharedKeyAuthorizer struct {
	WorkspaceID string
	Key         string
}

func (a SharedKeyAuthorizer) Authorize(req *http.Request, body []byte) error {
	header, err := Sign(a.WorkspaceID, a.Key, len(body), req.Header.Get("x-ms-date"))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

// BearerAuthorizer attaches an access token.
type BearerAuthorizer struct {
	Token string
}

func (a BearerAuthorizer) Authorize(req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}
