// Package auth validates end-to-end ingestion with shared-key or managed
// identity credentials.
package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/internal/endpoint"
	"github.com/pingsantohq/ingestcheck/internal/identity"
	"github.com/pingsantohq/ingestcheck/internal/ingest"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// Credentials for one attempt. SharedKey is base64. Resource defaults to
// the monitor resource of Cloud.
type Credentials struct {
	WorkspaceID string
	SharedKey   string
	Resource    string
	Cloud       types.CloudSuffix
}

// TokenSource issues managed-identity tokens.
type TokenSource interface {
	Token(ctx context.Context, resource string) (identity.Token, error)
}

type Dependencies struct {
	Ingest   *ingest.Client
	Identity TokenSource
	Logger   zerolog.Logger
}

type Validator struct {
	ingest   *ingest.Client
	identity TokenSource
	logger   zerolog.Logger
}

func NewValidator(deps Dependencies) *Validator {
	if deps.Ingest == nil {
		deps.Ingest = ingest.NewClient(ingest.Config{}, ingest.Dependencies{Logger: deps.Logger})
	}
	if deps.Identity == nil {
		deps.Identity = identity.NewClient(identity.Config{}, identity.Dependencies{Logger: deps.Logger})
	}
	return &Validator{ingest: deps.Ingest, identity: deps.Identity, logger: deps.Logger}
}

// Authenticate performs one ingestion attempt with the chosen method and
// classifies it. An empty target is derived from the workspace and cloud.
func (v *Validator) Authenticate(ctx context.Context, method types.AuthMethod, creds Credentials, target string, payload []byte) types.AuthOutcome {
	if creds.Cloud == "" {
		creds.Cloud = types.CloudPublic
	}
	if target == "" && creds.WorkspaceID != "" {
		target = ingest.URL(creds.WorkspaceID, creds.Cloud)
	}
	out := types.AuthOutcome{Method: method, Target: target}
	if target == "" {
		out.Classification = types.ClassUnexpected
		out.Reason = "no_target"
		out.Detail = "no ingestion target or workspace id"
		return out
	}

	switch method {
	case types.MethodSharedKey:
		if _, err := decodeKey(creds.SharedKey); err != nil {
			out.Classification = types.ClassAuthenticationFailed
			out.Reason = ReasonInvalidKey
			out.Detail = err.Error()
			return out
		}
		return v.ingest.Send(ctx, method, target, payload, SharedKeyAuthorizer{WorkspaceID: creds.WorkspaceID, Key: creds.SharedKey})

	case types.MethodManagedIdentityToken:
		resource := creds.Resource
		if resource == "" {
			resource = endpoint.TokenResource(creds.Cloud)
		}
		tok, err := v.identity.Token(ctx, resource)
		if err != nil {
			return tokenFailure(out, err)
		}
		return v.ingest.Send(ctx, method, target, payload, BearerAuthorizer{Token: tok.AccessToken})

	case types.MethodAnonymous:
		return v.ingest.Send(ctx, method, target, payload, nil)

	default:
		out.Classification = types.ClassUnexpected
		out.Reason = "unsupported_method"
		out.Detail = "unsupported authentication method " + string(method)
		return out
	}
}

func tokenFailure(out types.AuthOutcome, err error) types.AuthOutcome {
	var (
		aerr *identity.AuthenticationError
		uerr *identity.UnreachableError
	)
	switch {
	case errors.As(err, &aerr):
		out.Classification = types.ClassAuthenticationFailed
		out.Reason = aerr.Reason
	case errors.As(err, &uerr):
		out.Classification = types.ClassUnreachable
		out.Reason = "metadata_unreachable"
		out.Cause = uerr.Cause
	default:
		out.Classification = types.ClassAuthenticationFailed
		out.Reason = identity.ReasonTokenUnavailable
	}
	out.Detail = err.Error()
	return out
}
