package identity

import (
	"os"
)

// Variant selects how a token is requested from the metadata service.
type Variant string

const (
	// VariantDirect asks the instance metadata service directly.
	VariantDirect Variant = "imds"
	// VariantChallenge is the Arc flow: an unauthenticated request is
	// answered with a realm naming a local key file whose contents
	// authenticate the retry.
	VariantChallenge Variant = "arc"
)

const (
	EnvIdentityEndpoint = "IDENTITY_ENDPOINT"
	EnvIMDSEndpoint     = "IMDS_ENDPOINT"
)

// Environment is the metadata service a client talks to.
type Environment struct {
	Variant  Variant `json:"variant" yaml:"variant"`
	Endpoint string  `json:"endpoint" yaml:"endpoint"`
}

// DetectEnvironment decides between the direct and challenge variants.
// The challenge variant applies when both identity endpoint variables are
// set, or when the Arc agent binary exists at marker.
func DetectEnvironment(cfg Config, getenv func(string) string, stat func(string) (os.FileInfo, error)) Environment {
	if getenv == nil {
		getenv = os.Getenv
	}
	if stat == nil {
		stat = os.Stat
	}
	if cfg.Variant != "" {
		return Environment{Variant: cfg.Variant, Endpoint: endpointFor(cfg, cfg.Variant, "")}
	}

	identityEndpoint := getenv(EnvIdentityEndpoint)
	if identityEndpoint != "" && getenv(EnvIMDSEndpoint) != "" {
		return Environment{Variant: VariantChallenge, Endpoint: endpointFor(cfg, VariantChallenge, identityEndpoint)}
	}
	if cfg.ArcMarker != "" {
		if _, err := stat(cfg.ArcMarker); err == nil {
			return Environment{Variant: VariantChallenge, Endpoint: endpointFor(cfg, VariantChallenge, "")}
		}
	}
	return Environment{Variant: VariantDirect, Endpoint: endpointFor(cfg, VariantDirect, "")}
}

func endpointFor(cfg Config, v Variant, fromEnv string) string {
	if v == VariantChallenge {
		if fromEnv != "" {
			return fromEnv
		}
		return cfg.ArcEndpoint
	}
	return cfg.IMDSEndpoint
}
