package types

import "time"

// Stage is the last probe stage attempted for a target.
type Stage string

const (
	StageDNS  Stage = "DNS"
	StageTLS  Stage = "TLS"
	StageHTTP Stage = "HTTP"
)

type Outcome string

const (
	OutcomePass Outcome = "Pass"
	OutcomeFail Outcome = "Fail"
	OutcomeWarn Outcome = "Warn"
)

// Cause is a machine-readable label for a non-passing probe or auth attempt.
type Cause string

const (
	CauseNone      Cause = ""
	CauseTimeout   Cause = "timeout"
	CauseCancelled Cause = "cancelled"
	CauseDNS       Cause = "dns"
	CauseConnect   Cause = "connect"
	CauseUntrusted Cause = "untrusted"
	CauseProxy     Cause = "proxy"
	CauseProxyAuth Cause = "proxy_auth"
	CauseStatus    Cause = "status"
	CausePayload   Cause = "payload"
)

// ProbeResult is the outcome of probing a single target once.
type ProbeResult struct {
	Target    ProbeTarget   `json:"target" yaml:"target"`
	Stage     Stage         `json:"stage" yaml:"stage"`
	Outcome   Outcome       `json:"outcome" yaml:"outcome"`
	Cause     Cause         `json:"cause,omitempty" yaml:"cause,omitempty"`
	Detail    string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Addresses []string      `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	Duration  time.Duration `json:"duration_ns" yaml:"duration"`
}

type AuthMethod string

const (
	MethodSharedKey            AuthMethod = "SharedKey"
	MethodManagedIdentityToken AuthMethod = "ManagedIdentityToken"
	MethodAnonymous            AuthMethod = "Anonymous"
)

type Classification string

const (
	ClassReachable              Classification = "Reachable"
	ClassUnreachable            Classification = "Unreachable"
	ClassAuthRequiredAsExpected Classification = "AuthRequiredAsExpected"
	ClassAuthenticationFailed   Classification = "AuthenticationFailed"
	ClassRejected               Classification = "Rejected"
	ClassUnexpected             Classification = "Unexpected"
)

// AuthOutcome is the result of one authentication or ingestion attempt.
// HTTPStatus is zero when no response was received.
type AuthOutcome struct {
	Method         AuthMethod     `json:"method" yaml:"method"`
	Target         string         `json:"target" yaml:"target"`
	HTTPStatus     int            `json:"http_status,omitempty" yaml:"http_status,omitempty"`
	Classification Classification `json:"classification" yaml:"classification"`
	Reason         string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Cause          Cause          `json:"cause,omitempty" yaml:"cause,omitempty"`
	Detail         string         `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// ConfigSummary describes the resolved configuration a run operated on.
type ConfigSummary struct {
	WorkspaceCount     int         `json:"workspace_count" yaml:"workspace_count"`
	RegionCount        int         `json:"region_count" yaml:"region_count"`
	MetricsRegionCount int         `json:"metrics_region_count" yaml:"metrics_region_count"`
	CloudSuffix        CloudSuffix `json:"cloud_suffix" yaml:"cloud_suffix"`
	ProxyConfigured    bool        `json:"proxy_configured" yaml:"proxy_configured"`
	ProxyAuthenticated bool        `json:"proxy_authenticated" yaml:"proxy_authenticated"`
}

// Counts aggregates outcomes. Warnings and Unexpected are subsets of Total
// tracked separately; Warnings are also counted as Passed.
type Counts struct {
	Total      int `json:"total" yaml:"total"`
	Passed     int `json:"passed" yaml:"passed"`
	Failed     int `json:"failed" yaml:"failed"`
	Warnings   int `json:"warnings" yaml:"warnings"`
	Unexpected int `json:"unexpected" yaml:"unexpected"`
}

// HostInfo identifies the machine the run executed on.
type HostInfo struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	OS       string `json:"os,omitempty" yaml:"os,omitempty"`
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`
	Kernel   string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
}

// Report is the complete record of one diagnostic run.
type Report struct {
	RunID       string        `json:"run_id" yaml:"run_id"`
	GeneratedAt time.Time     `json:"generated_at" yaml:"generated_at"`
	Host        HostInfo      `json:"host" yaml:"host"`
	Config      ConfigSummary `json:"config" yaml:"config"`
	Counts      Counts        `json:"counts" yaml:"counts"`
	Probes      []ProbeResult `json:"probes" yaml:"probes"`
	Auth        []AuthOutcome `json:"auth,omitempty" yaml:"auth,omitempty"`
	Warnings    []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}
