package health

import (
	"fmt"

	"github.com/pingsantohq/ingestcheck/internal/metrics"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	CategoryConfigEmpty       = "CONFIG_EMPTY"
	CategoryDNSFailure        = "DNS_FAILURE"
	CategoryTLSFailure        = "TLS_FAILURE"
	CategoryTLSUntrusted      = "TLS_UNTRUSTED"
	CategoryHTTPUnhealthy     = "HTTP_UNHEALTHY"
	CategoryAuthRejected      = "AUTH_REJECTED"
	CategoryIngestUnreachable = "INGEST_UNREACHABLE"
	CategoryIngestRejected    = "INGEST_REJECTED"
	CategoryUnexpectedStatus  = "UNEXPECTED_STATUS"
	CategoryProxyAuthSkipped  = "PROXY_AUTH_SKIPPED"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Finding struct {
	Category string `json:"category" yaml:"category"`
	Severity string `json:"severity" yaml:"severity"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
	Message  string `json:"message" yaml:"message"`
}

// Verdict is healthy when no finding is critical.
type Verdict struct {
	Healthy  bool      `json:"healthy" yaml:"healthy"`
	Findings []Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
}

// Checker evaluates finished reports and publishes findings to metrics.
type Checker struct {
	metrics metrics.Recorder
}

func NewChecker(rec metrics.Recorder) *Checker {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Checker{metrics: rec}
}

func (c *Checker) Evaluate(rep types.Report) Verdict {
	v := Evaluate(rep)
	cats := make([]metrics.Finding, 0, len(v.Findings))
	for _, f := range v.Findings {
		cats = append(cats, metrics.Finding{Category: f.Category, Severity: f.Severity})
	}
	c.metrics.ObserveFindings(cats)
	return v
}

// Evaluate derives findings from a report.
func Evaluate(rep types.Report) Verdict {
	findings := make([]Finding, 0, 4)
	add := func(category, severity, target, msg string) {
		findings = append(findings, Finding{Category: category, Severity: severity, Target: target, Message: msg})
	}

	if rep.Config.WorkspaceCount == 0 {
		add(CategoryConfigEmpty, SeverityCritical, "", "no workspaces configured")
	}

	for _, p := range rep.Probes {
		host := p.Target.Host
		switch {
		case p.Outcome == types.OutcomePass:
		case p.Cause == types.CauseUntrusted:
			add(CategoryTLSUntrusted, SeverityWarning, host, "certificate not trusted; traffic may be intercepted")
		case p.Stage == types.StageDNS && p.Outcome == types.OutcomeWarn:
			add(CategoryProxyAuthSkipped, SeverityInfo, host, "TLS not checked behind authenticating proxy")
		case p.Stage == types.StageDNS:
			add(CategoryDNSFailure, SeverityCritical, host, message("name resolution failed", p.Cause, p.Detail))
		case p.Stage == types.StageTLS:
			add(CategoryTLSFailure, SeverityCritical, host, message("TLS connection failed", p.Cause, p.Detail))
		case p.Stage == types.StageHTTP && p.Outcome == types.OutcomeWarn:
			add(CategoryHTTPUnhealthy, SeverityWarning, host, message("health check answered unexpectedly", p.Cause, p.Detail))
		default:
			add(CategoryHTTPUnhealthy, SeverityCritical, host, message("health check failed", p.Cause, p.Detail))
		}
	}

	for _, a := range rep.Auth {
		switch a.Classification {
		case types.ClassReachable, types.ClassAuthRequiredAsExpected:
		case types.ClassUnreachable:
			add(CategoryIngestUnreachable, SeverityCritical, a.Target, message("ingestion endpoint unreachable", a.Cause, a.Detail))
		case types.ClassAuthenticationFailed:
			add(CategoryAuthRejected, SeverityCritical, a.Target, fmt.Sprintf("%s authentication failed: %s", a.Method, a.Reason))
		case types.ClassRejected:
			severity := SeverityCritical
			if a.HTTPStatus == 429 {
				severity = SeverityWarning
			}
			add(CategoryIngestRejected, severity, a.Target, fmt.Sprintf("ingestion rejected (%d %s)", a.HTTPStatus, a.Reason))
		default:
			add(CategoryUnexpectedStatus, SeverityWarning, a.Target, fmt.Sprintf("unclassified ingestion status %d", a.HTTPStatus))
		}
	}

	healthy := true
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			healthy = false
			break
		}
	}
	if len(findings) == 0 {
		findings = nil
	}
	return Verdict{Healthy: healthy, Findings: findings}
}

func message(prefix string, cause types.Cause, detail string) string {
	switch {
	case cause != types.CauseNone && detail != "":
		return fmt.Sprintf("%s (%s): %s", prefix, cause, detail)
	case cause != types.CauseNone:
		return fmt.Sprintf("%s (%s)", prefix, cause)
	case detail != "":
		return prefix + ": " + detail
	default:
		return prefix
	}
}
