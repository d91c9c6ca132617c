package health

import (
	"strings"
	"testing"

	"github.com/pingsantohq/ingestcheck/internal/metrics"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

func target(host string, role types.Role) types.ProbeTarget {
	return types.ProbeTarget{Host: host, Role: role}
}

func TestEvaluateHealthy(t *testing.T) {
	rep := types.Report{
		Config: types.ConfigSummary{WorkspaceCount: 1},
		Probes: []types.ProbeResult{
			{Target: target("global.handler.control.monitor.azure.com", types.RoleGlobalHandler), Stage: types.StageHTTP, Outcome: types.OutcomePass},
		},
		Auth: []types.AuthOutcome{
			{Method: types.MethodAnonymous, Classification: types.ClassAuthRequiredAsExpected, HTTPStatus: 401},
		},
	}
	v := Evaluate(rep)
	if !v.Healthy {
		t.Fatalf("expected healthy verdict, got %+v", v)
	}
	if len(v.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", v.Findings)
	}
}

func TestEvaluateFindings(t *testing.T) {
	rep := types.Report{
		Probes: []types.ProbeResult{
			{Target: target("a", types.RoleMetrics), Stage: types.StageDNS, Outcome: types.OutcomeFail, Cause: types.CauseDNS},
			{Target: target("b", types.RoleLogAnalytics), Stage: types.StageTLS, Outcome: types.OutcomeFail, Cause: types.CauseConnect},
			{Target: target("c", types.RoleGlobalHandler), Stage: types.StageTLS, Outcome: types.OutcomeWarn, Cause: types.CauseUntrusted},
			{Target: target("d", types.RoleMetrics), Stage: types.StageDNS, Outcome: types.OutcomeWarn, Cause: types.CauseProxyAuth},
			{Target: target("e", types.RoleManagement), Stage: types.StageHTTP, Outcome: types.OutcomeWarn, Cause: types.CausePayload},
			{Target: target("f", types.RoleRegionalHandler), Stage: types.StageHTTP, Outcome: types.OutcomeFail, Cause: types.CauseStatus},
		},
		Auth: []types.AuthOutcome{
			{Method: types.MethodSharedKey, Target: "g", Classification: types.ClassAuthenticationFailed, Reason: "forbidden"},
			{Method: types.MethodSharedKey, Target: "h", Classification: types.ClassUnreachable, Cause: types.CauseTimeout},
			{Method: types.MethodSharedKey, Target: "i", Classification: types.ClassRejected, HTTPStatus: 429, Reason: "throttled"},
			{Method: types.MethodSharedKey, Target: "j", Classification: types.ClassUnexpected, HTTPStatus: 503},
		},
	}
	v := Evaluate(rep)
	if v.Healthy {
		t.Fatalf("expected unhealthy verdict")
	}
	want := []struct{ category, severity, target string }{
		{CategoryConfigEmpty, SeverityCritical, ""},
		{CategoryDNSFailure, SeverityCritical, "a"},
		{CategoryTLSFailure, SeverityCritical, "b"},
		{CategoryTLSUntrusted, SeverityWarning, "c"},
		{CategoryProxyAuthSkipped, SeverityInfo, "d"},
		{CategoryHTTPUnhealthy, SeverityWarning, "e"},
		{CategoryHTTPUnhealthy, SeverityCritical, "f"},
		{CategoryAuthRejected, SeverityCritical, "g"},
		{CategoryIngestUnreachable, SeverityCritical, "h"},
		{CategoryIngestRejected, SeverityWarning, "i"},
		{CategoryUnexpectedStatus, SeverityWarning, "j"},
	}
	if len(v.Findings) != len(want) {
		t.Fatalf("expected %d findings, got %d: %+v", len(want), len(v.Findings), v.Findings)
	}
	for i, w := range want {
		f := v.Findings[i]
		if f.Category != w.category || f.Severity != w.severity || f.Target != w.target {
			t.Fatalf("finding %d: expected %s/%s/%s, got %+v", i, w.category, w.severity, w.target, f)
		}
	}
	if !strings.Contains(v.Findings[8].Message, "timeout") {
		t.Fatalf("expected cause in message, got %q", v.Findings[8].Message)
	}
}

func TestWarningsAloneStayHealthy(t *testing.T) {
	rep := types.Report{
		Config: types.ConfigSummary{WorkspaceCount: 1},
		Probes: []types.ProbeResult{
			{Target: target("c", types.RoleGlobalHandler), Stage: types.StageTLS, Outcome: types.OutcomeWarn, Cause: types.CauseUntrusted},
		},
	}
	if v := Evaluate(rep); !v.Healthy {
		t.Fatalf("expected warnings to keep verdict healthy, got %+v", v)
	}
}

func TestCheckerPublishesFindings(t *testing.T) {
	reg := metrics.NewRegistry()
	checker := NewChecker(reg)
	checker.Evaluate(types.Report{})

	var sb strings.Builder
	if err := reg.WriteText(&sb); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if !strings.Contains(sb.String(), `ingestcheck_health_findings{category="CONFIG_EMPTY",severity="critical"} 1`) {
		t.Fatalf("expected CONFIG_EMPTY finding in metrics\n%s", sb.String())
	}
}
