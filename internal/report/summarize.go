package report

import (
	"sort"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// Policy adjusts how results are counted.
type Policy struct {
	// CountUnexpectedAsFailed also counts unclassified ingestion statuses
	// as failures. They are always counted in Unexpected.
	CountUnexpectedAsFailed bool `json:"count_unexpected_as_failed" yaml:"count_unexpected_as_failed"`
}

var roleOrder = map[types.Role]int{
	types.RoleGlobalHandler:   0,
	types.RoleRegionalHandler: 1,
	types.RoleLogAnalytics:    2,
	types.RoleManagement:      3,
	types.RoleMetrics:         4,
}

// Summarize builds a report from results in any order. It does not modify
// its inputs; identical inputs in any order give identical reports.
func Summarize(probes []types.ProbeResult, auths []types.AuthOutcome, cfg types.ConfigSummary, policy Policy) types.Report {
	sortedProbes := append([]types.ProbeResult(nil), probes...)
	SortProbes(sortedProbes)
	sortedAuths := append([]types.AuthOutcome(nil), auths...)
	SortAuths(sortedAuths)

	return types.Report{
		Config: cfg,
		Counts: Count(sortedProbes, sortedAuths, policy),
		Probes: sortedProbes,
		Auth:   sortedAuths,
	}
}

// Count tallies results. Warnings count as passed and are also tallied
// separately. AuthRequiredAsExpected is a pass.
func Count(probes []types.ProbeResult, auths []types.AuthOutcome, policy Policy) types.Counts {
	var c types.Counts
	for _, p := range probes {
		c.Total++
		switch p.Outcome {
		case types.OutcomePass:
			c.Passed++
		case types.OutcomeWarn:
			c.Passed++
			c.Warnings++
		default:
			c.Failed++
		}
	}
	for _, a := range auths {
		c.Total++
		switch a.Classification {
		case types.ClassReachable, types.ClassAuthRequiredAsExpected:
			c.Passed++
		case types.ClassUnexpected:
			c.Unexpected++
			if policy.CountUnexpectedAsFailed {
				c.Failed++
			}
		default:
			c.Failed++
		}
	}
	return c
}

// SortProbes orders results by role, then host.
func SortProbes(probes []types.ProbeResult) {
	sort.SliceStable(probes, func(i, j int) bool {
		a, b := probes[i].Target, probes[j].Target
		if ra, rb := rank(a.Role), rank(b.Role); ra != rb {
			return ra < rb
		}
		return a.Host < b.Host
	})
}

// SortAuths orders outcomes by target, then method.
func SortAuths(auths []types.AuthOutcome) {
	sort.SliceStable(auths, func(i, j int) bool {
		if auths[i].Target != auths[j].Target {
			return auths[i].Target < auths[j].Target
		}
		return auths[i].Method < auths[j].Method
	})
}

func rank(r types.Role) int {
	if n, ok := roleOrder[r]; ok {
		return n
	}
	return len(roleOrder)
}

// ConfigSummary describes an endpoint set and proxy state.
func ConfigSummary(set types.EndpointSet, proxyConfigured, proxyAuthenticated bool) types.ConfigSummary {
	return types.ConfigSummary{
		WorkspaceCount:     len(set.WorkspaceIDs),
		RegionCount:        len(set.Regions),
		MetricsRegionCount: len(set.MetricsRegions),
		CloudSuffix:        set.CloudSuffix,
		ProxyConfigured:    proxyConfigured,
		ProxyAuthenticated: proxyAuthenticated,
	}
}
