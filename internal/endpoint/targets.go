package endpoint

import (
	"sort"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	globalHandlerTemplate   = "global.handler.control.monitor.azure"
	regionalHandlerTemplate = ".handler.control.monitor.azure"
	odsTemplate             = odsMarker
	metricsTemplate         = metricsMarker
)

var managementHosts = map[types.CloudSuffix]string{
	types.CloudPublic:     "management.azure.com",
	types.CloudGovernment: "management.usgovcloudapi.net",
	types.CloudChina:      "management.chinacloudapi.cn",
}

// Targets expands the set into probe targets, sorted by role then host.
func Targets(set types.EndpointSet) []types.ProbeTarget {
	sfx := string(suffixOrDefault(set.CloudSuffix))
	seen := make(map[types.ProbeTarget]struct{})
	out := make([]types.ProbeTarget, 0, 2+len(set.Regions)+len(set.WorkspaceIDs)+len(set.MetricsRegions))
	add := func(host string, role types.Role) {
		t := types.ProbeTarget{Host: host, Role: role}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	add(globalHandlerTemplate+sfx, types.RoleGlobalHandler)
	for _, region := range set.Regions.Sorted() {
		add(region+regionalHandlerTemplate+sfx, types.RoleRegionalHandler)
	}
	for _, ws := range set.WorkspaceIDs.Sorted() {
		add(ws+odsTemplate+sfx, types.RoleLogAnalytics)
	}
	add(ManagementHost(set.CloudSuffix), types.RoleManagement)
	for _, region := range set.MetricsRegions.Sorted() {
		add(region+metricsTemplate+sfx, types.RoleMetrics)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if roleOrder(out[i].Role) != roleOrder(out[j].Role) {
			return roleOrder(out[i].Role) < roleOrder(out[j].Role)
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// IngestionHost is the Log Analytics data collector host for a workspace.
func IngestionHost(workspaceID string, suffix types.CloudSuffix) string {
	return workspaceID + odsTemplate + string(suffixOrDefault(suffix))
}

// ManagementHost returns the resource manager host of the cloud.
func ManagementHost(suffix types.CloudSuffix) string {
	return managementHosts[suffixOrDefault(suffix)]
}

// TokenResource is the audience requested from the metadata service.
func TokenResource(suffix types.CloudSuffix) string {
	return "https://monitor.azure" + string(suffixOrDefault(suffix)) + "/"
}

func suffixOrDefault(s types.CloudSuffix) types.CloudSuffix {
	if _, ok := managementHosts[s]; ok {
		return s
	}
	return types.CloudPublic
}

func roleOrder(r types.Role) int {
	switch r {
	case types.RoleGlobalHandler:
		return 0
	case types.RoleRegionalHandler:
		return 1
	case types.RoleLogAnalytics:
		return 2
	case types.RoleManagement:
		return 3
	case types.RoleMetrics:
		return 4
	default:
		return 5
	}
}
