package endpoint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

func ods(endpoint, token string) types.RoutingRecord {
	return types.RoutingRecord{Kind: types.KindChannel, Protocol: types.ProtocolOds, EndpointURL: endpoint, TokenEndpointURL: token}
}

func me(endpoint string) types.RoutingRecord {
	return types.RoutingRecord{Kind: types.KindChannel, Protocol: types.ProtocolMe, EndpointURL: endpoint}
}

func TestResolvePublicCloud(t *testing.T) {
	records := []types.RoutingRecord{
		ods("https://abc12345.ods.opinsights.azure.com/OperationalData.svc/PostJsonDataItems",
			"https://global.handler.control.monitor.azure.com/token?operation=getToken&Location=eastus&x=1"),
	}

	set, err := Resolve(records)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc12345"}, set.WorkspaceIDs.Sorted())
	assert.Equal(t, []string{"eastus"}, set.Regions.Sorted())
	assert.Empty(t, set.MetricsRegions)
	assert.Equal(t, types.CloudPublic, set.CloudSuffix)
}

func TestResolveGovernmentCloud(t *testing.T) {
	records := []types.RoutingRecord{
		ods("https://abc12345.ods.opinsights.azure.us/OperationalData.svc/PostJsonDataItems",
			"https://global.handler.control.monitor.azure.us/token?Location=usgovvirginia"),
	}
	set, err := Resolve(records)
	require.NoError(t, err)
	assert.Equal(t, types.CloudGovernment, set.CloudSuffix)
	assert.Equal(t, []string{"usgovvirginia"}, set.Regions.Sorted())
}

func TestCloudSuffixOrderIndependent(t *testing.T) {
	records := []types.RoutingRecord{
		ods("https://one.ods.opinsights.azure.com/x", ""),
		ods("https://two.ods.opinsights.azure.us/x", ""),
		me("https://eastus.monitoring.azure.com/x"),
		ods("https://three.ods.opinsights.azure.com/x", ""),
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]types.RoutingRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		set, err := Resolve(shuffled)
		require.NoError(t, err)
		assert.Equal(t, types.CloudGovernment, set.CloudSuffix)
		assert.Len(t, set.WorkspaceIDs, 3)
	}
}

func TestResolveNoWorkspaces(t *testing.T) {
	records := []types.RoutingRecord{
		me("https://eastus.monitoring.azure.com/x"),
		{Kind: types.KindAgentSettings},
		ods("https://not-an-ods-host.example.com/x", ""),
	}
	set, err := Resolve(records)
	assert.ErrorIs(t, err, ErrNoWorkspacesFound)
	assert.Equal(t, []string{"eastus"}, set.MetricsRegions.Sorted())
}

func TestWorkspaceIDExtraction(t *testing.T) {
	endpoint := "https://abc12345.ods.opinsights.azure.com/OperationalData.svc"
	first, ok := WorkspaceID(endpoint)
	require.True(t, ok)
	second, ok := WorkspaceID(endpoint)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, "abc12345", first)

	cases := []string{
		"",
		"https://.ods.opinsights.azure.com/",
		"https://ods.opinsights.azure.com/",
		"://bad url",
		"https://example.com/abc.ods.opinsights.azure.com",
	}
	for _, c := range cases {
		_, ok := WorkspaceID(c)
		assert.False(t, ok, c)
	}

	id, ok := WorkspaceID("https://prefix.abc12345.ods.opinsights.azure.com")
	require.True(t, ok)
	assert.Equal(t, "abc12345", id, "only the label immediately before the marker")
}

func TestRegionExtraction(t *testing.T) {
	region, ok := Region("https://x/token?location=WestEurope")
	require.True(t, ok)
	assert.Equal(t, "WestEurope", region, "value is kept as written")

	_, ok = Region("https://x/token?Location=&other=1")
	assert.False(t, ok)
	_, ok = Region("https://x/token")
	assert.False(t, ok)
	_, ok = Region("")
	assert.False(t, ok)
}

func TestMetricsRegion(t *testing.T) {
	region, ok := MetricsRegion("https://westus2.monitoring.azure.com/api")
	require.True(t, ok)
	assert.Equal(t, "westus2", region)
}

func TestDetectCloud(t *testing.T) {
	cases := map[string]types.CloudSuffix{
		"https://a.ods.opinsights.azure.cn/x":   types.CloudChina,
		"https://a.ods.opinsights.azure.us/x":   types.CloudGovernment,
		"https://management.usgovcloudapi.net/": types.CloudGovernment,
		"https://management.chinacloudapi.cn/":  types.CloudChina,
	}
	for raw, want := range cases {
		got, ok := DetectCloud(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := DetectCloud("https://a.ods.opinsights.azure.com/x")
	assert.False(t, ok)
	_, ok = DetectCloud("https://azure.us.example.com/x")
	assert.False(t, ok, "markers only count as a host suffix")
}

func TestTargets(t *testing.T) {
	set := types.NewEndpointSet()
	set.WorkspaceIDs.Add("ws2")
	set.WorkspaceIDs.Add("ws1")
	set.Regions.Add("eastus")
	set.MetricsRegions.Add("eastus")

	targets := Targets(set)
	want := []types.ProbeTarget{
		{Host: "global.handler.control.monitor.azure.com", Role: types.RoleGlobalHandler},
		{Host: "eastus.handler.control.monitor.azure.com", Role: types.RoleRegionalHandler},
		{Host: "ws1.ods.opinsights.azure.com", Role: types.RoleLogAnalytics},
		{Host: "ws2.ods.opinsights.azure.com", Role: types.RoleLogAnalytics},
		{Host: "management.azure.com", Role: types.RoleManagement},
		{Host: "eastus.monitoring.azure.com", Role: types.RoleMetrics},
	}
	assert.Equal(t, want, targets)
}

func TestTargetsSovereign(t *testing.T) {
	set := types.NewEndpointSet()
	set.WorkspaceIDs.Add("ws")
	set.ObserveSuffix(types.CloudChina)

	targets := Targets(set)
	hosts := make([]string, 0, len(targets))
	for _, tg := range targets {
		hosts = append(hosts, tg.Host)
	}
	assert.Equal(t, []string{
		"global.handler.control.monitor.azure.cn",
		"ws.ods.opinsights.azure.cn",
		"management.chinacloudapi.cn",
	}, hosts)
	assert.Equal(t, "https://monitor.azure.cn/", TokenResource(types.CloudChina))
	assert.Equal(t, "ws.ods.opinsights.azure.us", IngestionHost("ws", types.CloudGovernment))
}
