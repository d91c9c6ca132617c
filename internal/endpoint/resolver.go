// Package endpoint derives the probe targets from routing records.
package endpoint

import (
	"errors"
	"net/url"
	"strings"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// ErrNoWorkspacesFound is returned when no Ods channel yields a workspace id.
var ErrNoWorkspacesFound = errors.New("no workspaces found")

const (
	odsMarker     = ".ods.opinsights.azure"
	metricsMarker = ".monitoring.azure"
	locationKey   = "Location"
)

var sovereignMarkers = []struct {
	marker string
	suffix types.CloudSuffix
}{
	{".azure.us", types.CloudGovernment},
	{".usgovcloudapi.net", types.CloudGovernment},
	{".azure.cn", types.CloudChina},
	{".chinacloudapi.cn", types.CloudChina},
}

// Resolve builds the endpoint set. It fails with ErrNoWorkspacesFound when the
// records carry no ingestion destination.
func Resolve(records []types.RoutingRecord) (types.EndpointSet, error) {
	set := types.NewEndpointSet()
	for _, rec := range records {
		if rec.Kind != types.KindChannel {
			continue
		}
		for _, raw := range []string{rec.EndpointURL, rec.TokenEndpointURL} {
			if suffix, ok := DetectCloud(raw); ok {
				set.ObserveSuffix(suffix)
			}
		}
		switch rec.Protocol {
		case types.ProtocolOds:
			if id, ok := WorkspaceID(rec.EndpointURL); ok {
				set.WorkspaceIDs.Add(id)
			}
			if region, ok := Region(rec.TokenEndpointURL); ok {
				set.Regions.Add(region)
			}
		case types.ProtocolMe:
			if region, ok := MetricsRegion(rec.EndpointURL); ok {
				set.MetricsRegions.Add(region)
			}
		}
	}
	if len(set.WorkspaceIDs) == 0 {
		return set, ErrNoWorkspacesFound
	}
	return set, nil
}

// WorkspaceID returns the DNS label immediately preceding .ods.opinsights.azure.
func WorkspaceID(endpoint string) (string, bool) {
	return labelBefore(endpoint, odsMarker)
}

// MetricsRegion returns the DNS label immediately preceding .monitoring.azure.
func MetricsRegion(endpoint string) (string, bool) {
	return labelBefore(endpoint, metricsMarker)
}

// Region returns the value bound to the Location query key of a token
// endpoint, as written. The key is matched case-insensitively.
func Region(tokenEndpoint string) (string, bool) {
	if tokenEndpoint == "" {
		return "", false
	}
	u, err := url.Parse(tokenEndpoint)
	if err != nil {
		return "", false
	}
	for key, values := range u.Query() {
		if !strings.EqualFold(key, locationKey) {
			continue
		}
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// DetectCloud reports the sovereign suffix indicated by raw, if any.
func DetectCloud(raw string) (types.CloudSuffix, bool) {
	host := hostOf(raw)
	if host == "" {
		return "", false
	}
	found := types.CloudSuffix("")
	for _, m := range sovereignMarkers {
		if strings.HasSuffix(host, m.marker) {
			if m.suffix.Rank() > found.Rank() {
				found = m.suffix
			}
		}
	}
	if found == "" {
		return "", false
	}
	return found, true
}

func labelBefore(raw, marker string) (string, bool) {
	host := hostOf(raw)
	idx := strings.Index(host, marker)
	if idx <= 0 {
		return "", false
	}
	prefix := host[:idx]
	if dot := strings.LastIndexByte(prefix, '.'); dot >= 0 {
		prefix = prefix[dot+1:]
	}
	if prefix == "" {
		return "", false
	}
	return prefix, true
}

// hostOf extracts the lowercase host name from a URL, or from a bare host.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
