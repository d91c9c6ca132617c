package types

import (
	"encoding/json"
	"sort"
)

// CloudSuffix selects the sovereign cloud variant of every constructed host.
type CloudSuffix string

const (
	CloudPublic     CloudSuffix = ".com"
	CloudGovernment CloudSuffix = ".us"
	CloudChina      CloudSuffix = ".cn"
)

// Rank orders suffixes for monotonic detection: once a sovereign marker has
// been seen the resolved suffix never moves back toward CloudPublic.
func (c CloudSuffix) Rank() int {
	switch c {
	case CloudGovernment:
		return 1
	case CloudChina:
		return 2
	default:
		return 0
	}
}

// StringSet is an unordered set of non-empty strings.
type StringSet map[string]struct{}

// Add inserts v. Empty strings are discarded and reported as not added.
func (s StringSet) Add(v string) bool {
	if v == "" {
		return false
	}
	if _, ok := s[v]; ok {
		return false
	}
	s[v] = struct{}{}
	return true
}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s StringSet) MarshalYAML() (any, error) {
	return s.Sorted(), nil
}

// EndpointSet is the deduplicated collection derived from routing records.
type EndpointSet struct {
	WorkspaceIDs   StringSet   `json:"workspace_ids" yaml:"workspace_ids"`
	Regions        StringSet   `json:"regions" yaml:"regions"`
	MetricsRegions StringSet   `json:"metrics_regions" yaml:"metrics_regions"`
	CloudSuffix    CloudSuffix `json:"cloud_suffix" yaml:"cloud_suffix"`
}

// NewEndpointSet returns an empty set defaulting to the public cloud.
func NewEndpointSet() EndpointSet {
	return EndpointSet{
		WorkspaceIDs:   StringSet{},
		Regions:        StringSet{},
		MetricsRegions: StringSet{},
		CloudSuffix:    CloudPublic,
	}
}

// ObserveSuffix moves the cloud suffix toward a sovereign variant, never back.
func (e *EndpointSet) ObserveSuffix(c CloudSuffix) {
	if c.Rank() > e.CloudSuffix.Rank() {
		e.CloudSuffix = c
	}
}

// Role tags a probe target with the service it represents.
type Role string

const (
	RoleGlobalHandler   Role = "GlobalHandler"
	RoleRegionalHandler Role = "RegionalHandler"
	RoleLogAnalytics    Role = "LogAnalytics"
	RoleManagement      Role = "Management"
	RoleMetrics         Role = "Metrics"
)

// HealthChecked reports whether targets of this role receive an HTTP health check.
func (r Role) HealthChecked() bool {
	switch r {
	case RoleGlobalHandler, RoleRegionalHandler, RoleManagement:
		return true
	default:
		return false
	}
}

// ProbeTarget is a fully qualified host name and its role.
type ProbeTarget struct {
	Host string `json:"host" yaml:"host"`
	Role Role   `json:"role" yaml:"role"`
}

func (t ProbeTarget) String() string {
	return string(t.Role) + "/" + t.Host
}
