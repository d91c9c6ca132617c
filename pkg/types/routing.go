package types

import "strings"

// RecordKind identifies the shape of a cached configuration document.
type RecordKind string

const (
	KindChannel       RecordKind = "Channel"
	KindAgentSettings RecordKind = "AgentSettings"
)

// Protocol classifies a channel by the data it carries.
type Protocol string

const (
	ProtocolOds     Protocol = "Ods"
	ProtocolMe      Protocol = "Me"
	ProtocolUnknown Protocol = "Unknown"
)

// ParseProtocol maps the raw channel protocol string onto a Protocol.
func ParseProtocol(raw string) Protocol {
	switch normalize(raw) {
	case "ods":
		return ProtocolOds
	case "me":
		return ProtocolMe
	default:
		return ProtocolUnknown
	}
}

// Setting is a single name/value pair from an AgentSettings document.
type Setting struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// RoutingRecord is one parsed configuration unit.
type RoutingRecord struct {
	Kind             RecordKind `json:"kind" yaml:"kind"`
	Protocol         Protocol   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	EndpointURL      string     `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	TokenEndpointURL string     `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`
	Settings         []Setting  `json:"settings,omitempty" yaml:"settings,omitempty"`
	Source           string     `json:"source,omitempty" yaml:"source,omitempty"`
}

// AgentSettings maps setting names to values. Later writes win.
type AgentSettings map[string]string

// Merge applies pairs in order, overwriting existing names.
func (s AgentSettings) Merge(pairs []Setting) {
	for _, p := range pairs {
		if p.Name == "" {
			continue
		}
		s[p.Name] = p.Value
	}
}

// Lookup returns the value for name and whether it was set to a non-empty value.
func (s AgentSettings) Lookup(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
