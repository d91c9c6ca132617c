package types

import "time"

type EventType string

const (
	EventStageStart EventType = "StageStart"
	EventStageDone  EventType = "StageDone"
	EventTokenFetch EventType = "TokenFetch"
	EventIngestPost EventType = "IngestPost"
)

// Event records a step taken while diagnosing a target.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	Target    string            `json:"target,omitempty"`
	Stage     Stage             `json:"stage,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
