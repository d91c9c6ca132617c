package metrics

import "github.com/pingsantohq/ingestcheck/pkg/types"

// Recorder observes the outcomes of a run.
type Recorder interface {
	ObserveProbe(types.ProbeResult)
	ObserveAuth(types.AuthOutcome)
	ObserveRun(counts types.Counts)
	ObserveFindings(findings []Finding)
}

// Finding is a categorized health finding with severity.
type Finding struct {
	Category string
	Severity string
}

type NoopRecorder struct{}

func (NoopRecorder) ObserveProbe(types.ProbeResult) {}
func (NoopRecorder) ObserveAuth(types.AuthOutcome)  {}
func (NoopRecorder) ObserveRun(types.Counts)        {}
func (NoopRecorder) ObserveFindings([]Finding)      {}
