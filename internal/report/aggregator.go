// Package report accumulates probe and authentication results and turns them
// into a summarized, ordered report.
package report

import (
	"sync"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// Aggregator is an append-only collection point for results produced by
// concurrent workers.
type Aggregator struct {
	mu       sync.Mutex
	probes   []types.ProbeResult
	auths    []types.AuthOutcome
	warnings []string
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) AddProbe(res types.ProbeResult) {
	a.mu.Lock()
	a.probes = append(a.probes, res)
	a.mu.Unlock()
}

func (a *Aggregator) AddAuth(out types.AuthOutcome) {
	a.mu.Lock()
	a.auths = append(a.auths, out)
	a.mu.Unlock()
}

func (a *Aggregator) AddWarning(msg string) {
	if msg == "" {
		return
	}
	a.mu.Lock()
	a.warnings = append(a.warnings, msg)
	a.mu.Unlock()
}

// Snapshot returns copies of everything collected so far.
func (a *Aggregator) Snapshot() ([]types.ProbeResult, []types.AuthOutcome, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	probes := append([]types.ProbeResult(nil), a.probes...)
	auths := append([]types.AuthOutcome(nil), a.auths...)
	warnings := append([]string(nil), a.warnings...)
	return probes, auths, warnings
}

// Report summarizes the collected results.
func (a *Aggregator) Report(cfg types.ConfigSummary, policy Policy) types.Report {
	probes, auths, warnings := a.Snapshot()
	rep := Summarize(probes, auths, cfg, policy)
	rep.Warnings = warnings
	return rep
}
