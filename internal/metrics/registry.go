// Package metrics exposes run outcomes in the Prometheus exposition format,
// either as text or as a node-exporter textfile.
package metrics

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const namespace = "ingestcheck"

// Registry owns a private Prometheus registry for one run.
type Registry struct {
	reg *prometheus.Registry

	probeResults  *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	authResults   *prometheus.CounterVec
	runFailed     prometheus.Gauge
	runChecks     *prometheus.GaugeVec
	findings      *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		probeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Probe results by target role, last stage reached and outcome.",
		}, []string{"role", "stage", "outcome"}),
		probeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Time spent probing a single target.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),
		authResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Ingestion attempts by authentication method and classification.",
		}, []string{"method", "classification"}),
		runFailed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_failed",
			Help:      "Number of failed checks in the most recent run.",
		}),
		runChecks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_checks",
			Help:      "Checks in the most recent run by result bucket.",
		}, []string{"bucket"}),
		findings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_findings",
			Help:      "Health findings in the most recent run by category and severity.",
		}, []string{"category", "severity"}),
	}
}

func (r *Registry) ObserveProbe(res types.ProbeResult) {
	role := string(res.Target.Role)
	r.probeResults.WithLabelValues(role, string(res.Stage), string(res.Outcome)).Inc()
	r.probeDuration.WithLabelValues(role).Observe(res.Duration.Seconds())
}

func (r *Registry) ObserveAuth(out types.AuthOutcome) {
	r.authResults.WithLabelValues(string(out.Method), string(out.Classification)).Inc()
}

func (r *Registry) ObserveRun(c types.Counts) {
	r.runFailed.Set(float64(c.Failed))
	r.runChecks.WithLabelValues("total").Set(float64(c.Total))
	r.runChecks.WithLabelValues("passed").Set(float64(c.Passed))
	r.runChecks.WithLabelValues("failed").Set(float64(c.Failed))
	r.runChecks.WithLabelValues("warnings").Set(float64(c.Warnings))
	r.runChecks.WithLabelValues("unexpected").Set(float64(c.Unexpected))
}

// ObserveFindings replaces the finding gauges with the given set.
func (r *Registry) ObserveFindings(findings []Finding) {
	r.findings.Reset()
	for _, f := range findings {
		r.findings.WithLabelValues(normalizeCategory(f.Category), normalizeSeverity(f.Severity)).Inc()
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// WriteText renders all metrics in the Prometheus text format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextfile atomically writes the metrics for the node exporter
// textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func normalizeCategory(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	switch severity {
	case "":
		return "unknown"
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}
