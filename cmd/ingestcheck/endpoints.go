package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/ingestcheck/internal/report"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// endpointsDocument is the machine-readable view of a resolved configuration.
// Agent settings are left out since they may carry proxy credentials.
type endpointsDocument struct {
	ConfigDir string              `json:"config_dir" yaml:"config_dir"`
	Files     []string            `json:"files" yaml:"files"`
	Endpoints types.EndpointSet   `json:"endpoints" yaml:"endpoints"`
	Targets   []types.ProbeTarget `json:"targets" yaml:"targets"`
	Warnings  []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func runEndpoints(ctx context.Context, args []string, env environment) (int, error) {
	var common commonFlags
	fs := flag.NewFlagSet("endpoints", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common.bind(fs)
	formatFlag := fs.String("format", "text", "Output format: text, json or yaml")

	if err := fs.Parse(args); err != nil {
		return exitFailure, err
	}
	format, err := report.ParseFormat(*formatFlag)
	if err != nil {
		return exitFailure, err
	}

	s, err := newSession(ctx, common, env)
	if err != nil {
		return exitFailure, err
	}
	loaded, err := s.engine.Load(ctx, s.cfg.ConfigDir)
	if err != nil {
		return exitFailure, fmt.Errorf("endpoints: %w", err)
	}

	doc := endpointsDocument{
		ConfigDir: loaded.Configuration.Dir,
		Files:     loaded.Configuration.Files,
		Endpoints: loaded.Endpoints,
		Targets:   loaded.Targets,
	}
	for _, w := range loaded.Configuration.Warnings {
		doc.Warnings = append(doc.Warnings, w.Error())
	}

	switch format {
	case report.FormatJSON:
		enc := json.NewEncoder(env.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return exitFailure, fmt.Errorf("encode endpoints: %w", err)
		}
	case report.FormatYAML:
		enc := yaml.NewEncoder(env.stdout)
		defer enc.Close()
		if err := enc.Encode(doc); err != nil {
			return exitFailure, fmt.Errorf("encode endpoints: %w", err)
		}
	default:
		if err := writeEndpoints(env.stdout, doc); err != nil {
			return exitFailure, err
		}
	}
	return exitOK, nil
}

func writeEndpoints(w io.Writer, doc endpointsDocument) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Config dir:\t%s\n", doc.ConfigDir)
	fmt.Fprintf(tw, "Files:\t%d\n", len(doc.Files))
	fmt.Fprintf(tw, "Workspaces:\t%s\n", list(doc.Endpoints.WorkspaceIDs.Sorted()))
	fmt.Fprintf(tw, "Regions:\t%s\n", list(doc.Endpoints.Regions.Sorted()))
	fmt.Fprintf(tw, "Metrics regions:\t%s\n", list(doc.Endpoints.MetricsRegions.Sorted()))
	fmt.Fprintf(tw, "Cloud:\t%s\n", doc.Endpoints.CloudSuffix)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "HOST\tROLE")
	for _, t := range doc.Targets {
		fmt.Fprintf(tw, "%s\t%s\n", t.Host, t.Role)
	}
	for _, warn := range doc.Warnings {
		fmt.Fprintf(tw, "warning:\t%s\n", warn)
	}
	return tw.Flush()
}

func list(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
