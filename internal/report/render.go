package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json or yaml; empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Encode renders rep in the given format.
func Encode(rep types.Report, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode report json: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		data, err := yaml.Marshal(rep)
		if err != nil {
			return nil, fmt.Errorf("encode report yaml: %w", err)
		}
		return data, nil
	case FormatText, "":
		var sb strings.Builder
		if err := WriteText(&sb, rep); err != nil {
			return nil, err
		}
		return []byte(sb.String()), nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// WriteText renders a human-readable table.
func WriteText(w io.Writer, rep types.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", rep.RunID)
	if !rep.GeneratedAt.IsZero() {
		fmt.Fprintf(tw, "Generated:\t%s\n", rep.GeneratedAt.UTC().Format(time.RFC3339))
	}
	if rep.Host.Hostname != "" {
		fmt.Fprintf(tw, "Host:\t%s\n", rep.Host.Hostname)
	}
	cfg := rep.Config
	fmt.Fprintf(tw, "Workspaces:\t%d\n", cfg.WorkspaceCount)
	fmt.Fprintf(tw, "Regions:\t%d\n", cfg.RegionCount)
	fmt.Fprintf(tw, "Metrics regions:\t%d\n", cfg.MetricsRegionCount)
	fmt.Fprintf(tw, "Cloud:\t%s\n", cfg.CloudSuffix)
	fmt.Fprintf(tw, "Proxy:\t%s\n", proxyState(cfg))
	fmt.Fprintln(tw)

	if len(rep.Probes) > 0 {
		fmt.Fprintln(tw, "TARGET\tROLE\tSTAGE\tOUTCOME\tDETAIL")
		for _, p := range rep.Probes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Target.Host, p.Target.Role, p.Stage, p.Outcome, detail(p.Cause, p.Detail))
		}
		fmt.Fprintln(tw)
	}
	if len(rep.Auth) > 0 {
		fmt.Fprintln(tw, "INGESTION\tMETHOD\tSTATUS\tCLASSIFICATION\tREASON")
		for _, a := range rep.Auth {
			status := "-"
			if a.HTTPStatus != 0 {
				status = fmt.Sprint(a.HTTPStatus)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Target, a.Method, status, a.Classification, a.Reason)
		}
		fmt.Fprintln(tw)
	}
	for _, w := range rep.Warnings {
		fmt.Fprintf(tw, "warning:\t%s\n", w)
	}
	c := rep.Counts
	fmt.Fprintf(tw, "Total %d, passed %d, failed %d, warnings %d, unexpected %d\n",
		c.Total, c.Passed, c.Failed, c.Warnings, c.Unexpected)
	return tw.Flush()
}

func proxyState(cfg types.ConfigSummary) string {
	switch {
	case cfg.ProxyAuthenticated:
		return "authenticated"
	case cfg.ProxyConfigured:
		return "configured"
	default:
		return "none"
	}
}

func detail(cause types.Cause, d string) string {
	if cause == types.CauseNone {
		return d
	}
	if d == "" {
		return string(cause)
	}
	return string(cause) + ": " + d
}
