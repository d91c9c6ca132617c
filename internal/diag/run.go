package diag

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/internal/config"
	"github.com/pingsantohq/ingestcheck/internal/engine"
	"github.com/pingsantohq/ingestcheck/internal/events"
	"github.com/pingsantohq/ingestcheck/internal/health"
	"github.com/pingsantohq/ingestcheck/internal/metrics"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const (
	defaultLogsDir      = "/var/opt/microsoft/azuremonitoragent/log"
	defaultOutputPrefix = "diag_"
	infoFileName        = "diagnostics/info.json"
	reportFileName      = "diagnostics/report.json"
	eventsFileName      = "diagnostics/events.json"
	configDirName       = "config"
	logsDirName         = "logs"
	observabilityDir    = "observability"
)

const (
	redactedMarker = "REDACTED"
)

var (
	tokenPattern       = regexp.MustCompile(`(?i)(token=)([^&\s"']+)`)
	bearerPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\._\-]+)`)
	sharedKeyPattern   = regexp.MustCompile(`(?i)(sharedkey\s+[^:\s"]+:)([A-Za-z0-9+/=]+)`)
	sigPattern         = regexp.MustCompile(`(?i)(sig=)([^&\s"']+)`)
	secretPattern      = regexp.MustCompile(`(?i)(secret=)([^&\s"']+)`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^&\s"']+)`)
	proxyPassPattern   = regexp.MustCompile(`(?i)(MDSD_PROXY_PASSWORD\s*=\s*"?)([^"\s]+)`)
	accessTokenPattern = regexp.MustCompile(`(?i)(access[_-]?token=)([^&\s"']+)`)
	accessJSONPattern  = regexp.MustCompile(`(?i)(\\?"access_token\\?"\s*:\s*\\?")([^"\\]+)`)
	settingPassPattern = regexp.MustCompile(`(?i)(\\?"name\\?"\s*:\s*\\?"ProxyPassword\\?"\s*,\s*\\?"value\\?"\s*:\s*\\?")([^"\\]*)`)
	userinfoPattern    = regexp.MustCompile(`(://[^:/\s"@]+:)([^@/\s"]+)(@)`)
)

var redactionPatterns = []*regexp.Regexp{
	tokenPattern,
	bearerPattern,
	sharedKeyPattern,
	sigPattern,
	secretPattern,
	passwordPattern,
	proxyPassPattern,
	accessTokenPattern,
	accessJSONPattern,
	settingPassPattern,
	userinfoPattern,
}

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	Logger     zerolog.Logger
	Engine     engine.Dependencies
	Stdout     io.Writer
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Run performs a full diagnostic pass and packs the results, the agent
// configuration and recent logs into a tar.gz support bundle.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			return cmd.CombinedOutput()
		}
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to ingestcheck configuration file")
	configDir := fs.String("config-dir", "", "Override for the agent configuration chunk directory")
	proxyFile := fs.String("proxy-file", "", "Override for the agent proxy environment file")
	outputPath := fs.String("output", "", "Path for diagnostics tarball (default ./diag_<ts>.tar.gz)")
	logsDir := fs.String("logs", defaultLogsDir, "Directory containing agent logs to include")
	skipIngest := fs.Bool("skip-ingest", false, "Do not post to the ingestion endpoints")
	var journalUnits multiValue
	fs.Var(&journalUnits, "journal-unit", "Systemd unit to capture via journalctl (repeatable)")
	journalSince := fs.Duration("journal-since", time.Hour, "How far back to collect journalctl logs (e.g., 1h)")
	redactLogs := fs.Bool("redact-logs", true, "Redact secrets in log files (disable for raw capture)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	outPath := *outputPath
	if outPath == "" {
		outPath = fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z"))
	} else if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure output directory %q: %w", filepath.Dir(outPath), err)
	}

	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		OutputPath:  outPath,
		Warnings:    make([]string, 0, 4),
		GoVersion:   runtime.Version(),
	}

	cfg, cfgPath, err := loadConfig(ctx, *configPath)
	if err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("config unavailable (%s): %v", *configPath, err))
		cfg = config.Default()
	}
	info.ConfigPath = cfgPath
	if *configDir != "" {
		cfg.ConfigDir = *configDir
	}
	if *proxyFile != "" {
		cfg.ProxyFile = *proxyFile
	}
	info.ConfigDir = cfg.ConfigDir
	info.ProxyFile = cfg.ProxyFile

	registry := metrics.NewRegistry()
	steps := &events.Memory{}
	engDeps := deps.Engine
	engDeps.Logger = deps.Logger
	engDeps.Metrics = registry
	engDeps.Recorder = events.NewMulti(engDeps.Recorder, steps)
	if engDeps.Now == nil {
		engDeps.Now = deps.Now
	}

	eng, err := engine.New(cfg, engDeps)
	if err != nil {
		return fmt.Errorf("initialize diagnostics: %w", err)
	}
	env := eng.IdentityEnvironment()
	info.Identity = &identitySummary{Variant: string(env.Variant), Endpoint: env.Endpoint}

	res, runErr := eng.Run(ctx, engine.RunOptions{
		ConfigDir:       cfg.ConfigDir,
		ProxyFile:       cfg.ProxyFile,
		AnonymousIngest: !*skipIngest,
	})
	if errors.Is(runErr, engine.ErrCancelled) {
		return runErr
	}
	if runErr != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("diagnostic run incomplete: %v", runErr))
	}
	info.Healthy = runErr == nil && res.Verdict.Healthy
	if res.Proxy.Configured() {
		info.Proxy = res.Proxy.Redacted()
	}
	info.Endpoints = &endpointSummary{
		Workspaces: res.Loaded.Endpoints.WorkspaceIDs.Sorted(),
		Regions:    res.Loaded.Endpoints.Regions.Sorted(),
		Cloud:      string(res.Loaded.Endpoints.CloudSuffix),
		Targets:    len(res.Loaded.Targets),
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	if err := writeJSON(tw, reportFileName, reportDocument{Report: res.Report, Verdict: res.Verdict}); err != nil {
		return err
	}
	if err := writeJSON(tw, eventsFileName, steps.Events()); err != nil {
		return err
	}

	// Configuration chunks, including the ones that failed to parse.
	chunks := append([]string(nil), res.Loaded.Configuration.Files...)
	for _, w := range res.Loaded.Configuration.Warnings {
		chunks = append(chunks, w.Path)
	}
	for _, path := range chunks {
		name := filepath.ToSlash(filepath.Join(configDirName, sanitizeFilename(filepath.Base(path))))
		if err := addRedactedFile(tw, path, name); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include config %q: %v", path, err))
		}
	}
	if fi, err := os.Stat(cfg.ProxyFile); err == nil {
		if !fi.Mode().IsRegular() {
			info.Warnings = append(info.Warnings, fmt.Sprintf("proxy file %q is not a regular file", cfg.ProxyFile))
		} else if err := addRedactedFile(tw, cfg.ProxyFile, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(cfg.ProxyFile)))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include proxy file %q: %v", cfg.ProxyFile, err))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		info.Warnings = append(info.Warnings, fmt.Sprintf("unable to stat proxy file %q: %v", cfg.ProxyFile, err))
	}

	if *logsDir != "" {
		if _, err := os.Stat(*logsDir); err == nil {
			if err := addLogsDir(tw, *logsDir, logsDirName, *redactLogs); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include logs dir %q: %v", *logsDir, err))
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			info.Warnings = append(info.Warnings, fmt.Sprintf("unable to stat logs dir %q: %v", *logsDir, err))
		}
	}
	info.LogsRedacted = *redactLogs

	var metricsData bytes.Buffer
	if err := registry.WriteText(&metricsData); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("metrics snapshot failed: %v", err))
	} else {
		if err := addBytes(tw, metricsData.Bytes(), filepath.ToSlash(filepath.Join(observabilityDir, "metrics.prom"))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include metrics snapshot: %v", err))
		}
		summary, warns := summarizeMetrics(registry)
		info.Metrics = summary
		info.Warnings = append(info.Warnings, warns...)
	}

	if len(journalUnits) > 0 {
		since := deps.Now().Add(-*journalSince)
		sinceArg := since.Format(time.RFC3339)
		info.Journal = &journalSummary{
			Units: append([]string(nil), ([]string)(journalUnits)...),
			Since: sinceArg,
		}
		for _, unit := range journalUnits {
			args := []string{"--unit", unit, "--since", sinceArg, "--no-pager"}
			data, err := deps.RunCommand(ctx, "journalctl", args...)
			if err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("journalctl for unit %s failed: %v", unit, err))
				continue
			}
			if *redactLogs {
				data = redactSensitive(data)
			}
			name := filepath.ToSlash(filepath.Join(logsDirName, "journalctl", sanitizeFilename(unit)+".log"))
			if err := addBytes(tw, data, name); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include journal for unit %s: %v", unit, err))
			}
		}
	}

	if err := writeJSON(tw, infoFileName, info); err != nil {
		return err
	}

	deps.Logger.Info().Str("output", outPath).Bool("healthy", info.Healthy).Msg("diagnostics bundle written")
	_, _ = fmt.Fprintln(deps.Stdout, outPath)
	return nil
}

func loadConfig(ctx context.Context, path string) (config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(ctx, path)
		return cfg, path, err
	}
	cfg, err := config.LoadFromEnv(ctx)
	return cfg, "", err
}

type reportDocument struct {
	Report  types.Report   `json:"report"`
	Verdict health.Verdict `json:"verdict"`
}

func writeJSON(tw *tar.Writer, name string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return addBytes(tw, payload, name)
}

func addBytes(tw *tar.Writer, data []byte, name string) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

// addRedactedFile copies src into the bundle with secrets masked. Agent
// configuration always goes through redaction regardless of file extension.
func addRedactedFile(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}
	data = redactSensitive(data)
	header := &tar.Header{
		Name:    name,
		Mode:    int64(info.Mode().Perm()),
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", src, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return nil
}

func addLogsDir(tw *tar.Writer, dir, base string, redact bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := base
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			if !strings.HasSuffix(name, "/") {
				name += "/"
			}
			header.Name = name
			return tw.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if redact && shouldRedactFile(path) {
			data = redactSensitive(data)
		}

		header := &tar.Header{
			Name:    name,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
}

func shouldRedactFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".log", ".txt", ".json", ".ndjson", ".yaml", ".yml", ".csv", ".conf", "",
		".err", ".warn", ".info", ".qos":
		return true
	default:
		return false
	}
}

func redactSensitive(data []byte) []byte {
	text := string(data)
	for _, pattern := range redactionPatterns {
		text = applyRedaction(pattern, text)
	}
	return []byte(text)
}

func applyRedaction(pattern *regexp.Regexp, text string) string {
	return pattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := pattern.FindStringSubmatch(match)
		switch {
		case len(sub) >= 4:
			return sub[1] + redactedMarker + sub[3]
		case len(sub) >= 2:
			return sub[1] + redactedMarker
		}
		return redactedMarker
	})
}

// summarizeMetrics reads the run gauges back from the registry.
func summarizeMetrics(reg *metrics.Registry) (*metricsSummary, []string) {
	families, err := reg.Gatherer().Gather()
	if err != nil {
		return nil, []string{fmt.Sprintf("gather metrics: %v", err)}
	}
	summary := &metricsSummary{}
	for _, mf := range families {
		switch mf.GetName() {
		case "ingestcheck_run_failed":
			for _, m := range mf.GetMetric() {
				summary.Failed = ptrInt64(int64(m.GetGauge().GetValue()))
			}
		case "ingestcheck_run_checks":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "bucket" && lp.GetValue() == "total" {
						summary.Total = ptrInt64(int64(m.GetGauge().GetValue()))
					}
				}
			}
		}
	}
	return summary, nil
}

func ptrInt64(v int64) *int64 {
	return &v
}

func sanitizeFilename(input string) string {
	safe := strings.ReplaceAll(input, "/", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	if safe == "" {
		return "unknown"
	}
	return safe
}

type bundleInfo struct {
	GeneratedAt  string           `json:"generated_at"`
	OutputPath   string           `json:"output_path"`
	ConfigPath   string           `json:"config_path,omitempty"`
	ConfigDir    string           `json:"config_dir"`
	ProxyFile    string           `json:"proxy_file"`
	Proxy        string           `json:"proxy,omitempty"`
	Identity     *identitySummary `json:"identity,omitempty"`
	Endpoints    *endpointSummary `json:"endpoints,omitempty"`
	Healthy      bool             `json:"healthy"`
	Metrics      *metricsSummary  `json:"metrics,omitempty"`
	Journal      *journalSummary  `json:"journal,omitempty"`
	LogsRedacted bool             `json:"logs_redacted"`
	Warnings     []string         `json:"warnings,omitempty"`
	GoVersion    string           `json:"go_version"`
}

type identitySummary struct {
	Variant  string `json:"variant"`
	Endpoint string `json:"endpoint"`
}

type endpointSummary struct {
	Workspaces []string `json:"workspaces"`
	Regions    []string `json:"regions"`
	Cloud      string   `json:"cloud,omitempty"`
	Targets    int      `json:"targets"`
}

type metricsSummary struct {
	Total  *int64 `json:"checks_total,omitempty"`
	Failed *int64 `json:"checks_failed,omitempty"`
}

type journalSummary struct {
	Units []string `json:"units"`
	Since string   `json:"since"`
}
