package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pingsantohq/ingestcheck/internal/auth"
	"github.com/pingsantohq/ingestcheck/internal/engine"
	"github.com/pingsantohq/ingestcheck/internal/health"
	"github.com/pingsantohq/ingestcheck/internal/report"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const defaultKeyEnv = "WORKSPACE_KEY"

// maxKeyFileSize bounds --key-file reads; a workspace key is 88 base64 bytes.
const maxKeyFileSize = 4 << 10

func runAuth(ctx context.Context, args []string, env environment) (int, error) {
	var common commonFlags
	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common.bind(fs)
	methodFlag := fs.String("method", "", "Authentication method: shared-key, managed-identity or anonymous")
	workspaceID := fs.String("workspace-id", "", "Workspace to post to (default every configured workspace)")
	keyEnv := fs.String("key-env", defaultKeyEnv, "Environment variable holding the workspace shared key")
	keyFile := fs.String("key-file", "", "File holding the workspace shared key")
	cloudFlag := fs.String("cloud", "", "Cloud for --workspace-id without configuration: public, government or china")
	target := fs.String("target", "", "Ingestion URL override")
	resource := fs.String("resource", "", "Token audience override for managed identity")
	logType := fs.String("log-type", "", "Log-Type header for the posted record")
	formatFlag := fs.String("format", "text", "Report format: text, json or yaml")
	reportFile := fs.String("report-file", "", "Also write the JSON report to this path")

	if err := fs.Parse(args); err != nil {
		return exitFailure, err
	}
	method, err := parseMethod(*methodFlag)
	if err != nil {
		return exitFailure, err
	}
	format, err := report.ParseFormat(*formatFlag)
	if err != nil {
		return exitFailure, err
	}

	var key string
	if method == types.MethodSharedKey {
		key, err = readKey(*keyFile, *keyEnv, env.getenv)
		if err != nil {
			return exitFailure, err
		}
	}

	s, err := newSession(ctx, common, env)
	if err != nil {
		return exitFailure, err
	}

	creds := auth.Credentials{WorkspaceID: *workspaceID, SharedKey: key, Resource: *resource}

	if *workspaceID != "" && *cloudFlag != "" {
		cloud, err := parseCloud(*cloudFlag)
		if err != nil {
			return exitFailure, err
		}
		creds.Cloud = cloud
		return s.authenticateDirect(ctx, engine.AuthRequest{Method: method, Credentials: creds, Target: *target}, *logType, format, *reportFile, env)
	}

	// Credentials for every configured workspace, or the one named.
	loaded, err := s.engine.Load(ctx, s.cfg.ConfigDir)
	if err != nil {
		if *workspaceID != "" {
			s.logger.Warn().Err(err).Msg("agent configuration unavailable, assuming public cloud")
			creds.Cloud = types.CloudPublic
			return s.authenticateDirect(ctx, engine.AuthRequest{Method: method, Credentials: creds, Target: *target}, *logType, format, *reportFile, env)
		}
		return exitFailure, fmt.Errorf("auth: %w", err)
	}
	workspaces := loaded.Endpoints.WorkspaceIDs.Sorted()
	if *workspaceID != "" {
		workspaces = []string{*workspaceID}
	}
	requests := make([]engine.AuthRequest, 0, len(workspaces))
	for _, ws := range workspaces {
		c := creds
		c.WorkspaceID = ws
		requests = append(requests, engine.AuthRequest{Method: method, Credentials: c, Target: *target})
	}

	res, err := s.engine.Run(ctx, engine.RunOptions{
		ConfigDir:  s.cfg.ConfigDir,
		ProxyFile:  s.cfg.ProxyFile,
		SkipProbes: true,
		Auth:       requests,
		LogType:    *logType,
	})
	if err != nil && !errors.Is(err, engine.ErrCancelled) {
		return exitFailure, fmt.Errorf("auth: %w", err)
	}
	code, ferr := s.finish(res.Report, res.Verdict, format, *reportFile, env)
	if err != nil {
		return exitFailure, ferr
	}
	return code, ferr
}

// authenticateDirect posts once without reading the agent configuration.
func (s *session) authenticateDirect(ctx context.Context, req engine.AuthRequest, logType string, format report.Format, reportFile string, env environment) (int, error) {
	px, perr := s.engine.ResolveProxy(types.AgentSettings{}, s.cfg.ProxyFile)
	payload, err := s.engine.Payload(ctx, nil)
	if err != nil {
		return exitFailure, err
	}
	out := s.engine.AuthenticateVia(ctx, px, req, payload, logType)

	rep := s.engine.Summarize(ctx, nil, []types.AuthOutcome{out})
	set := types.NewEndpointSet()
	set.WorkspaceIDs.Add(req.Credentials.WorkspaceID)
	set.CloudSuffix = req.Credentials.Cloud
	rep.Config = report.ConfigSummary(set, px.Configured(), px.Authenticated())
	if perr != nil {
		rep.Warnings = append(rep.Warnings, perr.Error())
	}
	s.metrics.ObserveRun(rep.Counts)
	verdict := health.NewChecker(s.metrics).Evaluate(rep)
	return s.finish(rep, verdict, format, reportFile, env)
}

func parseMethod(s string) (types.AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shared-key", "sharedkey":
		return types.MethodSharedKey, nil
	case "managed-identity", "mi", "token":
		return types.MethodManagedIdentityToken, nil
	case "anonymous", "none":
		return types.MethodAnonymous, nil
	case "":
		return "", errors.New("--method is required")
	default:
		return "", fmt.Errorf("unknown method %q (want shared-key, managed-identity or anonymous)", s)
	}
}

func parseCloud(s string) (types.CloudSuffix, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "com", ".com":
		return types.CloudPublic, nil
	case "government", "gov", "us", ".us":
		return types.CloudGovernment, nil
	case "china", "cn", ".cn":
		return types.CloudChina, nil
	default:
		return "", fmt.Errorf("unknown cloud %q", s)
	}
}

// readKey prefers --key-file over the environment variable.
func readKey(path, envName string, getenv func(string) string) (string, error) {
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}
		if !info.Mode().IsRegular() || info.Size() > maxKeyFileSize {
			return "", fmt.Errorf("key file %q must be a regular file under %d bytes", path, maxKeyFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if envName == "" {
		envName = defaultKeyEnv
	}
	key := strings.TrimSpace(getenv(envName))
	if key == "" {
		return "", fmt.Errorf("shared key not provided: set %s or use --key-file", envName)
	}
	return key, nil
}
