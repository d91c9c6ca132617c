// Package dcr reads the agent's locally cached routing configuration.
package dcr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// ErrConfigurationUnavailable is returned when the directory is missing or
// holds no parseable document. Nothing can be probed without configuration.
var ErrConfigurationUnavailable = errors.New("configuration unavailable")

// ErrConfigurationMalformed matches every MalformedError.
var ErrConfigurationMalformed = errors.New("configuration malformed")

// maxDocumentBytes caps a single configuration document.
const maxDocumentBytes = 16 << 20

// MalformedError describes a file that was skipped.
type MalformedError struct {
	Path string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("skip %s: %v", e.Path, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool {
	return target == ErrConfigurationMalformed
}

// Configuration is everything read from one directory.
type Configuration struct {
	Dir      string
	Files    []string
	Records  []types.RoutingRecord
	Settings types.AgentSettings
	Warnings []*MalformedError
}

type document struct {
	Kind     string          `json:"kind"`
	Channels []channel       `json:"channels"`
	Settings json.RawMessage `json:"settings"`
}

type channel struct {
	ID               string `json:"id"`
	Protocol         string `json:"protocol"`
	Endpoint         string `json:"endpoint"`
	TokenEndpointURI string `json:"tokenEndpointUri"`
}

// Dependencies allow the reader's logger to be injected.
type Dependencies struct {
	Logger zerolog.Logger
}

// Load reads every regular file in dir (non-recursive) in lexical order so
// that settings merge deterministically.
func Load(ctx context.Context, dir string, deps Dependencies) (Configuration, error) {
	cfg := Configuration{Dir: dir, Settings: types.AgentSettings{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return cfg, fmt.Errorf("%w: read %q: %v", ErrConfigurationUnavailable, dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return cfg, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		records, settings, err := readDocument(path)
		if err != nil {
			warn := &MalformedError{Path: path, Err: err}
			cfg.Warnings = append(cfg.Warnings, warn)
			deps.Logger.Warn().Str("file", path).Err(err).Msg("skipping configuration file")
			continue
		}
		cfg.Files = append(cfg.Files, path)
		cfg.Records = append(cfg.Records, records...)
		cfg.Settings.Merge(settings)
	}

	if len(cfg.Files) == 0 {
		return cfg, fmt.Errorf("%w: no valid configuration documents in %q", ErrConfigurationUnavailable, dir)
	}
	deps.Logger.Debug().
		Int("files", len(cfg.Files)).
		Int("records", len(cfg.Records)).
		Int("settings", len(cfg.Settings)).
		Int("skipped", len(cfg.Warnings)).
		Msg("configuration loaded")
	return cfg, nil
}

func readDocument(path string) ([]types.RoutingRecord, []types.Setting, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.Size() > maxDocumentBytes {
		return nil, nil, fmt.Errorf("document is %d bytes, limit %d", info.Size(), maxDocumentBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return ParseDocument(data, filepath.Base(path))
}

// ParseDocument decodes one configuration document. An AgentSettings document
// yields a single record plus its settings; anything else yields one record
// per channel that declares a protocol.
func ParseDocument(data []byte, source string) ([]types.RoutingRecord, []types.Setting, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse json: %w", err)
	}

	if strings.EqualFold(strings.TrimSpace(doc.Kind), string(types.KindAgentSettings)) {
		settings, err := decodeSettings(doc.Settings)
		if err != nil {
			return nil, nil, err
		}
		record := types.RoutingRecord{
			Kind:     types.KindAgentSettings,
			Settings: settings,
			Source:   source,
		}
		return []types.RoutingRecord{record}, settings, nil
	}

	records := make([]types.RoutingRecord, 0, len(doc.Channels))
	for _, ch := range doc.Channels {
		if strings.TrimSpace(ch.Protocol) == "" {
			continue
		}
		records = append(records, types.RoutingRecord{
			Kind:             types.KindChannel,
			Protocol:         types.ParseProtocol(ch.Protocol),
			EndpointURL:      strings.TrimSpace(ch.Endpoint),
			TokenEndpointURL: strings.TrimSpace(ch.TokenEndpointURI),
			Source:           source,
		})
	}
	return records, nil, nil
}

// decodeSettings accepts either a nested array or a string holding the
// JSON-encoded array.
func decodeSettings(raw json.RawMessage) ([]types.Setting, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("decode settings string: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return nil, nil
		}
		raw = json.RawMessage(encoded)
	}
	var settings []types.Setting
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("decode settings array: %w", err)
	}
	return settings, nil
}
