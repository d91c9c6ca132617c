package dcr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

const channelDoc = `{
  "channels": [
    {
      "id": "ods-1",
      "protocol": "ods",
      "endpoint": "https://abc12345.ods.opinsights.azure.com/OperationalData.svc/PostJsonDataItems",
      "tokenEndpointUri": "https://global.handler.control.monitor.azure.com/subscriptions/x/token?operation=getToken&Location=eastus&api-version=2021-01-01"
    },
    {
      "id": "me-1",
      "protocol": "me",
      "endpoint": "https://eastus.monitoring.azure.com/api/v1/ingest"
    },
    {
      "id": "no-protocol",
      "endpoint": "https://ignored.example.com"
    }
  ]
}`

const settingsAsString = `{
  "kind": "AgentSettings",
  "settings": "[{\"name\":\"ProxyAddress\",\"value\":\"http://proxy.corp:3128\"},{\"name\":\"MaxDiskQuotaInMB\",\"value\":\"5000\"}]"
}`

const settingsAsArray = `{
  "kind": "agentsettings",
  "settings": [{"name": "ProxyAddress", "value": "http://override.corp:8080"}]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadParsesChannelsAndSettings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a-dcr.json", channelDoc)
	writeFile(t, dir, "b-settings.json", settingsAsString)
	writeFile(t, dir, "c-settings.json", settingsAsArray)

	cfg, err := Load(context.Background(), dir, Dependencies{})
	require.NoError(t, err)

	assert.Len(t, cfg.Files, 3)
	assert.Empty(t, cfg.Warnings)

	var channels []types.RoutingRecord
	for _, r := range cfg.Records {
		if r.Kind == types.KindChannel {
			channels = append(channels, r)
		}
	}
	require.Len(t, channels, 2, "channel without protocol is ignored")
	assert.Equal(t, types.ProtocolOds, channels[0].Protocol)
	assert.Equal(t, "a-dcr.json", channels[0].Source)
	assert.Contains(t, channels[0].TokenEndpointURL, "Location=eastus")
	assert.Equal(t, types.ProtocolMe, channels[1].Protocol)

	assert.Equal(t, "http://override.corp:8080", cfg.Settings["ProxyAddress"], "later file wins")
	assert.Equal(t, "5000", cfg.Settings["MaxDiskQuotaInMB"])
}

func TestLoadSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", `{"channels": [`)
	writeFile(t, dir, "bad-settings.json", `{"kind":"AgentSettings","settings":"not json"}`)
	writeFile(t, dir, "good.json", channelDoc)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))
	writeFile(t, filepath.Join(dir, "nested"), "deep.json", channelDoc)

	cfg, err := Load(context.Background(), dir, Dependencies{})
	require.NoError(t, err)

	assert.Len(t, cfg.Files, 1)
	require.Len(t, cfg.Warnings, 2)
	for _, w := range cfg.Warnings {
		assert.True(t, errors.Is(w, ErrConfigurationMalformed))
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent"), Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigurationUnavailable)
}

func TestLoadZeroValidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "garbage.txt", "not json at all")

	cfg, err := Load(context.Background(), dir, Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigurationUnavailable)
	assert.Len(t, cfg.Warnings, 1)
}

func TestLoadEmptyDirectory(t *testing.T) {
	_, err := Load(context.Background(), t.TempDir(), Dependencies{})
	assert.ErrorIs(t, err, ErrConfigurationUnavailable)
}

func TestParseDocumentUnknownProtocolKept(t *testing.T) {
	records, settings, err := ParseDocument([]byte(`{"channels":[{"protocol":"gig","endpoint":"https://x"}]}`), "x.json")
	require.NoError(t, err)
	assert.Nil(t, settings)
	require.Len(t, records, 1)
	assert.Equal(t, types.ProtocolUnknown, records[0].Protocol)
}

func TestParseDocumentEmptySettings(t *testing.T) {
	records, settings, err := ParseDocument([]byte(`{"kind":"AgentSettings","settings":""}`), "s.json")
	require.NoError(t, err)
	assert.Empty(t, settings)
	require.Len(t, records, 1)
	assert.Equal(t, types.KindAgentSettings, records[0].Kind)
	assert.Empty(t, records[0].Protocol)
}
