package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medscan.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
  timeout: 45s

sources:
  - name: medwire
    kind: feed
    url: https://medwire.example.com/rss
    credibility: 0.9
  - name: healthsite
    kind: html
    url: https://healthsite.example.com

dedup:
  recency_window: 24h
  similarity_threshold: 0.9

provider:
  model: gpt-4o-mini
  api_key: test-key

channels:
  - name: oncall
    url: https://hooks.example.com/oncall

alerts:
  suppression_window: 30m
  rules:
    - id: recalls
      keywords: [recall, withdrawn]
      channel: oncall
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "medwire", cfg.Sources[0].Name)
	assert.Equal(t, "feed", cfg.Sources[0].Kind)
	assert.InDelta(t, 0.9, cfg.Sources[0].Credibility, 0.001)
	assert.Equal(t, "html", cfg.Sources[1].Kind)
	assert.InDelta(t, 0.5, cfg.Sources[1].Credibility, 0.001, "default applies when unset")

	assert.Equal(t, 24*time.Hour, cfg.Dedup.RecencyWindow)
	assert.InDelta(t, 0.9, cfg.Dedup.SimilarityThreshold, 0.001)
	assert.Equal(t, 200, cfg.Dedup.MaxCandidates, "default applies when unset")

	assert.Equal(t, 30*time.Minute, cfg.Alerts.SuppressionWindow)
	require.Len(t, cfg.Alerts.Rules, 1)
	assert.Equal(t, "recalls", cfg.Alerts.Rules[0].ID)
	assert.Equal(t, "oncall", cfg.Alerts.Rules[0].Channel)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
sources:
  - name: medwire
    kind: feed
    url: https://medwire.example.com/rss
provider:
  model: llama3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 48*time.Hour, cfg.Dedup.RecencyWindow)
	assert.InDelta(t, 0.85, cfg.Dedup.SimilarityThreshold, 0.001)
	assert.Equal(t, 168*time.Hour, cfg.Cache.SummaryTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.SentimentTTL)
	assert.Equal(t, 5, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 4, cfg.Notify.MaxAttempts)
	assert.Equal(t, 5, cfg.Notify.BreakerThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.SweepInterval)
	assert.Equal(t, 48*time.Hour, cfg.Schedule.FirstLookback)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.RescanLookback)
	assert.Equal(t, 500, cfg.Schedule.RescanLimit)
	assert.Equal(t, 3, cfg.Schedule.DisableAfter)
	assert.InDelta(t, 2.0, cfg.RateLimits.Inference.Rate, 0.001)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("MEDSCAN_API_KEY", "secret-from-env")

	path := writeConfig(t, `
sources:
  - name: medwire
    kind: feed
    url: https://medwire.example.com/rss
provider:
  model: gpt-4o-mini
  api_key: ${MEDSCAN_API_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Provider.APIKey)
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no sources",
			yaml:    "provider:\n  model: m\n",
			wantErr: "at least one source",
		},
		{
			name: "bad source kind",
			yaml: `
sources:
  - name: s1
    kind: scrape
    url: https://example.com
provider:
  model: m
`,
			wantErr: "kind must be feed or html",
		},
		{
			name: "duplicate source name",
			yaml: `
sources:
  - name: s1
    kind: feed
    url: https://a.example.com
  - name: s1
    kind: feed
    url: https://b.example.com
provider:
  model: m
`,
			wantErr: "duplicate source name",
		},
		{
			name: "missing model",
			yaml: `
sources:
  - name: s1
    kind: feed
    url: https://example.com
`,
			wantErr: "provider.model is required",
		},
		{
			name: "rule references unknown channel",
			yaml: `
sources:
  - name: s1
    kind: feed
    url: https://example.com
provider:
  model: m
alerts:
  rules:
    - id: r1
      channel: nowhere
`,
			wantErr: "unknown channel",
		},
		{
			name: "credibility out of range",
			yaml: `
sources:
  - name: s1
    kind: feed
    url: https://example.com
    credibility: 1.5
provider:
  model: m
`,
			wantErr: "credibility must be between 0 and 1",
		},
		{
			name: "similarity threshold out of range",
			yaml: `
sources:
  - name: s1
    kind: feed
    url: https://example.com
provider:
  model: m
dedup:
  similarity_threshold: 1.5
`,
			wantErr: "similarity_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/medscan.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}
