package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log:
  level: debug
http:
  max_retries: 3
defaults:
  window_days: 15
clients:
  acme:
    base_url: https://crm.example.com/v3
    token: file-token
    lookback_days: 90
    properties:
      source: lead_source
  globex:
    base_url: https://crm.example.com/v3
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.HTTP.MaxRetries)
	assert.Equal(t, time.Second, cfg.HTTP.RetryBaseDelay)
	assert.Equal(t, 365, cfg.Defaults.LookbackDays)
	assert.Equal(t, 7, cfg.Defaults.IncrementalDays)
}

func TestClientOverlaysDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.HTTP.MaxRetries)

	cc, err := cfg.Client("acme")
	require.NoError(t, err)
	assert.Equal(t, "https://crm.example.com/v3", cc.BaseURL)
	assert.Equal(t, "file-token", cc.Token)
	assert.Equal(t, 90, cc.LookbackDays)
	assert.Equal(t, 7, cc.IncrementalDays)
	assert.Equal(t, 15, cc.WindowDays)
	assert.Equal(t, 100*time.Millisecond, cc.BatchDelay)
	assert.Equal(t, "lead_source", cc.Properties.Source)
	assert.Equal(t, "createdate", cc.Properties.Created)
	assert.Equal(t, "data/acme/snapshot.json", cc.SnapshotPath)
	assert.Equal(t, "lead_source", cc.Properties.Aggregate().Source)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRMSYNC_TOKEN_GLOBEX", "env-token")
	t.Setenv("CRMSYNC_CLIENTS__ACME__INCREMENTAL_DAYS", "3")
	t.Setenv("CRMSYNC_SERVER__ADDR", ":9999")

	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)

	globex, err := cfg.Client("globex")
	require.NoError(t, err)
	assert.Equal(t, "env-token", globex.Token)

	acme, err := cfg.Client("ACME")
	require.NoError(t, err)
	assert.Equal(t, 3, acme.IncrementalDays)
}

func TestClientErrors(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	_, err = cfg.Client("initech")
	assert.ErrorIs(t, err, ErrUnknownClient)

	_, err = cfg.Client("globex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "clients.acme.token", envTransformFunc("CRMSYNC_TOKEN_ACME"))
	assert.Equal(t, "http.requests_per_second", envTransformFunc("CRMSYNC_HTTP__REQUESTS_PER_SECOND"))
}

func TestLoadRejectsInvalidHTTPConfig(t *testing.T) {
	cases := map[string]string{
		"negative retries": "http:\n  max_retries: -1\n",
		"zero base delay":  "http:\n  retry_base_delay: 0s\n",
		"negative rate":    "http:\n  requests_per_second: -2\n",
		"ratio above one":  "http:\n  breaker_failure_ratio: 1.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "crmsync.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			assert.ErrorContains(t, err, "invalid http config")
		})
	}
}
