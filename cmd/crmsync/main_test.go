package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/crmsync/internal/config"
	"github.com/AngelCh415/crmsync/internal/crm/crmtest"
	"github.com/AngelCh415/crmsync/internal/models"
)

func writeConfig(t *testing.T, baseURL string) (cfgPath, snapPath string) {
	t.Helper()
	dir := t.TempDir()
	snapPath = filepath.Join(dir, "acme", "snapshot.json")
	cfgPath = filepath.Join(dir, "crmsync.yaml")
	yaml := "log:\n  level: error\n" +
		"http:\n  max_retries: 1\n  retry_base_delay: 1ms\n  breaker_min_requests: 0\n" +
		"defaults:\n  lookback_days: 30\n  window_days: 15\n" +
		"clients:\n  acme:\n    base_url: " + baseURL + "\n    snapshot_path: " + snapPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	return cfgPath, snapPath
}

func TestSyncCommandWritesSnapshot(t *testing.T) {
	srv := crmtest.New(t)
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	srv.AddContact("c1", yesterday, map[string]string{crmtest.SourceProperty: "PAID"})
	srv.AddDeal("d1", yesterday, "c1", map[string]string{"pipeline": "p", "dealstage": "closedwon", "amount": "10"})
	cfgPath, snapPath := writeConfig(t, srv.URL)
	t.Setenv(config.EnvPrefix+"TOKEN_ACME", "secret")

	err := newCLI().Run([]string{"crmsync", "--config", cfgPath, "sync", "--client", "acme", "--mode", "full"})
	require.NoError(t, err)

	raw, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, models.ModeFull, snap.Metadata.Mode)
	assert.Equal(t, 1, snap.Contacts.Total)
	assert.Equal(t, 1, snap.Deals.Total)
	assert.Equal(t, 1, snap.Deals.Won)
	assert.Equal(t, 2, srv.Searches(models.EntityContacts))
}

func TestSyncCommandErrors(t *testing.T) {
	srv := crmtest.New(t)
	cfgPath, snapPath := writeConfig(t, srv.URL)
	t.Setenv(config.EnvPrefix+"TOKEN_ACME", "secret")

	err := newCLI().Run([]string{"crmsync", "--config", cfgPath, "sync", "--client", "acme", "--mode", "hourly"})
	assert.ErrorContains(t, err, "invalid mode")

	err = newCLI().Run([]string{"crmsync", "--config", cfgPath, "sync", "--client", "globex"})
	assert.ErrorIs(t, err, config.ErrUnknownClient)

	srv.FailSearch(func(string, time.Time) int { return 401 })
	err = newCLI().Run([]string{"crmsync", "--config", cfgPath, "sync", "--client", "acme"})
	require.Error(t, err)
	_, statErr := os.Stat(snapPath)
	assert.True(t, os.IsNotExist(statErr), "failed run must not write a snapshot")
}
