package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/issuance-engine/config"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "issuance.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Workflow.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Workflow.RetryBackoff)
	assert.True(t, cfg.Reconcile.Enabled)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Redis.TTL)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server:\n  port: 9090\ndatabase:\n  path: /tmp/x.db\nworkflow:\n  max_retries: 5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	t.Setenv("ISSUANCE_DATABASE_PATH", "/data/issuance.db")

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Workflow.MaxRetries)
	assert.Equal(t, "/data/issuance.db", cfg.Database.Path, "env overrides file")
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Server.Port = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.S3.Enabled = true
	assert.Error(t, bad.Validate(), "s3 enabled without bucket")

	bad = *cfg
	bad.Workflow.MaxRetries = -1
	assert.Error(t, bad.Validate())
}
