package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SYNCD_ADMIN__SECRET", "s3cret")
	t.Setenv("SYNCD_DATABASE__HOST", "db.internal")
	t.Setenv("SYNCD_SYNC__INTERVAL", "10s")
	t.Setenv("SYNCD_SYNC__RECONCILE_ACTIVE_ONLY", "true")
	t.Setenv("SYNCD_PROVIDER__CALLS_PER_SECOND", "2.5")
	t.Setenv("SYNCD_HTTP__PORT", "8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Admin.Secret)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.True(t, cfg.Sync.ReconcileActiveOnly)
	assert.Equal(t, 2.5, cfg.Provider.CallsPerSecond)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr())

	// untouched keys keep their defaults
	assert.Equal(t, 4*time.Minute, cfg.Session.PauseAfter)
	assert.Equal(t, 3, cfg.Provider.MaxRetries)
	assert.Equal(t, "sync-engine", cfg.Sync.ActorID)
}

func TestLoadRequiresAdminSecret(t *testing.T) {
	t.Setenv("SYNCD_ADMIN__SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin.secret is required")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Admin.Secret = "x"
	require.NoError(t, cfg.Validate())

	cfg.Sync.Interval = 0
	cfg.Provider.MaxRetries = -1
	cfg.Provider.MaxDelay = time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.interval must be positive")
	assert.Contains(t, err.Error(), "provider.max_retries must not be negative")
	assert.Contains(t, err.Error(), "provider.max_delay must be >= provider.base_delay")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: "5432", User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=h user=u password=p dbname=n port=5432 sslmode=disable TimeZone=UTC", d.DSN())
}
