package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	Bind(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "ledger.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Drift.Interval)
	assert.Len(t, cfg.CORS.AllowedOrigins, 2)
}

func TestLoad_EnvOverrides(t *testing.T) {
	// GIVEN: LEDGER_ variables for nested keys
	t.Setenv("LEDGER_SERVER_PORT", "9090")
	t.Setenv("LEDGER_DATABASE_DRIVER", "memory")
	t.Setenv("LEDGER_DRIFT_INTERVAL", "0s")

	// WHEN
	cfg, err := Load(newViper())

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Zero(t, cfg.Drift.Interval)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://ledger@localhost/ledger
logging:
  level: debug
`), 0o600))

	v := newViper()
	require.NoError(t, ReadFile(v, path, ""))
	cfg, err := Load(v)

	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestReadFile_MissingSearchedFileIsFine(t *testing.T) {
	v := newViper()
	assert.NoError(t, ReadFile(v, "", t.TempDir()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"negative drift interval", func(c *Config) { c.Drift.Interval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(newViper())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
