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

// chdirTemp moves the test into an empty directory with a configs/ subdir.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0755))

	originalWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	require.NoError(t, os.Chdir(dir))
	return dir
}

func TestLoadConfig_HappyPath(t *testing.T) {
	dir := chdirTemp(t)

	envContent := "APP_NAME=TestEngine\nSERVER_PORT=9090\nLOG_LEVEL=debug\nSTORE_DRIVER=memory\nSERVER_CORS_ORIGINS=https://a.example, https://b.example\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "test_happy.env"), []byte(envContent), 0644))

	cfg, err := LoadConfig("test_happy")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "TestEngine", cfg.Application.Name)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)

	// Defaults fill everything else
	assert.Equal(t, "development", cfg.Application.Env)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "America/Vancouver", cfg.Compliance.Timezone)
	assert.Equal(t, 8, cfg.Assessment.WorkerPoolSize)
	assert.False(t, cfg.Assessment.SchedulerEnabled)
}

func TestLoadConfig_NoFile_UsesDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadConfig("missing")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "./data/zev.db", cfg.Store.SQLitePath)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "override.env"), []byte("SERVER_PORT=9090\n"), 0644))

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("COMPLIANCE_TIMEZONE", "UTC")

	cfg, err := LoadConfig("override")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	loc, err := cfg.Compliance.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	chdirTemp(t)

	t.Setenv("STORE_DRIVER", "cassandra")
	t.Setenv("COMPLIANCE_TIMEZONE", "Mars/Olympus_Mons")
	t.Setenv("ASSESSMENT_WORKER_POOL_SIZE", "0")

	_, err := LoadConfig("invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "COMPLIANCE_TIMEZONE")
	assert.Contains(t, err.Error(), "ASSESSMENT_WORKER_POOL_SIZE")
}

func TestConfig_Validate_PostgresDriver(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("STORE_DRIVER", DriverPostgres)

	cfg := fromViper(v)
	require.NoError(t, cfg.validate())

	cfg.Postgres.URL = ""
	cfg.Postgres.MinConns = 50
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_URL is required")
	assert.Contains(t, err.Error(), "POSTGRES_MIN_CONNS")
}

func TestConfig_Validate_SchedulerNeedsInterval(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := fromViper(v)

	cfg.Assessment.SchedulerEnabled = true
	cfg.Assessment.Interval = 0
	assert.ErrorContains(t, cfg.validate(), "ASSESSMENT_INTERVAL")

	cfg.Assessment.SchedulerEnabled = false
	assert.NoError(t, cfg.validate())
}
