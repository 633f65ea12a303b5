package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, name := range []string{
		"LISTEN_ADDR", "BASE_URL", "SERVER_URL", "DB_PATH", "LOG_LEVEL", "POOL_SIZE", "CODE_DIR",
		"STEP_TIMEOUT", "RUN_TIMEOUT", "CODE_TIMEOUT", "MAX_ATTEMPTS", "RETRY_INTERVAL",
		"VAULT_PASSPHRASE", "ALLOW_NETWORK",
	} {
		t.Setenv("FLOWENGINE_"+name, "")
	}
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := loadConfig(filepath.Join(home, "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4100", cfg.BaseURL)
	assert.Equal(t, filepath.Join(home, ".flowengine", "flowengine.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout.Std())
	require.NoError(t, cfg.validate())
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	home := isolateHome(t)
	path := filepath.Join(home, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "log_level": "debug",
  "pool_size": 3,
  "step_timeout": "5s",
  "retry_interval": 250000000,
  "base_url": "https://flows.example.com"
}`), 0o644))

	t.Setenv("FLOWENGINE_POOL_SIZE", "7")
	t.Setenv("FLOWENGINE_RUN_TIMEOUT", "2m")
	t.Setenv("FLOWENGINE_VAULT_PASSPHRASE", "hunter2")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.PoolSize, "env wins over settings")
	assert.Equal(t, 5*time.Second, cfg.StepTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.RunTimeout.Std())
	assert.Equal(t, "https://flows.example.com", cfg.BaseURL)
	assert.Equal(t, "hunter2", cfg.VaultPassphrase)
}

func TestLoadConfig_MalformedSettings(t *testing.T) {
	home := isolateHome(t)
	path := filepath.Join(home, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"step_timeout": "soon"}`), 0o644))

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestApplyEnv_ReportsEveryBadValue(t *testing.T) {
	env := map[string]string{
		"FLOWENGINE_POOL_SIZE":    "many",
		"FLOWENGINE_STEP_TIMEOUT": "10 parsecs",
	}
	cfg := defaultConfig()
	err := applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLOWENGINE_POOL_SIZE")
	assert.Contains(t, err.Error(), "FLOWENGINE_STEP_TIMEOUT")
}

func TestConfigValidate_NamesInvalidFields(t *testing.T) {
	cfg := defaultConfig()
	cfg.LogLevel = "loud"
	cfg.PoolSize = 0
	cfg.DBPath = ""

	err := cfg.validate()
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Details, "log_level")
	assert.Contains(t, fe.Details, "pool_size")
	assert.Contains(t, fe.Details, "db_path")
}

func TestConfig_Constants(t *testing.T) {
	cfg := defaultConfig()
	cfg.CodeDir = "/srv/code"
	cfg.BaseURL = "https://flows.example.com"
	cfg.MaxAttempts = 2
	cfg.RetryInterval = Duration(time.Second)
	cfg.RunTimeout = Duration(time.Minute)

	c := cfg.Constants()
	assert.Equal(t, "/srv/code", c.BaseCodeDirectory)
	assert.Equal(t, "https://flows.example.com", c.Server.URL)
	assert.Equal(t, 2, c.MaxAttempts)
	assert.Equal(t, time.Second, c.RetryInterval)
	assert.Equal(t, time.Minute, c.RunTimeout)
	assert.False(t, c.TestMode())
}

func TestConfig_PassphraseNeverSerialized(t *testing.T) {
	cfg := defaultConfig()
	cfg.VaultPassphrase = "hunter2"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), `"step_timeout":"30s"`)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	next := old
	next.LogLevel = "debug"
	next.ListenAddr = ":5000"
	next.PoolSize = 20

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "pool_size"}, d.RestartNeeded)

	assert.Equal(t, configDiff{}, diffConfigs(old, old))
}

func TestConfig_Interpreters(t *testing.T) {
	cfg := defaultConfig()
	cfg.Interpreters = map[string][]string{
		"python": {"python3.12", "-I"},
		"shell":  {"bash"},
	}
	require.NoError(t, cfg.validate())
	assert.Len(t, cfg.processOptions(), 2)

	next := cfg
	next.Interpreters = map[string][]string{"python": {"python3.13"}}
	assert.Equal(t, []string{"interpreters"}, diffConfigs(cfg, next).RestartNeeded)

	cfg.Interpreters = map[string][]string{"ruby": {"ruby"}}
	err := cfg.validate()
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Details, "interpreters")

	cfg.Interpreters = map[string][]string{"python": {}}
	require.Error(t, cfg.validate())
}
