package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/guardrail/risk"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NotNil(t, cfg)
	assert.Equal(t, risk.DefaultPolicy(), cfg.Policy)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Journal.Type)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
			errMsg:  "server.addr failed required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "chatty" },
			wantErr: true,
			errMsg:  "logging.level failed oneof",
		},
		{
			name:    "unknown journal type",
			mutate:  func(c *Config) { c.Journal.Type = "postgres" },
			wantErr: true,
			errMsg:  "journal.type failed oneof",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Journal.DBPath = "" },
			wantErr: true,
			errMsg:  "journal.db_path failed required_if",
		},
		{
			name: "csv without files",
			mutate: func(c *Config) {
				c.Journal = JournalConfig{Type: "csv", DecisionsFile: "d.csv"}
			},
			wantErr: true,
			errMsg:  "journal.fills_file failed required_if",
		},
		{
			name:   "journal disabled",
			mutate: func(c *Config) { c.Journal = JournalConfig{Type: "none"} },
		},
		{
			name:    "canary above 100",
			mutate:  func(c *Config) { c.Policy.CanaryPct = 120 },
			wantErr: true,
			errMsg:  "policy:",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Dayroll.Timezone = "Mars/Olympus" },
			wantErr: true,
			errMsg:  "dayroll.timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePolicyErrorIsSentinel(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Policy.MaxNotional = 0
	assert.ErrorIs(t, cfg.Validate(), risk.ErrInvalidPolicyUpdate)
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		ext  string
	}{
		{"json format", ".json"},
		{"yaml format", ".yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Policy.AllowedSymbols = []string{"BTCUSDT", "ETHUSDT"}
			cfg.Policy.PerAsset["BTCUSDT"] = risk.AssetLimit{MaxNotional: 2500}
			cfg.Engine.CanarySeed = 99
			path := filepath.Join(tmpDir, "test"+tt.ext)

			require.NoError(t, cfg.SaveToFile(path))
			_, err := os.Stat(path)
			require.NoError(t, err)

			loaded, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, cfg.Policy, loaded.Policy)
			assert.Equal(t, cfg.Server, loaded.Server)
			assert.Equal(t, cfg.Journal, loaded.Journal)
			assert.Equal(t, uint64(99), loaded.Engine.CanarySeed)
		})
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policy:
  max_notional: 5000
  per_asset:
    ETHUSDT:
      max_notional: 300
engine:
  dry_run: true
journal:
  type: none
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, cfg.Policy.MaxNotional)
	assert.Equal(t, 300.0, cfg.Policy.PerAsset["ETHUSDT"].MaxNotional)
	assert.Equal(t, 10, cfg.Policy.MaxOpenPositions)
	assert.True(t, cfg.Engine.DryRun)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"server": `), 0644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"GUARDRAIL_SERVER_ADDR":        "0.0.0.0:9000",
		"GUARDRAIL_DRY_RUN":            "true",
		"GUARDRAIL_CANARY_SEED":        "7",
		"GUARDRAIL_MAX_NOTIONAL":       "1234.5",
		"GUARDRAIL_MAX_OPEN_POSITIONS": "3",
		"GUARDRAIL_KILL_SWITCH":        "1",
		"GUARDRAIL_JOURNAL_TYPE":       "none",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg, lookup))
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.True(t, cfg.Engine.DryRun)
	assert.Equal(t, uint64(7), cfg.Engine.CanarySeed)
	assert.Equal(t, 1234.5, cfg.Policy.MaxNotional)
	assert.Equal(t, 3, cfg.Policy.MaxOpenPositions)
	assert.True(t, cfg.Policy.KillSwitch)
	assert.Equal(t, "none", cfg.Journal.Type)

	env["GUARDRAIL_DRY_RUN"] = "maybe"
	err := ApplyEnv(Default(), lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GUARDRAIL_DRY_RUN")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GUARDRAIL_LOG_LEVEL=debug\nGUARDRAIL_LOG_FORMAT=console\n"), 0644))

	t.Setenv("GUARDRAIL_LOG_LEVEL", "warn")
	// Unset value so godotenv may fill it.
	t.Setenv("GUARDRAIL_LOG_FORMAT", "")
	require.NoError(t, os.Unsetenv("GUARDRAIL_LOG_FORMAT"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "warn", os.Getenv("GUARDRAIL_LOG_LEVEL"), "existing variables win")
	assert.Equal(t, "console", os.Getenv("GUARDRAIL_LOG_FORMAT"))

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}
