package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARDRAIL_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type override struct {
	key   string
	apply func(c *Config, v string) error
}

var overrides = []override{
	{"SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"JOURNAL_TYPE", func(c *Config, v string) error { c.Journal.Type = v; return nil }},
	{"JOURNAL_DB", func(c *Config, v string) error { c.Journal.DBPath = v; return nil }},
	{"DAYROLL_TIMEZONE", func(c *Config, v string) error { c.Dayroll.Timezone = v; return nil }},
	{"DRY_RUN", func(c *Config, v string) error { return parseBool(v, &c.Engine.DryRun) }},
	{"CANARY_SEED", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		c.Engine.CanarySeed = n
		return nil
	}},
	{"KILL_SWITCH", func(c *Config, v string) error { return parseBool(v, &c.Policy.KillSwitch) }},
	{"ALLOW_LIVE", func(c *Config, v string) error { return parseBool(v, &c.Policy.AllowLive) }},
	{"MAX_NOTIONAL", func(c *Config, v string) error { return parseFloat(v, &c.Policy.MaxNotional) }},
	{"MAX_DAILY_LOSS", func(c *Config, v string) error { return parseFloat(v, &c.Policy.MaxDailyLoss) }},
	{"CANARY_PCT", func(c *Config, v string) error { return parseFloat(v, &c.Policy.CanaryPct) }},
	{"MAX_OPEN_POSITIONS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Policy.MaxOpenPositions = n
		return nil
	}},
}

// ApplyEnv overlays GUARDRAIL_* variables found by lookup onto c.
func ApplyEnv(c *Config, lookup LookupFunc) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}
