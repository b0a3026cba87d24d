// Package config loads guardrail's process configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/guardrail/journal"
	"github.com/rustyeddy/guardrail/risk"
)

// Config is the complete process configuration.
type Config struct {
	Policy  risk.RiskPolicy `json:"policy" yaml:"policy" validate:"-"`
	Engine  EngineConfig    `json:"engine" yaml:"engine"`
	Server  ServerConfig    `json:"server" yaml:"server"`
	Logging LoggingConfig   `json:"logging" yaml:"logging"`
	Journal JournalConfig   `json:"journal" yaml:"journal"`
	Dayroll DayrollConfig   `json:"dayroll" yaml:"dayroll"`
	Metrics MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// EngineConfig holds engine start-up switches.
type EngineConfig struct {
	DryRun bool `json:"dry_run" yaml:"dry_run"`
	// CanarySeed makes canary sampling reproducible. Zero seeds from the OS.
	CanarySeed uint64 `json:"canary_seed,omitempty" yaml:"canary_seed,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json console"`
}

// JournalConfig selects the audit journal backend.
type JournalConfig struct {
	Type          string `json:"type" yaml:"type" validate:"oneof=none csv sqlite"`
	DBPath        string `json:"db_path,omitempty" yaml:"db_path,omitempty" validate:"required_if=Type sqlite"`
	DecisionsFile string `json:"decisions_file,omitempty" yaml:"decisions_file,omitempty" validate:"required_if=Type csv"`
	FillsFile     string `json:"fills_file,omitempty" yaml:"fills_file,omitempty" validate:"required_if=Type csv"`
}

// Options converts the section into journal.Options.
func (j JournalConfig) Options() journal.Options {
	return journal.Options{
		Type:          j.Type,
		Path:          j.DBPath,
		DecisionsPath: j.DecisionsFile,
		FillsPath:     j.FillsFile,
	}
}

// DayrollConfig controls the local-midnight daily reset.
type DayrollConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Location resolves Timezone; empty means UTC.
func (d DayrollConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(d.Timezone)
}

type MetricsConfig struct {
	Buffer int `json:"buffer" yaml:"buffer" validate:"gte=0"`
}

var configValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Load reads path and applies environment overrides. Files ending in .json
// are parsed as JSON; anything else is tried as YAML first, then JSON. A .env
// file in the working directory is loaded first when present; variables
// already set in the environment win.
func Load(path string) (*Config, error) {
	if err := LoadEnvFile(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config (JSON): %w", err)
		}
		return nil
	}

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return nil
}

// SaveToFile writes the configuration as YAML for .yaml/.yml paths and as
// indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks every section. Policy errors wrap
// risk.ErrInvalidPolicyUpdate.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if _, err := c.Dayroll.Location(); err != nil {
		return fmt.Errorf("dayroll.timezone: %w", err)
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Policy: risk.DefaultPolicy(),
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./guardrail.db",
		},
		Dayroll: DayrollConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
	}
}
