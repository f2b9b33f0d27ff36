// Package config loads the YAML configuration file. Values are unified
// with an embedded CUE schema that supplies defaults and rejects unknown
// keys, bad enums and out-of-range numbers.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the decoded configuration.
type Config struct {
	ChallengesDir string `json:"challenges_dir"`
	MembersDir    string `json:"members_dir"`

	Ledger struct {
		Driver string `json:"driver"`
		DSN    string `json:"dsn"`
	} `json:"ledger"`

	Persistence string `json:"persistence"`

	Snapshot struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"snapshot"`

	Reconcile struct {
		Strategy    string `json:"strategy"`
		Timeout     string `json:"timeout"`
		Parallelism int    `json:"parallelism"`
	} `json:"reconcile"`

	PersistTimeout string `json:"persist_timeout"`
	Watch          bool   `json:"watch"`
	MetricsAddr    string `json:"metrics_addr"`
	LogLevel       string `json:"log_level"`
}

// Persistence modes.
const (
	PersistenceSQL      = "sql"
	PersistenceSnapshot = "snapshot"
)

// Default returns the schema defaults.
func Default() (Config, error) {
	return Parse(nil, "defaults")
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes YAML data and validates it against the schema.
func Parse(data []byte, filename string) (Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%s: decode: %w", filename, err)
	}
	return cfg, nil
}

// ReconcileTimeout returns reconcile.timeout as a duration.
func (c Config) ReconcileTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Reconcile.Timeout)
	return d
}

// PersistTimeoutDuration returns persist_timeout as a duration.
func (c Config) PersistTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.PersistTimeout)
	return d
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
