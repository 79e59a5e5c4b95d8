// Package config loads server settings from an optional YAML file and
// SETTLE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Store struct {
		Driver string // sqlite or postgres
		DSN    string
	} `mapstructure:"store"`

	Engine struct {
		Workers           int
		FormulaStrictness string `mapstructure:"formula_strictness"`
	} `mapstructure:"engine"`

	Log struct {
		Level  string
		Format string // text or json
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	// Scheduler recalculates periods whose inputs changed after the last run.
	Scheduler struct {
		Enabled  bool
		Interval time.Duration
	} `mapstructure:"scheduler"`
}

// Load reads the configuration. An empty path skips the file and uses
// defaults plus environment, e.g. SETTLE_STORE_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "settlement.db")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.formula_strictness", "strict")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Minute)

	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
