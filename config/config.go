/*
Package config loads server settings from flags, environment and an
optional config file.

PRECEDENCE (highest first):
  1. command line flags bound with BindFlags
  2. LEDGER_* environment variables (LEDGER_QUOTA_LATAM_LIMIT, ...)
  3. the YAML/JSON file given with --config
  4. Defaults

KEYS:
  port, db, log_level, timezone
  quota.latam_limit, quota.smiles_limit
  emission.cache_size
  club.sweep_enabled, club.sweep_schedule, club.sweep_batch_size,
  club.sweep_concurrency
*/
package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/emission"
	"github.com/warp/points-ledger/loyalty"
)

const EnvPrefix = "LEDGER"

// Config is the resolved server configuration.
type Config struct {
	Port     string
	DBPath   string
	LogLevel string
	Timezone string

	LatamLimit  int64
	SmilesLimit int64
	CacheSize   int

	SweepEnabled     bool
	SweepSchedule    string
	SweepBatchSize   int
	SweepConcurrency int
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("db", "./data/ledger.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("timezone", loyalty.DefaultZone)
	v.SetDefault("quota.latam_limit", emission.DefaultLatamLimit)
	v.SetDefault("quota.smiles_limit", emission.DefaultSmilesLimit)
	v.SetDefault("emission.cache_size", emission.DefaultCacheSize)
	v.SetDefault("club.sweep_enabled", true)
	v.SetDefault("club.sweep_schedule", "15 3 * * *")
	v.SetDefault("club.sweep_batch_size", club.DefaultBatchSize)
	v.SetDefault("club.sweep_concurrency", 4)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds the server flags to their keys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		"port":      "port",
		"db":        "db",
		"log_level": "log-level",
		"timezone":  "timezone",
	} {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}
	return nil
}

// Load reads the optional config file and resolves the settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		Port:             v.GetString("port"),
		DBPath:           v.GetString("db"),
		LogLevel:         v.GetString("log_level"),
		Timezone:         v.GetString("timezone"),
		LatamLimit:       v.GetInt64("quota.latam_limit"),
		SmilesLimit:      v.GetInt64("quota.smiles_limit"),
		CacheSize:        v.GetInt("emission.cache_size"),
		SweepEnabled:     v.GetBool("club.sweep_enabled"),
		SweepSchedule:    v.GetString("club.sweep_schedule"),
		SweepBatchSize:   v.GetInt("club.sweep_batch_size"),
		SweepConcurrency: v.GetInt("club.sweep_concurrency"),
	}
	return cfg, cfg.Validate()
}

// Validate checks the values a typo would otherwise turn into a runtime
// surprise.
func (c Config) Validate() error {
	verr := &loyalty.ValidationError{}
	if c.Port == "" {
		verr.Add("port", "is required")
	}
	if c.DBPath == "" {
		verr.Add("db", "is required")
	}
	if _, err := loyalty.NewCalendar(c.Timezone); err != nil {
		verr.Add("timezone", "%v", err)
	}
	if c.LatamLimit < 1 {
		verr.Add("quota.latam_limit", "must be at least 1")
	}
	if c.SmilesLimit < 1 {
		verr.Add("quota.smiles_limit", "must be at least 1")
	}
	if c.CacheSize < 1 {
		verr.Add("emission.cache_size", "must be at least 1")
	}
	if c.SweepBatchSize < 1 {
		verr.Add("club.sweep_batch_size", "must be at least 1")
	}
	if c.SweepConcurrency < 1 {
		verr.Add("club.sweep_concurrency", "must be at least 1")
	}
	if c.SweepEnabled {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			verr.Add("club.sweep_schedule", "%v", err)
		}
	}
	return verr.OrNil()
}

// Calendar returns the reference calendar for the configured zone.
func (c Config) Calendar() (loyalty.Calendar, error) {
	return loyalty.NewCalendar(c.Timezone)
}

// Limits returns the quota limits.
func (c Config) Limits() emission.Limits {
	return emission.Limits{Latam: c.LatamLimit, Smiles: c.SmilesLimit}
}
