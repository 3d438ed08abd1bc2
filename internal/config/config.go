// Package config loads process configuration from a YAML file plus the
// environment. Environment variables override file values, keyed as
// GATEFEED_<SECTION>_<FIELD> (e.g. GATEFEED_DB_DSN).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the pipeline service.
type Config struct {
	DB struct {
		// DSN is a full Postgres connection string. Leave empty to run
		// against the in-memory definition store (dev only).
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	Storage struct {
		// AtomDir is the Badger directory for loaded atoms. Empty selects
		// the in-memory atom store.
		AtomDir string `mapstructure:"atom_dir"`
		// CacheDir is where per-pipeline load cache files live.
		CacheDir string `mapstructure:"cache_dir"`
	} `mapstructure:"storage"`

	Executor struct {
		ReloadIntervalSeconds int `mapstructure:"reload_interval_seconds"`
		LoadTimeoutMinutes    int `mapstructure:"load_timeout_minutes"`
	} `mapstructure:"executor"`

	Fetch struct {
		Concurrency         int `mapstructure:"concurrency"`
		MaxRequests         int `mapstructure:"max_requests"`
		IntervalSeconds     int `mapstructure:"interval_seconds"`
		IdleTeardownMinutes int `mapstructure:"idle_teardown_minutes"`
	} `mapstructure:"fetch"`

	Alerts struct {
		PagerEndpointURL string `mapstructure:"pager_endpoint_url"`
		PagerRoutingKey  string `mapstructure:"pager_routing_key"`
		ChatWebhookURL   string `mapstructure:"chat_webhook_url"`
		CooldownMinutes  int    `mapstructure:"cooldown_minutes"`
	} `mapstructure:"alerts"`

	Archive struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		UseSSL    bool   `mapstructure:"use_ssl"`
		Bucket    string `mapstructure:"bucket"`
		Prefix    string `mapstructure:"prefix"`
	} `mapstructure:"archive"`
}

// ReloadInterval returns the executor reload interval.
func (c *Config) ReloadInterval() time.Duration {
	return time.Duration(c.Executor.ReloadIntervalSeconds) * time.Second
}

// LoadTimeout returns the per-load wall clock budget.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Executor.LoadTimeoutMinutes) * time.Minute
}

// LoadConfig loads the configuration from a file and the environment. A
// missing config file is fine; defaults plus environment cover everything.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("GATEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage.cache_dir", "./data/loadcache")
	v.SetDefault("executor.reload_interval_seconds", 60)
	v.SetDefault("executor.load_timeout_minutes", 10)
	v.SetDefault("fetch.concurrency", 1)
	v.SetDefault("fetch.max_requests", 100)
	v.SetDefault("fetch.interval_seconds", 60)
	v.SetDefault("fetch.idle_teardown_minutes", 5)
	v.SetDefault("alerts.cooldown_minutes", 10)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &config, nil
}
