// Package config loads hireflow settings.
// Priority: flags > env vars (HIREFLOW_*) > hireflow.yaml > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/hireflow/internal/actions"
	"github.com/rendis/hireflow/internal/engine"
	"github.com/rendis/hireflow/internal/queue"
	"github.com/rendis/hireflow/internal/scheduler"
	"github.com/rendis/hireflow/internal/secrets"
)

const envPrefix = "HIREFLOW"

// Deferred queue backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all hireflow server configuration.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	DBPath     string          `mapstructure:"db_path"`
	Log        LogConfig       `mapstructure:"log"`
	Engine     EngineConfig    `mapstructure:"engine"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Deferred   DeferredConfig  `mapstructure:"deferred"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Webhook    WebhookConfig   `mapstructure:"webhook"`
	Vault      VaultConfig     `mapstructure:"vault"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxChainDepth  int           `mapstructure:"max_chain_depth"`
	Timezone       string        `mapstructure:"timezone"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ReconcileAfter time.Duration `mapstructure:"reconcile_after"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type SchedulerConfig struct {
	Tick      string `mapstructure:"tick"`
	Reconcile string `mapstructure:"reconcile"`
}

type DeferredConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type WebhookConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

// Dir is the per-user hireflow directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hireflow"
	}
	return filepath.Join(home, ".hireflow")
}

// New returns a viper instance with defaults, config search paths and env
// binding set up. Every key has a default so env vars reach Unmarshal.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_path", filepath.Join(Dir(), "hireflow.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	d := engine.DefaultConfig()
	v.SetDefault("engine.workers", d.Workers)
	v.SetDefault("engine.queue_size", d.QueueSize)
	v.SetDefault("engine.max_chain_depth", d.MaxChainDepth)
	v.SetDefault("engine.timezone", "UTC")
	v.SetDefault("engine.stale_after", d.StaleAfter)
	v.SetDefault("engine.reconcile_after", d.ReconcileAfter)
	v.SetDefault("engine.retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("engine.retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("engine.retry.max_interval", d.Retry.MaxInterval)

	v.SetDefault("scheduler.tick", "@every 1m")
	v.SetDefault("scheduler.reconcile", "@every 5m")
	v.SetDefault("deferred.backend", BackendSQLite)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "hireflow")
	v.SetDefault("webhook.default_timeout", 10*time.Second)
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", "")

	v.SetConfigName("hireflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(Dir())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps the CLI's --listen and --db flags onto their keys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, name := range map[string]string{"listen_addr": "listen", "db_path": "db"} {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}
	return nil
}

// Load reads the config file (an explicit path, or hireflow.yaml on the
// search path when file is empty), applies env overrides and validates.
// A missing hireflow.yaml is fine; a missing explicit file is not.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone %q: %w", c.Engine.Timezone, err))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers))
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("engine.queue_size must be at least 1, got %d", c.Engine.QueueSize))
	}
	switch c.Deferred.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis deferred backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("deferred.backend must be %q or %q, got %q", BackendSQLite, BackendRedis, c.Deferred.Backend))
	}
	if (c.Vault.Passphrase == "") != (c.Vault.Salt == "") {
		errs = append(errs, errors.New("vault.passphrase and vault.salt must be set together"))
	}
	return errors.Join(errs...)
}

// Location is the engine time zone. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EngineConfig converts to the engine's tunables.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Workers = c.Engine.Workers
	cfg.QueueSize = c.Engine.QueueSize
	cfg.MaxChainDepth = c.Engine.MaxChainDepth
	cfg.Location = c.Location()
	cfg.StaleAfter = c.Engine.StaleAfter
	cfg.ReconcileAfter = c.Engine.ReconcileAfter
	cfg.Retry = engine.RetryPolicy{
		MaxAttempts:     c.Engine.Retry.MaxAttempts,
		InitialInterval: c.Engine.Retry.InitialInterval,
		MaxInterval:     c.Engine.Retry.MaxInterval,
	}
	return cfg
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{TickSpec: c.Scheduler.Tick, ReconcileSpec: c.Scheduler.Reconcile}
}

func (c *Config) RedisQueueConfig() queue.Config {
	return queue.Config{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		Namespace: c.Redis.Namespace,
	}
}

func (c *Config) WebhookOptions() actions.WebhookOptions {
	return actions.WebhookOptions{DefaultTimeout: c.Webhook.DefaultTimeout}
}

// VaultEnabled reports whether secrets can be stored and resolved.
func (c *Config) VaultEnabled() bool { return c.Vault.Passphrase != "" }

func (c *Config) VaultConfig() secrets.VaultConfig {
	return secrets.VaultConfig{Passphrase: c.Vault.Passphrase, Salt: []byte(c.Vault.Salt)}
}
