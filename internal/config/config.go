// Package config loads and reactively reconciles gateway configuration
// via viper, with fsnotify-backed file watching and an optional
// cloud-pushed override tunnel.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every configuration key the gateway consumes.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cloud      CloudConfig      `mapstructure:"cloud"`
	Shadow     ShadowConfig     `mapstructure:"shadow"`
	Sync       SyncConfig       `mapstructure:"sync"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type CloudConfig struct {
	Provider        string `mapstructure:"provider"` // "aws" or "generic"
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	BaseURL         string `mapstructure:"base_url"`
	TokenURL        string `mapstructure:"token_url"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	MQTTBroker      string `mapstructure:"mqtt_broker"`
	MQTTClientID    string `mapstructure:"mqtt_client_id"`
	ConfigTunnelURL string `mapstructure:"config_tunnel_url"`
}

type ShadowConfig struct {
	DocumentSizeLimitBytes int `mapstructure:"document_size_limit_bytes"`
	MaxStateDepth          int `mapstructure:"max_state_depth"`
}

type SyncConfig struct {
	WorkerPoolSize int    `mapstructure:"worker_pool_size"`
	Strategy       string `mapstructure:"strategy"` // "realtime" or "periodic"
	PeriodicCron   string `mapstructure:"periodic_cron"`
}

type RateLimitConfig struct {
	MaxLocalRequestsPerThingPerSec float64 `mapstructure:"max_local_requests_per_thing_per_sec"`
	BurstPerThing                  float64 `mapstructure:"burst_per_thing"`
	MaxTotalLocalRequestRate       float64 `mapstructure:"max_total_local_request_rate"`
	TotalBurst                     float64 `mapstructure:"total_burst"`
	RedisAddr                      string  `mapstructure:"redis_addr"`
}

type PaginationConfig struct {
	TokenFormat string `mapstructure:"token_format"` // "zero_iv" or "random_iv"
	SingleUse   bool   `mapstructure:"single_use"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
}

func (c *Config) Validate() error {
	if c.Shadow.DocumentSizeLimitBytes < 1 || c.Shadow.DocumentSizeLimitBytes > 30720 {
		return fmt.Errorf("shadow.document_size_limit_bytes must be between 1 and 30720")
	}
	if c.Sync.WorkerPoolSize < 1 {
		return fmt.Errorf("sync.worker_pool_size must be at least 1")
	}
	return nil
}

// Source is implemented by ViperSource and consumed by every component
// that needs live configuration.
type Source interface {
	Current() Config
	OnChange(func(Config))
}

// ViperSource loads configuration once via viper, installs a file
// watch, and posts every subsequent change onto a single-consumer
// channel drained by its own reconciliation goroutine so OnChange
// callbacks never run on the fsnotify or websocket read goroutine.
type ViperSource struct {
	v *viper.Viper

	mu        sync.RWMutex
	current   Config
	listeners []func(Config)
	changes   chan Config
}

func Load(configPath string) (*ViperSource, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}

	v.SetEnvPrefix("SHADOWGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &ViperSource{v: v, current: cfg, changes: make(chan Config, 8)}

	v.OnConfigChange(func(e fsnotify.Event) {
		var reloaded Config
		if err := v.Unmarshal(&reloaded); err != nil {
			return
		}
		s.changes <- reloaded
	})
	v.WatchConfig()

	go s.reconcileLoop()

	return s, nil
}

func (s *ViperSource) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *ViperSource) OnChange(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Push applies an externally sourced configuration change (a cloud
// config-tunnel push) the same way a file-watch change would be.
func (s *ViperSource) Push(cfg Config) {
	s.changes <- cfg
}

func (s *ViperSource) reconcileLoop() {
	for cfg := range s.changes {
		if err := cfg.Validate(); err != nil {
			continue
		}
		s.mu.Lock()
		s.current = cfg
		listeners := append([]func(Config){}, s.listeners...)
		s.mu.Unlock()

		for _, fn := range listeners {
			fn(cfg)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/shadowgw.db")

	v.SetDefault("cloud.provider", "aws")
	v.SetDefault("cloud.region", "us-east-1")

	v.SetDefault("shadow.document_size_limit_bytes", 8192)
	v.SetDefault("shadow.max_state_depth", 6)

	v.SetDefault("sync.worker_pool_size", 4)
	v.SetDefault("sync.strategy", "realtime")
	v.SetDefault("sync.periodic_cron", "@every 5m")

	v.SetDefault("rate_limit.max_local_requests_per_thing_per_sec", 10)
	v.SetDefault("rate_limit.burst_per_thing", 20)
	v.SetDefault("rate_limit.max_total_local_request_rate", 200)
	v.SetDefault("rate_limit.total_burst", 400)

	v.SetDefault("pagination.token_format", "random_iv")
	v.SetDefault("pagination.single_use", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.log_dir", "./logs")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 14)

	v.SetDefault("telemetry.enabled", false)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".shadowgw")
}
