package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Tier names a deployment resource budget, selected by gateway host
// capacity rather than by feature set.
type Tier string

const (
	// TierEdge targets a constrained gateway host (Pi-class, <1GB RAM)
	// fronting a small number of things.
	TierEdge Tier = "edge"

	// TierStandard targets a typical single-gateway deployment.
	TierStandard Tier = "standard"

	// TierFleet targets a gateway fronting a large fleet of things
	// with higher sustained local write volume.
	TierFleet Tier = "fleet"
)

// TierProfile bounds the sync engine's resource usage for a deployment
// tier: worker pool size, per-thing and aggregate local rate limits,
// and document size ceiling.
type TierProfile struct {
	Name Tier `mapstructure:"name"`

	SyncWorkerPoolSize int `mapstructure:"sync_worker_pool_size"`

	MaxLocalRequestsPerThingPerSec float64 `mapstructure:"max_local_requests_per_thing_per_sec"`
	BurstPerThing                  float64 `mapstructure:"burst_per_thing"`
	MaxTotalLocalRequestRate       float64 `mapstructure:"max_total_local_request_rate"`
	TotalBurst                     float64 `mapstructure:"total_burst"`

	DocumentSizeLimitBytes int `mapstructure:"document_size_limit_bytes"`
}

// DefaultTierProfiles returns the built-in resource budgets per tier.
func DefaultTierProfiles() map[Tier]*TierProfile {
	return map[Tier]*TierProfile{
		TierEdge: {
			Name:                           TierEdge,
			SyncWorkerPoolSize:             2,
			MaxLocalRequestsPerThingPerSec: 2,
			BurstPerThing:                  4,
			MaxTotalLocalRequestRate:       20,
			TotalBurst:                     40,
			DocumentSizeLimitBytes:         4096,
		},
		TierStandard: {
			Name:                           TierStandard,
			SyncWorkerPoolSize:             4,
			MaxLocalRequestsPerThingPerSec: 10,
			BurstPerThing:                  20,
			MaxTotalLocalRequestRate:       200,
			TotalBurst:                     400,
			DocumentSizeLimitBytes:         8192,
		},
		TierFleet: {
			Name:                           TierFleet,
			SyncWorkerPoolSize:             16,
			MaxLocalRequestsPerThingPerSec: 10,
			BurstPerThing:                  20,
			MaxTotalLocalRequestRate:       2000,
			TotalBurst:                     4000,
			DocumentSizeLimitBytes:         30720,
		},
	}
}

// LoadTierProfile loads a tier's resource budget, applying any
// operator override file on top of the built-in defaults.
func LoadTierProfile(tierName string) (*TierProfile, error) {
	tier := Tier(tierName)

	defaults, exists := DefaultTierProfiles()[tier]
	if !exists {
		return nil, fmt.Errorf("config: unknown tier %q", tierName)
	}

	v := viper.New()
	v.SetConfigName(fmt.Sprintf("tier-%s", tierName))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(getConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read tier config: %w", err)
		}
		return defaults, nil
	}

	cfg := *defaults
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal tier config: %w", err)
	}
	return &cfg, nil
}

// DetectTier picks a tier from host capacity: CPU count stands in for
// the gateway host's headroom when no tier is configured explicitly.
func DetectTier() Tier {
	cpus := runtime.NumCPU()
	switch {
	case cpus <= 1:
		return TierEdge
	case cpus <= 4:
		return TierStandard
	default:
		return TierFleet
	}
}

// ValidateTierProfile checks a tier profile's invariants.
func ValidateTierProfile(cfg *TierProfile) error {
	if cfg.SyncWorkerPoolSize < 1 {
		return fmt.Errorf("sync_worker_pool_size must be at least 1")
	}
	if cfg.MaxLocalRequestsPerThingPerSec <= 0 {
		return fmt.Errorf("max_local_requests_per_thing_per_sec must be positive")
	}
	if cfg.DocumentSizeLimitBytes < 1 || cfg.DocumentSizeLimitBytes > 30720 {
		return fmt.Errorf("document_size_limit_bytes must be between 1 and 30720")
	}
	return nil
}

// SaveTierProfile persists an operator-adjusted tier profile for reuse
// across restarts.
func SaveTierProfile(tierName string, cfg *TierProfile) error {
	configPath := filepath.Join(getConfigDir(), fmt.Sprintf("tier-%s.yaml", tierName))
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	v := viper.New()
	v.Set("name", cfg.Name)
	v.Set("sync_worker_pool_size", cfg.SyncWorkerPoolSize)
	v.Set("max_local_requests_per_thing_per_sec", cfg.MaxLocalRequestsPerThingPerSec)
	v.Set("burst_per_thing", cfg.BurstPerThing)
	v.Set("max_total_local_request_rate", cfg.MaxTotalLocalRequestRate)
	v.Set("total_burst", cfg.TotalBurst)
	v.Set("document_size_limit_bytes", cfg.DocumentSizeLimitBytes)

	return v.WriteConfigAs(configPath)
}
