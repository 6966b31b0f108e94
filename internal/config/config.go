// Package config loads gateway configuration from an optional YAML file
// with environment-variable overrides on top. Every operational knob has
// a production default, so a bare `gateway` with credentials in the
// environment just works.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Cache     CacheConfig     `yaml:"cache"`
	Batch     BatchConfig     `yaml:"batch"`
	Merge     MergeConfig     `yaml:"merge"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Safety    SafetyConfig    `yaml:"safety"`
	Redis     RedisConfig     `yaml:"redis"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Transport selects stdio or http at startup.
	Transport string `yaml:"transport"`
}

type AuthConfig struct {
	// CredentialsFile points at a service-account JSON key; empty means
	// bearer tokens arrive per request.
	CredentialsFile  string   `yaml:"credentials_file"`
	RequiredScopes   []string `yaml:"required_scopes"`
	AuthorizationURL string   `yaml:"authorization_url"`
}

type CacheConfig struct {
	ValuesTTL      time.Duration `yaml:"values_ttl"`
	SpreadsheetTTL time.Duration `yaml:"spreadsheet_ttl"`
	MetadataTTL    time.Duration `yaml:"metadata_ttl"`
	CapabilityTTL  time.Duration `yaml:"capability_ttl"`
	BudgetBytes    int           `yaml:"budget_bytes"`
}

type BatchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Window       time.Duration `yaml:"window"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

type MergeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	MaxWindowSize int           `yaml:"max_window_size"`
	MergeAdjacent bool          `yaml:"merge_adjacent"`
}

type RefreshConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	ExpiryHorizon   time.Duration `yaml:"expiry_horizon"`
	Workers         int           `yaml:"workers"`
	MinPriority     int           `yaml:"min_priority"`
	TrackerCapacity int           `yaml:"tracker_capacity"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type SessionConfig struct {
	MaxPerUser  int           `yaml:"max_per_user"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type SafetyConfig struct {
	HighRiskCellThreshold int           `yaml:"high_risk_cell_threshold"`
	TransactionLifetime   time.Duration `yaml:"transaction_lifetime"`
}

type RedisConfig struct {
	// Addr empty disables the distributed tier entirely.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			Transport: "http",
		},
		Auth: AuthConfig{
			RequiredScopes: []string{
				"https://www.googleapis.com/auth/spreadsheets",
				"https://www.googleapis.com/auth/drive.file",
			},
		},
		Cache: CacheConfig{
			ValuesTTL:      2 * time.Minute,
			SpreadsheetTTL: 5 * time.Minute,
			MetadataTTL:    10 * time.Minute,
			CapabilityTTL:  time.Hour,
			BudgetBytes:    32 << 20,
		},
		Batch:   BatchConfig{Enabled: true, Window: 50 * time.Millisecond, MaxBatchSize: 100},
		Merge:   MergeConfig{Enabled: true, Window: 50 * time.Millisecond, MaxWindowSize: 100, MergeAdjacent: true},
		Refresh: RefreshConfig{Enabled: true, ScanInterval: 30 * time.Second, ExpiryHorizon: time.Minute, Workers: 2, MinPriority: 3, TrackerCapacity: 1000},
		Breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second},
		RateLimit: RateLimitConfig{
			Capacity:     50,
			RefillPerSec: 10,
		},
		Session: SessionConfig{MaxPerUser: 10, IdleTimeout: 30 * time.Minute},
		Safety:  SafetyConfig{HighRiskCellThreshold: 50000, TransactionLifetime: 5 * time.Minute},
	}
}

// Load builds the effective config: defaults, then the YAML file if
// present, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

// applyEnv overlays SHEETBRIDGE_* environment variables. Unset and
// malformed variables leave the current value alone; validate catches
// anything out of range afterwards.
func (c *Config) applyEnv() {
	envStr("SHEETBRIDGE_HOST", &c.Server.Host)
	envInt("SHEETBRIDGE_PORT", &c.Server.Port)
	envStr("SHEETBRIDGE_TRANSPORT", &c.Server.Transport)
	if v := os.Getenv("SHEETBRIDGE_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("SHEETBRIDGE_CREDENTIALS_FILE", &c.Auth.CredentialsFile)
	envStr("SHEETBRIDGE_AUTHORIZATION_URL", &c.Auth.AuthorizationURL)

	envDur("SHEETBRIDGE_CACHE_VALUES_TTL", &c.Cache.ValuesTTL)
	envDur("SHEETBRIDGE_CACHE_SPREADSHEET_TTL", &c.Cache.SpreadsheetTTL)
	envInt("SHEETBRIDGE_CACHE_BUDGET_BYTES", &c.Cache.BudgetBytes)

	envBool("SHEETBRIDGE_BATCH_ENABLED", &c.Batch.Enabled)
	envDur("SHEETBRIDGE_BATCH_WINDOW", &c.Batch.Window)
	envInt("SHEETBRIDGE_BATCH_MAX_SIZE", &c.Batch.MaxBatchSize)

	envBool("SHEETBRIDGE_MERGE_ENABLED", &c.Merge.Enabled)
	envDur("SHEETBRIDGE_MERGE_WINDOW", &c.Merge.Window)
	envInt("SHEETBRIDGE_MERGE_MAX_SIZE", &c.Merge.MaxWindowSize)

	envBool("SHEETBRIDGE_REFRESH_ENABLED", &c.Refresh.Enabled)
	envDur("SHEETBRIDGE_REFRESH_SCAN_INTERVAL", &c.Refresh.ScanInterval)
	envInt("SHEETBRIDGE_REFRESH_WORKERS", &c.Refresh.Workers)

	envInt("SHEETBRIDGE_BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	envDur("SHEETBRIDGE_BREAKER_RESET_TIMEOUT", &c.Breaker.ResetTimeout)

	envInt("SHEETBRIDGE_RATE_CAPACITY", &c.RateLimit.Capacity)
	envFloat("SHEETBRIDGE_RATE_REFILL_PER_SEC", &c.RateLimit.RefillPerSec)

	envInt("SHEETBRIDGE_SESSION_MAX_PER_USER", &c.Session.MaxPerUser)
	envDur("SHEETBRIDGE_SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)

	envInt("SHEETBRIDGE_SAFETY_HIGH_RISK_CELLS", &c.Safety.HighRiskCellThreshold)
	envDur("SHEETBRIDGE_TRANSACTION_LIFETIME", &c.Safety.TransactionLifetime)

	envStr("SHEETBRIDGE_REDIS_ADDR", &c.Redis.Addr)
	envStr("SHEETBRIDGE_REDIS_PASSWORD", &c.Redis.Password)
	envInt("SHEETBRIDGE_REDIS_DB", &c.Redis.DB)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Server.Transport {
	case "http", "stdio":
	default:
		return fmt.Errorf("invalid transport %q, expected http or stdio", c.Server.Transport)
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rate limit capacity and refill must be positive")
	}
	return nil
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDur(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
