package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"codesandbox/internal/common/cache"
	commonmw "codesandbox/internal/common/http/middleware"
	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/language"
	"codesandbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:5000"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxBodyBytes    = 10 * 1024 * 1024
	defaultMetricsPath     = "/metrics"

	defaultQueueTimeout   = 10 * time.Second
	defaultDeadlineMargin = 2 * time.Second

	defaultRateLimitMax    = 30
	defaultRateLimitWindow = time.Minute
	defaultRedisTimeout    = 100 * time.Millisecond

	rateLimitBackendRedis = "redis"
	rateLimitBackendLocal = "local"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	Gzip         bool          `yaml:"gzip"`

	// TrustedProxies lists IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// SandboxConfig holds workspace and engine settings.
type SandboxConfig struct {
	WorkRoot string        `yaml:"workRoot"`
	Engine   engine.Config `yaml:"engine"`
}

// DispatchConfig holds admission settings.
type DispatchConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	QueueTimeout   time.Duration `yaml:"queueTimeout"`
	DeadlineMargin time.Duration `yaml:"deadlineMargin"`
	MaxCodeBytes   int           `yaml:"maxCodeBytes"`
	MaxInputBytes  int           `yaml:"maxInputBytes"`
}

// RateLimitConfig holds per-client submission limits.
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"`
	Max          int           `yaml:"max"`
	Window       time.Duration `yaml:"window"`
	RedisTimeout time.Duration `yaml:"redisTimeout"`
}

// LanguageConfig holds limit defaults and language definitions that add to
// or replace the builtins.
type LanguageConfig struct {
	CompileDefaults language.LimitsConfig   `yaml:"compileDefaults"`
	RunDefaults     language.LimitsConfig   `yaml:"runDefaults"`
	Languages       []language.LanguageSpec `yaml:"languages"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig holds sandbox-service config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Dispatch  DispatchConfig      `yaml:"dispatch"`
	RateLimit RateLimitConfig     `yaml:"rateLimit"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	Language  LanguageConfig      `yaml:"language"`
	CORS      commonmw.CORSConfig `yaml:"cors"`
	Metrics   MetricsConfig       `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	for _, proxy := range cfg.Server.TrustedProxies {
		if !validProxy(proxy) {
			return nil, fmt.Errorf("invalid trusted proxy: %s", proxy)
		}
	}
	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = filepath.Join(os.TempDir(), "codesandbox")
	}
	if cfg.Dispatch.PoolSize <= 0 {
		cfg.Dispatch.PoolSize = runtime.NumCPU()
	}
	if cfg.Dispatch.QueueTimeout == 0 {
		cfg.Dispatch.QueueTimeout = defaultQueueTimeout
	}
	if cfg.Dispatch.DeadlineMargin == 0 {
		cfg.Dispatch.DeadlineMargin = defaultDeadlineMargin
	}
	if err := applyRateLimitDefaults(&cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.Backend == rateLimitBackendRedis {
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis addr is required for the redis rate limit backend")
		}
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Sandbox.Engine.EnableSeccomp && cfg.Sandbox.Engine.SeccompProfile == "" {
		return nil, fmt.Errorf("seccomp profile is required when seccomp is enabled")
	}
	return &cfg, nil
}

func validProxy(proxy string) bool {
	if strings.Contains(proxy, "/") {
		_, _, err := net.ParseCIDR(proxy)
		return err == nil
	}
	return net.ParseIP(proxy) != nil
}

func applyRateLimitDefaults(cfg *RateLimitConfig) error {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = rateLimitBackendLocal
	}
	if cfg.Backend != rateLimitBackendLocal && cfg.Backend != rateLimitBackendRedis {
		return fmt.Errorf("unknown rate limit backend: %s", cfg.Backend)
	}
	if cfg.Max <= 0 {
		cfg.Max = defaultRateLimitMax
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultRateLimitWindow
	}
	if cfg.RedisTimeout <= 0 {
		cfg.RedisTimeout = defaultRedisTimeout
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
}

func (l LanguageConfig) defaults() language.Defaults {
	return language.DefaultLimits().Override(l.CompileDefaults, l.RunDefaults)
}

func (l LanguageConfig) specs() []language.LanguageSpec {
	return language.MergeSpecs(language.BuiltinSpecs(), l.Languages)
}
