package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the badge, oracle, and
// measurement defaults applied to each resolve.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Oracle  OracleConfig  `koanf:"oracle"`
	Badge   BadgeConfig   `koanf:"badge"`
	Measure MeasureConfig `koanf:"measure"`

	// Sources records the files that contributed to this snapshot. The watcher
	// observes exactly these paths.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the process bootstrap knobs.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig points at an optional folder of badge template overrides.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

type ServerCacheConfig struct {
	Backend    string                  `koanf:"backend"`
	Namespace  string                  `koanf:"namespace"`
	MaxEntries int                     `koanf:"maxEntries"`
	Redis      ServerRedisCacheConfig  `koanf:"redis"`
	Badger     ServerBadgerCacheConfig `koanf:"badger"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ServerBadgerCacheConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"inMemory"`
}

// OracleConfig addresses the remote scoring service.
type OracleConfig struct {
	BaseURL           string  `koanf:"baseUrl"`
	Credential        string  `koanf:"credential"`
	TimeoutSeconds    int     `koanf:"timeoutSeconds"`
	MaxRetries        int     `koanf:"maxRetries"`
	MaxBackoffSeconds int     `koanf:"maxBackoffSeconds"`
	// RequestsPerSecond throttles oracle calls client-side; zero disables.
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

// Timeout converts TimeoutSeconds to a duration.
func (c OracleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxBackoff converts MaxBackoffSeconds to a duration.
func (c OracleConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// BadgeConfig holds the per-resolve defaults a request may override.
type BadgeConfig struct {
	Mode         string   `koanf:"mode"`
	TTLMinutes   int      `koanf:"ttlMinutes"`
	GreenHost    bool     `koanf:"greenHost"`
	GreenDomains []string `koanf:"greenDomains"`
	GreenRules   []string `koanf:"greenRules"`
	Theme        string   `koanf:"theme"`
}

// TTL converts TTLMinutes to a duration.
func (c BadgeConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// MeasureConfig bounds the page-weight measurement used for estimates.
type MeasureConfig struct {
	TimeoutSeconds   int    `koanf:"timeoutSeconds"`
	MaxResources     int    `koanf:"maxResources"`
	MaxResourceBytes int64  `koanf:"maxResourceBytes"`
	DefaultPageBytes int64  `koanf:"defaultPageBytes"`
	UserAgent        string `koanf:"userAgent"`

	// AllowPrivateNetworks lets measurement reach loopback and private ranges.
	AllowPrivateNetworks bool `koanf:"allowPrivateNetworks"`
}

// Timeout converts TimeoutSeconds to a duration.
func (c MeasureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: server.cache.maxEntries invalid: %d", c.Server.Cache.MaxEntries)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	case "badger":
		if strings.TrimSpace(c.Server.Cache.Badger.Path) == "" && !c.Server.Cache.Badger.InMemory {
			return errors.New("config: server.cache.badger.path required unless inMemory")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}

	if c.Oracle.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: oracle.timeoutSeconds invalid: %d", c.Oracle.TimeoutSeconds)
	}
	if c.Oracle.MaxRetries < 0 {
		return fmt.Errorf("config: oracle.maxRetries invalid: %d", c.Oracle.MaxRetries)
	}
	if c.Oracle.MaxBackoffSeconds <= 0 {
		return fmt.Errorf("config: oracle.maxBackoffSeconds invalid: %d", c.Oracle.MaxBackoffSeconds)
	}
	if c.Oracle.RequestsPerSecond < 0 || c.Oracle.Burst < 0 {
		return errors.New("config: oracle.requestsPerSecond and oracle.burst must not be negative")
	}

	switch strings.TrimSpace(strings.ToLower(c.Badge.Mode)) {
	case "", "api", "estimate":
	default:
		return fmt.Errorf("config: badge.mode unsupported: %s", c.Badge.Mode)
	}
	if c.Badge.TTLMinutes <= 0 {
		return fmt.Errorf("config: badge.ttlMinutes invalid: %d", c.Badge.TTLMinutes)
	}
	switch strings.TrimSpace(strings.ToLower(c.Badge.Theme)) {
	case "", "dark", "light":
	default:
		return fmt.Errorf("config: badge.theme unsupported: %s", c.Badge.Theme)
	}
	for i, rule := range c.Badge.GreenRules {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("config: badge.greenRules[%d] empty", i)
		}
	}

	if c.Measure.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: measure.timeoutSeconds invalid: %d", c.Measure.TimeoutSeconds)
	}
	if c.Measure.MaxResources < 0 {
		return fmt.Errorf("config: measure.maxResources invalid: %d", c.Measure.MaxResources)
	}
	if c.Measure.DefaultPageBytes < 0 {
		return fmt.Errorf("config: measure.defaultPageBytes invalid: %d", c.Measure.DefaultPageBytes)
	}
	return nil
}

// DefaultConfig returns the baseline values applied beneath files and env.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				Namespace:  "cwb:",
				MaxEntries: 10000,
			},
		},
		Oracle: OracleConfig{
			BaseURL:           "https://api.cometweb.io/api",
			TimeoutSeconds:    10,
			MaxRetries:        3,
			MaxBackoffSeconds: 30,
		},
		Badge: BadgeConfig{
			Mode:       "api",
			TTLMinutes: 720,
			Theme:      "dark",
		},
		Measure: MeasureConfig{
			TimeoutSeconds:   10,
			MaxResources:     64,
			MaxResourceBytes: 10 << 20,
			DefaultPageBytes: 512000,
			UserAgent:        "carbonbadge/1.0 (+https://github.com/l0p7/carbonbadge)",
		},
	}
}
