package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores camelCase paths that env variables flatten to lowercase.
var canonicalKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.templates.templatesfolder": "server.templates.templatesFolder",
	"server.cache.maxentries":          "server.cache.maxEntries",
	"server.cache.redis.tls.cafile":    "server.cache.redis.tls.caFile",
	"server.cache.badger.inmemory":     "server.cache.badger.inMemory",
	"oracle.baseurl":                   "oracle.baseUrl",
	"oracle.timeoutseconds":            "oracle.timeoutSeconds",
	"oracle.maxretries":                "oracle.maxRetries",
	"oracle.maxbackoffseconds":         "oracle.maxBackoffSeconds",
	"oracle.requestspersecond":         "oracle.requestsPerSecond",
	"badge.ttlminutes":                 "badge.ttlMinutes",
	"badge.greenhost":                  "badge.greenHost",
	"badge.greendomains":               "badge.greenDomains",
	"badge.greenrules":                 "badge.greenRules",
	"measure.timeoutseconds":           "measure.timeoutSeconds",
	"measure.maxresources":             "measure.maxResources",
	"measure.maxresourcebytes":         "measure.maxResourceBytes",
	"measure.defaultpagebytes":         "measure.defaultPageBytes",
	"measure.useragent":                "measure.userAgent",
	"measure.allowprivatenetworks":     "measure.allowPrivateNetworks",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	var sources []string
	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (BADGE__TTLMINUTES -> badge.ttlMinutes).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so TTL_MINUTES collapses into ttlminutes.
			lower = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Comma-separated env values arrive as a single string element.
	cfg.Badge.GreenDomains = splitList(cfg.Badge.GreenDomains)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"namespace":  cfg.Server.Cache.Namespace,
				"maxEntries": cfg.Server.Cache.MaxEntries,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
				"badger": map[string]any{
					"path":     cfg.Server.Cache.Badger.Path,
					"inMemory": cfg.Server.Cache.Badger.InMemory,
				},
			},
		},
		"oracle": map[string]any{
			"baseUrl":           cfg.Oracle.BaseURL,
			"credential":        cfg.Oracle.Credential,
			"timeoutSeconds":    cfg.Oracle.TimeoutSeconds,
			"maxRetries":        cfg.Oracle.MaxRetries,
			"maxBackoffSeconds": cfg.Oracle.MaxBackoffSeconds,
			"requestsPerSecond": cfg.Oracle.RequestsPerSecond,
			"burst":             cfg.Oracle.Burst,
		},
		"badge": map[string]any{
			"mode":         cfg.Badge.Mode,
			"ttlMinutes":   cfg.Badge.TTLMinutes,
			"greenHost":    cfg.Badge.GreenHost,
			"greenDomains": cfg.Badge.GreenDomains,
			"greenRules":   cfg.Badge.GreenRules,
			"theme":        cfg.Badge.Theme,
		},
		"measure": map[string]any{
			"timeoutSeconds":       cfg.Measure.TimeoutSeconds,
			"maxResources":         cfg.Measure.MaxResources,
			"maxResourceBytes":     cfg.Measure.MaxResourceBytes,
			"defaultPageBytes":     cfg.Measure.DefaultPageBytes,
			"userAgent":            cfg.Measure.UserAgent,
			"allowPrivateNetworks": cfg.Measure.AllowPrivateNetworks,
		},
	}
}
