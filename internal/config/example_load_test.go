package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	// Get the project root (config package is at internal/config)
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "carbonbadge",
			path: "examples/configs/carbonbadge.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "badger", cfg.Server.Cache.Backend)
				require.Equal(t, "./data/cache", cfg.Server.Cache.Badger.Path)
				require.Equal(t, "api", cfg.Badge.Mode)
				require.Equal(t, []string{"thegreenwebfoundation.org"}, cfg.Badge.GreenDomains)
				require.Len(t, cfg.Badge.GreenRules, 1)
				require.InDelta(t, 5.0, cfg.Oracle.RequestsPerSecond, 1e-9)
				require.Equal(t, 2, cfg.Oracle.Burst)
			},
		},
		{
			name: "estimate-redis",
			path: "examples/configs/estimate-redis.toml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "redis", cfg.Server.Cache.Backend)
				require.Equal(t, "127.0.0.1:6379", cfg.Server.Cache.Redis.Address)
				require.Equal(t, 2, cfg.Server.Cache.Redis.DB)
				require.Equal(t, "estimate", cfg.Badge.Mode)
				require.Equal(t, 60, cfg.Badge.TTLMinutes)
				require.True(t, cfg.Badge.GreenHost)
			},
		},
	}

	for _, example := range examples {
		t.Run(example.name, func(t *testing.T) {
			cfg, err := NewLoader("", filepath.Join(projectRoot, example.path)).Load(context.Background())
			require.NoError(t, err)
			example.validate(t, cfg)
		})
	}
}
