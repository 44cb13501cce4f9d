package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/l0p7/carbonbadge/internal/config"
	"github.com/l0p7/carbonbadge/internal/logging"
	"github.com/l0p7/carbonbadge/internal/runtime/cache"
)

const defaultCacheDir = ".carbonbadge/cache"

type rootOptions struct {
	configFile string
	envPrefix  string
	cacheDir   string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "carbonctl",
		Short:         "Score web pages by estimated CO2e per visit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "configuration file (yaml, json, or toml)")
	flags.StringVar(&opts.envPrefix, "env-prefix", "CARBONBADGE", "environment variable prefix")
	flags.StringVar(&opts.cacheDir, "cache-dir", defaultCacheDir, "badger directory used when the configured backend is memory")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newScoreCommand(opts),
		newEstimateCommand(),
		newSweepCommand(opts),
	)
	return root
}

// load reads the configuration and builds a logger writing to errOut.
func (o *rootOptions) load(ctx context.Context, errOut io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.NewLoader(o.envPrefix, o.configFile).Load(ctx)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	logCfg := cfg.Server.Logging
	logCfg.Format = "text"
	logCfg.CorrelationHeader = ""
	logCfg.Level = "warn"
	if o.verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.NewWithWriter(logCfg, errOut)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configure logger: %w", err)
	}
	return cfg, logger, nil
}

// storeConfig swaps the process-local memory backend for badger so results
// persist between invocations.
func (o *rootOptions) storeConfig(cfg config.ServerCacheConfig) config.ServerCacheConfig {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend != "" && backend != cache.BackendMemory {
		return cfg
	}
	dir := strings.TrimSpace(o.cacheDir)
	if dir == "" {
		return cfg
	}
	cfg.Backend = cache.BackendBadger
	cfg.Badger = config.ServerBadgerCacheConfig{Path: dir}
	return cfg
}

func (o *rootOptions) openCache(cfg config.Config, logger *slog.Logger) (*cache.TTLCache, string, error) {
	store, backend, err := cache.Open(o.storeConfig(cfg.Server.Cache), logger)
	if err != nil {
		return nil, "", fmt.Errorf("open cache: %w", err)
	}
	return cache.NewTTLCache(store, cache.Options{
		Namespace: cfg.Server.Cache.Namespace,
		Logger:    logger,
	}), backend, nil
}
