package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/carbonbadge/internal/config"
	"github.com/l0p7/carbonbadge/internal/logging"
	"github.com/l0p7/carbonbadge/internal/metrics"
	"github.com/l0p7/carbonbadge/internal/runtime"
	"github.com/l0p7/carbonbadge/internal/runtime/cache"
	"github.com/l0p7/carbonbadge/internal/server"
	"github.com/l0p7/carbonbadge/internal/templates"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, func(config.Config), func(error)) (configWatcher, error)
}

type configWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

// loaderAdapter narrows *config.Watcher to the configWatcher interface.
type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	return l.Loader.Watch(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file (yaml, json, or toml)")
		envPrefix  = flag.String("env-prefix", "CARBONBADGE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store, backend := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	resultCache := cache.NewTTLCache(store, cache.Options{
		Namespace: cfg.Server.Cache.Namespace,
		Logger:    logger,
		Metrics:   metricsRecorder,
	})

	var templateSandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			templateSandbox = sandbox
		}
	}
	renderer, err := templates.NewRenderer(templateSandbox, logger)
	if err != nil {
		_ = resultCache.Close(ctx)
		return fmt.Errorf("load badge templates: %w", err)
	}

	pipe, err := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Config:            cfg,
		Cache:             resultCache,
		CacheBackend:      backend,
		Renderer:          renderer,
		Metrics:           metricsRecorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		_ = resultCache.Close(ctx)
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if len(cfg.Sources) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			if err := pipe.Reload(next); err != nil {
				logger.Error("config reload rejected", slog.Any("error", err))
				return
			}
			logger.Info("config reloaded", slog.Any("sources", next.Sources))
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewPipelineHandler(pipe))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildCacheStore opens the configured storage medium, falling back to memory
// when the backend cannot be reached.
func buildCacheStore(logger *slog.Logger, cfg config.ServerCacheConfig) (cache.Store, string) {
	store, backend, err := cache.Open(cfg, logger)
	if err != nil {
		if logger != nil {
			logger.Error("cache backend initialization failed", slog.String("backend", cfg.Backend), slog.Any("error", err))
			logger.Info("falling back to memory cache")
		}
		return cache.NewMemory(cfg.MaxEntries), cache.BackendMemory
	}
	if logger != nil {
		logger.Info("using result cache", slog.String("backend", backend))
	}
	return store, backend
}
