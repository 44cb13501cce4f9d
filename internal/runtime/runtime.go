package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/config"
	"github.com/l0p7/carbonbadge/internal/metrics"
	"github.com/l0p7/carbonbadge/internal/runtime/cache"
	"github.com/l0p7/carbonbadge/internal/runtime/greenhost"
	"github.com/l0p7/carbonbadge/internal/runtime/measure"
	"github.com/l0p7/carbonbadge/internal/runtime/oracle"
	"github.com/l0p7/carbonbadge/internal/runtime/pipeline"
	"github.com/l0p7/carbonbadge/internal/templates"
)

// PipelineOptions wires the collaborators of a Pipeline. Nil collaborators
// fall back to in-memory or network defaults.
type PipelineOptions struct {
	Config            config.Config
	Cache             *cache.TTLCache
	CacheBackend      string
	Oracle            oracle.Querier
	Measurer          measure.Measurer
	Renderer          *templates.Renderer
	Metrics           *metrics.Recorder
	CorrelationHeader string

	// Sleep and Clock replace timer waits and wall-clock reads.
	Sleep func(ctx context.Context, d time.Duration) error
	Clock func() time.Time
}

// ResolveOptions carries per-call overrides. Zero values select the
// configured defaults.
type ResolveOptions struct {
	Mode          carbon.Mode
	TTL           time.Duration
	GreenHost     *bool
	CorrelationID string
}

// settings is the reloadable part of the configuration.
type settings struct {
	mode       carbon.Mode
	ttl        time.Duration
	theme      templates.Theme
	creds      oracle.Credentials
	maxRetries int
	maxBackoff time.Duration
	green      *greenhost.Policy
}

// Pipeline resolves subjects to Results: cache first, then the estimator or
// the resilient oracle fetch depending on mode.
type Pipeline struct {
	logger            *slog.Logger
	fetchLogger       *slog.Logger
	estimateLogger    *slog.Logger
	greenLogger       *slog.Logger
	cache             *cache.TTLCache
	cacheBackend      string
	oracle            oracle.Querier
	measurer          measure.Measurer
	placeholderBytes  int64
	renderer          *templates.Renderer
	metrics           *metrics.Recorder
	correlationHeader string
	sleep             sleeper
	now               func() time.Time

	mu       sync.RWMutex
	settings settings
}

func NewPipeline(logger *slog.Logger, opts PipelineOptions) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := sleeper(opts.Sleep)
	if sleep == nil {
		sleep = sleepContext
	}
	ttlCache := opts.Cache
	if ttlCache == nil {
		ttlCache = cache.NewTTLCache(cache.NewMemory(opts.Config.Server.Cache.MaxEntries), cache.Options{
			Namespace: opts.Config.Server.Cache.Namespace,
			Clock:     clock,
			Logger:    logger,
			Metrics:   opts.Metrics,
		})
	}
	querier := opts.Oracle
	if querier == nil {
		querier = oracle.NewClient(oracle.Options{
			BaseURL:           opts.Config.Oracle.BaseURL,
			APIKey:            opts.Config.Oracle.Credential,
			Timeout:           opts.Config.Oracle.Timeout(),
			RequestsPerSecond: opts.Config.Oracle.RequestsPerSecond,
			Burst:             opts.Config.Oracle.Burst,
			Clock:             clock,
			Logger:            logger,
		})
	}
	measurer := opts.Measurer
	if measurer == nil {
		measurer = measure.NewHTTPMeasurer(measure.HTTPOptions{
			Timeout:              opts.Config.Measure.Timeout(),
			MaxResources:         opts.Config.Measure.MaxResources,
			MaxResourceBytes:     opts.Config.Measure.MaxResourceBytes,
			DefaultPageBytes:     opts.Config.Measure.DefaultPageBytes,
			UserAgent:            opts.Config.Measure.UserAgent,
			AllowPrivateNetworks: opts.Config.Measure.AllowPrivateNetworks,
			Logger:               logger,
		})
	}
	renderer := opts.Renderer
	if renderer == nil {
		var err error
		if renderer, err = templates.NewRenderer(nil, logger); err != nil {
			return nil, err
		}
	}
	placeholderBytes := opts.Config.Measure.DefaultPageBytes
	if placeholderBytes <= 0 {
		placeholderBytes = measure.DefaultPageBytes
	}
	backend := strings.TrimSpace(opts.CacheBackend)
	if backend == "" {
		backend = "memory"
	}

	p := &Pipeline{
		logger:         logger.With(slog.String("agent", "pipeline")),
		fetchLogger:    logger.With(slog.String("agent", "fetch")),
		estimateLogger: logger.With(slog.String("agent", "estimate")),
		greenLogger:    logger,
		cache:          ttlCache,
		cacheBackend:   backend,
		oracle: &instrumentedOracle{
			inner:   querier,
			metrics: opts.Metrics,
			logger:  logger.With(slog.String("agent", "oracle_fetch")),
		},
		measurer:          measurer,
		placeholderBytes:  placeholderBytes,
		renderer:          renderer,
		metrics:           opts.Metrics,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		sleep:             sleep,
		now:               clock,
	}
	if err := p.Reload(opts.Config); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload applies the badge and oracle sections of cfg to subsequent resolves.
// In-flight resolves keep the settings they started with. On error the
// previous settings stay in effect.
func (p *Pipeline) Reload(cfg config.Config) error {
	green, err := greenhost.New(greenhost.Config{
		Default: cfg.Badge.GreenHost,
		Domains: cfg.Badge.GreenDomains,
		Rules:   cfg.Badge.GreenRules,
	}, p.greenLogger)
	if err != nil {
		return fmt.Errorf("runtime: reload: %w", err)
	}
	mode, err := carbon.ParseMode(cfg.Badge.Mode)
	if err != nil {
		return fmt.Errorf("runtime: reload: %w", err)
	}
	ttl := cfg.Badge.TTL()
	if ttl <= 0 {
		ttl = config.DefaultConfig().Badge.TTL()
	}
	maxRetries := cfg.Oracle.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	maxBackoff := cfg.Oracle.MaxBackoff()
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	next := settings{
		mode:  mode,
		ttl:   ttl,
		theme: templates.ParseTheme(cfg.Badge.Theme, templates.ThemeDark),
		creds: oracle.Credentials{
			BaseURL: cfg.Oracle.BaseURL,
			APIKey:  cfg.Oracle.Credential,
		},
		maxRetries: maxRetries,
		maxBackoff: maxBackoff,
		green:      green,
	}
	p.mu.Lock()
	p.settings = next
	p.mu.Unlock()

	p.logger.Info("pipeline settings applied",
		slog.String("mode", string(mode)),
		slog.Duration("ttl", ttl),
		slog.Int("max_retries", maxRetries),
	)
	return nil
}

func (p *Pipeline) snapshot() settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Close releases the cache's storage medium.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close(ctx)
}

// Resolve returns a Result for subject. A fresh cache entry short-circuits
// both the oracle and the estimator. Otherwise expired entries are swept and
// the Result is acquired per mode and cached before returning.
//
// Errors are ErrInvalidSubject, for a subject that is not an absolute http(s)
// URL, and ErrAcquisitionExhausted, when ctx ends mid-acquisition. The
// returned state is never nil.
func (p *Pipeline) Resolve(ctx context.Context, subject string, opts ResolveOptions) (*pipeline.State, error) {
	start := p.now()
	current := p.snapshot()
	mode := opts.Mode
	if mode == "" {
		mode = current.mode
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = current.ttl
	}

	subject = strings.TrimSpace(subject)
	state := pipeline.NewState(subject, mode, opts.CorrelationID, start)
	logger := p.logger.With(
		slog.String("subject", subject),
		slog.String("mode", string(mode)),
	)
	if opts.CorrelationID != "" {
		logger = logger.With(slog.String("correlation_id", opts.CorrelationID))
	}

	if err := validateSubject(subject); err != nil {
		logger.Warn("resolve rejected", slog.Any("error", err))
		return state, err
	}

	if result, ok := p.cache.Lookup(ctx, subject, ttl); ok {
		state.FromCache = true
		state.Finish(result)
		p.complete(ctx, logger, state)
		return state, nil
	}

	p.cache.Sweep(ctx, ttl)

	greenHost := current.green.Resolve(subject, opts.GreenHost)
	estimator := &estimateAgent{
		measurer:         p.measurer,
		placeholderBytes: p.placeholderBytes,
		now:              p.now,
		logger:           p.estimateLogger,
	}
	estimate := func(ctx context.Context) carbon.Result {
		return estimator.Estimate(ctx, subject, greenHost, state)
	}

	switch mode {
	case carbon.ModeEstimate:
		state.Transition(pipeline.PhaseEstimating)
		result := estimate(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := fmt.Errorf("%w: %w", carbon.ErrAcquisitionExhausted, ctxErr)
			logger.Warn("estimation abandoned", slog.Any("error", err))
			return state, err
		}
		p.cache.Put(ctx, subject, result)
		state.Finish(result)
	default:
		fetcher := &fetchAgent{
			oracle:     p.oracle,
			cache:      p.cache,
			maxRetries: current.maxRetries,
			maxBackoff: current.maxBackoff,
			sleep:      p.sleep,
			now:        p.now,
			logger:     p.fetchLogger,
		}
		if _, err := fetcher.Acquire(ctx, subject, current.creds, estimate, state); err != nil {
			logger.Warn("acquisition abandoned",
				slog.Any("error", err),
				slog.Int("oracle_calls", state.OracleCalls()),
			)
			return state, err
		}
	}

	p.complete(ctx, logger, state)
	return state, nil
}

func (p *Pipeline) complete(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	duration := p.now().Sub(state.StartedAt)
	logger.Info("resolve completed",
		slog.String("source", string(state.Result.Source)),
		slog.String("score", string(state.Result.Score)),
		slog.Bool("from_cache", state.FromCache),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	if logger.Enabled(ctx, slog.LevelDebug) && !state.FromCache {
		logger.Debug("acquisition trace",
			slog.Any("phases", state.Phases),
			slog.Any("attempts", state.SummarizeAttempts()),
			slog.Any("measurement", state.Measurement),
		)
	}
	p.metrics.ObserveResolve(string(state.Mode), string(state.Result.Source), state.FromCache, duration)
}

// validateSubject accepts absolute http and https URLs with a host.
func validateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: empty", carbon.ErrInvalidSubject)
	}
	parsed, err := url.Parse(subject)
	if err != nil {
		return fmt.Errorf("%w: %v", carbon.ErrInvalidSubject, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not supported", carbon.ErrInvalidSubject, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("%w: host required", carbon.ErrInvalidSubject)
	}
	return nil
}
