package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/runtime/cache"
	"github.com/l0p7/carbonbadge/internal/runtime/oracle"
	"github.com/l0p7/carbonbadge/internal/runtime/pipeline"
)

const (
	// DefaultMaxRetries bounds oracle calls per acquisition.
	DefaultMaxRetries = 3
	// DefaultMaxBackoff caps the exponential schedule.
	DefaultMaxBackoff = 30 * time.Second
	baseBackoff       = time.Second
)

// sleeper waits for d or until ctx ends, whichever comes first.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetchAgent acquires a Result from the oracle, retrying rate limits and
// failures within a shared budget and degrading to the estimator once the
// budget is spent. Every terminal Result is written to the cache.
type fetchAgent struct {
	oracle     oracle.Querier
	cache      *cache.TTLCache
	maxRetries int
	maxBackoff time.Duration
	sleep      sleeper
	now        func() time.Time
	logger     *slog.Logger
}

// Acquire runs the acquisition state machine for subject. estimate is invoked
// at most once. The only error is ErrAcquisitionExhausted, returned when ctx
// ends first; nothing is cached in that case.
func (a *fetchAgent) Acquire(ctx context.Context, subject string, creds oracle.Credentials, estimate func(context.Context) carbon.Result, state *pipeline.State) (carbon.Result, error) {
	var interim *carbon.Result

	for attempt := 0; attempt < a.maxRetries; attempt++ {
		state.Transition(pipeline.PhaseQuerying)
		start := a.now()
		result, err := a.oracle.Query(ctx, subject, creds)
		entry := pipeline.AttemptEntry{Attempt: attempt + 1, Duration: a.now().Sub(start)}

		if err == nil {
			entry.Outcome = pipeline.OutcomeOK
			state.Record(entry)
			a.cache.Put(ctx, subject, result)
			state.Finish(result)
			return result, nil
		}

		entry.Error = err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			entry.Outcome = pipeline.OutcomeFailed
			state.Record(entry)
			return carbon.Result{}, fmt.Errorf("%w: %w", carbon.ErrAcquisitionExhausted, ctxErr)
		}

		var delay time.Duration
		var limited *oracle.RateLimitedError
		if errors.As(err, &limited) {
			entry.Outcome = pipeline.OutcomeRateLimited
			delay = limited.RetryAfter
			if delay <= 0 {
				delay = a.backoff(attempt)
			}
		} else {
			entry.Outcome = pipeline.OutcomeFailed
			if interim == nil {
				state.Transition(pipeline.PhaseFallbackThenRetry)
				r := estimate(ctx)
				interim = &r
			}
			delay = a.backoff(attempt)
		}

		if attempt+1 >= a.maxRetries {
			state.Record(entry)
			break
		}
		if delay > a.maxBackoff {
			state.Record(entry)
			a.logger.Debug("oracle retry hint exceeds backoff cap",
				slog.String("subject", subject),
				slog.Duration("retry_after", delay),
				slog.Duration("max_backoff", a.maxBackoff),
			)
			break
		}
		entry.Delay = delay
		state.Record(entry)

		state.Transition(pipeline.PhaseWaiting)
		if err := a.sleep(ctx, delay); err != nil {
			return carbon.Result{}, fmt.Errorf("%w: %w", carbon.ErrAcquisitionExhausted, err)
		}
	}

	state.Transition(pipeline.PhaseFallback)
	var result carbon.Result
	if interim != nil {
		result = *interim
	} else {
		result = estimate(ctx)
	}
	// Measurement against a dead context yields fallback figures.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return carbon.Result{}, fmt.Errorf("%w: %w", carbon.ErrAcquisitionExhausted, ctxErr)
	}
	a.cache.Put(ctx, subject, result)
	state.Finish(result)
	return result, nil
}

// backoff returns min(1s * 2^attempt, maxBackoff).
func (a *fetchAgent) backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return a.maxBackoff
	}
	return min(baseBackoff<<attempt, a.maxBackoff)
}
