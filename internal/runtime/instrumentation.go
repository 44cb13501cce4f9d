package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/metrics"
	"github.com/l0p7/carbonbadge/internal/runtime/oracle"
)

// instrumentedOracle logs and counts every oracle request.
type instrumentedOracle struct {
	inner   oracle.Querier
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func (o *instrumentedOracle) Query(ctx context.Context, subject string, creds oracle.Credentials) (carbon.Result, error) {
	start := time.Now()
	result, err := o.inner.Query(ctx, subject, creds)
	duration := time.Since(start)
	outcome := classifyOracleError(err)

	attrs := []slog.Attr{
		slog.String("subject", subject),
		slog.String("outcome", string(outcome)),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	o.logger.LogAttrs(ctx, slog.LevelDebug, "oracle queried", attrs...)
	o.metrics.ObserveOracle(outcome, duration)
	return result, err
}

func classifyOracleError(err error) metrics.OracleOutcome {
	var limited *oracle.RateLimitedError
	var status *oracle.StatusError
	switch {
	case err == nil:
		return metrics.OracleOK
	case errors.As(err, &limited):
		return metrics.OracleRateLimited
	case errors.As(err, &status):
		return metrics.OracleStatus
	case errors.Is(err, oracle.ErrMalformedPayload):
		return metrics.OracleMalformed
	default:
		return metrics.OracleTransport
	}
}
