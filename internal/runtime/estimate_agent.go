package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/runtime/measure"
	"github.com/l0p7/carbonbadge/internal/runtime/pipeline"
)

// estimateAgent pairs the byte-measurement source with the local estimator.
// It never fails: a panicking measurer yields a placeholder Result sized at
// placeholderBytes.
type estimateAgent struct {
	measurer         measure.Measurer
	placeholderBytes int64
	now              func() time.Time
	logger           *slog.Logger
}

func (a *estimateAgent) Estimate(ctx context.Context, subject string, greenHost bool, state *pipeline.State) (result carbon.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("estimation failed, serving placeholder",
				slog.String("subject", subject),
				slog.Any("panic", recovered),
			)
			bytes := a.placeholderBytes
			if bytes <= 0 {
				bytes = measure.DefaultPageBytes
			}
			result = placeholder(subject, bytes, greenHost, a.now())
			if state != nil {
				state.Measurement = pipeline.MeasurementState{
					Bytes:     bytes,
					Method:    string(measure.MethodDefault),
					GreenHost: greenHost,
				}
			}
		}
	}()

	m := a.measurer.Measure(ctx, subject)
	if state != nil {
		state.Measurement = pipeline.MeasurementState{
			Bytes:     m.Bytes,
			Method:    string(m.Method),
			Resources: m.Resources,
			GreenHost: greenHost,
		}
	}
	a.logger.Debug("subject measured",
		slog.String("subject", subject),
		slog.Int64("bytes", m.Bytes),
		slog.String("method", string(m.Method)),
		slog.Int("resources", m.Resources),
	)
	return carbon.Estimate(subject, m.Bytes, greenHost, a.now())
}

func placeholder(subject string, bytes int64, greenHost bool, at time.Time) carbon.Result {
	result := carbon.Estimate(subject, bytes, greenHost, at)
	result.Source = carbon.SourcePlaceholder
	return result
}
