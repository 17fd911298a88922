package camera

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"
)

type retrySource struct {
	src        Source
	maxRetries int
	backoff    time.Duration
	logger     golog.Logger
}

// NewRetrySource wraps src so transient read errors are retried with linear
// backoff. Once maxRetries consecutive attempts fail, Next returns
// ErrSourceUnavailable. End of stream and context cancellation are never
// retried.
func NewRetrySource(src Source, maxRetries int, backoff time.Duration, logger golog.Logger) Source {
	return &retrySource{
		src:        src,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

func (rs *retrySource) Next(ctx context.Context) (Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= rs.maxRetries; attempt++ {
		if attempt > 0 {
			if !viamutils.SelectContextOrWait(ctx, time.Duration(attempt)*rs.backoff) {
				return Frame{}, ctx.Err()
			}
		}
		frame, err := rs.src.Next(ctx)
		if err == nil {
			return frame, nil
		}
		if errors.Is(err, ErrEndOfStream) || ctx.Err() != nil {
			return Frame{}, err
		}
		lastErr = err
		rs.logger.Warnw("frame read failed",
			"attempt", attempt+1,
			"max_attempts", rs.maxRetries+1,
			"error", err,
		)
	}
	return Frame{}, errors.Wrapf(ErrSourceUnavailable, "%d consecutive read failures (last: %v)", rs.maxRetries+1, lastErr)
}

func (rs *retrySource) Close(ctx context.Context) error {
	return rs.src.Close(ctx)
}
