// Package retry runs operations repeatedly until they succeed, fail
// permanently or a timeout expires.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
)

const defTimeout = 2 * time.Hour

func logFieldResult(val string) zap.Field {
	return zap.String("result", val)
}

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     5 * time.Second,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it succeeds, it returns an error that does not wrap
// mergerr.RetryableError, the retry timeout expired or the execution was
// aborted via the context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancelFn := context.WithTimeout(ctx, r.defTimeout)
	defer cancelFn()

	endTime := time.Now().Add(r.defTimeout)

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("retryer_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err != nil {
				var retryError *mergerr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Info(
						"operation cancelled",
						logfields.Event("retryer_cancelled"),
						logFieldResult("cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					logger = logger.With(
						zap.Duration("age", bo.GetElapsedTime()),
						zap.Duration("retry_timeout", r.defTimeout),
					)

					if retryError.After.After(endTime) {
						logger.Error(
							"operation failed, next possible retry time is after timeout expiration",
							logfields.Event("retryer_giving_up"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					retryIn := bo.NextBackOff()
					if until := time.Until(retryError.After); until > retryIn {
						retryIn = until
					}

					retryTimer.Reset(retryIn)
					logger.Info(
						"operation failed, retry scheduled",
						logfields.Event("retryer_retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Error(
					"operation failed, not retryable",
					logfields.Event("retryer_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			if tryCnt > 1 {
				logger.Info(
					"operation succeeded after retrying",
					logfields.Event("retryer_succeeded"),
					logFieldResult("success"),
				)
			}

			return nil

		case <-r.shutdownChan:
			logger.Info(
				"terminating, operation not executed",
				logfields.Event("retryer_shutdown"),
				logFieldResult("cancelled"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
