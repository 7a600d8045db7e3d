package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("github.com/Sternrassler/repo-analyzer/pkg/pipeline")

// Outcome is the result of fetching one work item.
type Outcome struct {
	Key      string
	OK       bool
	Err      error
	Duration time.Duration
}

// fetcher performs single fetches under a shared semaphore and hands
// successful records to the queue.
type fetcher[T any] struct {
	source Source[T]
	sem    *semaphore.Weighted
	queue  *Queue[T]
	logger zerolog.Logger
}

// fetch acquires a permit for the duration of the remote call. On success
// the record is queued; on any failure nothing is queued and the error is
// reported through the outcome only.
func (f *fetcher[T]) fetch(ctx context.Context, key string) Outcome {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.fetch")
	span.SetAttributes(attribute.String("key", key))
	defer span.End()

	if err := f.sem.Acquire(ctx, 1); err != nil {
		fetchesTotal.WithLabelValues("cancelled").Inc()
		span.SetStatus(codes.Error, "semaphore acquire cancelled")
		f.logger.Warn().Err(err).Str("key", key).Msg("Fetch cancelled before start")
		return Outcome{Key: key, Err: &FetchError{Key: key, Err: err}, Duration: time.Since(start)}
	}
	defer f.sem.Release(1)

	fetchesInFlight.Inc()
	defer fetchesInFlight.Dec()

	f.logger.Debug().Str("key", key).Msg("Fetching")

	record, err := f.call(ctx, key)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		fetchesTotal.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		span.SetAttributes(attribute.Bool("ok", false))

		f.logger.Warn().
			Err(err).
			Str("key", key).
			Dur("duration", time.Since(start)).
			Msg("Fetch failed")
		return Outcome{Key: key, Err: &FetchError{Key: key, Err: err}, Duration: time.Since(start)}
	}

	f.queue.Put(record)
	fetchesTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Bool("ok", true))

	f.logger.Debug().
		Str("key", key).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete, record queued")

	return Outcome{Key: key, OK: true, Duration: time.Since(start)}
}

// call runs the source and turns a panic into an error so a broken source
// cannot take the run down.
func (f *fetcher[T]) call(ctx context.Context, key string) (record T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("source panicked")
			f.logger.Error().Interface("panic", r).Str("key", key).Msg("Source panicked")
		}
	}()
	return f.source.Fetch(ctx, key)
}
