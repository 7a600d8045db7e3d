package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the default number of fetches allowed in flight.
const DefaultConcurrency = 5

// Config describes one pipeline run.
type Config[T any] struct {
	// Keys are the work items, one fetch each. Duplicates are fetched twice.
	Keys []string

	// Concurrency caps fetches in flight (must be >= 1)
	Concurrency int

	// Source fetches one record per key (required)
	Source Source[T]

	// Processors receive every fetched record, in registration order.
	Processors []Processor[T]

	// OnOutcome, if set, is called from the run goroutine as each fetch
	// completes, in completion order.
	OnOutcome func(Outcome)

	// Logger defaults to the global logger with component=pipeline.
	Logger *zerolog.Logger
}

// Validate checks that the configuration can start a run.
func (c Config[T]) Validate() error {
	if c.Source == nil {
		return fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1 (got %d)", ErrInvalidConfig, c.Concurrency)
	}
	for i, p := range c.Processors {
		if p == nil {
			return fmt.Errorf("%w: processor %d is nil", ErrInvalidConfig, i)
		}
	}
	return nil
}

func (c Config[T]) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return log.With().Str("component", "pipeline").Logger()
}

// Report summarises a finished run.
type Report struct {
	RunID string

	// Outcomes holds one entry per key, in completion order.
	Outcomes []Outcome

	// Failures holds every processor failure, in consumption order.
	Failures []*ProcessorError

	// Processed is the number of records the consumer acknowledged.
	Processed int

	// Interrupted is true when the run context ended before a clean drain.
	Interrupted bool

	Duration time.Duration
}

// Succeeded returns the number of successful fetches.
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK {
			n++
		}
	}
	return n
}

// Failed returns the number of failed fetches.
func (r *Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Run fetches every key under the concurrency cap, feeds each fetched record
// to all processors, and returns once the consumer has stopped.
//
// Fetch and processor failures are reported in the Report, never as an
// error. Run returns an error only for invalid configuration, or together
// with a partial report when ctx ends before the queue is drained.
func Run[T any](ctx context.Context, cfg Config[T]) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	start := time.Now()
	runID := uuid.NewString()
	logger := cfg.logger().With().Str("run_id", runID).Logger()

	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("keys", len(cfg.Keys)),
		attribute.Int("concurrency", cfg.Concurrency),
	))
	defer span.End()

	logger.Info().
		Int("keys", len(cfg.Keys)).
		Int("concurrency", cfg.Concurrency).
		Int("processors", len(cfg.Processors)).
		Msg("Starting pipeline run")

	queue := NewQueue[T]()
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	manager := NewConsumerManager(ctx, queue, logger.With().Str("component", "consumer").Logger())

	// Closing must not be cut short by ctx, otherwise the consumer goroutine
	// could outlive Run.
	closeCtx := context.WithoutCancel(ctx)
	defer manager.Close(closeCtx)

	if err := registerAll(ctx, manager, cfg.Processors); err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	f := &fetcher[T]{
		source: cfg.Source,
		sem:    sem,
		queue:  queue,
		logger: logger.With().Str("component", "fetcher").Logger(),
	}

	completions := make(chan Outcome, len(cfg.Keys))
	for _, key := range cfg.Keys {
		go func(key string) {
			completions <- f.fetch(ctx, key)
		}(key)
	}

	report := &Report{
		RunID:    runID,
		Outcomes: make([]Outcome, 0, len(cfg.Keys)),
	}
	for range cfg.Keys {
		o := <-completions
		report.Outcomes = append(report.Outcomes, o)

		logger.Info().
			Str("key", o.Key).
			Bool("ok", o.OK).
			Int("completed", len(report.Outcomes)).
			Int("total", len(cfg.Keys)).
			Msg("Fetch finished")

		if cfg.OnOutcome != nil {
			cfg.OnOutcome(o)
		}
	}

	// Every record is queued before its outcome is sent, so the queue now
	// holds all the work there will be.
	var runErr error
	if err := queue.Join(ctx); err != nil {
		runErr = fmt.Errorf("%w: %v", ErrDrainInterrupted, err)
		logger.Warn().
			Err(err).
			Int("pending", queue.Unfinished()).
			Msg("Run context ended before queue drained")
	}

	if err := manager.Close(closeCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to close consumer manager")
	}

	report.Processed = manager.Processed()
	report.Failures = manager.Failures()
	report.Interrupted = runErr != nil || manager.Interrupted()
	report.Duration = time.Since(start)

	result := "completed"
	if report.Interrupted {
		result = "interrupted"
	}
	runsTotal.WithLabelValues(result).Inc()

	span.SetAttributes(
		attribute.Int("succeeded", report.Succeeded()),
		attribute.Int("processed", report.Processed),
		attribute.Int("processor_failures", len(report.Failures)),
	)

	logger.Info().
		Int("succeeded", report.Succeeded()).
		Int("failed", report.Failed()).
		Int("processed", report.Processed).
		Int("processor_failures", len(report.Failures)).
		Bool("interrupted", report.Interrupted).
		Dur("duration", report.Duration).
		Msg("Pipeline run complete")

	return report, runErr
}

// registerAll registers processors in order. A manager that already stopped
// because ctx ended is not an error: the run carries on and reports itself
// as interrupted.
func registerAll[T any](ctx context.Context, manager *ConsumerManager[T], processors []Processor[T]) error {
	for _, p := range processors {
		if err := manager.Register(p); err != nil {
			if errors.Is(err, ErrManagerStopped) && ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("register processor %s: %w", processorName(p), err)
		}
	}
	return nil
}
