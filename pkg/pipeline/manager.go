package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a ConsumerManager.
type State int32

const (
	// StateCreated is the state before the consumer loop starts.
	StateCreated State = iota

	// StateRunning means the consumer loop is pulling records.
	StateRunning

	// StateDraining means the stop marker was received and the loop is exiting.
	StateDraining

	// StateStopped means the consumer loop has exited.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConsumerManager owns the single consumer loop of a Queue.
//
// Each record is handed to every registered processor concurrently. The next
// record is not pulled until all processors for the current one returned, and
// only then is the record acknowledged on the queue. Processor errors and
// panics are collected and never stop the loop.
type ConsumerManager[T any] struct {
	queue  *Queue[T]
	logger zerolog.Logger

	mu         sync.RWMutex
	processors []Processor[T]

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once

	resultsMu   sync.Mutex
	failures    []*ProcessorError
	processed   int
	interrupted bool
}

// NewConsumerManager binds a manager to queue and starts its consumer loop.
// The loop runs until the stop marker is dequeued or ctx is done; Close must
// be called to release it.
func NewConsumerManager[T any](ctx context.Context, queue *Queue[T], logger zerolog.Logger) *ConsumerManager[T] {
	m := &ConsumerManager[T]{
		queue:  queue,
		logger: logger,
		done:   make(chan struct{}),
	}
	m.state.Store(int32(StateRunning))
	go m.consume(ctx)

	return m
}

// Register appends a processor. Processors registered while the loop is
// running take effect from the next record.
func (m *ConsumerManager[T]) Register(p Processor[T]) error {
	if p == nil {
		return fmt.Errorf("register: processor cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateStopped {
		return ErrManagerStopped
	}
	m.processors = append(m.processors, p)

	m.logger.Debug().
		Str("processor", processorName(p)).
		Int("registered", len(m.processors)).
		Msg("Processor registered")

	return nil
}

// Close enqueues the stop marker and waits for the consumer loop to exit.
// Values already queued are consumed first. Only the first call enqueues the
// marker; later calls just wait.
func (m *ConsumerManager[T]) Close(ctx context.Context) error {
	m.closeOnce.Do(m.queue.Stop)

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close consumer manager: %w", ctx.Err())
	}
}

// Done is closed when the consumer loop has exited.
func (m *ConsumerManager[T]) Done() <-chan struct{} {
	return m.done
}

// State returns the current lifecycle state.
func (m *ConsumerManager[T]) State() State {
	return State(m.state.Load())
}

// Processors returns the registered processor names in registration order.
func (m *ConsumerManager[T]) Processors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.processors))
	for i, p := range m.processors {
		names[i] = processorName(p)
	}
	return names
}

// Failures returns every processor failure observed so far, in consumption
// order and, within one record, in registration order.
func (m *ConsumerManager[T]) Failures() []*ProcessorError {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	return slices.Clone(m.failures)
}

// Processed returns the number of records fully fanned out and acknowledged.
func (m *ConsumerManager[T]) Processed() int {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	return m.processed
}

// Interrupted reports whether the loop exited because its context ended
// rather than on the stop marker.
func (m *ConsumerManager[T]) Interrupted() bool {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	return m.interrupted
}

func (m *ConsumerManager[T]) consume(ctx context.Context) {
	defer close(m.done)
	defer m.state.Store(int32(StateStopped))

	seq := 0
	for {
		record, ok, err := m.queue.Get(ctx)
		if err != nil {
			m.resultsMu.Lock()
			m.interrupted = true
			m.resultsMu.Unlock()

			m.logger.Warn().
				Err(err).
				Int("processed", seq).
				Msg("Consumer interrupted while waiting for records")
			return
		}

		if !ok {
			m.state.Store(int32(StateDraining))
			if pending := m.queue.Unfinished(); pending > 0 {
				m.logger.Warn().
					Int("pending", pending).
					Msg("Stop marker received before queue drained")
			}
			m.logger.Info().
				Int("processed", seq).
				Msg("Consumer shutting down")
			return
		}

		seq++
		m.fanOut(ctx, seq, record)
		m.queue.Done()
	}
}

// fanOut runs every processor on record and waits for all of them.
func (m *ConsumerManager[T]) fanOut(ctx context.Context, seq int, record T) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.fanout", trace.WithAttributes(attribute.Int("seq", seq)))
	defer span.End()

	m.mu.RLock()
	processors := slices.Clone(m.processors)
	m.mu.RUnlock()

	errs := make([]error, len(processors))
	var wg sync.WaitGroup
	for i, p := range processors {
		wg.Add(1)
		go func(i int, p Processor[T]) {
			defer wg.Done()
			errs[i] = invoke(ctx, p, record)
		}(i, p)
	}
	wg.Wait()

	var failures []*ProcessorError
	for i, err := range errs {
		if err == nil {
			continue
		}
		name := processorName(processors[i])
		failures = append(failures, &ProcessorError{Seq: seq, Processor: name, Err: err})
		processorFailuresTotal.WithLabelValues(name).Inc()

		m.logger.Error().
			Err(err).
			Int("seq", seq).
			Str("processor", name).
			Msg("Processor failed")
	}

	m.resultsMu.Lock()
	m.processed++
	m.failures = append(m.failures, failures...)
	m.resultsMu.Unlock()

	itemsProcessedTotal.Inc()
	fanoutDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.Int("failures", len(failures)))
	if len(failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d processor(s) failed", len(failures)))
	}

	m.logger.Debug().
		Int("seq", seq).
		Int("processors", len(processors)).
		Int("failures", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Record processed")
}

// invoke calls p and converts a panic into an error.
func invoke[T any](ctx context.Context, p Processor[T], record T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.Process(ctx, record)
}
