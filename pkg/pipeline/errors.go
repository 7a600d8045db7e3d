package pipeline

import (
	"errors"
	"fmt"
)

// Common errors returned by the pipeline.
var (
	// ErrInvalidConfig is returned when a run cannot be started with the given configuration.
	ErrInvalidConfig = errors.New("invalid pipeline config")

	// ErrManagerStopped is returned when registering a processor after the consumer has stopped.
	ErrManagerStopped = errors.New("consumer manager is stopped")

	// ErrProcessorPanic wraps a value recovered from a panicking processor.
	ErrProcessorPanic = errors.New("processor panicked")

	// ErrDrainInterrupted is returned when the run context ends before the queue drains.
	ErrDrainInterrupted = errors.New("queue drain interrupted")
)

// FetchError reports a failed fetch for one work item.
type FetchError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ProcessorError reports a failed processor invocation for one dequeued record.
// Seq is the 1-based position of the record in consumption order.
type ProcessorError struct {
	Seq       int
	Processor string
	Err       error
}

// Error implements the error interface.
func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s failed on record %d: %v", e.Processor, e.Seq, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProcessorError) Unwrap() error {
	return e.Err
}
