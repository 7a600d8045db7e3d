package pipeline

import (
	"context"
	"fmt"
)

// Source retrieves one record per work item key.
// A non-nil error marks the fetch as failed; the record is then ignored.
type Source[T any] interface {
	Fetch(ctx context.Context, key string) (T, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[T any] func(ctx context.Context, key string) (T, error)

// Fetch implements Source.
func (f SourceFunc[T]) Fetch(ctx context.Context, key string) (T, error) {
	return f(ctx, key)
}

// Processor handles one record. It is called concurrently with the other
// registered processors for the same record and must not mutate it.
type Processor[T any] interface {
	Process(ctx context.Context, record T) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc[T any] func(ctx context.Context, record T) error

// Process implements Processor.
func (f ProcessorFunc[T]) Process(ctx context.Context, record T) error {
	return f(ctx, record)
}

type namedProcessor[T any] struct {
	name string
	Processor[T]
}

func (p namedProcessor[T]) Name() string { return p.name }

// Named attaches a name to a processor for logs, metrics and failure reports.
func Named[T any](name string, p Processor[T]) Processor[T] {
	return namedProcessor[T]{name: name, Processor: p}
}

// processorName returns p.Name() when available, otherwise its type.
func processorName[T any](p Processor[T]) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
