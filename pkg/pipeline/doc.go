// Package pipeline runs a bounded-concurrency fetch/process pipeline.
//
// Every work item key is fetched concurrently, with at most Concurrency
// fetches inside their remote call at once. Successful records are pushed
// onto an unbounded FIFO Queue. A single ConsumerManager loop pulls one
// record at a time and hands it to all registered processors in parallel,
// waiting for every processor before acknowledging the record and pulling
// the next one.
//
// Example usage:
//
//	report, err := pipeline.Run(ctx, pipeline.Config[client.Repo]{
//		Keys:        []string{"pallets/flask", "django/django"},
//		Concurrency: 5,
//		Source:      client.RepoSource(ghClient),
//		Processors: []pipeline.Processor[client.Repo]{
//			processors.NewStarAverage(logger),
//			processors.NewRecentlyUpdated(24*time.Hour, logger),
//		},
//	})
//
// Run shuts down in a fixed order:
//   - waits for every fetch to complete (observed in completion order)
//   - waits until the queue is drained (every record acknowledged)
//   - enqueues the stop marker and waits for the consumer loop to exit
//
// A failed fetch is reported as a false Outcome and queues nothing. A failing
// or panicking processor is recorded as a ProcessorError and does not affect
// the other processors for the same record or later records.
package pipeline
