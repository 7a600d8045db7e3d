// Package processors holds the repository processors run by the analyzer.
//
// Each processor is registered with a pipeline.ConsumerManager and receives
// every fetched client.Repo. Processors keep their own state behind a mutex
// so they can be read while a run is still in progress.
package processors
