// Command repo-analyzer fetches GitHub repositories concurrently and runs
// every fetched repository through the built-in processors.
//
// Usage:
//
//	repo-analyzer [flags] [owner/name ...]
//
// Without arguments the configured (or default) repository list is used.
// Fetch failures are reported but do not fail the command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/repo-analyzer/internal/config"
	"github.com/Sternrassler/repo-analyzer/pkg/client"
	"github.com/Sternrassler/repo-analyzer/pkg/logging"
	"github.com/Sternrassler/repo-analyzer/pkg/metrics"
	"github.com/Sternrassler/repo-analyzer/pkg/pipeline"
	"github.com/Sternrassler/repo-analyzer/pkg/processors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// Exit codes.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the process exit so it can be tested.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "repo-analyzer: %v\n", err)
		return exitConfig
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = stderr
	logging.Setup(logCfg)
	logger := logging.NewLogger("main")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		return exitFatal
	}

	clientCfg := client.DefaultConfig(redisClient, cfg.GitHub.UserAgent)
	clientCfg.BaseURL = cfg.GitHub.BaseURL
	clientCfg.Token = cfg.GitHub.Token
	clientCfg.RateLimit = cfg.GitHub.RateLimit
	clientCfg.Timeout = cfg.GitHub.Timeout
	clientCfg.ThrottleDelay = cfg.GitHub.ThrottleDelay

	ghClient, err := client.New(clientCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create GitHub client")
		return exitFatal
	}
	defer ghClient.Close()

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, logging.NewLogger("metrics"))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	starAvg := processors.NewStarAverage(logging.NewLogger("processor"))
	recent := processors.NewRecentlyUpdated(cfg.Processors.RecentWindow, logging.NewLogger("processor"))
	pipelineLogger := logging.NewLogger("pipeline")

	fmt.Fprintln(stdout, "Analyzing repositories...")

	report, err := pipeline.Run(ctx, pipeline.Config[client.Repo]{
		Keys:        cfg.Repos,
		Concurrency: cfg.Concurrency,
		Source:      client.RepoSource(ghClient),
		Processors:  []pipeline.Processor[client.Repo]{starAvg, recent},
		OnOutcome: func(o pipeline.Outcome) {
			fmt.Fprintf(stdout, "%-30s %v\n", o.Key, o.OK)
		},
		Logger: &pipelineLogger,
	})
	if report == nil {
		logger.Error().Err(err).Msg("Pipeline failed")
		return exitFatal
	}

	printSummary(stdout, report, starAvg, recent)

	if err != nil {
		logger.Error().Err(err).Msg("Pipeline interrupted")
		return exitFatal
	}
	return exitOK
}

func printSummary(w io.Writer, report *pipeline.Report, avg *processors.StarAverage, recent *processors.RecentlyUpdated) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Fetched:        %d/%d\n", report.Succeeded(), len(report.Outcomes))
	fmt.Fprintf(w, "Average stars:  %.2f\n", avg.Average())

	if repos := recent.Recent(); len(repos) > 0 {
		fmt.Fprintln(w, "Recently updated:")
		for _, r := range repos {
			fmt.Fprintf(w, "  %s (%s)\n", r.FullName, r.UpdatedAt.Format(time.RFC3339))
		}
	}

	for _, o := range report.Outcomes {
		if !o.OK {
			fmt.Fprintf(w, "Failed: %s: %v\n", o.Key, o.Err)
		}
	}
	for _, f := range report.Failures {
		fmt.Fprintf(w, "Processor failure: %v\n", f)
	}
	if report.Interrupted {
		fmt.Fprintln(w, "Run interrupted before all records were processed")
	}
}
