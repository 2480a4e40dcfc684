package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/fieldsync/internal/synccheck"
	"github.com/okian/fieldsync/pkg/logger"
)

// Default configuration constants.
const (
	defaultCaptures  = 200
	defaultSubjects  = 20
	defaultWorkers   = 2 // multiplier for runtime.NumCPU()
	defaultTimeout   = 30 * time.Second
	defaultRunBudget = 10 * time.Minute
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:9080", "Base URL of the fieldsync daemon")
		captures  = flag.Int("captures", defaultCaptures, "Number of captures to submit")
		subjects  = flag.Int("subjects", defaultSubjects, "Number of distinct subjects")
		workers   = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submitters")
		timeout   = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		sync      = flag.Bool("sync", true, "Push pending records before reading history")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
		verbose   = flag.Bool("verbose", false, "Log every submission")
	)
	flag.Parse()

	if err := logger.Init(logger.WithFormat(*logFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunBudget)
	defer cancel()

	cfg := &synccheck.Config{
		BaseURL:  *baseURL,
		Captures: *captures,
		Subjects: *subjects,
		Workers:  *workers,
		Timeout:  *timeout,
		Sync:     *sync,
		Verbose:  *verbose,
	}
	if _, err := synccheck.Run(ctx, cfg, logger.Get().Named("check")); err != nil {
		logger.Get().Error(ctx, "sync check failed", logger.Error(err))
		cancel()
		os.Exit(1)
	}
}
