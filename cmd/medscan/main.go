package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/medscan/medscan/pkg/alert"
	"github.com/medscan/medscan/pkg/cache"
	"github.com/medscan/medscan/pkg/config"
	"github.com/medscan/medscan/pkg/dedup"
	"github.com/medscan/medscan/pkg/enrich"
	"github.com/medscan/medscan/pkg/notify"
	"github.com/medscan/medscan/pkg/pipeline"
	"github.com/medscan/medscan/pkg/ratelimit"
	"github.com/medscan/medscan/pkg/repository"
	"github.com/medscan/medscan/pkg/scheduler"
	"github.com/medscan/medscan/pkg/source"
	"github.com/medscan/medscan/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"medscan.yml" description:"config file path"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Printf("failed to load config from %s: %v\n", opts.Config, err)
		os.Exit(1)
	}

	setupLog(opts.Debug, opts.NoColor, cfg.Provider.APIKey)

	lgr.Printf("[INFO] starting medscan version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		lgr.Printf("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, cfg, opts.Debug); err != nil {
		lgr.Printf("[ERROR] medscan failed: %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	lgr.Printf("[INFO] shutdown complete")
}

// run wires all components and blocks until the context is canceled
func run(ctx context.Context, cfg *config.Config, debug bool) error {
	store, err := repository.New(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			lgr.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	limiter := ratelimit.New(cfg.RateLimits)

	// enrichment: providers behind a cached, coalesced, rate-limited runner
	client := enrich.NewClient(cfg.Provider)
	providers := []enrich.Provider{
		enrich.NewSummaryProvider(client),
		enrich.NewEntitiesProvider(client),
		enrich.NewSentimentProvider(client),
	}
	runner := enrich.NewRunner(providers, cache.New(), limiter, store, cfg.Cache)

	// alerting: rule evaluation feeding webhook delivery
	dispatcher := notify.NewDispatcher(cfg.Channels, cfg.Notify, limiter, store)
	evaluator := alert.NewEvaluator(cfg.Alerts, store, dispatcher)

	orchestrator := pipeline.NewOrchestrator(runner, store, evaluator, cfg.Pipeline)

	// ingestion: one adapter per configured source
	adapters := make([]source.Adapter, 0, len(cfg.Sources))
	for _, src := range cfg.GetSources() {
		adapter, err := source.New(src, cfg.Server.Timeout)
		if err != nil {
			return fmt.Errorf("create source %s: %w", src.Name, err)
		}
		adapters = append(adapters, adapter)
	}

	engine := dedup.NewEngine(store, cfg.Dedup)
	sched := scheduler.New(adapters, engine, store, limiter, evaluator, cfg.Schedule)
	sched.Start(ctx)
	defer sched.Stop()

	go orchestrator.RunWorkers(ctx, store, time.Second)

	srv := server.New(cfg, store, dispatcher, revision, debug)
	return srv.Run(ctx)
}

func setupLog(dbg, noColor bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	if !noColor {
		colorizer := lgr.Mapper{
			ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
			WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
			InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
			DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
			CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
			TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
		}
		logOpts = append(logOpts, lgr.Map(colorizer))
	}

	for _, s := range secs {
		if s != "" {
			logOpts = append(logOpts, lgr.Secret(s))
		}
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
