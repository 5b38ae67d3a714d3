// Command canopydemo exercises the canopy library end to end: nested spans,
// an error caught and logged without ending its span, an error that aborts a
// span, a forced new trace linked back to its parent, and a background task
// handed off via SpawnTraced.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"canopy"
	"canopy/logbridge"
)

type config struct {
	flushInterval time.Duration
	failChild     bool
	verbose       bool
}

func parseFlags() config {
	var cfg config

	flag.DurationVar(&cfg.flushInterval, "flush-interval", time.Second, "how long a linked child trace is given to arrive before its parent force-renders")
	flag.BoolVar(&cfg.failChild, "fail-child", false, "make the nested child span fail; the run then reports the error on its root span as an ExceptError")
	flag.BoolVar(&cfg.verbose, "verbose", false, "enable debug-level logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: canopydemo [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a short traced operation and prints the rendered trace tree.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func run(ctx context.Context, cfg config) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if cfg.verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	pub := canopy.Configure(canopy.Config{
		RenderTraces:  true,
		Output:        os.Stdout,
		FlushInterval: cfg.flushInterval,
	})
	defer pub.Stop()

	ctx, root := canopy.OpenSpan(ctx, "canopydemo.run")
	log := logbridge.Logger(ctx, logger)
	log.Info().Msg("starting demo run")

	fetch := canopy.Traced("fetch-config", func(ctx context.Context) error {
		canopy.LogExtra(ctx, "loaded config", map[string]any{"source": "env"}, canopy.ExtraOptions{})
		return nil
	})
	if err := fetch(ctx); err != nil {
		root.Close(err)
		return err
	}

	if err := processChild(ctx, cfg); err != nil {
		logbridge.LogError(ctx, err, "child step failed but run continues")
	}

	done := make(chan struct{})
	canopy.SpawnTraced(ctx, "background-sync", func(ctx context.Context) {
		defer close(done)
		log := logbridge.Logger(ctx, logger)
		log.Info().Msg("syncing in background")
		time.Sleep(10 * time.Millisecond)
	})
	<-done

	forcedCtx, forced := canopy.OpenSpan(ctx, "forced-migration", canopy.WithForceNewTrace())
	log = logbridge.Logger(forcedCtx, logger)
	log.Info().Msg("running as an independently-published trace linked to the parent")
	forced.Close(nil)

	root.Close(nil)
	return nil
}

func processChild(ctx context.Context, cfg config) error {
	ctx, sp := canopy.OpenSpan(ctx, "process-child")
	if cfg.failChild {
		err := errors.New("child step exploded")
		return sp.Close(err)
	}
	canopy.LogExtra(ctx, "processed item", map[string]any{"count": 3}, canopy.ExtraOptions{})
	return sp.Close(nil)
}

func main() {
	_ = godotenv.Load()
	cfg := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "canopydemo: %v\n", err)
		os.Exit(1)
	}
}
