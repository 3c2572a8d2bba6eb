package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"driver_mirror/internal/app"
	"driver_mirror/internal/config"
	"driver_mirror/internal/db"
	"driver_mirror/internal/downloader"

	"github.com/rs/zerolog"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitConfigError  = 3
	ExitStoreError   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	var stages []app.Stage
	switch args[0] {
	case "crawl":
		stages = []app.Stage{app.StageCrawl}
	case "resolve":
		stages = []app.Stage{app.StageResolve}
	case "download":
		stages = []app.Stage{app.StageDownload}
	case "all":
		stages = app.AllStages
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		return ExitInvalidArgs
	}
	return runStages(args[0], args[1:], stages)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: driver_mirror <command> [options]

Commands:
  crawl     Walk the catalog search for every vendor id not yet fully visited
  resolve   Look up download locations for records that have none
  download  Fetch every resolved location not yet in the destination
  all       Run crawl, resolve and download in order

Options:
  -config   Path to the YAML configuration (default config.yaml)`)
}

func runStages(name string, args []string, stages []app.Stage) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn().Str("signal", sig.String()).Msg("interrupted, finishing in-flight work")
			cancel()
		case <-ctx.Done():
		}
	}()

	store, err := db.Open(ctx, cfg.DB)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.DB.Driver).Msg("open store")
		return ExitStoreError
	}
	defer store.Close()

	bucket, err := downloader.OpenBucket(ctx, cfg.Download.Destination)
	if err != nil {
		logger.Error().Err(err).Msg("open destination")
		return ExitStoreError
	}
	defer bucket.Close()

	h := app.NewHarvester(cfg, store, bucket, logger)
	logger.Info().Str("command", name).Str("run_id", h.RunID()).Str("db", cfg.DB.Driver).Msg("starting")

	if err := h.Run(ctx, stages...); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Msg("run canceled; progress so far is saved")
			return ExitGeneralError
		}
		logger.Error().Err(err).Msg("run failed")
		return ExitGeneralError
	}
	return ExitSuccess
}

func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("config: log.level: %w", err)
		}
		level = l
	}

	switch cfg.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("config: unknown log.format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
