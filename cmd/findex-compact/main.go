package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"findex/backend/open"
	"findex/compact"
	"findex/index"

	"github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type CompactArgs struct {
	Key         string        `arg:"--key,env:FINDEX_KEY,required,help:hex encoded key of the index"`
	Label       string        `arg:"--label,env:FINDEX_LABEL,required,help:current label of the index"`
	NewKey      string        `arg:"--new-key,env:FINDEX_NEW_KEY,help:hex encoded key of the next generation (defaults to --key)"`
	NewLabel    string        `arg:"--new-label,env:FINDEX_NEW_LABEL,help:label of the next generation (defaults to --label)"`
	BatchSize   int           `arg:"--batch-size,env:FINDEX_BATCH_SIZE" default:"100"`
	MaxRetries  int           `arg:"--max-retries,env:FINDEX_MAX_RETRIES" default:"10"`
	Timeout     time.Duration `arg:"--timeout,env:FINDEX_TIMEOUT" default:"1h"`
	MetricsPort int           `arg:"--metrics-port,env:FINDEX_METRICS_PORT,help:serve prometheus metrics on this port (0 disables it)"`
	Dev         bool          `arg:"--dev,env:FINDEX_DEV,help:human readable logs"`
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, flags open.Args, args CompactArgs) error {
	key, err := index.KeyFromHex(args.Key)
	if err != nil {
		return err
	}
	newKey := key
	if args.NewKey != "" {
		if newKey, err = index.KeyFromHex(args.NewKey); err != nil {
			return err
		}
	}
	newLabel := args.Label
	if args.NewLabel != "" {
		newLabel = args.NewLabel
	}

	b, err := open.Open(flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			zap.L().Warn("failed to close backend", zap.Error(err))
		}
	}()
	x, err := index.New(b, key, []byte(args.Label), index.Options{})
	if err != nil {
		return err
	}
	stats, err := x.Compact(ctx, newKey, []byte(newLabel), compact.Options{
		BatchSize:  args.BatchSize,
		MaxRetries: args.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("compaction failed after %d entries: %w", stats.Entries, err)
	}
	return nil
}

func main() {
	var flags struct {
		open.Args
		CompactArgs
	}
	arg.MustParse(&flags)

	logger, err := newLogger(flags.Dev)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if flags.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", flags.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()

	if err := run(ctx, flags.Args, flags.CompactArgs); err != nil {
		logger.Error("compaction failed", zap.Error(err))
		os.Exit(1)
	}
}
