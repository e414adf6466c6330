package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/settld-labs/settld-kernel/pkg/config"
	"github.com/settld-labs/settld-kernel/pkg/settlement"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// runMaintainCmd implements `settld maintain`: release matured holdbacks,
// once or on an interval. With $REDIS_ADDR set, passes coordinate through a
// cross-process lease so only one runner works at a time.
func runMaintainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("maintain", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		dsn        string
		watch      bool
		intervalMs int64
	)
	cmd.StringVar(&dsn, "db", cfg.DatabaseURL, "Ledger DSN (default $DATABASE_URL)")
	cmd.BoolVar(&watch, "watch", false, "Keep running passes until interrupted")
	cmd.Int64Var(&intervalMs, "interval-ms", cfg.SchedulerIntervalMs, "Pass interval in watch mode")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if intervalMs <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --interval-ms must be positive")
		return exitUsage
	}

	ledger, err := openLedger(dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = ledger.Close() }()

	scheduler := settlement.NewScheduler(ledger, slog.Default())
	if cfg.RedisAddr != "" {
		hostname, _ := os.Hostname()
		lease := store.NewLeaseKeeper(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			fmt.Sprintf("%s-%d", hostname, os.Getpid()))
		defer func() { _ = lease.Close() }()
		scheduler = scheduler.WithLease(lease)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		_, _ = fmt.Fprintf(stdout, "Holdback maintenance running every %dms\n", intervalMs)
		err := scheduler.Run(ctx, time.Duration(intervalMs)*time.Millisecond)
		if err != nil && ctx.Err() == nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		return exitOK
	}

	report, err := scheduler.RunOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: maintenance pass failed: %v\n", err)
		return exitUsage
	}
	out, err := json.Marshal(report)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return exitOK
}
