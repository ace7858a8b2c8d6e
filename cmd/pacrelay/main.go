// Command pacrelay is a forward HTTP proxy that routes every request and
// CONNECT tunnel according to a PAC script.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/goodtune/pacrelay/internal/config"
	"github.com/goodtune/pacrelay/internal/logging"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/server"
)

func main() {
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pacrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := config.Flags()
	fs.SortFlags = false
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging())
	if logger == nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err != nil {
		logger.Warn("logging to stderr", "error", err)
	}

	srv := server.New(cfg, server.WithLogger(logger))

	// SIGHUP reloads the PAC script without dropping connections.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, reloading PAC script")
				_ = srv.Reload(ctx)
			}
		}
	}()

	return srv.Run(ctx)
}
