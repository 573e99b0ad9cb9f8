package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/sunvault/sunvault/pkg/ess"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/metrics"
	"github.com/sunvault/sunvault/pkg/server"
	"github.com/sunvault/sunvault/pkg/storage"
)

func main() {
	// init packages
	factory := ess.Configured()
	s := storage.Configured()

	// init server
	srv := server.Configured(factory, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	metrics.Init(nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, srv, s)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

var _ service = (*server.Server)(nil)

type service interface {
	Bootstrap(ctx context.Context) error
	Run(ctx context.Context) error
	Close()
}

// run returns once the server stops. Storage and the config entry are closed
// before it returns so main can exit with a status code.
func run(ctx context.Context, srv service, s storage.Database) error {

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()
	// stops a setup retry started by Bootstrap; Run also closes on shutdown
	defer srv.Close()

	// a cloud outage does not fail bootstrap, the entry retries in the background
	if err := srv.Bootstrap(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load config entry", "error", err)
		return err
	}

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
	return nil
}
