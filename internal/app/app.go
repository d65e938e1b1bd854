package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/codec"
	"prediction-monitor/internal/config"
	"prediction-monitor/internal/pricecache"
	"prediction-monitor/internal/server"
	"prediction-monitor/internal/service"
	"prediction-monitor/internal/store"
	"prediction-monitor/internal/ws"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newPriceCache() *pricecache.Cache {
	p := a.Config.Prices
	return pricecache.New(pricecache.Options{
		Dir:           p.Dir,
		Files:         p.Files,
		FallbackFiles: p.FallbackFiles,
		Aliases:       p.Aliases,
		Granularity:   p.Granularity,
		Tolerance:     p.Tolerance,
	}, a.Logger)
}

// loadSeries reads a source's full history file once and folds it into the
// registry. Offline commands use this instead of a polling watcher.
func (a *App) loadSeries(registry *store.Registry, source string) (int, error) {
	path := a.Config.Sources.SourcePath(source)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read source %s: %w", source, err)
	}

	table := codec.Decode(string(raw))
	if table.Dropped > 0 {
		a.Logger.Warn().Str("source", source).Int("dropped", table.Dropped).Msg("skipped undecodable records")
	}
	if len(table.Rows) == 0 {
		return 0, nil
	}

	registry.GetOrCreate(source).Merge(table.Columns, table.Rows)
	return len(table.Rows), nil
}

// Run executes the long-running monitoring service: watchers, websocket hub,
// and the HTTP API, until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := store.NewRegistry(a.Logger)
	cache := a.newPriceCache()
	hub := ws.NewHub(a.Logger)
	svc := service.New(a.Config, registry, cache, hub, a.Logger)

	go hub.Run(ctx)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	srv := server.New(a.Config.Server, svc, hub, a.Logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	a.Logger.Info().Msg("monitoring service started")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
		return nil
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("shutdown incomplete")
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Source string
	Limit  int
}

// EvaluateOptions configure the evaluate command.
type EvaluateOptions struct {
	Source string
	Asset  string
	Limit  int
}

// ExportOptions hold parameters for exporting an evaluated series.
type ExportOptions struct {
	Source    string
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
