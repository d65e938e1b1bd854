// Package server exposes the monitoring API over HTTP and websocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/config"
	"prediction-monitor/internal/service"
	"prediction-monitor/internal/ws"
)

// Server is the HTTP and websocket front end.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New registers every route on a fresh mux and wraps it with logging and
// CORS middleware.
func New(cfg config.ServerConfig, svc *service.Service, hub *ws.Hub, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "server").Logger()
	h := &handlers{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/sources", h.listSources)
	mux.HandleFunc("GET /api/sources/{name}/stats", h.sourceStats)
	mux.HandleFunc("GET /api/sources/{name}/predictions", h.sourcePredictions)
	mux.HandleFunc("GET /api/sources/{name}/asset/{asset}", h.assetSeries)
	mux.HandleFunc("POST /api/sources/{name}/fetch", h.triggerFetch)
	mux.HandleFunc("POST /api/fetch", h.triggerFetchAll)
	mux.HandleFunc("POST /api/prices/reload", h.reloadPrices)
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var handler http.Handler = mux
	handler = requestLogging(logger)(handler)
	handler = cors(cfg.CORSOrigins)(handler)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down")
	return s.httpServer.Shutdown(ctx)
}
