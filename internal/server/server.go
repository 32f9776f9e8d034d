// Package server exposes the session manager and the event feed over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/internal/agent"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionService is the part of the session manager the HTTP surface drives.
type SessionService interface {
	Start(ctx context.Context, goal string) (string, error)
	Cancel(id string) error
	Describe(id string) (agent.SessionInfo, error)
	List() []agent.SessionInfo
}

var _ SessionService = (*agent.Manager)(nil)

// Server hosts the control API, the SSE and WebSocket event feeds and the
// metrics endpoint.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	sessions SessionService
	bus      *eventbus.Bus
	metrics  *observability.Metrics

	httpServer *http.Server
}

// New creates a Server. metrics may be nil, in which case /metrics is not served.
func New(cfg config.ServerConfig, logger *zap.Logger, sessions SessionService, bus *eventbus.Bus, metrics *observability.Metrics) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		sessions: sessions,
		bus:      bus,
		metrics:  metrics,
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// The feeds are long lived and stay outside the request logger.
	r.Get("/ws", s.handleWebSocket)
	r.Get("/api/events", s.handleSSE)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)

		r.Get("/healthz", s.handleHealthCheck)
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		}
		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", s.handleStartSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleCancelSession)
		})
	})
	return r
}

// ListenAndServe binds the configured address, falling back to the
// following ports when it is taken, and serves until ctx ends. The bound
// address is reported through onListen when it is non-nil.
func (s *Server) ListenAndServe(ctx context.Context, onListen func(net.Addr)) error {
	ln, err := Listen(ctx, s.cfg.Listen, s.cfg.PortFallbacks)
	if err != nil {
		return err
	}
	if onListen != nil {
		onListen(ln.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("HTTP server starting", zap.String("address", ln.Addr().String()))

	// Streams watch this context so Shutdown does not wait on them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	s.httpServer.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server.")
	cancelStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	s.logger.Info("HTTP server stopped.")
	return nil
}

// originAllowed reports whether a browser origin may use the API. With no
// configured origins only same-host and non-browser clients are accepted.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	return strings.EqualFold(host, r.Host)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
