package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vango-go/vai-duplex/pkg/gateway/config"
	"github.com/vango-go/vai-duplex/pkg/gateway/handlers"
	"github.com/vango-go/vai-duplex/pkg/gateway/mw"
	"github.com/vango-go/vai-duplex/pkg/metrics"
)

// Deps are the components the server exposes.
type Deps struct {
	Session handlers.SessionStatus
	Feed    http.Handler
	Metrics *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
	routes map[string]struct{}

	draining atomic.Bool
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
		routes: make(map[string]struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
	s.routes[pattern] = struct{}{}
}

func (s *Server) registerRoutes() {
	s.handle("/healthz", handlers.HealthHandler{})
	s.handle("/readyz", handlers.ReadyHandler{Session: s.deps.Session, Draining: s.IsDraining})
	if s.deps.Metrics != nil {
		s.handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Feed != nil {
		s.handle("/v1/feed", mw.Auth(s.cfg.FeedToken, s.deps.Feed))
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// SetDraining makes /readyz report not ready ahead of shutdown.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins(), h)
	h = mw.Metrics(s.deps.Metrics, s.routes, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
