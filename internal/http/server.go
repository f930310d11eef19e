// Package http serves the playbook over a small JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/engine"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/scoring"
	"github.com/fyrsmithlabs/playbookd/internal/serving"
)

// Playbooks is the engine surface the server needs.
type Playbooks interface {
	Playbook(ctx context.Context) (*playbook.Playbook, error)
	Stats(ctx context.Context, top int) (serving.Stats, error)
	Mark(ctx context.Context, req engine.MarkRequest) (*curation.Result, error)
	Curate(ctx context.Context, deltas []playbook.Delta, dryRun bool) (*curation.Result, error)
	Reflect(ctx context.Context, req engine.ReflectRequest) (*engine.ReflectResult, error)
}

// Server provides HTTP endpoints for playbookd.
type Server struct {
	echo     *echo.Echo
	engine   Playbooks
	logger   *zap.Logger
	config   *Config
	now      func() time.Time
	metrics  *Metrics
	routes   map[string]string
	snapshot atomic.Pointer[snapshot]
}

// snapshot wraps the cached playbook so that an invalidation is a new
// pointer: a load that raced with SetSnapshot loses its CompareAndSwap.
type snapshot struct {
	pb *playbook.Playbook
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Gate runs the evidence gate on reflected add deltas.
	Gate bool
	// BodyLimit caps request bodies, in echo's size notation.
	BodyLimit string
	Scoring   scoring.Config
}

// NewServer creates a new HTTP server.
func NewServer(pbs Playbooks, logger *zap.Logger, cfg *Config) (*Server, error) {
	if pbs == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:    "127.0.0.1",
			Port:    8787,
			Scoring: scoring.DefaultConfig(),
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "4M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	s := &Server{
		echo:    e,
		engine:  pbs,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
		metrics: NewMetrics(logger),
		routes:  make(map[string]string),
	}
	s.snapshot.Store(&snapshot{})

	e.Use(s.metrics.Middleware(s.routeName))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			reqLogger := logger.With(zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			c.SetRequest(req.WithContext(logging.WithLogger(req.Context(), reqLogger)))
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			reqLogger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// Route names label metrics.
const (
	routeHealth    = "health"
	routeBullets   = "bullets.list"
	routeBullet    = "bullets.get"
	routeStats     = "stats"
	routeFeedback  = "feedback"
	routeCurate    = "curate"
	routeReflect   = "reflect"
	routeUnmatched = "unmatched"
)

func (s *Server) registerRoutes() {
	s.route(http.MethodGet, "/health", routeHealth, s.handleHealth)
	s.route(http.MethodGet, "/api/v1/bullets", routeBullets, s.handleBullets)
	s.route(http.MethodGet, "/api/v1/bullets/:id", routeBullet, s.handleBullet)
	s.route(http.MethodGet, "/api/v1/stats", routeStats, s.handleStats)
	s.route(http.MethodPost, "/api/v1/feedback", routeFeedback, s.handleFeedback)
	s.route(http.MethodPost, "/api/v1/curate", routeCurate, s.handleCurate)
	s.route(http.MethodPost, "/api/v1/reflect", routeReflect, s.handleReflect)
}

func (s *Server) route(method, path, name string, h echo.HandlerFunc) {
	s.echo.Add(method, path, h).Name = name
	s.routes[method+" "+path] = name
}

// routeName maps a matched route template to its name.
func (s *Server) routeName(method, path string) string {
	if name, ok := s.routes[method+" "+path]; ok {
		return name
	}
	return routeUnmatched
}

// SetSnapshot replaces the playbook served by read endpoints. A nil
// snapshot makes the next read load from the store.
func (s *Server) SetSnapshot(pb *playbook.Playbook) {
	s.snapshot.Store(&snapshot{pb: pb})
}

func (s *Server) current(ctx context.Context) (*playbook.Playbook, error) {
	cur := s.snapshot.Load()
	if cur.pb != nil {
		return cur.pb, nil
	}
	pb, err := s.engine.Playbook(ctx)
	if err != nil {
		return nil, err
	}
	// Only cache if nothing replaced or invalidated the snapshot meanwhile.
	s.snapshot.CompareAndSwap(cur, &snapshot{pb: pb})
	return pb, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps engine errors to status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, playbook.ErrBulletNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, playbook.ErrInvalidDelta),
		errors.Is(err, playbook.ErrInvalidFeedback):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoGenerator):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
