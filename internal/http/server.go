package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/expense-outbox/internal/config"
	"github.com/jmehdipour/expense-outbox/internal/http/middleware"
	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outbox bundles the writer, dispatcher and store of one bounded context.
type Outbox struct {
	Writer     *outbox.Writer
	Dispatcher *outbox.Dispatcher
	Repo       repository.OutboxRepository
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// NewServer builds the router. rdb backs the intake rate limit and may be nil.
func NewServer(cfg config.Config, outboxes map[string]Outbox, gatherer prometheus.Gatherer, rdb redis.Cmdable, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), middleware.ZapRequestLogger(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// routes
	h := &outboxHandlers{outboxes: outboxes}
	v1 := e.Group("/v1/outbox/:context", middleware.APIKeyMiddleware(cfg.API.Keys), h.resolveContext)
	v1.GET("/stats", h.stats)
	v1.GET("/events/:id", h.getEvent)
	v1.POST("/events", h.writeEvent, middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rdb,
		RPS:            cfg.API.RateLimitRPS,
		RetryAfterHint: true,
	}))

	return &Server{e: e, log: logger}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
