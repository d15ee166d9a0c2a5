package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/PratikDhanave/sync-queue-service/internal/auth"
	"github.com/PratikDhanave/sync-queue-service/internal/config"
	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/handlers"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

// Deps are the collaborators the routes call into.
type Deps struct {
	Health   handlers.HealthReporter
	Pinger   handlers.Pinger
	Webhooks handlers.WebhookIngester
	Queue    handlers.Enqueuer
	Reader   handlers.EventReader
}

// NewRouter wires public endpoints and operator APIs.
// Public: /health, /ready, /queue/stats, /webhooks/*, /metrics
// Authenticated: /sync/trigger, /events, /entities
func NewRouter(keys map[string]string, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), RequestContext())

	handlers.RegisterHealthRoutes(r, d.Health, d.Pinger)
	handlers.RegisterWebhookRoutes(r, d.Webhooks)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Operator group enforces X-API-Key.
	ops := r.Group("/")
	ops.Use(auth.APIKeyMiddleware(keys))
	handlers.RegisterEventRoutes(ops, d.Queue, d.Reader)

	return r
}

// RequestContext tags every request with a request id and writes one access
// log line when it completes.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(requestIDHeader, rid)

		ctx := logging.WithAttrs(c.Request.Context(), slog.String("request_id", rid))
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// Re-read the context: auth may have added attrs.
		logging.Info(c.Request.Context(), "http request",
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// Server owns the listener so start-up errors surface before serving begins.
type Server struct {
	srv *http.Server
	cfg config.HTTPConfig
}

func New(cfg config.HTTPConfig, h http.Handler) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errs.Wrapf(err, "listen on %s", s.srv.Addr)
	}
	s.srv.BaseContext = func(net.Listener) context.Context {
		return context.WithoutCancel(ctx)
	}

	logging.Info(ctx, "http server started", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "http server stopped", slog.Any("err", errs.Loggable(err)))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return errs.Wrap(s.srv.Shutdown(ctx), "shutdown http server")
}
