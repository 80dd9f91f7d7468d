package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"soloist/pkg/api/middleware"
	"soloist/pkg/coordination"
	"soloist/pkg/election"
	"soloist/pkg/logger"
)

// Leadership is the part of the election coordinator the API exposes.
type Leadership interface {
	Status() election.Status
	Leader(ctx context.Context) (string, error)
	Relinquish() bool
}

// SessionState reports the coordination session state.
type SessionState interface {
	State() coordination.State
}

// Config holds status server configuration.
type Config struct {
	Addr        string
	ServiceName string
	Leadership  Leadership
	Session     SessionState
	Logger      *zap.Logger
	// RelinquishLimit throttles the step-down endpoint.
	RelinquishLimit middleware.RateLimiterConfig
}

// Server is the HTTP status server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	leadership Leadership
	session    SessionState
	logger     *zap.Logger
}

// NewServer creates the status server with its routes.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:     gin.New(),
		leadership: cfg.Leadership,
		session:    cfg.Session,
		logger:     logger.OrNop(cfg.Logger),
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "soloist"
	}
	if cfg.RelinquishLimit.RequestsPerMinute == 0 {
		cfg.RelinquishLimit = middleware.DefaultRateLimiterConfig()
	}

	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	s.router.Use(s.requestLogger())

	s.registerRoutes(middleware.NewRateLimiter(cfg.RelinquishLimit))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(relinquishLimiter *middleware.RateLimiter) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		leadership := v1.Group("/leadership")
		{
			leadership.GET("", s.getLeadership)
			leadership.POST("/relinquish",
				middleware.BodySizeLimitMiddleware(1<<10),
				relinquishLimiter.Middleware(),
				s.relinquish)
		}
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)))
	}
}
