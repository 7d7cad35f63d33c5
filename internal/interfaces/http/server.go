// Package http serves both surfaces of the process: the open mock
// synthesis prefix and the auth-gated management prefix.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/interfaces/push"
)

// Server wraps the gin router and the underlying http.Server.
type Server struct {
	server  *http.Server
	limiter *ingressLimiter
	logger  *zap.Logger
}

// NewServer assembles the router: middleware, the mock catch-all, the
// WebSocket push endpoint and the management group.
func NewServer(
	cfg *config.Config,
	mock *MockHandler,
	mgmt *ManagementHandler,
	pushHandler *push.Handler,
	logger *zap.Logger,
) *Server {
	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	router.Use(corsMiddleware(cfg.CORS, logger))

	started := time.Now()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(started).Round(time.Second).String(),
			"backends": mgmt.pool.Status(),
		})
	})

	mockGroup := router.Group(cfg.Server.MockPrefix)
	mockGroup.Use(bodyLimit(cfg.Ingress.MaxRequestSizeBytes))
	var limiter *ingressLimiter
	if cfg.Ingress.Enabled {
		limiter = newIngressLimiter(cfg.Ingress.RequestsPerMinute)
		mockGroup.Use(limiter.middleware())
	}
	// A static /ws route cannot coexist with the catch-all in gin's
	// route tree, so the upgrade dispatches inside Handle.
	mock.ws = pushHandler
	mockGroup.Any("/*path", mock.Handle)

	mgmtGroup := router.Group(cfg.Server.ManagementPrefix)
	if cfg.Auth.Enabled {
		mgmtGroup.Use(authMiddleware(cfg.Auth.Secret, "mocksmith-management"))
	}
	mgmt.Register(mgmtGroup)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// SweepIngress drops stale rate-limit partitions; a no-op when ingress
// limiting is disabled.
func (s *Server) SweepIngress(now time.Time) int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.sweep(now)
}

// Start begins serving in the background; listen errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
