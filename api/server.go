package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/config"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/security"
)

// Server is the configured HTTP front end.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the echo instance: recovery, request ids, rate limiting
// before auth, body caps, metrics, and the versioned routes.
func NewServer(cfg *config.Config, h *Handlers, jwtService *security.JWTService, m *metrics.Metrics, registry *prometheus.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ProblemHandler

	e.Use(middleware.Recover())
	e.Use(RequestIDMiddleware())
	e.Use(MetricsMiddleware(m))
	e.Use(RateLimitMiddleware(NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), cfg.RateLimitBurst, m))
	e.Use(BodyCapMiddleware(cfg.MaxBodyBytes))

	e.GET("/healthz", h.HandleHealthz)
	e.GET("/readyz", h.HandleReadyz)

	metricsHandler := echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if cfg.MetricsAuth {
		metricsGroup := e.Group("/metrics", APIKeyMiddleware(cfg.APIKeys), JWTMiddleware(jwtService))
		metricsGroup.GET("", metricsHandler)
	} else {
		e.GET("/metrics", metricsHandler)
	}

	v1 := e.Group("/v1", APIKeyMiddleware(cfg.APIKeys), JWTMiddleware(jwtService))
	v1.POST("/workspaces/:ws/ask", h.HandleAsk)
	v1.POST("/workspaces/:ws/search", h.HandleSearch)
	v1.POST("/workspaces/:ws/documents/upload", h.HandleUpload)
	v1.POST("/workspaces/:ws/documents/:id/reprocess", h.HandleReprocess)
	v1.DELETE("/workspaces/:ws/documents/:id", h.HandleDeleteDocument)
	v1.GET("/workspaces/:ws/connectors/oauth/callback", h.HandleOAuthCallback)
	v1.POST("/workspaces/:ws/connectors/sources", h.HandleCreateSource)
	v1.POST("/workspaces/:ws/connectors/:source/sync", h.HandleSync)

	return &Server{echo: e, addr: cfg.ListenAddr}
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	common.Logger.WithField("addr", s.addr).Info("http server listening")
	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
