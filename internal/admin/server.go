// Operator HTTP API: health, metrics, cache generations and deployments
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Host is the proxy the admin API operates on
type Host interface {
	Engine() *policy.Engine
	Storage() cache.Storage
	Deploy(ctx context.Context, version string) (*policy.Engine, []string, error)
}

// Server wraps the Echo server
type Server struct {
	echo *echo.Echo
	host Host
}

// New creates the admin server. Metrics are served from gatherer when it is not nil.
func New(host Host, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, host: host}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logrus.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency,
			}).Debug("Admin request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/health", s.health)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/generations", s.generations)
	e.POST("/deploy", s.deploy)

	return s
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	logrus.Infof("Starting admin API on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
