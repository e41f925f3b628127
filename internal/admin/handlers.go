package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/policy"
)

// DeployTimeout bounds a deployment started from the API
const DeployTimeout = 2 * time.Minute

type healthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state,omitempty"`
	Version string `json:"version,omitempty"`
}

type currentGenerations struct {
	Primary string `json:"primary"`
	Static  string `json:"static"`
}

type generationsResponse struct {
	Current *currentGenerations `json:"current"`
	Names   []string            `json:"names"`
}

type deployRequest struct {
	Version string `json:"version"`
}

type deployResponse struct {
	Version string             `json:"version"`
	Current currentGenerations `json:"current"`
	Deleted []string           `json:"deleted"`
}

func current(v policy.Versions) currentGenerations {
	return currentGenerations{Primary: v.Primary, Static: v.Static}
}

func (s *Server) health(c echo.Context) error {
	engine := s.host.Engine()
	if engine == nil {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "starting"})
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		State:   engine.State().String(),
		Version: engine.Versions().Label,
	})
}

func (s *Server) generations(c echo.Context) error {
	names, err := s.host.Storage().Names(c.Request().Context())
	if err != nil {
		logrus.Errorf("Failed to list cache generations: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list cache generations")
	}
	if names == nil {
		names = []string{}
	}

	resp := generationsResponse{Names: names}
	if engine := s.host.Engine(); engine != nil {
		cur := current(engine.Versions())
		resp.Current = &cur
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) deploy(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req.Version = strings.TrimSpace(req.Version)
	if req.Version == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "version is required")
	}
	if strings.ContainsAny(req.Version, `/\ `) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}

	// a client disconnecting must not interrupt the cleanup half way
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), DeployTimeout)
	defer cancel()

	engine, deleted, err := s.host.Deploy(ctx, req.Version)
	if err != nil {
		logrus.Errorf("Deployment of %s failed: %v", req.Version, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "deployment failed").SetInternal(err)
	}
	if deleted == nil {
		deleted = []string{}
	}

	return c.JSON(http.StatusOK, deployResponse{
		Version: req.Version,
		Current: current(engine.Versions()),
		Deleted: deleted,
	})
}
