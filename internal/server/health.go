package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"unichat/internal/provider/factory"
)

type providerStatus struct {
	factory.ProviderHealth
	LastChecked string `json:"last_checked"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Version   string                    `json:"version"`
	Models    map[string]providerStatus `json:"models"`
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Server) handleHealth(c echo.Context) error {
	results := s.health.HealthCheckAll(c.Request().Context())
	checked := s.timestamp()

	overall := "healthy"
	statuses := make(map[string]providerStatus, len(results))
	for name, h := range results {
		if h.Status != factory.StatusAvailable {
			overall = "degraded"
		}
		statuses[name] = providerStatus{ProviderHealth: h, LastChecked: checked}
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status:    overall,
		Timestamp: checked,
		Version:   s.cfg.Server.Version,
		Models:    statuses,
	})
}

func (s *Server) handleReady(c echo.Context) error {
	for _, h := range s.health.HealthCheckAll(c.Request().Context()) {
		if h.Status == factory.StatusAvailable {
			return c.JSON(http.StatusOK, map[string]string{
				"status":    "ready",
				"timestamp": s.timestamp(),
			})
		}
	}
	return requestError{
		Status:  http.StatusServiceUnavailable,
		Message: "No healthy model adapters available",
		Type:    "server_error",
	}
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "alive",
		"timestamp":      s.timestamp(),
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
	})
}
