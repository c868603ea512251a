package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/collabpulse/internal/broadcast"
	"github.com/pscheid92/collabpulse/internal/domain"
	apperrors "github.com/pscheid92/collabpulse/internal/platform/errors"
	"github.com/pscheid92/collabpulse/internal/registry"
)

const maxCommandBytes = 1 << 20

type connectionsResponse struct {
	Count       int              `json:"count"`
	Connections []registry.Stats `json:"connections"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandBytes+1))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}
	if len(body) > maxCommandBytes {
		return apperrors.ValidationError(fmt.Sprintf("request body exceeds %d bytes", maxCommandBytes))
	}

	req, err := broadcast.DecodeCommand(body)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}

	result := s.app.Broadcast(c.Request().Context(), req)
	if err := c.JSON(http.StatusOK, broadcast.NewResponse(result)); err != nil {
		return fmt.Errorf("failed to write broadcast response: %w", err)
	}
	return nil
}

func (s *Server) handleListConnections(c echo.Context) error {
	conns := s.app.Connections()
	if err := c.JSON(http.StatusOK, connectionsResponse{Count: len(conns), Connections: conns}); err != nil {
		return fmt.Errorf("failed to write connections response: %w", err)
	}
	return nil
}

func (s *Server) handleGetConnection(c echo.Context) error {
	id := c.Param("id")
	stats, err := s.app.Connection(id)
	if errors.Is(err, domain.ErrNotConnected) {
		return apperrors.NotFoundError("connection not found").WithContext("conn_id", id)
	}
	if err != nil {
		return apperrors.InternalError("failed to read connection", err)
	}

	if err := c.JSON(http.StatusOK, stats); err != nil {
		return fmt.Errorf("failed to write connection response: %w", err)
	}
	return nil
}

func (s *Server) handleDisconnect(c echo.Context) error {
	id := c.Param("id")
	if !s.app.Disconnect(id) {
		return apperrors.NotFoundError("connection not found").WithContext("conn_id", id)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListInstances(c echo.Context) error {
	if s.instances == nil {
		return apperrors.UnavailableError("instance registry is not configured", nil)
	}

	instances, err := s.instances.Instances(c.Request().Context())
	if err != nil {
		return apperrors.UnavailableError("failed to list instances", err)
	}

	if err := c.JSON(http.StatusOK, map[string]any{"instances": instances}); err != nil {
		return fmt.Errorf("failed to write instances response: %w", err)
	}
	return nil
}
