package httpserver

import (
	"encoding/json"
	"errors"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/collabpulse/internal/adapter/websocket"
	"github.com/pscheid92/collabpulse/internal/domain"
	apperrors "github.com/pscheid92/collabpulse/internal/platform/errors"
	"github.com/rs/zerolog"
)

type welcomeMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// handleWebSocket authenticates, upgrades and hands the connection to the app service.
// Admission refusals happen after the upgrade so the client receives the rejection's close code.
// The handler blocks in the transport read loop for the lifetime of the connection.
func (s *Server) handleWebSocket(c echo.Context) error {
	security, err := s.auth.Authenticate(c.Request())
	if err != nil {
		return apperrors.UnauthorizedError("missing or invalid identity")
	}

	ctx := c.Request().Context()
	log := zerolog.Ctx(ctx)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return nil
	}

	transport := websocket.NewTransport(conn)
	decision, err := s.app.Connect(ctx, c.QueryParam("id"), security, transport)
	if err != nil {
		var admissionErr *domain.AdmissionError
		if errors.As(err, &admissionErr) {
			_ = transport.Close(decision.Reason.CloseCode(), string(decision.Reason))
			return nil
		}
		log.Error().Err(err).Msg("Failed to register connection")
		_ = transport.Close(domain.CloseInternalError, "registration failed")
		return nil
	}

	welcome, err := json.Marshal(welcomeMessage{Type: "connected", ConnectionID: decision.ConnectionID})
	if err == nil {
		if err := transport.Send(ctx, welcome); err != nil {
			log.Debug().Err(err).Str("conn_id", decision.ConnectionID).Msg("Failed to send welcome")
		}
	}

	transport.Run()
	return nil
}
