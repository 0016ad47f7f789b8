package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/sessionagent/internal/heartbeat"
	"evalgo.org/sessionagent/models"
)

// heartbeat handles POST /v1/sessionHosts/:sessionHostId/heartbeats and its
// PATCH /v1/sessionHosts/:sessionHostId alias.
func (s *Server) heartbeat(c echo.Context) error {
	hostID := c.Param("sessionHostId")

	var req models.SessionHostHeartbeatInfo
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid heartbeat", bindErrorDetails(err))
	}
	if result := s.validator.ValidateHeartbeat(&req); !result.Valid {
		return ValidationFailed("Invalid heartbeat", result)
	}

	resp := s.heartbeats.ProcessHeartbeat(c.Request().Context(), hostID, heartbeat.ShapeCurrent, &req)
	return c.JSON(http.StatusOK, resp)
}

// legacyHeartbeat handles both legacy heartbeat routes. The instance id in
// the path is the session host id.
func (s *Server) legacyHeartbeat(c echo.Context) error {
	titleID := c.Param("titleId")
	hostID := c.Param("instanceId")

	var req models.LegacyGameInfo
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid heartbeat", bindErrorDetails(err))
	}
	if result := s.validator.ValidateLegacyHeartbeat(&req); !result.Valid {
		return ValidationFailed("Invalid heartbeat", result)
	}

	resp := s.heartbeats.ProcessHeartbeat(c.Request().Context(), hostID, heartbeat.ShapeLegacy, req.ToSessionHostHeartbeatInfo())
	return c.JSON(http.StatusOK, models.LegacyGameInfoFromSessionHostHeartbeatInfo(resp, titleID))
}

// bindErrorDetails extracts the message of a binder error.
func bindErrorDetails(err error) string {
	if he, ok := err.(*echo.HTTPError); ok {
		if he.Internal != nil {
			return he.Internal.Error()
		}
		if msg, ok := he.Message.(string); ok {
			return msg
		}
	}
	return err.Error()
}
