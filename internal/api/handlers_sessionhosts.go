package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

// PaginatedSessionHostsResponse is the body of GET /api/v1/sessionhosts.
type PaginatedSessionHostsResponse struct {
	Count        int                       `json:"count"`
	Total        int                       `json:"total"`
	Limit        int                       `json:"limit"`
	Offset       int                       `json:"offset"`
	SessionHosts []*models.SessionHostInfo `json:"sessionHosts"`
}

// MessageResponse represents a simple message response.
type MessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// listSessionHosts handles GET /api/v1/sessionhosts
func (s *Server) listSessionHosts(c echo.Context) error {
	state := c.QueryParam("state")
	hostType := models.SessionHostType(c.QueryParam("type"))
	limit, offset := parsePagination(c)

	all := s.store.All()
	hosts := make([]*models.SessionHostInfo, 0, len(all))
	for _, h := range all {
		if state != "" && h.SessionHost.State.String() != state {
			continue
		}
		if hostType != "" && h.Type != hostType {
			continue
		}
		hosts = append(hosts, h)
	}

	total := len(hosts)
	hosts = paginateSessionHosts(hosts, limit, offset)

	return c.JSON(http.StatusOK, PaginatedSessionHostsResponse{
		Count:        len(hosts),
		Total:        total,
		Limit:        limit,
		Offset:       offset,
		SessionHosts: hosts,
	})
}

// getSessionHost handles GET /api/v1/sessionhosts/:id
func (s *Server) getSessionHost(c echo.Context) error {
	id := c.Param("id")

	host, err := s.store.Get(id)
	if errors.Is(err, sessionhost.ErrNotFound) {
		return NotFoundError("Session host", id)
	}
	if err != nil {
		return InternalError("Failed to get session host", err.Error())
	}

	return c.JSON(http.StatusOK, host)
}

// deleteSessionHost handles DELETE /api/v1/sessionhosts/:id. It deletes the
// backend unit; the record is removed once the orchestrator sees it exit.
func (s *Server) deleteSessionHost(c echo.Context) error {
	id := c.Param("id")

	host, err := s.store.Get(id)
	if errors.Is(err, sessionhost.ErrNotFound) {
		return NotFoundError("Session host", id)
	}
	if err != nil {
		return InternalError("Failed to get session host", err.Error())
	}

	if host.TypeSpecificID == "" {
		return NewAPIError(http.StatusConflict, "Session host is still starting", "no backend unit to delete yet")
	}
	if s.terminator == nil || !s.terminator.TryDelete(c.Request().Context(), host.TypeSpecificID) {
		return InternalError("Failed to delete session host", "backend refused to delete "+host.TypeSpecificID)
	}

	s.logger.Info("session_host_delete_requested", "session_host_id", id, "type_specific_id", host.TypeSpecificID)
	return c.JSON(http.StatusAccepted, MessageResponse{
		Message: "session host deletion requested",
		ID:      id,
	})
}
