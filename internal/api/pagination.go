package api

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"evalgo.org/sessionagent/models"
)

// parsePagination parses limit and offset from query parameters.
// Default limit is 100, default offset is 0.
// Maximum limit is 1000.
func parsePagination(c echo.Context) (limit, offset int) {
	limit = 100
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	offset = 0
	if offsetParam := c.QueryParam("offset"); offsetParam != "" {
		if parsed, err := strconv.Atoi(offsetParam); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}

// paginateSessionHosts applies pagination to a slice of session hosts.
func paginateSessionHosts(hosts []*models.SessionHostInfo, limit, offset int) []*models.SessionHostInfo {
	if offset >= len(hosts) {
		return []*models.SessionHostInfo{}
	}

	end := offset + limit
	if end > len(hosts) {
		end = len(hosts)
	}

	return hosts[offset:end]
}
