package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"evalgo.org/sessionagent/internal/validation"
	"evalgo.org/sessionagent/models"
)

// ValidateContentType middleware ensures that requests with a body have the correct Content-Type
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		method := c.Request().Method

		if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
			// Allow empty body for some requests
			if c.Request().ContentLength == 0 {
				return next(c)
			}

			contentType := c.Request().Header.Get(echo.HeaderContentType)
			if !strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
				return BadRequestError(
					"Invalid Content-Type",
					"Content-Type must be 'application/json'. Got: "+contentType,
				)
			}
		}

		return next(c)
	}
}

// ValidateAcceptHeader middleware ensures that clients can accept JSON responses
func ValidateAcceptHeader(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		accept := c.Request().Header.Get("Accept")

		// If no Accept header, assume */*
		if accept == "" {
			return next(c)
		}

		if !strings.Contains(accept, "application/json") &&
			!strings.Contains(accept, "*/*") &&
			!strings.Contains(accept, "application/*") {
			return BadRequestError(
				"Invalid Accept header",
				"API only returns JSON. Accept header must include 'application/json' or '*/*'. Got: "+accept,
			)
		}

		return next(c)
	}
}

// ValidateSessionHostIDParam returns middleware rejecting requests whose path
// parameter param is not a well-formed session host id.
func ValidateSessionHostIDParam(param string) echo.MiddlewareFunc {
	v := validation.New()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if result := v.ValidateSessionHostID(c.Param(param)); !result.Valid {
				return BadRequestError("Invalid session host id", result.Error())
			}
			return next(c)
		}
	}
}

// ValidateQueryParams middleware validates the filters of list operations
func ValidateQueryParams(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if state := c.QueryParam("state"); state != "" {
			if _, err := models.ParseSessionHostStatus(state); err != nil {
				return BadRequestError("Invalid state parameter", err.Error())
			}
		}

		if t := c.QueryParam("type"); t != "" {
			switch models.SessionHostType(t) {
			case models.SessionHostTypeProcess, models.SessionHostTypeContainer:
			default:
				return BadRequestError(
					"Invalid type parameter",
					"Type must be one of: Process, Container. Got: "+t,
				)
			}
		}

		return next(c)
	}
}

// SecurityHeaders middleware adds security headers to responses
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
		c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		return next(c)
	}
}
