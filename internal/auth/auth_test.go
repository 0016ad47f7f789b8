package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/sessionagent/internal/config"
)

func testConfig(authEnabled bool) *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			AuthEnabled:   authEnabled,
			JWTSecret:     "test-secret",
			JWTExpiration: time.Hour,
		},
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("operator")
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, role)

	_, err = ParseRole("admin")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewJWTService(testConfig(true))

	token, err := s.GenerateToken("alice", RoleOperator, 0)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
	assert.True(t, claims.HasRole(RoleOperator))
	assert.False(t, claims.HasRole(RoleViewer))
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestGenerateToken_Errors(t *testing.T) {
	s := NewJWTService(testConfig(true))
	_, err := s.GenerateToken("alice", "root", 0)
	assert.ErrorIs(t, err, ErrUnknownRole)

	cfg := testConfig(true)
	cfg.Security.JWTSecret = ""
	_, err = NewJWTService(cfg).GenerateToken("alice", RoleOperator, 0)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	s := NewJWTService(testConfig(true))
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := s.GenerateToken("alice", RoleViewer, time.Minute)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_Invalid(t *testing.T) {
	s := NewJWTService(testConfig(true))

	_, err := s.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := testConfig(true)
	other.Security.JWTSecret = "other-secret"
	token, err := NewJWTService(other).GenerateToken("mallory", RoleOperator, 0)
	require.NoError(t, err)
	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Name: "mallory", Roles: []Role{RoleOperator}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func runMiddleware(t *testing.T, m *Middleware, mw func(echo.HandlerFunc) echo.HandlerFunc, header string) (int, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessionhosts", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})(c)
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code, err
	}
	return rec.Code, err
}

func TestMiddleware(t *testing.T) {
	cfg := testConfig(true)
	m := NewMiddleware(cfg)
	s := NewJWTService(cfg)

	operator, err := s.GenerateToken("op", RoleOperator, 0)
	require.NoError(t, err)
	viewer, err := s.GenerateToken("view", RoleViewer, 0)
	require.NoError(t, err)

	tests := []struct {
		name     string
		mw       func(echo.HandlerFunc) echo.HandlerFunc
		header   string
		expected int
	}{
		{name: "missing header", mw: m.RequireRead, expected: http.StatusUnauthorized},
		{name: "wrong scheme", mw: m.RequireRead, header: "Basic abc", expected: http.StatusUnauthorized},
		{name: "bad token", mw: m.RequireRead, header: "Bearer abc", expected: http.StatusUnauthorized},
		{name: "viewer reads", mw: m.RequireRead, header: "Bearer " + viewer, expected: http.StatusNoContent},
		{name: "viewer cannot delete", mw: m.RequireOperator, header: "Bearer " + viewer, expected: http.StatusForbidden},
		{name: "operator deletes", mw: m.RequireOperator, header: "Bearer " + operator, expected: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := runMiddleware(t, m, tt.mw, tt.header)
			assert.Equal(t, tt.expected, code)
		})
	}
}

func TestMiddleware_AuthDisabled(t *testing.T) {
	m := NewMiddleware(testConfig(false))
	code, err := runMiddleware(t, m, m.RequireOperator, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, code)
}
