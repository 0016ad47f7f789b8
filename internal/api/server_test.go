package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/sessionagent/internal/auth"
	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/heartbeat"
	"evalgo.org/sessionagent/internal/logging"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

type fakeTerminator struct {
	mu      sync.Mutex
	ok      bool
	deleted []string
}

func (f *fakeTerminator) TryDelete(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.ok
}

type testServer struct {
	server     *Server
	store      *sessionhost.Store
	terminator *fakeTerminator
	hub        *Hub
	cfg        *config.Config
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 56001},
		Agent: config.AgentConfig{
			Runner:                            config.RunnerProcess,
			HeartbeatIntervalMs:               1000,
			NumHeartbeatsForActivateResponse:  2,
			NumHeartbeatsForTerminateResponse: 4,
		},
		Security: config.SecurityConfig{
			JWTSecret:     "test-secret",
			JWTExpiration: time.Hour,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := logging.Discard()
	store := sessionhost.NewStore()
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	store.Subscribe(hub.Publish)

	evaluator := heartbeat.NewEvaluator(heartbeat.Settings{
		HeartbeatIntervalMs: cfg.Agent.HeartbeatIntervalMs,
		ActivateThreshold:   cfg.Agent.NumHeartbeatsForActivateResponse,
		TerminateThreshold:  cfg.Agent.NumHeartbeatsForTerminateResponse,
		SessionConfig: models.SessionConfig{
			SessionID:      "11111111-2222-3333-4444-555555555555",
			SessionCookie:  "cookie",
			InitialPlayers: []string{"p1"},
		},
	})
	terminator := &fakeTerminator{ok: true}

	server := New(cfg, Options{
		Heartbeats: heartbeat.NewService(evaluator, store, nil, logger, hub.Publish),
		Store:      store,
		Terminator: terminator,
		Metrics:    metrics.NewCollector(),
		Hub:        hub,
		Logger:     logger,
	})

	return &testServer{server: server, store: store, terminator: terminator, hub: hub, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHeartbeat_Lifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	host := ts.store.AddHost(models.SessionHostInfo{
		SessionHost: models.SessionHost{State: models.SessionHostStatusPendingHeartbeat},
	})
	path := "/v1/sessionHosts/" + host.ID() + "/heartbeats"

	expected := []models.Operation{
		models.OperationContinue,
		models.OperationActive,
		models.OperationContinue,
		models.OperationTerminate,
		models.OperationTerminate,
	}
	for i, want := range expected {
		rec := ts.do(t, http.MethodPost, path, `{"currentGameState":"StandingBy"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[models.SessionHostHeartbeatInfo](t, rec)
		assert.Equal(t, want, resp.Operation, "heartbeat %d", i+1)
		assert.Equal(t, 1000, resp.NextHeartbeatIntervalMs)
		assert.Equal(t, models.SessionHostStatusStandingBy, resp.CurrentGameState)
		if want == models.OperationActive {
			require.NotNil(t, resp.SessionConfig)
			assert.Equal(t, "11111111-2222-3333-4444-555555555555", resp.SessionConfig.SessionID)
		} else {
			assert.Nil(t, resp.SessionConfig)
		}
	}

	stored, err := ts.store.Get(host.ID())
	require.NoError(t, err)
	assert.Equal(t, models.SessionHostStatusStandingBy, stored.SessionHost.State)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", stored.SessionHost.SessionID)
}

func TestHeartbeat_ResponseOmitsSessionConfigUnlessActive(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/sessionHosts/host-1/heartbeats", `{"currentGameState":"Initializing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	raw := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "Continue", raw["operation"])
	_, present := raw["sessionConfig"]
	assert.False(t, present)
}

func TestHeartbeat_PatchAliasSharesState(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/sessionHosts/host-1/heartbeats", `{"currentGameState":"StandingBy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OperationContinue, decode[models.SessionHostHeartbeatInfo](t, rec).Operation)

	rec = ts.do(t, http.MethodPatch, "/v1/sessionHosts/host-1", `{"currentGameState":"StandingBy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OperationActive, decode[models.SessionHostHeartbeatInfo](t, rec).Operation)
}

func TestHeartbeat_ProtocolErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "malformed json", path: "/v1/sessionHosts/host-1/heartbeats", body: `{"currentGameState":`},
		{name: "unknown state", path: "/v1/sessionHosts/host-1/heartbeats", body: `{"currentGameState":"Sleeping"}`},
		{name: "invalid host id", path: "/v1/sessionHosts/bad%20id/heartbeats", body: `{"currentGameState":"StandingBy"}`},
		{name: "legacy unknown state", path: "/v1/titles/t/clusters/c/instances/i1/heartbeat", body: `{"CurrentGameState":"Bogus"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode[APIError](t, rec)
			assert.Equal(t, http.StatusBadRequest, body.Code)
		})
	}
}

func TestHeartbeat_AcceptsSparseBodies(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/sessionHosts/host-1/heartbeats", `{"currentGameHealth":"Healthy","currentPlayers":[{}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[models.SessionHostHeartbeatInfo](t, rec)
	assert.Equal(t, models.OperationContinue, resp.Operation)
	assert.Equal(t, models.SessionHostStatusInvalid, resp.CurrentGameState)

	rec = ts.do(t, http.MethodPost, "/v1/titles/t/clusters/c/instances/i1/heartbeat", `{"TitleId":"t"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.OperationContinue, decode[models.LegacyGameInfo](t, rec).Operation)
}

func TestHeartbeat_RejectsWrongContentType(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/sessionHosts/host-1/heartbeats", "x", "Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegacyHeartbeat(t *testing.T) {
	ts := newTestServer(t, nil)

	routes := []string{
		"/v1/titles/title-1/clusters/cluster-1/instances/legacy-1/heartbeat",
		"/v1/titles/title-1/sessionHost/cluster-1/instances/legacy-1/heartbeat",
	}

	// Both aliases feed the same counter for the same instance id
	rec := ts.do(t, http.MethodPost, routes[0], `{"CurrentGameState":"StandingBy","CurrentPlayers":["p1"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[models.LegacyGameInfo](t, rec)
	assert.Equal(t, "title-1", first.TitleID)
	assert.Equal(t, models.OperationContinue, first.Operation)
	assert.Empty(t, first.SessionID)

	rec = ts.do(t, http.MethodPost, routes[1], `{"CurrentGameState":"StandingBy"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[models.LegacyGameInfo](t, rec)
	assert.Equal(t, "title-1", second.TitleID)
	assert.Equal(t, models.OperationActive, second.Operation)
	assert.Equal(t, models.SessionHostStatusStandingBy, second.CurrentGameState)
	assert.Equal(t, 1000, second.NextHeartbeatIntervalMs)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", second.SessionID)
	assert.Equal(t, "cookie", second.SessionCookie)
	assert.Equal(t, []string{"p1"}, second.InitialPlayers)

	// The current route sees the same host
	rec = ts.do(t, http.MethodPost, "/v1/sessionHosts/legacy-1/heartbeats", `{"currentGameState":"Active"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OperationContinue, decode[models.SessionHostHeartbeatInfo](t, rec).Operation)
}

func TestManagementRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.store.AddHost(models.SessionHostInfo{InstanceNumber: 0, Type: models.SessionHostTypeProcess,
		SessionHost: models.SessionHost{State: models.SessionHostStatusStandingBy}})
	b := ts.store.AddHost(models.SessionHostInfo{InstanceNumber: 1, Type: models.SessionHostTypeProcess,
		SessionHost: models.SessionHost{State: models.SessionHostStatusPendingHeartbeat}})
	require.NoError(t, ts.store.UpdateHostExternalID(a.ID(), "4242"))

	rec := ts.do(t, http.MethodGet, "/api/v1/sessionhosts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[PaginatedSessionHostsResponse](t, rec)
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.SessionHosts, 2)
	assert.Equal(t, a.ID(), list.SessionHosts[0].ID())

	rec = ts.do(t, http.MethodGet, "/api/v1/sessionhosts?state=PendingHeartbeat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[PaginatedSessionHostsResponse](t, rec)
	require.Len(t, list.SessionHosts, 1)
	assert.Equal(t, b.ID(), list.SessionHosts[0].ID())

	rec = ts.do(t, http.MethodGet, "/api/v1/sessionhosts?state=Sleeping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/sessionhosts/"+a.ID(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4242", decode[models.SessionHostInfo](t, rec).TypeSpecificID)

	rec = ts.do(t, http.MethodGet, "/api/v1/sessionhosts/missing-host", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/sessionhosts/"+b.ID(), "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/sessionhosts/"+a.ID(), "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"4242"}, ts.terminator.deleted)

	ts.terminator.ok = false
	rec = ts.do(t, http.MethodDelete, "/api/v1/sessionhosts/"+a.ID(), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestManagementRoutes_Auth(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Security.AuthEnabled = true })
	jwtService := auth.NewJWTService(ts.cfg)
	viewer, err := jwtService.GenerateToken("viewer", auth.RoleViewer, 0)
	require.NoError(t, err)

	host := ts.store.AddHost(models.SessionHostInfo{})
	require.NoError(t, ts.store.UpdateHostExternalID(host.ID(), "99"))

	rec := ts.do(t, http.MethodGet, "/api/v1/sessionhosts", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/sessionhosts", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/sessionhosts/"+host.ID(), "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Heartbeats stay open
	rec = ts.do(t, http.MethodPost, "/v1/sessionHosts/"+host.ID()+"/heartbeats", `{"currentGameState":"Initializing"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	host := ts.store.AddHost(models.SessionHostInfo{})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev models.SessionHostEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, models.EventHostAdded, ev.Type)
	assert.Equal(t, host.ID(), ev.SessionHostID)
}
