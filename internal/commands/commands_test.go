package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/sessionagent/internal/auth"
	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/logging"
	"evalgo.org/sessionagent/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 56001
	c.Server.ShutdownTimeout = 5 * time.Second
	c.Agent.Runner = config.RunnerProcess
	c.Agent.Instances = 2
	c.Agent.HeartbeatIntervalMs = 1000
	c.Agent.NumHeartbeatsForActivateResponse = 2
	c.Agent.NumHeartbeatsForTerminateResponse = 4
	c.Agent.RootFolder = t.TempDir()
	c.Agent.GameLogsFolder = filepath.Join(c.Agent.RootFolder, "GameLogs")
	c.Agent.ConfigFolder = filepath.Join(c.Agent.RootFolder, "Config")
	c.Agent.AssetsFolder = filepath.Join(c.Agent.RootFolder, "Assets")
	c.Agent.StartInfo = models.SessionHostsStartInfo{
		SessionHostType:  models.SessionHostTypeProcess,
		StartGameCommand: "./server",
	}
	c.Security.JWTSecret = "test-secret"
	c.Security.JWTExpiration = time.Hour
	return c
}

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestValidateDocument(t *testing.T) {
	withConfig(t, testConfig(t))

	tests := []struct {
		name      string
		docType   string
		data      string
		wantValid bool
		wantErr   bool
	}{
		{name: "configured start info", docType: "start-info", wantValid: true},
		{
			name:      "container start info without image",
			docType:   "start-info",
			data:      `{"sessionHostType":"Container"}`,
			wantValid: false,
		},
		{
			name:      "process start info",
			docType:   "start-info",
			data:      `{"sessionHostType":"Process","startGameCommand":"run.sh"}`,
			wantValid: true,
		},
		{
			name:      "heartbeat",
			docType:   "heartbeat",
			data:      `{"currentGameState":"StandingBy","currentPlayers":[{"playerId":"p1"}]}`,
			wantValid: true,
		},
		{
			name:      "heartbeat player without id",
			docType:   "heartbeat",
			data:      `{"currentGameState":"Active","currentPlayers":[{}]}`,
			wantValid: true,
		},
		{name: "heartbeat unknown state", docType: "heartbeat", data: `{"currentGameState":"Sleeping"}`, wantErr: true},
		{name: "heartbeat needs file", docType: "heartbeat", wantErr: true},
		{name: "legacy", docType: "legacy", data: `{"CurrentGameState":"Active"}`, wantValid: true},
		{name: "unknown type", docType: "host", data: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data []byte
			if tt.data != "" {
				data = []byte(tt.data)
			}
			result, err := validateDocument(tt.docType, data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, result.Valid, "errors: %v", result.Errors)
		})
	}
}

func TestPrintValidationResult(t *testing.T) {
	withConfig(t, testConfig(t))

	result, err := validateDocument("start-info", []byte(`{"sessionHostType":"Container"}`))
	require.NoError(t, err)

	var out bytes.Buffer
	err = printValidationResult(&out, result)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "✗ Validation failed:")
	assert.Contains(t, out.String(), "imageDetails.imageName")
}

func TestGenerateOperatorToken(t *testing.T) {
	c := testConfig(t)
	withConfig(t, c)

	tokenName, tokenRole, tokenSecret, tokenExpiration = "alice", "viewer", "", 0
	t.Cleanup(func() {
		tokenName, tokenRole, tokenSecret, tokenExpiration = "operator", string(auth.RoleOperator), "", 0
	})

	var out bytes.Buffer
	generateOperatorTokenCmd.SetOut(&out)
	require.NoError(t, runGenerateOperatorToken(generateOperatorTokenCmd, nil))

	lines := strings.Split(out.String(), "\n")
	var token string
	for i, line := range lines {
		if line == "Token:" && i+1 < len(lines) {
			token = lines[i+1]
		}
	}
	require.NotEmpty(t, token)

	claims, err := auth.NewJWTService(c).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
	assert.True(t, claims.HasRole(auth.RoleViewer))
	assert.False(t, claims.HasRole(auth.RoleOperator))
}

func TestGenerateOperatorTokenUnknownRole(t *testing.T) {
	withConfig(t, testConfig(t))

	tokenRole = "admin"
	t.Cleanup(func() { tokenRole = string(auth.RoleOperator) })

	err := runGenerateOperatorToken(generateOperatorTokenCmd, nil)
	assert.ErrorIs(t, err, auth.ErrUnknownRole)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initConfigPath, initConfigForce = path, false
	t.Cleanup(func() { initConfigPath, initConfigForce = "config.yaml", false })

	var out bytes.Buffer
	initConfigCmd.SetOut(&out)
	require.NoError(t, runInitConfig(initConfigCmd, nil))
	assert.Contains(t, out.String(), path)

	// The written file must load as a valid configuration
	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 56001, loaded.Server.Port)
	assert.Equal(t, config.RunnerProcess, loaded.Agent.Runner)
	assert.Equal(t, 10, loaded.Agent.NumHeartbeatsForActivateResponse)
	assert.Equal(t, "./server", loaded.Agent.StartInfo.StartGameCommand)

	// A second init refuses to overwrite
	assert.Error(t, runInitConfig(initConfigCmd, nil))

	initConfigForce = true
	assert.NoError(t, runInitConfig(initConfigCmd, nil))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestBuildAgent(t *testing.T) {
	c := testConfig(t)

	a, err := buildAgent(c, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, a.server)
	assert.NotNil(t, a.hub)
	assert.NotNil(t, a.orchestrator)

	c.Agent.Runner = "vm"
	_, err = buildAgent(c, logging.Discard())
	assert.Error(t, err)
}
