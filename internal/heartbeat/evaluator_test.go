package heartbeat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/sessionagent/models"
)

func newTestEvaluator(activate, terminate int) *Evaluator {
	return NewEvaluator(Settings{
		HeartbeatIntervalMs: 1000,
		ActivateThreshold:   activate,
		TerminateThreshold:  terminate,
		SessionConfig: models.SessionConfig{
			SessionID:      "8f4c4d51-9a85-4a36-8d7a-2c1c2bbd5b0e",
			SessionCookie:  "cookie",
			InitialPlayers: []string{"p1"},
		},
	})
}

func operations(responses []*models.SessionHostHeartbeatInfo) []models.Operation {
	ops := make([]models.Operation, len(responses))
	for i, r := range responses {
		ops[i] = r.Operation
	}
	return ops
}

func TestEvaluate_FirstHeartbeatContinues(t *testing.T) {
	e := newTestEvaluator(2, 4)

	resp := e.Evaluate("h1", models.SessionHostStatusInitializing)

	assert.Equal(t, models.OperationContinue, resp.Operation)
	assert.Nil(t, resp.SessionConfig)
	assert.Equal(t, models.SessionHostStatusInitializing, resp.CurrentGameState)
	assert.Equal(t, 1000, resp.NextHeartbeatIntervalMs)

	count, ok := e.Count("h1")
	require.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestEvaluate_StandingByScenario(t *testing.T) {
	e := newTestEvaluator(2, 4)

	var responses []*models.SessionHostHeartbeatInfo
	for i := 0; i < 5; i++ {
		responses = append(responses, e.Evaluate("h1", models.SessionHostStatusStandingBy))
	}

	assert.Equal(t, []models.Operation{
		models.OperationContinue,
		models.OperationActive,
		models.OperationContinue,
		models.OperationTerminate,
		models.OperationTerminate,
	}, operations(responses))

	for i, r := range responses {
		if r.Operation == models.OperationActive {
			require.NotNil(t, r.SessionConfig, "response %d", i)
			assert.Equal(t, "8f4c4d51-9a85-4a36-8d7a-2c1c2bbd5b0e", r.SessionConfig.SessionID)
			assert.Equal(t, []string{"p1"}, r.SessionConfig.InitialPlayers)
		} else {
			assert.Nil(t, r.SessionConfig, "response %d", i)
		}
		assert.Equal(t, 1000, r.NextHeartbeatIntervalMs)
	}
}

func TestEvaluate_ThresholdSequence(t *testing.T) {
	const activate, terminate = 3, 7
	e := newTestEvaluator(activate, terminate)

	for count := 1; count <= terminate+3; count++ {
		resp := e.Evaluate("h", models.SessionHostStatusStandingBy)
		switch {
		case count == activate:
			assert.Equal(t, models.OperationActive, resp.Operation, "count %d", count)
		case count >= terminate:
			assert.Equal(t, models.OperationTerminate, resp.Operation, "count %d", count)
		default:
			assert.Equal(t, models.OperationContinue, resp.Operation, "count %d", count)
		}
	}
}

func TestEvaluate_LateStandingByIsActivated(t *testing.T) {
	e := newTestEvaluator(2, 6)

	reports := []models.SessionHostStatus{
		models.SessionHostStatusInitializing,
		models.SessionHostStatusInitializing,
		models.SessionHostStatusStandingBy,
		models.SessionHostStatusStandingBy,
		models.SessionHostStatusStandingBy,
		models.SessionHostStatusStandingBy,
	}
	var responses []*models.SessionHostHeartbeatInfo
	for _, r := range reports {
		responses = append(responses, e.Evaluate("h1", r))
	}

	assert.Equal(t, []models.Operation{
		models.OperationContinue,
		models.OperationContinue,
		models.OperationActive,
		models.OperationContinue,
		models.OperationContinue,
		models.OperationTerminate,
	}, operations(responses))
	require.NotNil(t, responses[2].SessionConfig)
	assert.Equal(t, "8f4c4d51-9a85-4a36-8d7a-2c1c2bbd5b0e", responses[2].SessionConfig.SessionID)
}

func TestEvaluate_ActivationThresholdOfOne(t *testing.T) {
	e := newTestEvaluator(1, 10)

	first := e.Evaluate("h1", models.SessionHostStatusStandingBy)
	second := e.Evaluate("h1", models.SessionHostStatusStandingBy)
	third := e.Evaluate("h1", models.SessionHostStatusStandingBy)

	assert.Equal(t, models.OperationContinue, first.Operation)
	assert.Equal(t, models.OperationActive, second.Operation)
	assert.Equal(t, models.OperationContinue, third.Operation)
}

func TestEvaluate_ActivationResetsWithCounter(t *testing.T) {
	e := newTestEvaluator(2, 10)

	e.Evaluate("h1", models.SessionHostStatusStandingBy)
	require.Equal(t, models.OperationActive, e.Evaluate("h1", models.SessionHostStatusStandingBy).Operation)

	e.Evaluate("h1", models.SessionHostStatusTerminated)
	e.Evaluate("h1", models.SessionHostStatusStandingBy)
	assert.Equal(t, models.OperationActive, e.Evaluate("h1", models.SessionHostStatusStandingBy).Operation)
}

func TestEvaluate_ActiveHostNeverActivated(t *testing.T) {
	e := newTestEvaluator(2, 5)

	var responses []*models.SessionHostHeartbeatInfo
	for i := 0; i < 6; i++ {
		responses = append(responses, e.Evaluate("h1", models.SessionHostStatusActive))
	}

	assert.Equal(t, []models.Operation{
		models.OperationContinue,
		models.OperationContinue,
		models.OperationContinue,
		models.OperationContinue,
		models.OperationTerminate,
		models.OperationTerminate,
	}, operations(responses))
	for _, r := range responses {
		assert.Nil(t, r.SessionConfig)
	}
}

func TestEvaluate_TerminalReportResetsCounter(t *testing.T) {
	for _, terminal := range []models.SessionHostStatus{
		models.SessionHostStatusTerminating,
		models.SessionHostStatusTerminated,
	} {
		t.Run(terminal.String(), func(t *testing.T) {
			e := newTestEvaluator(2, 4)

			for i := 0; i < 6; i++ {
				e.Evaluate("h1", models.SessionHostStatusStandingBy)
			}

			resp := e.Evaluate("h1", terminal)
			assert.Equal(t, models.OperationContinue, resp.Operation)
			assert.Nil(t, resp.SessionConfig)
			assert.Equal(t, terminal, resp.CurrentGameState)

			_, ok := e.Count("h1")
			assert.False(t, ok)

			resp = e.Evaluate("h1", models.SessionHostStatusStandingBy)
			assert.Equal(t, models.OperationContinue, resp.Operation)
			count, ok := e.Count("h1")
			require.True(t, ok)
			assert.Equal(t, 1, count)
		})
	}
}

func TestEvaluate_TerminalReportForUnknownHost(t *testing.T) {
	e := newTestEvaluator(2, 4)

	resp := e.Evaluate("ghost", models.SessionHostStatusTerminated)

	assert.Equal(t, models.OperationContinue, resp.Operation)
	_, ok := e.Count("ghost")
	assert.False(t, ok)
}

func TestEvaluate_ActivationConfigIsACopy(t *testing.T) {
	e := newTestEvaluator(1, 10)

	e.Evaluate("h1", models.SessionHostStatusStandingBy)
	resp := e.Evaluate("h1", models.SessionHostStatusStandingBy)
	require.Equal(t, models.OperationActive, resp.Operation)
	resp.SessionConfig.InitialPlayers[0] = "mutated"

	assert.Equal(t, []string{"p1"}, e.SessionConfig().InitialPlayers)
}

func TestNewEvaluator_GeneratesSessionID(t *testing.T) {
	e := NewEvaluator(Settings{HeartbeatIntervalMs: 1000, ActivateThreshold: 1, TerminateThreshold: 2})
	assert.NotEmpty(t, e.SessionConfig().SessionID)
}

func TestEvaluate_ConcurrentHostsTerminateExactlyOnce(t *testing.T) {
	const hosts = 64
	const activate, terminate = 3, 8
	e := newTestEvaluator(activate, terminate)

	type tally struct {
		terminates    int
		firstTerminal int
		actives       int
	}
	results := make([]tally, hosts)

	var wg sync.WaitGroup
	for h := 0; h < hosts; h++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			id := fmt.Sprintf("host-%d", h)
			for count := 1; count <= terminate; count++ {
				resp := e.Evaluate(id, models.SessionHostStatusStandingBy)
				switch resp.Operation {
				case models.OperationTerminate:
					if results[h].terminates == 0 {
						results[h].firstTerminal = count
					}
					results[h].terminates++
				case models.OperationActive:
					results[h].actives++
				}
			}
		}(h)
	}
	wg.Wait()

	for h, r := range results {
		assert.Equal(t, 1, r.terminates, "host %d", h)
		assert.Equal(t, terminate, r.firstTerminal, "host %d", h)
		assert.Equal(t, 1, r.actives, "host %d", h)
	}
}
