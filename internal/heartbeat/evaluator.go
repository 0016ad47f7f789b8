// Package heartbeat decides the lifecycle operation returned to a session
// host for each heartbeat it sends, and applies accepted heartbeats to the
// host record store.
package heartbeat

import (
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"evalgo.org/sessionagent/models"
)

// Settings are the evaluator thresholds.
type Settings struct {
	// HeartbeatIntervalMs is returned as nextHeartbeatIntervalMs on every response
	HeartbeatIntervalMs int

	// ActivateThreshold is the heartbeat count at which a StandingBy host is activated
	ActivateThreshold int

	// TerminateThreshold is the heartbeat count from which every response is Terminate
	TerminateThreshold int

	// SessionConfig is attached to Active responses
	SessionConfig models.SessionConfig
}

// hostCounter is the heartbeat record of one host.
type hostCounter struct {
	count     int
	activated bool
}

// Evaluator is the heartbeat state machine.
//
// It keeps one counter per session host id. Counters live in a sharded map
// and every check-then-increment runs under the shard lock of that key, so
// heartbeats for different hosts never serialize each other.
type Evaluator struct {
	counts   cmap.ConcurrentMap[string, hostCounter]
	settings Settings
}

// NewEvaluator creates an evaluator. A session config without a session id
// gets a generated one so that activations always name a session.
func NewEvaluator(settings Settings) *Evaluator {
	if settings.SessionConfig.SessionID == "" {
		settings.SessionConfig.SessionID = uuid.New().String()
	}
	return &Evaluator{
		counts:   cmap.New[hostCounter](),
		settings: settings,
	}
}

// Evaluate returns the instruction for one heartbeat. It never fails.
func (e *Evaluator) Evaluate(hostID string, reported models.SessionHostStatus) *models.SessionHostHeartbeatInfo {
	resp := &models.SessionHostHeartbeatInfo{
		CurrentGameState:        reported,
		NextHeartbeatIntervalMs: e.settings.HeartbeatIntervalMs,
		Operation:               models.OperationContinue,
	}

	if reported.IsTerminal() {
		e.counts.Remove(hostID)
		return resp
	}

	e.counts.Upsert(hostID, hostCounter{count: 1}, func(exist bool, rec hostCounter, _ hostCounter) hostCounter {
		if !exist {
			return hostCounter{count: 1}
		}

		// seen is the ordinal of this heartbeat, including the first one
		// that created the counter. Activation is offered once, on the first
		// StandingBy report at or past the threshold; termination repeats
		// until the host reports Terminating.
		seen := rec.count + 1
		switch {
		case seen >= e.settings.TerminateThreshold:
			resp.Operation = models.OperationTerminate
		case seen >= e.settings.ActivateThreshold && reported == models.SessionHostStatusStandingBy && !rec.activated:
			resp.Operation = models.OperationActive
			resp.SessionConfig = e.settings.SessionConfig.Clone()
			rec.activated = true
		}
		rec.count = seen
		return rec
	})

	return resp
}

// Count returns the heartbeat count of a host and whether a counter exists.
func (e *Evaluator) Count(hostID string) (int, bool) {
	rec, ok := e.counts.Get(hostID)
	return rec.count, ok
}

// Forget drops the counter of a host.
func (e *Evaluator) Forget(hostID string) {
	e.counts.Remove(hostID)
}

// SessionConfig returns a copy of the config attached to activations.
func (e *Evaluator) SessionConfig() *models.SessionConfig {
	return e.settings.SessionConfig.Clone()
}
