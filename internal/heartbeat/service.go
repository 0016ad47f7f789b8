package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

// Shape names the wire format a heartbeat arrived in.
type Shape string

const (
	ShapeCurrent Shape = "current"
	ShapeLegacy  Shape = "legacy"
)

// Publisher receives heartbeat events.
type Publisher func(models.SessionHostEvent)

// Service runs the evaluator and applies accepted heartbeats to the store.
type Service struct {
	evaluator *Evaluator
	store     *sessionhost.Store
	metrics   *metrics.Collector
	logger    *slog.Logger
	publish   Publisher
}

// NewService creates a heartbeat service. metrics and publish may be nil.
func NewService(evaluator *Evaluator, store *sessionhost.Store, collector *metrics.Collector, logger *slog.Logger, publish Publisher) *Service {
	if publish == nil {
		publish = func(models.SessionHostEvent) {}
	}
	return &Service{
		evaluator: evaluator,
		store:     store,
		metrics:   collector,
		logger:    logger,
		publish:   publish,
	}
}

// ProcessHeartbeat evaluates one heartbeat and returns the instruction for the host.
//
// Hosts without a record in the store (started outside this agent) still get
// an instruction; only the store update is skipped for them.
func (s *Service) ProcessHeartbeat(ctx context.Context, hostID string, shape Shape, req *models.SessionHostHeartbeatInfo) *models.SessionHostHeartbeatInfo {
	resp := s.evaluator.Evaluate(hostID, req.CurrentGameState)

	changed, err := s.store.ApplyHeartbeat(hostID, req)
	switch {
	case errors.Is(err, sessionhost.ErrNotFound):
		s.logger.DebugContext(ctx, "heartbeat_for_unknown_host",
			"session_host_id", hostID,
			"state", req.CurrentGameState.String(),
		)
	case err != nil:
		s.logger.WarnContext(ctx, "heartbeat_apply_failed",
			"session_host_id", hostID,
			"error", err,
		)
	case changed:
		s.metrics.RecordStateTransition(req.CurrentGameState)
	}

	if resp.Operation == models.OperationActive && resp.SessionConfig != nil {
		if err := s.store.SetSessionID(hostID, resp.SessionConfig.SessionID); err != nil && !errors.Is(err, sessionhost.ErrNotFound) {
			s.logger.WarnContext(ctx, "session_id_update_failed", "session_host_id", hostID, "error", err)
		}
	}

	s.metrics.RecordHeartbeat(string(shape), resp.Operation)

	if resp.Operation != models.OperationContinue {
		s.logger.InfoContext(ctx, "heartbeat_operation",
			"session_host_id", hostID,
			"state", req.CurrentGameState.String(),
			"operation", resp.Operation.String(),
		)
		s.publish(models.SessionHostEvent{
			Type:          models.EventHeartbeatOperation,
			SessionHostID: hostID,
			State:         req.CurrentGameState,
			Operation:     resp.Operation,
			Timestamp:     time.Now().UTC(),
		})
	} else {
		s.logger.DebugContext(ctx, "heartbeat",
			"session_host_id", hostID,
			"state", req.CurrentGameState.String(),
		)
	}

	return resp
}

// Forget drops heartbeat history of a host whose record was removed.
func (s *Service) Forget(hostID string) {
	s.evaluator.Forget(hostID)
}
