// Package orchestration runs the node-side lifecycle of the session hosts:
// provision resources, start the configured number of hosts, capture their
// output, wait for them to exit and clean up.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/runner"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

// DefaultShutdownTimeout bounds the cleanup of one host after cancellation.
const DefaultShutdownTimeout = 30 * time.Second

// ErrNoHostsStarted is returned by Run when every instance failed to start.
var ErrNoHostsStarted = errors.New("no session hosts started")

// HeartbeatForgetter drops heartbeat history of removed hosts.
type HeartbeatForgetter interface {
	Forget(hostID string)
}

// Options holds the collaborators of an Orchestrator.
type Options struct {
	Agent      *config.AgentConfig
	Runner     runner.Runner
	Store      *sessionhost.Store
	Heartbeats HeartbeatForgetter
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// Publish receives host_exited events; may be nil
	Publish func(models.SessionHostEvent)

	// ShutdownTimeout bounds per-host cleanup once Run's context is done
	ShutdownTimeout time.Duration
}

// Orchestrator supervises the session hosts of one node.
type Orchestrator struct {
	agent           *config.AgentConfig
	runner          runner.Runner
	store           *sessionhost.Store
	heartbeats      HeartbeatForgetter
	metrics         *metrics.Collector
	logger          *slog.Logger
	publish         func(models.SessionHostEvent)
	shutdownTimeout time.Duration

	started atomic.Int64
	exited  atomic.Int64
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	publish := opts.Publish
	if publish == nil {
		publish = func(models.SessionHostEvent) {}
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return &Orchestrator{
		agent:           opts.Agent,
		runner:          opts.Runner,
		store:           opts.Store,
		heartbeats:      opts.Heartbeats,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		publish:         publish,
		shutdownTimeout: timeout,
	}
}

// Run provisions resources and starts the configured instances, then blocks
// until every host has exited or ctx is done. On cancellation the remaining
// hosts are deleted. Resources are released before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	startInfo := &o.agent.StartInfo

	o.logger.Info("retrieving_resources", "runner", o.agent.Runner, "instances", o.agent.Instances)
	if err := o.runner.RetrieveResources(ctx, startInfo); err != nil {
		return fmt.Errorf("failed to retrieve resources: %w", err)
	}
	defer o.deleteResources(ctx, startInfo)

	var g errgroup.Group
	for i := 0; i < o.agent.Instances; i++ {
		instance := i
		g.Go(func() error {
			o.runInstance(ctx, instance, startInfo)
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("session_hosts_finished",
		"started", o.started.Load(),
		"exited", o.exited.Load(),
	)

	if o.started.Load() == 0 && o.agent.Instances > 0 {
		return ErrNoHostsStarted
	}
	return nil
}

// Started returns the number of hosts that started successfully.
func (o *Orchestrator) Started() int {
	return int(o.started.Load())
}

// runInstance starts one host and supervises it until it exits or ctx is done.
func (o *Orchestrator) runInstance(ctx context.Context, instance int, startInfo *models.SessionHostsStartInfo) {
	host, err := o.runner.CreateAndStart(ctx, instance, startInfo)
	if err != nil {
		o.logger.Error("session_host_start_failed", "instance_number", instance, "error", err)
		return
	}
	o.started.Add(1)
	o.metrics.SetSessionHosts(o.store.Count())

	hostID := host.ID()
	unitID := host.TypeSpecificID
	logger := o.logger.With("session_host_id", hostID, "instance_number", instance, "type_specific_id", unitID)

	// Logs must outlive ctx so the tail of the output is captured on shutdown
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		o.runner.CollectLogs(context.WithoutCancel(ctx), unitID, host.LogFolder)
	}()

	waitErr := o.runner.WaitOnServerExit(ctx, unitID)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.shutdownTimeout)
	defer cancel()

	switch {
	case waitErr == nil:
		logger.Info("session_host_exited")
	case ctx.Err() != nil:
		logger.Info("session_host_stopping")
		if !o.runner.TryDelete(cleanupCtx, unitID) {
			logger.Warn("session_host_delete_failed")
		}
	default:
		logger.Error("session_host_wait_failed", "error", waitErr)
		o.runner.TryDelete(cleanupCtx, unitID)
	}

	select {
	case <-logsDone:
	case <-cleanupCtx.Done():
		logger.Warn("log_collection_abandoned")
	}

	o.store.RemoveHost(hostID)
	if o.heartbeats != nil {
		o.heartbeats.Forget(hostID)
	}
	o.exited.Add(1)
	o.metrics.RecordHostExit()
	o.metrics.SetSessionHosts(o.store.Count())

	o.publish(models.SessionHostEvent{
		Type:           models.EventHostExited,
		SessionHostID:  hostID,
		TypeSpecificID: unitID,
		Timestamp:      time.Now().UTC(),
	})
}

func (o *Orchestrator) deleteResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.shutdownTimeout)
	defer cancel()

	if err := o.runner.DeleteResources(cleanupCtx, startInfo); err != nil {
		o.logger.Error("delete_resources_failed", "error", err)
		return
	}
	o.logger.Info("resources_deleted")
}
