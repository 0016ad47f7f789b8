package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/sessionagent/internal/api"
	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/heartbeat"
	"evalgo.org/sessionagent/internal/logging"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/orchestration"
	"evalgo.org/sessionagent/internal/runner"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/internal/validation"
)

var serveOnly bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the agent",
	Long: `Start the heartbeat endpoint and run the configured session hosts.

The agent provisions the resources named in agent.start_info, starts
agent.instances session hosts with the selected runner and waits for them to
exit. It stops when every host has exited or when it receives a shutdown
signal, in which case the remaining hosts are deleted.

With --serve-only no hosts are started; the agent only answers heartbeats
from hosts launched elsewhere.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&serveOnly, "serve-only", false, "only serve heartbeats, do not start session hosts")
}

// agent bundles the components run by the server command.
type agent struct {
	logger       *slog.Logger
	server       *api.Server
	hub          *api.Hub
	orchestrator *orchestration.Orchestrator
}

// buildAgent wires every component from cfg.
func buildAgent(cfg *config.Config, logger *slog.Logger) (*agent, error) {
	collector := metrics.NewCollector()
	store := sessionhost.NewStore()

	hub := api.NewHub(logger)
	store.Subscribe(hub.Publish)

	evaluator := heartbeat.NewEvaluator(heartbeat.Settings{
		HeartbeatIntervalMs: cfg.Agent.HeartbeatIntervalMs,
		ActivateThreshold:   cfg.Agent.NumHeartbeatsForActivateResponse,
		TerminateThreshold:  cfg.Agent.NumHeartbeatsForTerminateResponse,
		SessionConfig:       cfg.Agent.SessionConfig,
	})
	heartbeats := heartbeat.NewService(evaluator, store, collector, logger, hub.Publish)

	r, err := runner.New(runner.Options{
		Agent:     &cfg.Agent,
		AgentPort: cfg.Server.Port,
		Store:     store,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		return nil, err
	}

	server := api.New(cfg, api.Options{
		Heartbeats: heartbeats,
		Store:      store,
		Terminator: r,
		Metrics:    collector,
		Hub:        hub,
		Logger:     logger,
	})

	orch := orchestration.New(orchestration.Options{
		Agent:           &cfg.Agent,
		Runner:          r,
		Store:           store,
		Heartbeats:      heartbeats,
		Metrics:         collector,
		Logger:          logger,
		Publish:         hub.Publish,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	return &agent{
		logger:       logger,
		server:       server,
		hub:          hub,
		orchestrator: orch,
	}, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Server.Debug)
	logging.SetDefault(logger)

	if !serveOnly {
		result := validation.New().ValidateStartInfo(&cfg.Agent.StartInfo, cfg.Agent.Instances)
		if !result.Valid {
			return fmt.Errorf("invalid start info: %w", result)
		}
	}

	a, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}

	go a.hub.Run()
	defer a.hub.Stop()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errChan <- err
		}
	}()

	hostsDone := make(chan error, 1)
	if !serveOnly {
		go func() {
			hostsDone <- a.orchestrator.Run(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
		if !serveOnly {
			// Run deletes the remaining hosts once ctx is done
			runErr = <-hostsDone
		}

	case err := <-hostsDone:
		runErr = err
		logger.Info("session_hosts_finished", "started", a.orchestrator.Started())

	case err := <-errChan:
		stop()
		if !serveOnly {
			<-hostsDone
		}
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
