// Package runner starts, supervises and tears down session hosts on a node.
//
// A Runner hides the execution backend. ProcessRunner runs each session host
// as an OS process, ContainerRunner runs it as a Docker container. Both
// register the hosts they start in the shared session host store and capture
// the hosts' console output into a file in the host's log folder.
//
// Every public operation returns a definite result. Backend failures are
// logged and turned into a negative result (nil record, false, error) so
// that cleanup paths can continue.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

const (
	// ConsoleLogCaptureFileName is the file in a host's log folder that
	// receives its captured console output.
	ConsoleLogCaptureFileName = "PF_ConsoleLogs.txt"

	// DumpsFolderName is the crash dump sub-folder of a host's log folder.
	DumpsFolderName = "Dumps"

	// ConfigFileName is the per-instance configuration artifact.
	ConfigFileName = "gsdkConfig.json"
)

var (
	// ErrUnknownRunnerType is returned by New for an unsupported runner name.
	ErrUnknownRunnerType = errors.New("unknown runner type")

	// ErrProcessNotTracked is returned for process ids the runner did not start.
	ErrProcessNotTracked = errors.New("process not tracked")
)

// Runner is the execution backend for session hosts.
type Runner interface {
	// CreateAndStart prepares folders and configuration for one instance,
	// registers the host and launches its backend unit. On launch failure
	// the partial record is removed and an error is returned.
	CreateAndStart(ctx context.Context, instanceNumber int, startInfo *models.SessionHostsStartInfo) (*models.SessionHostInfo, error)

	// CollectLogs streams the console output of backend unit id into the
	// capture file in logsFolder until the stream ends. Failures are logged.
	CollectLogs(ctx context.Context, id, logsFolder string)

	// TryDelete terminates backend unit id and reports whether it succeeded.
	TryDelete(ctx context.Context, id string) bool

	// DeleteResources releases backend resources provisioned for startInfo.
	DeleteResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) error

	// RetrieveResources provisions backend resources needed by startInfo.
	RetrieveResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) error

	// List returns the ids of the backend units currently tracked.
	List(ctx context.Context) ([]string, error)

	// WaitOnServerExit blocks until backend unit id has exited or ctx is done.
	WaitOnServerExit(ctx context.Context, id string) error

	// GetAgentAddress returns the address hosted units use to reach the agent.
	GetAgentAddress() string
}

// Options carries what every runner variant needs.
type Options struct {
	// Agent holds folder layout, node identity and start info
	Agent *config.AgentConfig

	// AgentPort is the port of the heartbeat endpoint
	AgentPort int

	// Store receives the records of started hosts
	Store *sessionhost.Store

	// Logger for runner events
	Logger *slog.Logger

	// Metrics may be nil
	Metrics *metrics.Collector
}

// New creates the runner selected by opts.Agent.Runner.
func New(opts Options) (Runner, error) {
	switch opts.Agent.Runner {
	case config.RunnerProcess:
		return NewProcessRunner(opts, NewOSProcessWrapper()), nil
	case config.RunnerContainer:
		engine, err := NewDockerEngine(opts.Agent.DockerSocket)
		if err != nil {
			return nil, fmt.Errorf("failed to create container engine: %w", err)
		}
		return NewContainerRunner(opts, engine), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRunnerType, opts.Agent.Runner)
	}
}
