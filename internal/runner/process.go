package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

// loopbackAddress is how processes on the node reach the agent.
const loopbackAddress = "127.0.0.1"

// ProcessRunner runs session hosts as OS processes on the node.
//
// Killing a host kills its process group on unix. A host that starts
// children in a session of their own must propagate shutdown to them itself;
// the recommended pattern is a bootstrapper executable that waits for all of
// its children.
type ProcessRunner struct {
	agent     *config.AgentConfig
	agentPort int
	store     *sessionhost.Store
	logger    *slog.Logger
	metrics   *metrics.Collector
	processes ProcessWrapper
	capture   *logCapture

	// collectLogs is the log collection used by the launch failure path.
	collectLogs func(ctx context.Context, id, logsFolder string)
}

// NewProcessRunner creates a process runner on top of a process wrapper.
func NewProcessRunner(opts Options, processes ProcessWrapper) *ProcessRunner {
	r := &ProcessRunner{
		agent:     opts.Agent,
		agentPort: opts.AgentPort,
		store:     opts.Store,
		logger:    opts.Logger.With("runner", config.RunnerProcess),
		metrics:   opts.Metrics,
		processes: processes,
		capture:   newLogCapture(opts.Logger, opts.Metrics),
	}
	r.collectLogs = r.CollectLogs
	return r
}

// CreateAndStart implements Runner.
func (r *ProcessRunner) CreateAndStart(ctx context.Context, instanceNumber int, startInfo *models.SessionHostsStartInfo) (*models.SessionHostInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hostID := uuid.New().String()
	logFolder := filepath.Join(r.agent.GameLogsFolder, hostID)
	if err := os.MkdirAll(filepath.Join(logFolder, DumpsFolderName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log folder: %w", err)
	}

	hostConfig := newHostConfiguration(r.agent, startInfo, r.agentPort, false)
	if err := os.MkdirAll(r.agent.ConfigFolderForInstance(instanceNumber), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config folder: %w", err)
	}

	executable, args, err := r.executableAndArguments(startInfo, instanceNumber)
	if err != nil {
		return nil, err
	}

	workingDir := startInfo.GameWorkingDirectory
	if workingDir == "" {
		workingDir = filepath.Dir(executable)
	}

	env := hostConfig.EnvironmentVariables(instanceNumber, hostID, r.GetAgentAddress())

	r.logger.Info("starting_session_host",
		"instance_number", instanceNumber,
		"session_host_id", hostID,
		"executable", executable,
		"args", strings.Join(args, " "),
	)

	// The record exists before the process so that logs and cleanup of a
	// failed launch can be attributed to it.
	record := r.store.AddHost(models.SessionHostInfo{
		SessionHost: models.SessionHost{
			SessionHostID: hostID,
			VMID:          r.agent.VMID,
			IPv4Address:   startInfo.PublicIPV4Address,
			FQDN:          startInfo.FQDN,
			Ports:         hostConfig.Ports(instanceNumber),
			Region:        r.agent.Region,
			State:         models.SessionHostStatusPendingHeartbeat,
			BuildID:       r.agent.BuildID,
		},
		AssignmentID:   startInfo.AssignmentID,
		InstanceNumber: instanceNumber,
		Type:           models.SessionHostTypeProcess,
		LogFolder:      logFolder,
	})
	hostID = record.ID()

	pid := 0
	committed := false
	defer func() {
		if committed {
			return
		}
		id := ""
		if pid != 0 {
			id = strconv.Itoa(pid)
			if err := r.processes.Kill(pid); err != nil {
				r.logger.Warn("kill_after_failed_start", "pid", pid, "error", err)
			}
		}
		r.collectLogs(ctx, id, logFolder)
		r.store.RemoveHost(hostID)
		r.metrics.RecordHostStart(false)
	}()

	if _, err := hostConfig.Create(instanceNumber, hostID, r.GetAgentAddress()); err != nil {
		r.logger.Error("session_host_config_failed", "instance_number", instanceNumber, "session_host_id", hostID, "error", err)
		return nil, err
	}

	pid, err = r.processes.Start(ProcessSpec{
		Path: executable,
		Args: args,
		Dir:  workingDir,
		Env:  envList(env),
	})
	if err != nil {
		pid = 0
		r.logger.Error("session_host_start_failed",
			"instance_number", instanceNumber,
			"session_host_id", hostID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start process for instance %d: %w", instanceNumber, err)
	}

	processID := strconv.Itoa(pid)
	if err := r.store.UpdateHostExternalID(hostID, processID); err != nil {
		r.logger.Error("session_host_record_lost", "session_host_id", hostID, "pid", pid, "error", err)
		return nil, fmt.Errorf("session host %s: %w", hostID, err)
	}

	committed = true
	r.metrics.RecordHostStart(true)
	r.logger.Info("session_host_started",
		"instance_number", instanceNumber,
		"session_host_id", hostID,
		"pid", pid,
	)

	record.TypeSpecificID = processID
	return record, nil
}

// executableAndArguments splits the start command and resolves the
// executable against the extracted assets of the instance.
func (r *ProcessRunner) executableAndArguments(startInfo *models.SessionHostsStartInfo, instanceNumber int) (string, []string, error) {
	parts := strings.Fields(startInfo.StartGameCommand)
	if len(parts) == 0 {
		return "", nil, errors.New("start game command is empty")
	}

	assetInstance := instanceNumber
	if startInfo.UseReadOnlyAssets {
		assetInstance = 0
	}
	assetFolder := r.agent.AssetExtractionFolder(assetInstance, 0)

	var executable string
	switch {
	case len(startInfo.AssetDetails) > 0 && startInfo.AssetDetails[0].MountPath != "":
		// Commands written for containers reference the asset mount path.
		mountPath := startInfo.AssetDetails[0].MountPath
		executable = filepath.Clean(strings.ReplaceAll(parts[0], mountPath, assetFolder+string(filepath.Separator)))
	case filepath.IsAbs(parts[0]):
		executable = parts[0]
	default:
		executable = filepath.Join(assetFolder, parts[0])
	}

	return executable, parts[1:], nil
}

// CollectLogs implements Runner. id is the process id.
func (r *ProcessRunner) CollectLogs(ctx context.Context, id, logsFolder string) {
	pid, err := strconv.Atoi(id)
	if err != nil {
		r.logger.Warn("log_collection_skipped", "id", id, "logs_folder", logsFolder, "reason", "no process")
		return
	}

	r.logger.Debug("log_collection_started", "pid", pid)

	stderr, err := r.processes.StandardError(pid)
	if err != nil {
		r.logger.Error("log_collection_failed", "pid", pid, "error", err)
		return
	}
	defer stderr.Close()

	lines, err := r.capture.capture(stderr, id, logsFolder)
	if err != nil {
		r.logger.Error("log_collection_failed", "pid", pid, "lines", lines, "error", err)
		return
	}

	r.logger.Debug("log_collection_finished",
		"pid", pid,
		"lines", lines,
		"file", filepath.Join(logsFolder, ConsoleLogCaptureFileName),
	)
}

// TryDelete implements Runner.
func (r *ProcessRunner) TryDelete(ctx context.Context, id string) bool {
	pid, err := strconv.Atoi(id)
	if err != nil {
		r.logger.Error("delete_failed", "id", id, "error", err)
		r.metrics.RecordDeleteFailure()
		return false
	}

	if err := r.processes.Kill(pid); err != nil {
		r.logger.Error("delete_failed", "pid", pid, "error", err)
		r.metrics.RecordDeleteFailure()
		return false
	}

	r.logger.Info("session_host_killed", "pid", pid)
	return true
}

// DeleteResources implements Runner. Processes own no resources beyond
// themselves.
func (r *ProcessRunner) DeleteResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) error {
	return nil
}

// RetrieveResources implements Runner. Assets are extracted before the
// runner is involved.
func (r *ProcessRunner) RetrieveResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) error {
	return nil
}

// List implements Runner.
func (r *ProcessRunner) List(ctx context.Context) ([]string, error) {
	pids := r.processes.List()
	ids := make([]string, 0, len(pids))
	for _, pid := range pids {
		ids = append(ids, strconv.Itoa(pid))
	}
	return ids, nil
}

// WaitOnServerExit implements Runner.
func (r *ProcessRunner) WaitOnServerExit(ctx context.Context, id string) error {
	pid, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid process id %q: %w", id, err)
	}

	if err := r.processes.WaitForProcessExit(ctx, pid); err != nil {
		return err
	}

	if code, ok := r.processes.ExitCode(pid); ok {
		r.logger.Info("session_host_exited", "pid", pid, "exit_code", code)
	}
	return nil
}

// GetAgentAddress implements Runner.
func (r *ProcessRunner) GetAgentAddress() string {
	return loopbackAddress
}
