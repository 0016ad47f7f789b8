package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/internal/metrics"
	"evalgo.org/sessionagent/internal/sessionhost"
	"evalgo.org/sessionagent/models"
)

// Labels put on every container started by the agent.
const (
	LabelManaged        = "org.evalgo.sessionagent.managed"
	LabelSessionHostID  = "org.evalgo.sessionagent.session-host-id"
	LabelInstanceNumber = "org.evalgo.sessionagent.instance-number"
)

// ContainerEngine is the subset of the Docker client used by ContainerRunner.
type ContainerEngine interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// NewDockerEngine connects to the Docker daemon at socket (a path or a URL).
func NewDockerEngine(socket string) (*dockerclient.Client, error) {
	host := socket
	if !strings.Contains(socket, "://") {
		host = "unix://" + socket
	}

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// ContainerRunner runs session hosts as Docker containers.
type ContainerRunner struct {
	agent     *config.AgentConfig
	agentPort int
	store     *sessionhost.Store
	logger    *slog.Logger
	metrics   *metrics.Collector
	engine    ContainerEngine
	capture   *logCapture

	collectLogs func(ctx context.Context, id, logsFolder string)
}

// NewContainerRunner creates a container runner on top of a container engine.
func NewContainerRunner(opts Options, engine ContainerEngine) *ContainerRunner {
	r := &ContainerRunner{
		agent:     opts.Agent,
		agentPort: opts.AgentPort,
		store:     opts.Store,
		logger:    opts.Logger.With("runner", config.RunnerContainer),
		metrics:   opts.Metrics,
		engine:    engine,
		capture:   newLogCapture(opts.Logger, opts.Metrics),
	}
	r.collectLogs = r.CollectLogs
	return r
}

// imageReference returns the normalized image reference of the start info.
func imageReference(startInfo *models.SessionHostsStartInfo) (string, error) {
	named, err := reference.ParseNormalizedNamed(startInfo.ImageDetails.Reference())
	if err != nil {
		return "", fmt.Errorf("invalid image reference: %w", err)
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}

// RetrieveResources implements Runner. It pulls the image unless it is
// already present.
func (r *ContainerRunner) RetrieveResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) error {
	ref, err := imageReference(startInfo)
	if err != nil {
		return err
	}

	images, err := r.engine.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		r.logger.Debug("image_present", "image", ref)
		return nil
	}

	options := image.PullOptions{}
	details := startInfo.ImageDetails
	if details.Username != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      details.Username,
			Password:      details.Password,
			ServerAddress: details.Registry,
		})
		if err != nil {
			return fmt.Errorf("failed to encode registry credentials: %w", err)
		}
		options.RegistryAuth = auth
	}

	r.logger.Info("pulling_image", "image", ref)
	reader, err := r.engine.ImagePull(ctx, ref, options)
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Consume pull output to ensure pull completes
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// DeleteResources implements Runner. It removes the image; an image that is
// already gone is not an error.
func (r *ContainerRunner) DeleteResources(ctx context.Context, startInfo *models.SessionHostsStartInfo) error {
	ref, err := imageReference(startInfo)
	if err != nil {
		return err
	}

	if _, err := r.engine.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove image: %w", err)
	}
	r.logger.Info("image_removed", "image", ref)
	return nil
}

// CreateAndStart implements Runner.
func (r *ContainerRunner) CreateAndStart(ctx context.Context, instanceNumber int, startInfo *models.SessionHostsStartInfo) (*models.SessionHostInfo, error) {
	ref, err := imageReference(startInfo)
	if err != nil {
		return nil, err
	}

	hostID := uuid.New().String()
	logFolder := filepath.Join(r.agent.GameLogsFolder, hostID)
	if err := os.MkdirAll(filepath.Join(logFolder, DumpsFolderName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log folder: %w", err)
	}

	configFolder := r.agent.ConfigFolderForInstance(instanceNumber)
	if err := os.MkdirAll(configFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config folder: %w", err)
	}

	hostConfig := newHostConfiguration(r.agent, startInfo, r.agentPort, true)
	env := hostConfig.EnvironmentVariables(instanceNumber, hostID, r.GetAgentAddress())

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
		Type:           models.SessionHostTypeContainer,
		LogFolder:      logFolder,
	})
	hostID = record.ID()

	containerID := ""
	committed := false
	defer func() {
		if committed {
			return
		}
		if containerID != "" {
			r.collectLogs(ctx, containerID, logFolder)
			// Clean up created container if start fails
			if err := r.engine.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true}); err != nil {
				r.logger.Warn("remove_after_failed_start", "container_id", containerID, "error", err)
			}
		} else {
			r.collectLogs(ctx, "", logFolder)
		}
		r.store.RemoveHost(hostID)
		r.metrics.RecordHostStart(false)
	}()

	if _, err := hostConfig.Create(instanceNumber, hostID, r.GetAgentAddress()); err != nil {
		r.logger.Error("session_host_config_failed", "instance_number", instanceNumber, "session_host_id", hostID, "error", err)
		return nil, err
	}

	containerConfig, hostCfg, err := r.dockerConfig(ref, startInfo, instanceNumber, hostID, logFolder, configFolder, env)
	if err != nil {
		return nil, err
	}

	r.logger.Info("starting_session_host",
		"instance_number", instanceNumber,
		"session_host_id", hostID,
		"image", ref,
	)

	resp, err := r.engine.ContainerCreate(ctx, containerConfig, hostCfg, nil, nil, "sessionhost-"+hostID)
	if err != nil {
		r.logger.Error("session_host_start_failed", "instance_number", instanceNumber, "session_host_id", hostID, "error", err)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID = resp.ID

	if err := r.engine.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		r.logger.Error("session_host_start_failed", "instance_number", instanceNumber, "session_host_id", hostID, "container_id", containerID, "error", err)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	if err := r.store.UpdateHostExternalID(hostID, containerID); err != nil {
		r.logger.Error("session_host_record_lost", "session_host_id", hostID, "container_id", containerID, "error", err)
		return nil, fmt.Errorf("session host %s: %w", hostID, err)
	}

	committed = true
	r.metrics.RecordHostStart(true)
	r.logger.Info("session_host_started",
		"instance_number", instanceNumber,
		"session_host_id", hostID,
		"container_id", containerID,
	)

	record.TypeSpecificID = containerID
	return record, nil
}

// dockerConfig converts start info into Docker API configs.
func (r *ContainerRunner) dockerConfig(ref string, startInfo *models.SessionHostsStartInfo, instanceNumber int, hostID, logFolder, configFolder string, env map[string]string) (*container.Config, *container.HostConfig, error) {
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	for _, m := range startInfo.PortMappings(instanceNumber) {
		protocol := strings.ToLower(m.GamePort.Protocol)
		if protocol == "" {
			protocol = "tcp"
		}
		natPort, err := nat.NewPort(protocol, strconv.Itoa(m.GamePort.Number))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %s: %w", m.GamePort.Name, err)
		}
		exposedPorts[natPort] = struct{}{}
		portBindings[natPort] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(m.NodePort)},
		}
	}

	binds := []string{
		logFolder + ":" + containerLogsFolder,
		configFolder + ":" + containerConfigFolder,
	}
	assetInstance := instanceNumber
	if startInfo.UseReadOnlyAssets {
		assetInstance = 0
	}
	for i, asset := range startInfo.AssetDetails {
		if asset.MountPath == "" {
			continue
		}
		bind := r.agent.AssetExtractionFolder(assetInstance, i) + ":" + asset.MountPath
		if startInfo.UseReadOnlyAssets {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	containerConfig := &container.Config{
		Image:        ref,
		Env:          envList(env),
		ExposedPorts: exposedPorts,
		Labels: map[string]string{
			LabelManaged:        "true",
			LabelSessionHostID:  hostID,
			LabelInstanceNumber: strconv.Itoa(instanceNumber),
		},
	}
	if cmd := strings.Fields(startInfo.StartGameCommand); len(cmd) > 0 {
		containerConfig.Cmd = cmd
	}

	hostConfig := &container.HostConfig{
		Binds:        binds,
		PortBindings: portBindings,
	}

	return containerConfig, hostConfig, nil
}

// CollectLogs implements Runner. id is the container id. Standard output
// and standard error are both captured.
func (r *ContainerRunner) CollectLogs(ctx context.Context, id, logsFolder string) {
	if id == "" {
		r.logger.Warn("log_collection_skipped", "logs_folder", logsFolder, "reason", "no container")
		return
	}

	logs, err := r.engine.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Error("log_collection_failed", "container_id", id, "error", err)
		return
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	lines, err := r.capture.capture(pr, id, logsFolder)
	if err != nil {
		r.logger.Error("log_collection_failed", "container_id", id, "lines", lines, "error", err)
		return
	}
	r.logger.Debug("log_collection_finished", "container_id", id, "lines", lines)
}

// TryDelete implements Runner.
func (r *ContainerRunner) TryDelete(ctx context.Context, id string) bool {
	if err := r.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Error("delete_failed", "container_id", id, "error", err)
		r.metrics.RecordDeleteFailure()
		return false
	}
	r.logger.Info("session_host_removed", "container_id", id)
	return true
}

// List implements Runner. Only containers carrying the managed label are listed.
func (r *ContainerRunner) List(ctx context.Context) ([]string, error) {
	containers, err := r.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// WaitOnServerExit implements Runner.
func (r *ContainerRunner) WaitOnServerExit(ctx context.Context, id string) error {
	statusCh, errCh := r.engine.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		r.logger.Info("session_host_exited", "container_id", id, "exit_code", status.StatusCode)
		return nil
	case err := <-errCh:
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to wait for container %s: %w", id, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAgentAddress implements Runner.
func (r *ContainerRunner) GetAgentAddress() string {
	return r.agent.ContainerAgentAddress
}
