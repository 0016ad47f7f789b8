package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"evalgo.org/sessionagent/internal/config"
	"evalgo.org/sessionagent/models"
)

// Environment variable names read by hosted game servers.
const (
	EnvConfigFile        = "GSDK_CONFIG_FILE"
	EnvSessionHostID     = "SESSION_HOST_ID"
	EnvInstanceNumber    = "PF_SERVER_INSTANCE_NUMBER"
	EnvVMID              = "PF_VM_ID"
	EnvRegion            = "PF_REGION"
	EnvTitleID           = "PF_TITLE_ID"
	EnvBuildID           = "PF_BUILD_ID"
	EnvGameLogsFolder    = "GAME_LOGS_FOLDER"
	EnvHeartbeatEndpoint = "HEARTBEAT_ENDPOINT"
)

// Folder layout inside a container.
const (
	containerLogsFolder          = "/data/GameLogs"
	containerConfigFolder        = "/data/Config"
	containerSharedContentFolder = "/data/GameSharedContent"
	containerCertificatesFolder  = "/data/GameCertificates"
)

// hostConfigFile is the configuration artifact handed to a session host.
type hostConfigFile struct {
	HeartbeatEndpoint    string            `json:"heartbeatEndpoint"`
	SessionHostID        string            `json:"sessionHostId"`
	VMID                 string            `json:"vmId"`
	ServerInstanceNumber int               `json:"serverInstanceNumber"`
	LogFolder            string            `json:"logFolder"`
	SharedContentFolder  string            `json:"sharedContentFolder"`
	CertificateFolder    string            `json:"certificateFolder"`
	BuildMetadata        map[string]string `json:"buildMetadata,omitempty"`
	GamePorts            map[string]string `json:"gamePorts,omitempty"`
	PublicIPV4Address    string            `json:"publicIpV4Address,omitempty"`
	FullyQualifiedDomain string            `json:"fullyQualifiedDomainName,omitempty"`
	TitleID              string            `json:"titleId,omitempty"`
	BuildID              string            `json:"buildId,omitempty"`
	Region               string            `json:"region,omitempty"`
}

// hostConfiguration builds the environment and configuration artifact of a
// session host. Paths are as seen by the host: node paths for processes,
// mount points for containers.
type hostConfiguration struct {
	agent       *config.AgentConfig
	startInfo   *models.SessionHostsStartInfo
	agentPort   int
	inContainer bool
}

func newHostConfiguration(agent *config.AgentConfig, startInfo *models.SessionHostsStartInfo, agentPort int, inContainer bool) *hostConfiguration {
	return &hostConfiguration{
		agent:       agent,
		startInfo:   startInfo,
		agentPort:   agentPort,
		inContainer: inContainer,
	}
}

// logFolder returns the log folder of a host as seen by the host.
func (c *hostConfiguration) logFolder(hostID string) string {
	if c.inContainer {
		return containerLogsFolder
	}
	return filepath.Join(c.agent.GameLogsFolder, hostID)
}

// configFile returns the configuration artifact path as seen by the host.
func (c *hostConfiguration) configFile(instanceNumber int) string {
	if c.inContainer {
		return containerConfigFolder + "/" + ConfigFileName
	}
	return filepath.Join(c.agent.ConfigFolderForInstance(instanceNumber), ConfigFileName)
}

// gamePorts maps port names to the port numbers the host must listen on.
// Processes bind the node port directly; containers bind the game port and
// Docker publishes it on the node port.
func (c *hostConfiguration) gamePorts(instanceNumber int) map[string]string {
	mappings := c.startInfo.PortMappings(instanceNumber)
	if len(mappings) == 0 {
		return nil
	}
	ports := make(map[string]string, len(mappings))
	for _, m := range mappings {
		number := m.NodePort
		if c.inContainer {
			number = m.GamePort.Number
		}
		ports[m.GamePort.Name] = strconv.Itoa(number)
	}
	return ports
}

func (c *hostConfiguration) heartbeatEndpoint(agentAddress string) string {
	return fmt.Sprintf("%s:%d", agentAddress, c.agentPort)
}

// EnvironmentVariables returns the environment of a host, including one
// variable per named game port.
func (c *hostConfiguration) EnvironmentVariables(instanceNumber int, hostID, agentAddress string) map[string]string {
	env := map[string]string{
		EnvConfigFile:        c.configFile(instanceNumber),
		EnvSessionHostID:     hostID,
		EnvInstanceNumber:    strconv.Itoa(instanceNumber),
		EnvVMID:              c.agent.VMID,
		EnvRegion:            c.agent.Region,
		EnvTitleID:           c.agent.TitleID,
		EnvBuildID:           c.agent.BuildID,
		EnvGameLogsFolder:    c.logFolder(hostID),
		EnvHeartbeatEndpoint: c.heartbeatEndpoint(agentAddress),
	}
	for name, number := range c.gamePorts(instanceNumber) {
		env[portEnvName(name)] = number
	}
	return env
}

// Create writes the configuration artifact of an instance to its config
// folder on the node and returns the node path of the file.
func (c *hostConfiguration) Create(instanceNumber int, hostID, agentAddress string) (string, error) {
	sharedContent := filepath.Join(c.agent.RootFolder, "GameSharedContent")
	certificates := filepath.Join(c.agent.RootFolder, "GameCertificates")
	if c.inContainer {
		sharedContent = containerSharedContentFolder
		certificates = containerCertificatesFolder
	}

	file := hostConfigFile{
		HeartbeatEndpoint:    c.heartbeatEndpoint(agentAddress),
		SessionHostID:        hostID,
		VMID:                 c.agent.VMID,
		ServerInstanceNumber: instanceNumber,
		LogFolder:            c.logFolder(hostID),
		SharedContentFolder:  sharedContent,
		CertificateFolder:    certificates,
		BuildMetadata:        c.startInfo.DeploymentMetadata,
		GamePorts:            c.gamePorts(instanceNumber),
		PublicIPV4Address:    c.startInfo.PublicIPV4Address,
		FullyQualifiedDomain: c.startInfo.FQDN,
		TitleID:              c.agent.TitleID,
		BuildID:              c.agent.BuildID,
		Region:               c.agent.Region,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode host configuration: %w", err)
	}

	folder := c.agent.ConfigFolderForInstance(instanceNumber)
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("failed to create config folder: %w", err)
	}

	path := filepath.Join(folder, ConfigFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write host configuration: %w", err)
	}
	return path, nil
}

// Ports returns the public ports of an instance for its session host record.
func (c *hostConfiguration) Ports(instanceNumber int) []models.Port {
	mappings := c.startInfo.PortMappings(instanceNumber)
	ports := make([]models.Port, 0, len(mappings))
	for _, m := range mappings {
		number := m.PublicPort
		if number == 0 {
			number = m.NodePort
		}
		ports = append(ports, models.Port{
			Name:     m.GamePort.Name,
			Number:   number,
			Protocol: m.GamePort.Protocol,
		})
	}
	return ports
}

// portEnvName turns a game port name into an environment variable name.
func portEnvName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(name))
}

// envList renders an environment map as KEY=VALUE entries.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
