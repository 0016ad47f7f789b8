package models

import "fmt"

// AssetDetail describes an asset package extracted onto the node for a host.
type AssetDetail struct {
	// MountPath is where a container expects the asset; process hosts use it
	// only to rewrite legacy start commands
	MountPath string `json:"mountPath,omitempty" mapstructure:"mount_path" yaml:"mount_path"`

	// LocalFilePath is the archive the asset was extracted from
	LocalFilePath string `json:"localFilePath,omitempty" mapstructure:"local_file_path" yaml:"local_file_path"`
}

// PortMapping maps a game port to the public and node ports it is reachable on.
type PortMapping struct {
	PublicPort int  `json:"publicPort" mapstructure:"public_port" yaml:"public_port"`
	NodePort   int  `json:"nodePort" mapstructure:"node_port" yaml:"node_port" validate:"min=0,max=65535"`
	GamePort   Port `json:"gamePort" mapstructure:"game_port" yaml:"game_port"`
}

// ContainerImageDetails identifies the image a container host runs.
type ContainerImageDetails struct {
	Registry  string `json:"registry,omitempty" mapstructure:"registry" yaml:"registry"`
	ImageName string `json:"imageName,omitempty" mapstructure:"image_name" yaml:"image_name"`
	ImageTag  string `json:"imageTag,omitempty" mapstructure:"image_tag" yaml:"image_tag"`
	Username  string `json:"username,omitempty" mapstructure:"username" yaml:"username"`
	Password  string `json:"-" mapstructure:"password" yaml:"-"`
}

// Reference returns the full image reference (registry/name:tag).
func (d ContainerImageDetails) Reference() string {
	tag := d.ImageTag
	if tag == "" {
		tag = "latest"
	}
	if d.Registry == "" {
		return fmt.Sprintf("%s:%s", d.ImageName, tag)
	}
	return fmt.Sprintf("%s/%s:%s", d.Registry, d.ImageName, tag)
}

// SessionHostsStartInfo is the start request for the session hosts on a node.
type SessionHostsStartInfo struct {
	// AssignmentID identifies the deployment the hosts belong to
	AssignmentID string `json:"assignmentId" mapstructure:"assignment_id" yaml:"assignment_id"`

	// SessionHostType selects the backend (Process or Container)
	SessionHostType SessionHostType `json:"sessionHostType" mapstructure:"session_host_type" yaml:"session_host_type" validate:"omitempty,oneof=Process Container"`

	// StartGameCommand is the executable and its arguments, space separated
	StartGameCommand string `json:"startGameCommand" mapstructure:"start_game_command" yaml:"start_game_command"`

	// GameWorkingDirectory overrides the working directory of process hosts
	GameWorkingDirectory string `json:"gameWorkingDirectory,omitempty" mapstructure:"game_working_directory" yaml:"game_working_directory"`

	// AssetDetails lists the asset packages; the first one holds the executable
	AssetDetails []AssetDetail `json:"assetDetails,omitempty" mapstructure:"asset_details" yaml:"asset_details" validate:"dive"`

	// UseReadOnlyAssets shares one extraction of the assets across all instances
	UseReadOnlyAssets bool `json:"useReadOnlyAssets" mapstructure:"use_read_only_assets" yaml:"use_read_only_assets"`

	// PortMappingsList holds one list of port mappings per instance
	PortMappingsList [][]PortMapping `json:"portMappingsList,omitempty" mapstructure:"port_mappings_list" yaml:"port_mappings_list" validate:"dive,dive"`

	// ImageDetails is required for container hosts
	ImageDetails ContainerImageDetails `json:"imageDetails" mapstructure:"image_details" yaml:"image_details"`

	// DeploymentMetadata is passed through to the hosts as build metadata
	DeploymentMetadata map[string]string `json:"deploymentMetadata,omitempty" mapstructure:"deployment_metadata" yaml:"deployment_metadata"`

	// PublicIPV4Address is advertised to the hosts
	PublicIPV4Address string `json:"publicIpV4Address,omitempty" mapstructure:"public_ipv4_address" yaml:"public_ipv4_address"`

	// FQDN is advertised to the hosts
	FQDN string `json:"fqdn,omitempty" mapstructure:"fqdn" yaml:"fqdn"`
}

// PortMappings returns the port mappings of one instance, or nil if none are configured.
func (s *SessionHostsStartInfo) PortMappings(instanceNumber int) []PortMapping {
	if instanceNumber < 0 || instanceNumber >= len(s.PortMappingsList) {
		return nil
	}
	return s.PortMappingsList[instanceNumber]
}
