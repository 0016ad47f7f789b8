// Package config provides configuration management for the session agent.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with SA_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.sessionagent/config.yaml, /etc/sessionagent/config.yaml)
//  3. .env files
//  4. Environment variables (SA_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Heartbeat endpoint: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use SA_ prefix and underscores for nested keys:
//   - SA_SERVER_PORT=56001
//   - SA_AGENT_RUNNER=container
//   - SA_AGENT_NUM_HEARTBEATS_FOR_ACTIVATE_RESPONSE=5
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"evalgo.org/sessionagent/models"
)

// Config is the root configuration structure for the session agent.
type Config struct {
	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Agent contains session host lifecycle settings
	Agent AgentConfig `mapstructure:"agent" yaml:"agent"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Security contains security and rate limiting settings
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the server listen port (default: 56001)
	Port int `mapstructure:"port" yaml:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Debug enables echo debug mode
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// AgentConfig contains the session host lifecycle settings.
type AgentConfig struct {
	// Runner selects the backend: "process" or "container"
	Runner string `mapstructure:"runner" yaml:"runner"`

	// Instances is the number of session hosts started on this node
	Instances int `mapstructure:"instances" yaml:"instances"`

	// HeartbeatIntervalMs is returned to every host as nextHeartbeatIntervalMs
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`

	// NumHeartbeatsForActivateResponse is the heartbeat count at which an idle host is activated
	NumHeartbeatsForActivateResponse int `mapstructure:"num_heartbeats_for_activate_response" yaml:"num_heartbeats_for_activate_response"`

	// NumHeartbeatsForTerminateResponse is the heartbeat count at which a host is told to terminate
	NumHeartbeatsForTerminateResponse int `mapstructure:"num_heartbeats_for_terminate_response" yaml:"num_heartbeats_for_terminate_response"`

	// SessionConfig is handed to hosts on activation
	SessionConfig models.SessionConfig `mapstructure:"session_config" yaml:"session_config"`

	// RootFolder is the base of all agent-owned folders
	RootFolder string `mapstructure:"root_folder" yaml:"root_folder"`

	// GameLogsFolder receives one sub-folder per session host (default: {root}/GameLogs)
	GameLogsFolder string `mapstructure:"game_logs_folder" yaml:"game_logs_folder"`

	// ConfigFolder receives one sub-folder per instance (default: {root}/Config)
	ConfigFolder string `mapstructure:"config_folder" yaml:"config_folder"`

	// AssetsFolder holds extracted assets (default: {root}/Assets)
	AssetsFolder string `mapstructure:"assets_folder" yaml:"assets_folder"`

	// DockerSocket is the Docker engine endpoint used by the container runner
	DockerSocket string `mapstructure:"docker_socket" yaml:"docker_socket"`

	// ContainerAgentAddress is how containers reach the agent (docker bridge gateway)
	ContainerAgentAddress string `mapstructure:"container_agent_address" yaml:"container_agent_address"`

	// VMID identifies this node
	VMID string `mapstructure:"vm_id" yaml:"vm_id"`

	// Region is advertised to the hosts
	Region string `mapstructure:"region" yaml:"region"`

	// TitleID is advertised to the hosts
	TitleID string `mapstructure:"title_id" yaml:"title_id"`

	// BuildID is advertised to the hosts
	BuildID string `mapstructure:"build_id" yaml:"build_id"`

	// StartInfo describes what to run
	StartInfo models.SessionHostsStartInfo `mapstructure:"start_info" yaml:"start_info"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format" yaml:"format"`
}

// SecurityConfig contains security and rate limiting settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client (0 disables)
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// AuthEnabled requires an operator token on management routes
	AuthEnabled bool `mapstructure:"auth_enabled" yaml:"auth_enabled"`

	// JWTSecret signs operator tokens
	JWTSecret string `mapstructure:"jwt_secret" yaml:"-"`

	// JWTExpiration is the default lifetime of generated operator tokens
	JWTExpiration time.Duration `mapstructure:"jwt_expiration" yaml:"jwt_expiration"`
}

const (
	RunnerProcess   = "process"
	RunnerContainer = "container"
)

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SA_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.sessionagent")
		v.AddConfigPath("/etc/sessionagent")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			// An explicit file that does not exist falls back to defaults
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("SA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	loaded.Agent.applyFolderDefaults()

	if err := validate(loaded); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = loaded
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 56001)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("agent.runner", RunnerProcess)
	v.SetDefault("agent.instances", 1)
	v.SetDefault("agent.heartbeat_interval_ms", 1000)
	v.SetDefault("agent.num_heartbeats_for_activate_response", 10)
	v.SetDefault("agent.num_heartbeats_for_terminate_response", 60)
	v.SetDefault("agent.session_config.session_id", "")
	v.SetDefault("agent.session_config.session_cookie", "")
	v.SetDefault("agent.root_folder", filepath.Join(os.TempDir(), "sessionagent"))
	v.SetDefault("agent.docker_socket", "/var/run/docker.sock")
	v.SetDefault("agent.container_agent_address", "172.17.0.1")
	v.SetDefault("agent.vm_id", "vm-local")
	v.SetDefault("agent.region", "LocalRegion")
	v.SetDefault("agent.title_id", "")
	v.SetDefault("agent.build_id", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.jwt_secret", "change-me-in-production")
	v.SetDefault("security.jwt_expiration", "24h")
}

// applyFolderDefaults derives unset folders from the root folder.
func (a *AgentConfig) applyFolderDefaults() {
	if a.GameLogsFolder == "" {
		a.GameLogsFolder = filepath.Join(a.RootFolder, "GameLogs")
	}
	if a.ConfigFolder == "" {
		a.ConfigFolder = filepath.Join(a.RootFolder, "Config")
	}
	if a.AssetsFolder == "" {
		a.AssetsFolder = filepath.Join(a.RootFolder, "Assets")
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Agent.Runner {
	case RunnerProcess, RunnerContainer:
	default:
		return fmt.Errorf("unknown runner type: %q", cfg.Agent.Runner)
	}

	if cfg.Agent.Instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", cfg.Agent.Instances)
	}

	if cfg.Agent.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", cfg.Agent.HeartbeatIntervalMs)
	}

	if cfg.Agent.NumHeartbeatsForActivateResponse < 1 {
		return fmt.Errorf("num_heartbeats_for_activate_response must be at least 1, got %d",
			cfg.Agent.NumHeartbeatsForActivateResponse)
	}

	if cfg.Agent.NumHeartbeatsForTerminateResponse <= cfg.Agent.NumHeartbeatsForActivateResponse {
		return fmt.Errorf("num_heartbeats_for_terminate_response (%d) must be greater than num_heartbeats_for_activate_response (%d)",
			cfg.Agent.NumHeartbeatsForTerminateResponse, cfg.Agent.NumHeartbeatsForActivateResponse)
	}

	if cfg.Agent.RootFolder == "" {
		return fmt.Errorf("agent root folder is required")
	}

	return nil
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	return cfg
}

// ConfigFolderForInstance returns the folder holding the configuration artifact of one instance.
func (a *AgentConfig) ConfigFolderForInstance(instanceNumber int) string {
	return filepath.Join(a.ConfigFolder, fmt.Sprintf("%d", instanceNumber))
}

// AssetExtractionFolder returns where asset assetNumber of an instance is extracted.
func (a *AgentConfig) AssetExtractionFolder(instanceNumber, assetNumber int) string {
	return filepath.Join(a.AssetsFolder, fmt.Sprintf("%d", instanceNumber), fmt.Sprintf("%d", assetNumber))
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
