package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE:  runInitConfig,
}

var (
	initConfigPath  string
	initConfigForce bool
)

func init() {
	initConfigCmd.Flags().StringVar(&initConfigPath, "output", "config.yaml", "file to write")
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

const defaultConfig = `# sessionagent configuration

server:
  host: 0.0.0.0
  port: 56001
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  debug: false

agent:
  runner: process            # process | container
  instances: 1
  heartbeat_interval_ms: 1000
  num_heartbeats_for_activate_response: 10
  num_heartbeats_for_terminate_response: 60
  session_config:
    session_id: ""           # generated when empty
    session_cookie: ""
    initial_players: []
  root_folder: /tmp/sessionagent
  docker_socket: /var/run/docker.sock
  container_agent_address: 172.17.0.1
  vm_id: vm-local
  region: LocalRegion
  title_id: ""
  build_id: ""
  start_info:
    session_host_type: Process
    start_game_command: ./server
    asset_details: []
    port_mappings_list: []

logging:
  level: info
  format: json

security:
  rate_limit: 100
  allowed_origins:
    - "*"
  auth_enabled: false
  jwt_expiration: 24h
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	if !initConfigForce {
		if _, err := os.Stat(initConfigPath); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initConfigPath)
		}
	}

	if err := os.WriteFile(initConfigPath, []byte(defaultConfig), 0644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", initConfigPath)
	return nil
}
