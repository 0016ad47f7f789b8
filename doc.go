// Package sessionagent runs game server session hosts on a single machine.
//
// # Overview
//
// The agent starts a configured number of session hosts, either as OS
// processes or as Docker containers, and drives each one through its
// lifecycle with the heartbeat protocol. Hosts report their state to the
// agent; the agent answers with the next operation.
//
// The agent consists of these main components:
//   - Heartbeat endpoint: Echo server answering current and legacy heartbeats
//   - Heartbeat state machine: per-host counters that decide Continue, Active or Terminate
//   - Runner: process or container backend that starts, watches and kills hosts
//   - Orchestrator: provisions resources, starts instances and cleans up on exit
//
// # Architecture
//
//	┌─────────────────┐        ┌──────────────────┐
//	│  Session hosts  │───────►│ Heartbeat routes │
//	│ (game servers)  │        │   (Echo REST)    │
//	└────────▲────────┘        └────────┬─────────┘
//	         │                          │
//	┌────────┴────────┐        ┌────────▼─────────┐
//	│     Runner      │◄──────►│ Host record store│
//	│ process/docker  │        │  + state machine │
//	└────────▲────────┘        └──────────────────┘
//	         │
//	┌────────┴────────┐
//	│  Orchestrator   │
//	└─────────────────┘
//
// # Heartbeat lifecycle
//
// With num_heartbeats_for_activate_response = A and
// num_heartbeats_for_terminate_response = T, a host that reports StandingBy
// receives Continue until its A-th heartbeat, which returns Active together
// with the session config. From the T-th heartbeat on every response is
// Terminate, whatever the host reports.
//
// # Usage
//
// Start the agent:
//
//	sessionagent server --config configs/config.yaml
//
// Only answer heartbeats from hosts started elsewhere:
//
//	sessionagent server --serve-only
//
// Generate a management API token:
//
//	sessionagent token operator --name alice
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (config.yaml)
//   - Environment variables (SA_ prefix)
//   - .env file
//
// Example configuration:
//
//	server:
//	  port: 56001
//	agent:
//	  runner: container
//	  instances: 2
//	  num_heartbeats_for_activate_response: 10
//	  num_heartbeats_for_terminate_response: 60
//	  start_info:
//	    session_host_type: Container
//	    image_details:
//	      image_name: mygame
//	      image_tag: "1.0"
//
// # API Endpoints
//
// Heartbeats (never authenticated):
//   - POST  /v1/sessionHosts/:sessionHostId/heartbeats
//   - PATCH /v1/sessionHosts/:sessionHostId
//   - POST  /v1/titles/:titleId/clusters/:sessionHost/instances/:instanceId/heartbeat
//   - POST  /v1/titles/:titleId/sessionHost/:sessionHost/instances/:instanceId/heartbeat
//
// Management:
//   - GET    /api/v1/sessionhosts        - List session hosts (paginated)
//   - GET    /api/v1/sessionhosts/:id    - Get session host by ID
//   - DELETE /api/v1/sessionhosts/:id    - Terminate session host
//   - GET    /api/v1/ws/events           - Real-time session host events
//   - GET    /health
//   - GET    /metrics
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o sessionagent ./cmd/sessionagent
package sessionagent
