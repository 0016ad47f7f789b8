package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionHostStatus is the lifecycle state a session host reports in its heartbeats.
//
// Values are serialized by name ("StandingBy", "Active", ...) so that game
// servers built against any SDK version can exchange them with the agent.
type SessionHostStatus int

const (
	SessionHostStatusInvalid SessionHostStatus = iota
	SessionHostStatusPendingHeartbeat
	SessionHostStatusInitializing
	SessionHostStatusStandingBy
	SessionHostStatusActive
	SessionHostStatusTerminating
	SessionHostStatusTerminated
	SessionHostStatusQuarantined
)

var sessionHostStatusNames = map[SessionHostStatus]string{
	SessionHostStatusInvalid:          "Invalid",
	SessionHostStatusPendingHeartbeat: "PendingHeartbeat",
	SessionHostStatusInitializing:     "Initializing",
	SessionHostStatusStandingBy:       "StandingBy",
	SessionHostStatusActive:           "Active",
	SessionHostStatusTerminating:      "Terminating",
	SessionHostStatusTerminated:       "Terminated",
	SessionHostStatusQuarantined:      "Quarantined",
}

// String returns the wire name of the status.
func (s SessionHostStatus) String() string {
	if name, ok := sessionHostStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SessionHostStatus(%d)", int(s))
}

// IsTerminal reports whether the host has announced that it is going away.
func (s SessionHostStatus) IsTerminal() bool {
	return s == SessionHostStatusTerminating || s == SessionHostStatusTerminated
}

// ParseSessionHostStatus converts a wire name into a SessionHostStatus.
func ParseSessionHostStatus(name string) (SessionHostStatus, error) {
	for status, n := range sessionHostStatusNames {
		if n == name {
			return status, nil
		}
	}
	return SessionHostStatusInvalid, fmt.Errorf("unknown session host status %q", name)
}

// MarshalJSON implements json.Marshaler.
func (s SessionHostStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler. Unknown names are rejected.
func (s *SessionHostStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("session host status must be a string: %w", err)
	}
	status, err := ParseSessionHostStatus(name)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// SessionHostType identifies the backend that executes a session host.
type SessionHostType string

const (
	SessionHostTypeContainer SessionHostType = "Container"
	SessionHostTypeProcess   SessionHostType = "Process"
)

// Port is a named port assigned to a session host.
type Port struct {
	// Name is the game-defined port name (e.g. "game_port")
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// Number is the port number the host is reachable on
	Number int `json:"number" yaml:"number" mapstructure:"number"`

	// Protocol is TCP or UDP
	Protocol string `json:"protocol" yaml:"protocol" mapstructure:"protocol"`
}

// ConnectedPlayer identifies a player connected to a session host.
type ConnectedPlayer struct {
	PlayerID string `json:"playerId"`
}

// SessionHost is one compute unit capable of running a single game-server instance.
//
// Example JSON representation:
//
//	{
//	  "sessionHostId": "6f1c8f0e-6a0e-4f59-a5d6-3e7d2f7f2a61",
//	  "vmId": "vm-local",
//	  "ipv4Address": "127.0.0.1",
//	  "ports": [{"name": "game_port", "number": 30000, "protocol": "TCP"}],
//	  "region": "LocalRegion",
//	  "state": "StandingBy"
//	}
type SessionHost struct {
	// SessionID is the game session currently hosted, set on allocation
	SessionID string `json:"sessionId,omitempty"`

	// SessionHostID is the immutable identity generated by the agent
	SessionHostID string `json:"sessionHostId"`

	// VMID identifies the node running the session host
	VMID string `json:"vmId"`

	// IPv4Address is the public IPv4 address
	IPv4Address string `json:"ipv4Address,omitempty"`

	// IPv6Address is the public IPv6 address
	IPv6Address string `json:"ipv6Address,omitempty"`

	// FQDN is the fully qualified domain name of the session host
	FQDN string `json:"fqdn,omitempty"`

	// Ports are the named public ports, in declaration order
	Ports []Port `json:"ports,omitempty"`

	// Region the node lives in
	Region string `json:"region,omitempty"`

	// SecureContext is an opaque value handed to game clients
	SecureContext string `json:"secureContext,omitempty"`

	// State is the last accepted reported state
	State SessionHostStatus `json:"state"`

	// ConnectedPlayers is maintained from heartbeat reports
	ConnectedPlayers []ConnectedPlayer `json:"connectedPlayers,omitempty"`

	// LastStateTransitionTimeUTC is nil for records that never changed state
	LastStateTransitionTimeUTC *time.Time `json:"lastStateTransitionTimeUtc,omitempty"`

	// BuildID is resolved at allocation time
	BuildID string `json:"buildId,omitempty"`

	// SecureDeviceAddress is kept for legacy titles that need it for their handshake
	SecureDeviceAddress string `json:"secureDeviceAddress,omitempty"`
}

// SessionHostInfo is the agent-side record of a session host and the backend unit running it.
type SessionHostInfo struct {
	// SessionHost is the externally visible host description
	SessionHost SessionHost `json:"sessionHost"`

	// AssignmentID ties the host to the deployment that requested it
	AssignmentID string `json:"assignmentId,omitempty"`

	// InstanceNumber is the slot of this host on the node (0-based)
	InstanceNumber int `json:"instanceNumber"`

	// Type is the backend that runs the host
	Type SessionHostType `json:"type"`

	// TypeSpecificID is the process id or container id once the backend unit exists
	TypeSpecificID string `json:"typeSpecificId,omitempty"`

	// LogFolder is the host-owned folder that receives captured output
	LogFolder string `json:"logFolder,omitempty"`

	// Health is the last health string reported in a heartbeat
	Health string `json:"health,omitempty"`

	// LastHeartbeatAt is when the last heartbeat was applied
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`

	// CreatedAt is when the record was added
	CreatedAt time.Time `json:"createdAt"`
}

// ID returns the session host identifier.
func (i *SessionHostInfo) ID() string {
	return i.SessionHost.SessionHostID
}

// Clone returns a deep copy safe to hand out of a store.
func (i *SessionHostInfo) Clone() *SessionHostInfo {
	if i == nil {
		return nil
	}
	c := *i
	c.SessionHost.Ports = append([]Port(nil), i.SessionHost.Ports...)
	c.SessionHost.ConnectedPlayers = append([]ConnectedPlayer(nil), i.SessionHost.ConnectedPlayers...)
	if i.SessionHost.LastStateTransitionTimeUTC != nil {
		t := *i.SessionHost.LastStateTransitionTimeUTC
		c.SessionHost.LastStateTransitionTimeUTC = &t
	}
	if i.LastHeartbeatAt != nil {
		t := *i.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}
