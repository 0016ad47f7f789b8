package models

import (
	"encoding/json"
	"fmt"
)

// Operation is the instruction returned to a session host in response to a heartbeat.
type Operation int

const (
	OperationInvalid Operation = iota
	OperationContinue
	OperationGetManifest
	OperationQuarantine
	OperationActive
	OperationTerminate
)

var operationNames = map[Operation]string{
	OperationInvalid:     "Invalid",
	OperationContinue:    "Continue",
	OperationGetManifest: "GetManifest",
	OperationQuarantine:  "Quarantine",
	OperationActive:      "Active",
	OperationTerminate:   "Terminate",
}

// String returns the wire name of the operation.
func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// ParseOperation converts a wire name into an Operation.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name {
			return op, nil
		}
	}
	return OperationInvalid, fmt.Errorf("unknown operation %q", name)
}

// MarshalJSON implements json.Marshaler.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON implements json.Unmarshaler. Unknown names are rejected.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("operation must be a string: %w", err)
	}
	op, err := ParseOperation(name)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// SessionConfig is handed to a host when it is told to become Active.
type SessionConfig struct {
	// SessionID identifies the allocated game session
	SessionID string `json:"sessionId" mapstructure:"session_id" yaml:"session_id"`

	// SessionCookie is an opaque string forwarded from the allocation request
	SessionCookie string `json:"sessionCookie,omitempty" mapstructure:"session_cookie" yaml:"session_cookie"`

	// InitialPlayers are the players expected to join first
	InitialPlayers []string `json:"initialPlayers,omitempty" mapstructure:"initial_players" yaml:"initial_players"`

	// Metadata is free-form key/value data for the game
	Metadata map[string]string `json:"metadata,omitempty" mapstructure:"metadata" yaml:"metadata"`
}

// Clone returns a deep copy of the config.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	out := &SessionConfig{
		SessionID:      c.SessionID,
		SessionCookie:  c.SessionCookie,
		InitialPlayers: append([]string(nil), c.InitialPlayers...),
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// SessionHostHeartbeatInfo is both the heartbeat request and response body.
//
// Requests carry the reported state, health and players. Responses echo the
// state and add the next interval, the operation and, for Active only, the
// session config.
type SessionHostHeartbeatInfo struct {
	// CurrentGameState is the state the host reports
	CurrentGameState SessionHostStatus `json:"currentGameState"`

	// CurrentGameHealth is a free-form health string ("Healthy", "Unhealthy")
	CurrentGameHealth string `json:"currentGameHealth,omitempty"`

	// CurrentPlayers are the players connected right now
	CurrentPlayers []ConnectedPlayer `json:"currentPlayers,omitempty"`

	// NextHeartbeatIntervalMs tells the host when to report again
	NextHeartbeatIntervalMs int `json:"nextHeartbeatIntervalMs,omitempty"`

	// Operation is the instruction for the host
	Operation Operation `json:"operation,omitempty"`

	// SessionConfig is present if and only if Operation is Active
	SessionConfig *SessionConfig `json:"sessionConfig,omitempty"`
}
