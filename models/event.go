package models

import "time"

// EventType names a session host lifecycle event.
type EventType string

const (
	EventHostAdded          EventType = "host_added"
	EventHostStarted        EventType = "host_started"
	EventHostRemoved        EventType = "host_removed"
	EventHostExited         EventType = "host_exited"
	EventStateChanged       EventType = "state_changed"
	EventHeartbeatOperation EventType = "heartbeat_operation"
)

// SessionHostEvent is published to subscribers when a session host changes.
type SessionHostEvent struct {
	Type           EventType         `json:"type"`
	SessionHostID  string            `json:"sessionHostId"`
	State          SessionHostStatus `json:"state,omitempty"`
	Operation      Operation         `json:"operation,omitempty"`
	TypeSpecificID string            `json:"typeSpecificId,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}
