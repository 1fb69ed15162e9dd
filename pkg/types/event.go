package types

import "time"

type EventType string

const (
	EventConnected     EventType = "Connected"
	EventDisconnected  EventType = "Disconnected"
	EventReconnect     EventType = "Reconnect"
	EventLoginFailed   EventType = "LoginFailed"
	EventSnapshotMerge EventType = "SnapshotMerge"
	EventAckTimeout    EventType = "AckTimeout"
	EventRateLimit     EventType = "RateLimit"
)

// Event records a client-side occurrence worth surfacing to observers:
// connection lifecycle changes, snapshot merges, ack timeouts.
type Event struct {
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"ts"`
	ConnectionID string         `json:"connection_id,omitempty"`
	MonitorUID   string         `json:"monitor_uid,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}
