// Package protocol defines the frames pushed to /ws status subscribers.
package protocol

import "github.com/nextlevelbuilder/relayclaw/internal/bus"

// WebSocket event names pushed from server to client.
const (
	EventStatus   = "status"
	EventShutdown = "shutdown"
)

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// EventFrame is a server-push message.
type EventFrame struct {
	Type    string            `json:"type"`
	Version int               `json:"v"`
	Report  *bus.StatusReport `json:"report,omitempty"`
}

// NewStatusEvent wraps a cycle report for the status stream.
func NewStatusEvent(r bus.StatusReport) EventFrame {
	return EventFrame{Type: EventStatus, Version: ProtocolVersion, Report: &r}
}

// NewShutdownEvent tells clients the server is going away.
func NewShutdownEvent() EventFrame {
	return EventFrame{Type: EventShutdown, Version: ProtocolVersion}
}
