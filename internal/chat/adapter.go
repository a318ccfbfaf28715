package chat

import (
	"context"
	"time"
)

// Action identifiers carried by dashboard control events.
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionRestart    = "restart"
	ActionLogsToggle = "logs"
)

// Event kinds.
const (
	// EventAction is a dashboard control trigger (button press or
	// platform command).
	EventAction = "action"
	// EventCommand is a console command typed into the active log
	// thread.
	EventCommand = "command"
)

// Event represents one inbound user interaction from the platform.
type Event struct {
	Kind      string // EventAction or EventCommand
	Action    string // action identifier, set for EventAction
	Text      string // raw command text, set for EventCommand
	ChannelID string
	ThreadID  string // thread the message arrived in, empty if top-level
	MessageID string // platform message ID, used for reaction acks
	UserID    string
	UserName  string
	// Authorized reports whether the platform-level permission check
	// (role membership, workspace membership) passed for this user.
	Authorized bool
	// AckToken is an opaque adapter-specific handle tying an
	// Acknowledge call back to the interaction that produced the event.
	AckToken string
}

// Ack is the outcome signal sent back for an inbound event.
type Ack int

const (
	AckOK Ack = iota
	AckDenied
	AckFailed
)

// DashboardView is the data rendered into the dashboard message. How it
// is laid out (embed, blocks, plain text) is up to the adapter.
type DashboardView struct {
	ServerID       string
	Status         string // "running", "offline", "unknown"
	LogsEnabled    bool
	LogThread      string // human-readable handle, empty when disabled
	LastActionKind string
	LastActionUser string
	LastActionTime *time.Time
	UpdatedAt      time.Time
}

// Adapter is the full platform surface: connection lifecycle, the
// dashboard message, log threads, inbound events, and acks. Each
// platform package provides one implementation.
type Adapter interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Listen returns the inbound event channel. The channel is closed
	// when the adapter is closed. Listen must only be called after
	// Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Close shuts the connection down gracefully.
	Close() error

	ThreadTransport

	// PublishDashboard creates or updates the dashboard message. An
	// empty messageID means create; a stale messageID (message deleted)
	// also results in a fresh message. The current message ID is
	// returned either way.
	PublishDashboard(ctx context.Context, messageID string, view DashboardView) (string, error)

	// Acknowledge reports an event's outcome back to the user, as a
	// reply or reaction depending on the event kind.
	Acknowledge(ctx context.Context, ev Event, ack Ack, note string) error
}
