package conn

// State is the connection lifecycle state of the channel.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// Status is the externally visible connection state, carrying an optional
// human-readable error and the current reconnect attempt counter.
type Status struct {
	State   State
	Err     string
	Attempt int
}

// Bus event names published by the manager.
const (
	// EventStateChanged carries a Status payload on every state change.
	EventStateChanged = "conn.state_changed"
	// EventLogoutRequired fires at most once per session when an
	// authentication failure cannot be recovered by refresh.
	EventLogoutRequired = "conn.logout_required"
	// ServerEventPrefix namespaces inbound server events on the bus; the
	// payload is the frame's raw JSON data.
	ServerEventPrefix = "server."
)
