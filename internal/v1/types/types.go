package types

// --- Core Domain Types ---

// ClientIDType represents a unique identifier for a connected endpoint.
// Generated by the server on accept; stable for the connection lifetime.
type ClientIDType string

// SpaceIDType represents a unique identifier for a space.
type SpaceIDType string

// RobotIDType represents the configured identity of a robot endpoint.
type RobotIDType string

// RoleType defines what kind of endpoint a client is.
type RoleType string

// Role constants. Every client starts unknown; it becomes a robot by
// authenticating or a human by being granted (or queueing for) control.
const (
	RoleTypeUnknown RoleType = "unknown"
	RoleTypeHuman   RoleType = "human"
	RoleTypeRobot   RoleType = "robot"
)

// Sender defines the behavior required to deliver a message to a client.
// This allows the registry, space manager and arbiter to emit messages
// without depending on the transport package.
type Sender interface {
	// Send marshals {"type": msgType, "data": data} and queues it for
	// delivery. Failures are logged by the implementation and never
	// propagate; a broken peer is reaped by its own read loop.
	Send(msgType string, data any)
	// Close forcefully tears down the underlying connection.
	Close()
}
