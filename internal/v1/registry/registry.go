// Package registry tracks every live client connection: its generated id,
// its sender handle, its role, its current space, and — for robots — the
// robot profile with the controller pointer.
//
// The registry is the single source of truth for who is connected and who
// controls what. Controller-of and controlled-by are id lookups, never
// object references. All mutation happens under the transport hub's
// dispatch lock; the registry itself carries no locking.
package registry

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/types"
)

// RobotProfile holds the authenticated identity of a robot endpoint.
type RobotProfile struct {
	RobotID      types.RobotIDType
	RobotName    string
	Space        types.SpaceIDType
	ControlledBy types.ClientIDType // empty when the lease is vacant
}

// Client is a connected endpoint.
type Client struct {
	ID     types.ClientIDType
	Sender types.Sender
	Role   types.RoleType
	Space  types.SpaceIDType // empty when not in a space
	Robot  *RobotProfile     // nil unless the client authenticated as a robot
}

// Registry tracks all live clients.
type Registry struct {
	clients map[types.ClientIDType]*Client
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[types.ClientIDType]*Client)}
}

// newClientID generates a 128-bit random id rendered as 32 hex characters.
func newClientID() types.ClientIDType {
	u := uuid.New()
	return types.ClientIDType(hex.EncodeToString(u[:]))
}

// Add registers a new connection and returns its client record.
func (r *Registry) Add(sender types.Sender) *Client {
	c := &Client{
		ID:     newClientID(),
		Sender: sender,
		Role:   types.RoleTypeUnknown,
	}
	r.clients[c.ID] = c
	return c
}

// Get returns the client for an id, or nil if unknown.
func (r *Registry) Get(clientID types.ClientIDType) *Client {
	return r.clients[clientID]
}

// Send delivers a message to a client by id. A missing client is treated
// like a failed send: logged and swallowed — the peer's own disconnect
// path does the cleanup.
func (r *Registry) Send(clientID types.ClientIDType, msgType string, data any) {
	c := r.clients[clientID]
	if c == nil {
		logging.Debug(context.Background(), "Dropping message to unknown client",
			zap.String("client_id", string(clientID)), zap.String("type", msgType))
		return
	}
	c.Sender.Send(msgType, data)
}

// RegisterRobot marks a client as the authenticated robot endpoint of a space.
func (r *Registry) RegisterRobot(clientID types.ClientIDType, robotID types.RobotIDType, robotName string, spaceID types.SpaceIDType) {
	c := r.clients[clientID]
	if c == nil {
		return
	}
	c.Role = types.RoleTypeRobot
	c.Robot = &RobotProfile{
		RobotID:   robotID,
		RobotName: robotName,
		Space:     spaceID,
	}
}

// UnregisterRobot drops a client's robot profile, returning it to the
// unknown role. Used when a robot leaves its space while staying connected.
func (r *Registry) UnregisterRobot(clientID types.ClientIDType) {
	if c := r.clients[clientID]; c != nil && c.Robot != nil {
		c.Robot = nil
		c.Role = types.RoleTypeUnknown
	}
}

// RegisterHuman marks a client as a human operator.
func (r *Registry) RegisterHuman(clientID types.ClientIDType) {
	if c := r.clients[clientID]; c != nil && c.Role != types.RoleTypeRobot {
		c.Role = types.RoleTypeHuman
	}
}

// IsRobot reports whether the client is an authenticated robot.
func (r *Registry) IsRobot(clientID types.ClientIDType) bool {
	c := r.clients[clientID]
	return c != nil && c.Robot != nil
}

// IsHuman reports whether the client is a registered human.
func (r *Registry) IsHuman(clientID types.ClientIDType) bool {
	c := r.clients[clientID]
	return c != nil && c.Role == types.RoleTypeHuman
}

// SetController sets or clears the controller pointer of a robot client.
func (r *Registry) SetController(robotClientID, controllerID types.ClientIDType) {
	if c := r.clients[robotClientID]; c != nil && c.Robot != nil {
		c.Robot.ControlledBy = controllerID
	}
}

// Controller returns the controller of a robot client, or empty if vacant.
func (r *Registry) Controller(robotClientID types.ClientIDType) types.ClientIDType {
	if c := r.clients[robotClientID]; c != nil && c.Robot != nil {
		return c.Robot.ControlledBy
	}
	return ""
}

// FindRobotControlledBy returns the client id of the robot controlled by
// controllerID, or empty if the human controls nothing.
func (r *Registry) FindRobotControlledBy(controllerID types.ClientIDType) types.ClientIDType {
	for id, c := range r.clients {
		if c.Robot != nil && c.Robot.ControlledBy == controllerID {
			return id
		}
	}
	return ""
}

// FindRobotInSpace returns the client id of the robot bound to spaceID,
// or empty if no robot has authenticated into the space.
func (r *Registry) FindRobotInSpace(spaceID types.SpaceIDType) types.ClientIDType {
	for id, c := range r.clients {
		if c.Robot != nil && c.Robot.Space == spaceID {
			return id
		}
	}
	return ""
}

// FindRobotByRobotID returns the client id of the robot with the given
// configured robot id, or empty if it is not connected.
func (r *Registry) FindRobotByRobotID(robotID types.RobotIDType) types.ClientIDType {
	for id, c := range r.clients {
		if c.Robot != nil && c.Robot.RobotID == robotID {
			return id
		}
	}
	return ""
}

// SetSpace updates a client's current-space pointer. Empty clears it.
func (r *Registry) SetSpace(clientID types.ClientIDType, spaceID types.SpaceIDType) {
	if c := r.clients[clientID]; c != nil {
		c.Space = spaceID
	}
}

// Space returns the client's current space, or empty.
func (r *Registry) Space(clientID types.ClientIDType) types.SpaceIDType {
	if c := r.clients[clientID]; c != nil {
		return c.Space
	}
	return ""
}

// Cleanup removes the client from every index. It is idempotent and emits
// no messages; emission is the responsibility of the disconnect cascade.
func (r *Registry) Cleanup(clientID types.ClientIDType) {
	delete(r.clients, clientID)
}

// Senders returns the sender handles of every live client. Used by the
// hub for shutdown fan-out.
func (r *Registry) Senders() []types.Sender {
	senders := make([]types.Sender, 0, len(r.clients))
	for _, c := range r.clients {
		senders = append(senders, c.Sender)
	}
	return senders
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return len(r.clients)
}

// Stats summarizes the registry for health reporting.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	RobotCount       int `json:"robot_count"`
	HumanCount       int `json:"human_count"`
}

// ConnectionStats returns counts of connections by role.
func (r *Registry) ConnectionStats() Stats {
	stats := Stats{TotalConnections: len(r.clients)}
	for _, c := range r.clients {
		switch {
		case c.Robot != nil:
			stats.RobotCount++
		case c.Role == types.RoleTypeHuman:
			stats.HumanCount++
		}
	}
	return stats
}
