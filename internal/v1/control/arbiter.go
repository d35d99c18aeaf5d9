// Package control implements robot authentication and the control lease
// state machine.
//
// Per robot the lease is either VACANT or HELD by exactly one human. Per
// space a FIFO queue holds humans waiting for the lease. Grants are an
// internal transition only: a client-originated control_granted frame is
// always rejected. Release is client-originated; on every release or
// disconnect the head of the queue is promoted.
//
// All mutation happens under the transport hub's dispatch lock.
package control

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/catalog"
	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/metrics"
	"github.com/portalbot/server/internal/v1/protocol"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/secrets"
	"github.com/portalbot/server/internal/v1/space"
	"github.com/portalbot/server/internal/v1/types"
)

// Client-visible errors. Every one of these surfaces as a single
// error {message} frame to the sending client.
var (
	ErrNotInSpace        = errors.New("You must join a space before requesting control")
	ErrAlreadyController = errors.New("You already control a robot")
	ErrRobotCannotQueue  = errors.New("Robots cannot request control")
	ErrSpoofedGrant      = errors.New("Control grants are issued by the server, not clients")
	ErrInvalidRobotID    = errors.New("Invalid robot_id")
	ErrAnglesRequired    = errors.New("angles data is required")
	ErrNotController     = errors.New("You do not control this robot")
)

const (
	reasonRobotDisconnected      = "Robot disconnected"
	reasonControllerDisconnected = "Controller disconnected"
)

// Arbiter mediates robot authentication and all control lease transitions.
type Arbiter struct {
	catalog  *catalog.Catalog
	secrets  *secrets.Store
	registry *registry.Registry
	spaces   *space.Manager

	// queues holds, per space, the FIFO of humans waiting for the lease.
	// A queue entry is deleted as soon as it drains to empty.
	queues map[types.SpaceIDType][]types.ClientIDType
}

// NewArbiter wires the arbiter to its collaborators.
func NewArbiter(cat *catalog.Catalog, sec *secrets.Store, reg *registry.Registry, spaces *space.Manager) *Arbiter {
	return &Arbiter{
		catalog:  cat,
		secrets:  sec,
		registry: reg,
		spaces:   spaces,
		queues:   make(map[types.SpaceIDType][]types.ClientIDType),
	}
}

// HandleRobotIdentify authenticates a robot and binds it to its space.
// Validation order: required fields, space existence, space authorization,
// secret key (constant-time). Any failure aborts without changing state.
func (a *Arbiter) HandleRobotIdentify(clientID types.ClientIDType, p protocol.RobotIdentifyPayload) error {
	if p.RobotID == "" || p.RobotName == "" || p.Space == "" || p.SecretKey == "" {
		return errors.New("Robot identification requires robot_id, robot_name, space, and secret_key")
	}

	robotID := types.RobotIDType(p.RobotID)
	spaceID := types.SpaceIDType(p.Space)

	cfg := a.catalog.SpaceByID(spaceID)
	if cfg == nil {
		return fmt.Errorf("Space '%s' does not exist", spaceID)
	}

	if !cfg.AllowsRobot(robotID) {
		logging.Warn(context.Background(), "Robot authentication failed: not in space's allowed list",
			zap.String("robot_id", p.RobotID), zap.String("space_id", p.Space))
		metrics.ControlDenials.WithLabelValues("robot_unauthorized").Inc()
		return fmt.Errorf("Robot '%s' is not authorized to access space '%s'", robotID, spaceID)
	}

	if !a.secrets.Validate(robotID, p.SecretKey) {
		logging.Warn(context.Background(), "Robot authentication failed: invalid secret key",
			zap.String("robot_id", p.RobotID))
		metrics.ControlDenials.WithLabelValues("invalid_credentials").Inc()
		return errors.New("Invalid robot credentials")
	}

	if a.registry.FindRobotInSpace(spaceID) != "" {
		return fmt.Errorf("Space '%s' already has a robot connected", spaceID)
	}

	participants, err := a.spaces.Admit(clientID, spaceID)
	if err != nil {
		return err
	}
	a.registry.RegisterRobot(clientID, robotID, p.RobotName, spaceID)

	logging.Info(context.Background(), "Robot authenticated and joined space",
		zap.String("robot_id", p.RobotID), zap.String("robot_name", p.RobotName),
		zap.String("space_id", p.Space))

	a.registry.Send(clientID, protocol.TypeJoinedSpace, protocol.JoinedSpacePayload{
		Space:        p.Space,
		Participants: participants,
		IsRobot:      true,
		RobotID:      p.RobotID,
		RobotName:    p.RobotName,
	})

	a.spaces.Broadcast(spaceID, protocol.TypeRobotJoined, protocol.RobotJoinedPayload{
		RobotID:   p.RobotID,
		RobotName: p.RobotName,
		ClientID:  string(clientID),
	}, clientID)

	// Waiters may have queued before the robot came online.
	a.promote(clientID, spaceID)
	return nil
}

// HandleControlRequest processes a human's request for the control lease.
// The requester ends up either holding the lease or at the tail of exactly
// one queue.
func (a *Arbiter) HandleControlRequest(clientID types.ClientIDType) error {
	spaceID := a.registry.Space(clientID)
	if spaceID == "" {
		return ErrNotInSpace
	}

	if a.registry.IsRobot(clientID) {
		return ErrRobotCannotQueue
	}

	a.registry.RegisterHuman(clientID)

	robotClientID := a.registry.FindRobotInSpace(spaceID)
	if robotClientID == "" {
		// No robot bound yet; wait for one to authenticate.
		pos := a.enqueue(spaceID, clientID)
		a.registry.Send(clientID, protocol.TypeControlPending, protocol.ControlPendingPayload{Position: pos})
		return nil
	}

	if a.registry.FindRobotControlledBy(clientID) != "" {
		metrics.ControlDenials.WithLabelValues("already_controller").Inc()
		return ErrAlreadyController
	}

	if a.registry.Controller(robotClientID) == "" && len(a.queues[spaceID]) == 0 {
		a.grant(robotClientID, clientID)
		return nil
	}

	pos := a.enqueue(spaceID, clientID)
	a.registry.Send(clientID, protocol.TypeControlPending, protocol.ControlPendingPayload{Position: pos})
	return nil
}

// HandleControlGranted rejects a client-originated grant. Grants are an
// internal transition; a client sending one is spoofing.
func (a *Arbiter) HandleControlGranted(clientID types.ClientIDType) error {
	logging.Error(context.Background(), "Rejected client-originated control_granted",
		zap.String("client_id", string(clientID)))
	metrics.ControlDenials.WithLabelValues("spoofed_grant").Inc()
	return ErrSpoofedGrant
}

// HandleControlRelease releases the lease held by, or waited on by, the
// client. Valid from either side of the lease; a no-op for bystanders.
func (a *Arbiter) HandleControlRelease(clientID types.ClientIDType) {
	if a.registry.IsRobot(clientID) {
		profile := a.registry.Get(clientID).Robot
		controllerID := a.registry.Controller(clientID)
		if controllerID != "" {
			a.registry.SetController(clientID, "")
			a.registry.Send(controllerID, protocol.TypeControlReleased, protocol.ControlReleasedPayload{
				RobotID: string(profile.RobotID),
			})
			logging.Info(context.Background(), "Robot released control",
				zap.String("robot_id", string(profile.RobotID)), zap.String("controller_id", string(controllerID)))
		}
		a.promote(clientID, profile.Space)
		return
	}

	if robotClientID := a.registry.FindRobotControlledBy(clientID); robotClientID != "" {
		// Controllers should never be queued; scrub anyway.
		a.removeFromQueues(clientID)
		a.registry.SetController(robotClientID, "")
		a.registry.Send(robotClientID, protocol.TypeControlReleased, protocol.ControlReleasedPayload{
			ControllerID: string(clientID),
		})
		logging.Info(context.Background(), "Controller released control",
			zap.String("controller_id", string(clientID)))
		profile := a.registry.Get(robotClientID).Robot
		a.promote(robotClientID, profile.Space)
		return
	}

	a.removeFromQueues(clientID)
}

// HandleSetAngles forwards a control command to a robot after verifying
// the sender holds its lease.
func (a *Arbiter) HandleSetAngles(clientID types.ClientIDType, p protocol.SetAnglesPayload) error {
	robotClientID := a.registry.FindRobotByRobotID(types.RobotIDType(p.RobotID))
	if p.RobotID == "" || robotClientID == "" {
		return ErrInvalidRobotID
	}

	if len(p.Angles) == 0 || string(p.Angles) == "null" {
		return ErrAnglesRequired
	}

	if a.registry.Controller(robotClientID) != clientID {
		metrics.ControlDenials.WithLabelValues("not_controller").Inc()
		return ErrNotController
	}

	a.registry.Send(robotClientID, protocol.TypeSetAngles, protocol.SetAnglesForwardPayload{Angles: p.Angles})
	return nil
}

// HandleDisconnect runs the control portion of the disconnect cascade for
// a client. The caller is responsible for the subsequent space leave and
// registry cleanup. Also used when a client leaves its space while staying
// connected, since a client outside a space can neither hold a lease nor
// wait in a queue.
func (a *Arbiter) HandleDisconnect(clientID types.ClientIDType) {
	c := a.registry.Get(clientID)
	if c == nil {
		return
	}

	if c.Robot != nil {
		a.handleRobotGone(clientID, c.Robot)
		return
	}

	// Humans: drop any queue slot, then release a held lease.
	a.removeFromQueues(clientID)

	if robotClientID := a.registry.FindRobotControlledBy(clientID); robotClientID != "" {
		a.registry.SetController(robotClientID, "")
		a.registry.Send(robotClientID, protocol.TypeControlReleased, protocol.ControlReleasedPayload{
			ControllerID: string(clientID),
			Reason:       reasonControllerDisconnected,
		})
		profile := a.registry.Get(robotClientID).Robot
		a.promote(robotClientID, profile.Space)
	}
}

// HandleLeave runs the control cascade for a client leaving its space
// while staying connected. A robot that leaves also sheds its profile, so
// the space's lease can be re-bound by a fresh robot_identify.
func (a *Arbiter) HandleLeave(clientID types.ClientIDType) {
	a.HandleDisconnect(clientID)
	a.registry.UnregisterRobot(clientID)
}

// handleRobotGone notifies the controller and flushes the space's queue
// when its robot disappears.
func (a *Arbiter) handleRobotGone(clientID types.ClientIDType, profile *registry.RobotProfile) {
	released := protocol.ControlReleasedPayload{
		RobotID: string(profile.RobotID),
		Reason:  reasonRobotDisconnected,
	}

	if controllerID := profile.ControlledBy; controllerID != "" {
		a.registry.Send(controllerID, protocol.TypeControlReleased, released)
	}
	a.registry.SetController(clientID, "")

	for _, waiterID := range a.queues[profile.Space] {
		a.registry.Send(waiterID, protocol.TypeControlReleased, released)
	}
	delete(a.queues, profile.Space)
	metrics.ControlQueueDepth.DeleteLabelValues(string(profile.Space))

	logging.Info(context.Background(), "Robot gone, queue flushed",
		zap.String("robot_id", string(profile.RobotID)), zap.String("space_id", string(profile.Space)))
}

// grant hands the lease to requesterID. Internal transition only.
func (a *Arbiter) grant(robotClientID, requesterID types.ClientIDType) {
	a.registry.SetController(robotClientID, requesterID)
	a.registry.RegisterHuman(requesterID)

	profile := a.registry.Get(robotClientID).Robot
	a.registry.Send(requesterID, protocol.TypeControlGranted, protocol.ControlGrantedPayload{
		RobotID:   string(profile.RobotID),
		RobotName: profile.RobotName,
	})
	a.registry.Send(robotClientID, protocol.TypeControlRequest, protocol.ControlRequestForwardPayload{
		ControllerID: string(requesterID),
	})

	metrics.ControlGrants.Inc()
	logging.Info(context.Background(), "Control granted",
		zap.String("robot_id", string(profile.RobotID)), zap.String("controller_id", string(requesterID)))
}

// promote hands the lease to the next live waiter. It re-checks the
// controller pointer each iteration: a send can interleave with a
// disconnect, and a stale local observation must not double-grant.
func (a *Arbiter) promote(robotClientID types.ClientIDType, spaceID types.SpaceIDType) {
	for len(a.queues[spaceID]) > 0 && a.registry.Controller(robotClientID) == "" {
		head := a.queues[spaceID][0]
		a.queues[spaceID] = a.queues[spaceID][1:]

		if a.registry.Get(head) == nil {
			// Waiter vanished while queued; skip it.
			continue
		}
		a.grant(robotClientID, head)
	}

	if len(a.queues[spaceID]) == 0 {
		delete(a.queues, spaceID)
		metrics.ControlQueueDepth.DeleteLabelValues(string(spaceID))
	} else {
		metrics.ControlQueueDepth.WithLabelValues(string(spaceID)).Set(float64(len(a.queues[spaceID])))
	}
}

// enqueue appends the client to the space's queue and returns its 1-based
// position. No-op (returning the existing position) if already queued.
func (a *Arbiter) enqueue(spaceID types.SpaceIDType, clientID types.ClientIDType) int {
	for i, queued := range a.queues[spaceID] {
		if queued == clientID {
			return i + 1
		}
	}
	a.queues[spaceID] = append(a.queues[spaceID], clientID)
	metrics.ControlQueueDepth.WithLabelValues(string(spaceID)).Set(float64(len(a.queues[spaceID])))
	return len(a.queues[spaceID])
}

// removeFromQueues scrubs the client from every queue. Queues that drain
// to empty are deleted.
func (a *Arbiter) removeFromQueues(clientID types.ClientIDType) {
	for spaceID, queue := range a.queues {
		for i, queued := range queue {
			if queued != clientID {
				continue
			}
			a.queues[spaceID] = append(queue[:i], queue[i+1:]...)
			if len(a.queues[spaceID]) == 0 {
				delete(a.queues, spaceID)
				metrics.ControlQueueDepth.DeleteLabelValues(string(spaceID))
			} else {
				metrics.ControlQueueDepth.WithLabelValues(string(spaceID)).Set(float64(len(a.queues[spaceID])))
			}
			break
		}
	}
}

// QueueLen returns the number of waiters for a space's lease.
func (a *Arbiter) QueueLen(spaceID types.SpaceIDType) int {
	return len(a.queues[spaceID])
}

// QueuePosition returns the 1-based position of clientID in the space's
// queue, or 0 if not queued.
func (a *Arbiter) QueuePosition(spaceID types.SpaceIDType, clientID types.ClientIDType) int {
	for i, queued := range a.queues[spaceID] {
		if queued == clientID {
			return i + 1
		}
	}
	return 0
}
