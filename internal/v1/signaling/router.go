// Package signaling routes WebRTC offer/answer/ICE frames between peers.
//
// Viewer-plane frames (offer, answer, ice_candidate) are broadcast to the
// sender's space. Control-plane frames (control_offer, control_answer) are
// strictly targeted: they flow only between a robot and its active
// controller and must never leak to queued waiters.
package signaling

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/protocol"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/space"
	"github.com/portalbot/server/internal/v1/types"
)

// Client-visible errors for control-plane signaling.
var (
	ErrNoRobotInSpace   = errors.New("No robot in this space")
	ErrNotRobotSender   = errors.New("Only robots can send control_answer")
	ErrNotControlSender = errors.New("You do not currently control this robot")
)

// Router forwards signaling frames between the correct endpoints.
type Router struct {
	registry *registry.Registry
	spaces   *space.Manager
}

// NewRouter creates a signaling router over the registry and space manager.
func NewRouter(reg *registry.Registry, spaces *space.Manager) *Router {
	return &Router{registry: reg, spaces: spaces}
}

// HandleOffer broadcasts an SDP offer to the other members of the
// sender's space. Frames from clients outside a space, or with an empty
// payload, are dropped with a warning.
func (rt *Router) HandleOffer(senderID types.ClientIDType, p protocol.OfferPayload) {
	spaceID := rt.registry.Space(senderID)
	if spaceID == "" || len(p.Offer) == 0 {
		logging.Warn(context.Background(), "Dropping offer without space or payload",
			zap.String("client_id", string(senderID)))
		return
	}

	rt.spaces.Broadcast(spaceID, protocol.TypeOffer, protocol.SignalPayload{
		Offer: p.Offer,
		SID:   string(senderID),
	}, senderID)
}

// HandleAnswer broadcasts an SDP answer to the other members of the
// sender's space.
func (rt *Router) HandleAnswer(senderID types.ClientIDType, p protocol.AnswerPayload) {
	spaceID := rt.registry.Space(senderID)
	if spaceID == "" || len(p.Answer) == 0 {
		logging.Warn(context.Background(), "Dropping answer without space or payload",
			zap.String("client_id", string(senderID)))
		return
	}

	rt.spaces.Broadcast(spaceID, protocol.TypeAnswer, protocol.SignalPayload{
		Answer: p.Answer,
		SID:    string(senderID),
	}, senderID)
}

// HandleICECandidate broadcasts an ICE candidate to the other members of
// the sender's space.
func (rt *Router) HandleICECandidate(senderID types.ClientIDType, p protocol.ICECandidatePayload) {
	spaceID := rt.registry.Space(senderID)
	if spaceID == "" || len(p.Candidate) == 0 {
		logging.Warn(context.Background(), "Dropping ICE candidate without space or payload",
			zap.String("client_id", string(senderID)))
		return
	}

	rt.spaces.Broadcast(spaceID, protocol.TypeICECandidate, protocol.SignalPayload{
		Candidate: p.Candidate,
		SID:       string(senderID),
	}, senderID)
}

// HandleControlOffer targets an SDP offer at the robot of the sender's
// space. Only the robot's active controller may open the control channel.
func (rt *Router) HandleControlOffer(senderID types.ClientIDType, p protocol.OfferPayload) error {
	spaceID := rt.registry.Space(senderID)
	if spaceID == "" || len(p.Offer) == 0 {
		logging.Warn(context.Background(), "Dropping control offer without space or payload",
			zap.String("client_id", string(senderID)))
		return nil
	}

	robotClientID := rt.registry.FindRobotInSpace(spaceID)
	if robotClientID == "" {
		return ErrNoRobotInSpace
	}

	if rt.registry.Controller(robotClientID) != senderID {
		logging.Warn(context.Background(), "Rejected control offer from non-controller",
			zap.String("client_id", string(senderID)), zap.String("space_id", string(spaceID)))
		return ErrNotControlSender
	}

	rt.registry.Send(robotClientID, protocol.TypeControlOffer, protocol.SignalPayload{
		Offer: p.Offer,
		SID:   string(senderID),
	})
	return nil
}

// HandleControlAnswer targets an SDP answer at the sender robot's active
// controller. If no controller is bound the frame is dropped with a
// warning, never broadcast.
func (rt *Router) HandleControlAnswer(senderID types.ClientIDType, p protocol.AnswerPayload) error {
	spaceID := rt.registry.Space(senderID)
	if spaceID == "" || len(p.Answer) == 0 {
		logging.Warn(context.Background(), "Dropping control answer without space or payload",
			zap.String("client_id", string(senderID)))
		return nil
	}

	if !rt.registry.IsRobot(senderID) {
		return ErrNotRobotSender
	}

	controllerID := rt.registry.Controller(senderID)
	if controllerID == "" {
		logging.Warn(context.Background(), "Dropping control answer from uncontrolled robot",
			zap.String("client_id", string(senderID)))
		return nil
	}

	rt.registry.Send(controllerID, protocol.TypeControlAnswer, protocol.SignalPayload{
		Answer: p.Answer,
		SID:    string(senderID),
	})
	return nil
}
