// Package protocol defines the JSON wire contract shared by robots and
// operator clients.
//
// Every frame is a UTF-8 JSON object of the form:
//
//	{"type": "<message type>", "data": { ... }}
//
// The type string selects a payload variant; payloads are validated at
// decode time so handlers never see half-formed input. Unknown types are
// rejected at the edge by the dispatch loop.
package protocol

import (
	"encoding/json"
	"errors"
)

// Client -> server message types.
const (
	TypeJoinSpace      = "join_space"
	TypeLeaveSpace     = "leave_space"
	TypePing           = "ping"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice_candidate"
	TypeControlOffer   = "control_offer"
	TypeControlAnswer  = "control_answer"
	TypeRobotIdentify  = "robot_identify"
	TypeControlRequest = "control_request"
	TypeControlRelease = "control_release"
	TypeSetAngles      = "set_angles"
)

// Server -> client message types.
const (
	TypeConnected       = "connected"
	TypeJoinedSpace     = "joined_space"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeRobotJoined     = "robot_joined"
	TypeControlGranted  = "control_granted"
	TypeControlReleased = "control_released"
	TypeControlPending  = "control_pending"
	TypePong            = "pong"
	TypeError           = "error"
)

// ErrMalformed is returned when a frame is not valid JSON or does not carry
// a type string.
var ErrMalformed = errors.New("malformed message")

// Envelope is the outer shape of every wire frame. Data defaults to an
// empty object when absent.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw text frame into an Envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.Type == "" {
		return nil, ErrMalformed
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	return &env, nil
}

// DecodeData unmarshals an envelope payload into a typed variant struct.
func (e *Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ErrMalformed
	}
	return nil
}

// --- Inbound payload variants ---

// JoinSpacePayload carries a request to join a named space.
type JoinSpacePayload struct {
	Space string `json:"space"`
}

// OfferPayload carries an opaque SDP offer blob.
type OfferPayload struct {
	Offer json.RawMessage `json:"offer"`
}

// AnswerPayload carries an opaque SDP answer blob.
type AnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
}

// ICECandidatePayload carries an opaque ICE candidate blob.
type ICECandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

// RobotIdentifyPayload carries robot authentication credentials.
type RobotIdentifyPayload struct {
	RobotID   string `json:"robot_id"`
	RobotName string `json:"robot_name"`
	Space     string `json:"space"`
	SecretKey string `json:"secret_key"`
}

// SetAnglesPayload carries a control command addressed to a robot.
// Angles is an opaque object, e.g. {"pan": 90, "tilt": 45}.
type SetAnglesPayload struct {
	RobotID string          `json:"robot_id"`
	Angles  json.RawMessage `json:"angles"`
}

// --- Outbound payload shapes ---

// ConnectedPayload is the first message sent on every new connection.
type ConnectedPayload struct {
	SID string `json:"sid"`
}

// JoinedSpacePayload confirms space admission to the joining client.
// The robot fields are present only when the joiner is a robot.
type JoinedSpacePayload struct {
	Space        string   `json:"space"`
	Participants []string `json:"participants"`
	IsRobot      bool     `json:"is_robot,omitempty"`
	RobotID      string   `json:"robot_id,omitempty"`
	RobotName    string   `json:"robot_name,omitempty"`
}

// UserJoinedPayload notifies existing members of a new participant.
type UserJoinedPayload struct {
	SID          string   `json:"sid"`
	Participants []string `json:"participants"`
}

// UserLeftPayload notifies members that a participant left.
type UserLeftPayload struct {
	SID string `json:"sid"`
}

// RobotJoinedPayload notifies members that the space's robot came online.
type RobotJoinedPayload struct {
	RobotID   string `json:"robot_id"`
	RobotName string `json:"robot_name"`
	ClientID  string `json:"client_id"`
}

// SignalPayload is the forwarded shape of offer/answer/ice_candidate and
// control_offer/control_answer frames: the original blob plus the sender id.
type SignalPayload struct {
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	SID       string          `json:"sid"`
}

// ControlRequestForwardPayload tells a robot which human now holds its
// lease. Sent alongside every grant.
type ControlRequestForwardPayload struct {
	ControllerID string `json:"controller_id"`
}

// ControlGrantedPayload tells a human it now holds the control lease.
type ControlGrantedPayload struct {
	RobotID   string `json:"robot_id"`
	RobotName string `json:"robot_name"`
}

// ControlReleasedPayload tells a peer the control lease was released.
// RobotID is set when addressed to the former controller; ControllerID is
// set when addressed to the robot.
type ControlReleasedPayload struct {
	RobotID      string `json:"robot_id,omitempty"`
	ControllerID string `json:"controller_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ControlPendingPayload tells a waiter its 1-based queue position.
type ControlPendingPayload struct {
	Position int `json:"position"`
}

// SetAnglesForwardPayload is the command shape forwarded to the robot.
type SetAnglesForwardPayload struct {
	Angles json.RawMessage `json:"angles"`
}

// ErrorPayload is the single client-visible error shape.
type ErrorPayload struct {
	Message string `json:"message"`
}
