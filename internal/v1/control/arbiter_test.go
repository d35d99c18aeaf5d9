package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalbot/server/internal/v1/catalog"
	"github.com/portalbot/server/internal/v1/protocol"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/secrets"
	"github.com/portalbot/server/internal/v1/space"
	"github.com/portalbot/server/internal/v1/types"
)

type sentMsg struct {
	msgType string
	data    any
}

type mockSender struct {
	sent []sentMsg
}

func (m *mockSender) Send(msgType string, data any) {
	m.sent = append(m.sent, sentMsg{msgType, data})
}

func (m *mockSender) Close() {}

func (m *mockSender) msgTypes() []string {
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.msgType)
	}
	return out
}

// last returns the payload of the most recent message of the given type.
func (m *mockSender) last(msgType string) (any, bool) {
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].msgType == msgType {
			return m.sent[i].data, true
		}
	}
	return nil, false
}

func (m *mockSender) reset() { m.sent = nil }

type fixture struct {
	reg     *registry.Registry
	spaces  *space.Manager
	arbiter *Arbiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.New("1.0", []catalog.Space{
		{ID: "lab", DisplayName: "Lab", MaxParticipants: 5, Enabled: true, RobotIDs: []string{"rob-1"}},
		{ID: "annex", DisplayName: "Annex", MaxParticipants: 5, Enabled: true, RobotIDs: []string{"rob-2"}},
	})
	require.NoError(t, err)

	sec := secrets.NewFromMap(map[types.RobotIDType]string{
		"rob-1": "s3cret",
		"rob-2": "other",
	})

	reg := registry.New()
	spaces := space.NewManager(cat, reg)
	return &fixture{
		reg:     reg,
		spaces:  spaces,
		arbiter: NewArbiter(cat, sec, reg, spaces),
	}
}

func (f *fixture) connect() (*mockSender, types.ClientIDType) {
	s := &mockSender{}
	c := f.reg.Add(s)
	return s, c.ID
}

func (f *fixture) joinHuman(t *testing.T, spaceID types.SpaceIDType) (*mockSender, types.ClientIDType) {
	t.Helper()
	s, id := f.connect()
	require.NoError(t, f.spaces.JoinSpace(id, spaceID))
	s.reset()
	return s, id
}

func (f *fixture) identifyRobot(t *testing.T) (*mockSender, types.ClientIDType) {
	t.Helper()
	s, id := f.connect()
	require.NoError(t, f.arbiter.HandleRobotIdentify(id, protocol.RobotIdentifyPayload{
		RobotID:   "rob-1",
		RobotName: "Rover",
		Space:     "lab",
		SecretKey: "s3cret",
	}))
	s.reset()
	return s, id
}

func TestRobotIdentify_Success(t *testing.T) {
	f := newFixture(t)
	humanSender, _ := f.joinHuman(t, "lab")
	robotSender, robotID := f.connect()

	err := f.arbiter.HandleRobotIdentify(robotID, protocol.RobotIdentifyPayload{
		RobotID:   "rob-1",
		RobotName: "Rover",
		Space:     "lab",
		SecretKey: "s3cret",
	})
	require.NoError(t, err)

	// Robot gets a single joined_space carrying its robot identity.
	payload, ok := robotSender.last(protocol.TypeJoinedSpace)
	require.True(t, ok)
	joined := payload.(protocol.JoinedSpacePayload)
	assert.True(t, joined.IsRobot)
	assert.Equal(t, "rob-1", joined.RobotID)
	assert.Equal(t, "Rover", joined.RobotName)
	assert.Len(t, joined.Participants, 2)

	// Humans in the space see robot_joined, not user_joined.
	payload, ok = humanSender.last(protocol.TypeRobotJoined)
	require.True(t, ok)
	rj := payload.(protocol.RobotJoinedPayload)
	assert.Equal(t, "rob-1", rj.RobotID)
	assert.Equal(t, string(robotID), rj.ClientID)
	assert.NotContains(t, humanSender.msgTypes(), protocol.TypeUserJoined)

	assert.True(t, f.reg.IsRobot(robotID))
	assert.Equal(t, robotID, f.reg.FindRobotInSpace("lab"))
}

func TestRobotIdentify_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload protocol.RobotIdentifyPayload
		wantErr string
	}{
		{
			name:    "missing fields",
			payload: protocol.RobotIdentifyPayload{RobotID: "rob-1", Space: "lab"},
			wantErr: "requires robot_id, robot_name, space, and secret_key",
		},
		{
			name: "unknown space",
			payload: protocol.RobotIdentifyPayload{
				RobotID: "rob-1", RobotName: "Rover", Space: "nowhere", SecretKey: "s3cret",
			},
			wantErr: "does not exist",
		},
		{
			name: "robot not authorized for space",
			payload: protocol.RobotIdentifyPayload{
				RobotID: "rob-2", RobotName: "Scout", Space: "lab", SecretKey: "other",
			},
			wantErr: "not authorized",
		},
		{
			name: "wrong secret",
			payload: protocol.RobotIdentifyPayload{
				RobotID: "rob-1", RobotName: "Rover", Space: "lab", SecretKey: "wrong",
			},
			wantErr: "Invalid robot credentials",
		},
		{
			name: "unknown robot id",
			payload: protocol.RobotIdentifyPayload{
				RobotID: "rob-9", RobotName: "Ghost", Space: "lab", SecretKey: "s3cret",
			},
			wantErr: "not authorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, id := f.connect()

			err := f.arbiter.HandleRobotIdentify(id, tt.payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.False(t, f.reg.IsRobot(id), "failed identify must not change state")
			assert.Empty(t, f.reg.Space(id))
		})
	}
}

func TestRobotIdentify_SpaceAlreadyHasRobot(t *testing.T) {
	f := newFixture(t)
	f.identifyRobot(t)
	_, second := f.connect()

	err := f.arbiter.HandleRobotIdentify(second, protocol.RobotIdentifyPayload{
		RobotID:   "rob-1",
		RobotName: "Rover II",
		Space:     "lab",
		SecretKey: "s3cret",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a robot")
}

func TestControlRequest_GrantWhenVacant(t *testing.T) {
	f := newFixture(t)
	robotSender, robotClientID := f.identifyRobot(t)
	humanSender, humanID := f.joinHuman(t, "lab")
	robotSender.reset()

	require.NoError(t, f.arbiter.HandleControlRequest(humanID))

	payload, ok := humanSender.last(protocol.TypeControlGranted)
	require.True(t, ok)
	granted := payload.(protocol.ControlGrantedPayload)
	assert.Equal(t, "rob-1", granted.RobotID)
	assert.Equal(t, "Rover", granted.RobotName)

	assert.Equal(t, humanID, f.reg.Controller(robotClientID))
	assert.Zero(t, f.arbiter.QueueLen("lab"))

	// The robot learns who holds its lease.
	payload, ok = robotSender.last(protocol.TypeControlRequest)
	require.True(t, ok)
	assert.Equal(t, string(humanID), payload.(protocol.ControlRequestForwardPayload).ControllerID)
}

func TestControlRequest_QueuesBehindController(t *testing.T) {
	f := newFixture(t)
	f.identifyRobot(t)
	_, first := f.joinHuman(t, "lab")
	secondSender, second := f.joinHuman(t, "lab")
	thirdSender, third := f.joinHuman(t, "lab")

	require.NoError(t, f.arbiter.HandleControlRequest(first))
	require.NoError(t, f.arbiter.HandleControlRequest(second))
	require.NoError(t, f.arbiter.HandleControlRequest(third))

	payload, ok := secondSender.last(protocol.TypeControlPending)
	require.True(t, ok)
	assert.Equal(t, 1, payload.(protocol.ControlPendingPayload).Position)

	payload, ok = thirdSender.last(protocol.TypeControlPending)
	require.True(t, ok)
	assert.Equal(t, 2, payload.(protocol.ControlPendingPayload).Position)

	assert.Equal(t, 2, f.arbiter.QueueLen("lab"))
}

func TestControlRequest_DuplicateKeepsPosition(t *testing.T) {
	f := newFixture(t)
	f.identifyRobot(t)
	_, first := f.joinHuman(t, "lab")
	secondSender, second := f.joinHuman(t, "lab")

	require.NoError(t, f.arbiter.HandleControlRequest(first))
	require.NoError(t, f.arbiter.HandleControlRequest(second))
	require.NoError(t, f.arbiter.HandleControlRequest(second))

	assert.Equal(t, 1, f.arbiter.QueueLen("lab"))
	payload, ok := secondSender.last(protocol.TypeControlPending)
	require.True(t, ok)
	assert.Equal(t, 1, payload.(protocol.ControlPendingPayload).Position)
}

func TestControlRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	robotSender, robotClientID := f.identifyRobot(t)
	_, controller := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(controller))

	t.Run("not in a space", func(t *testing.T) {
		_, outsider := f.connect()
		assert.ErrorIs(t, f.arbiter.HandleControlRequest(outsider), ErrNotInSpace)
	})

	t.Run("robots cannot queue", func(t *testing.T) {
		robotSender.reset()
		assert.ErrorIs(t, f.arbiter.HandleControlRequest(robotClientID), ErrRobotCannotQueue)
	})

	t.Run("already controller", func(t *testing.T) {
		assert.ErrorIs(t, f.arbiter.HandleControlRequest(controller), ErrAlreadyController)
		assert.Equal(t, controller, f.reg.Controller(robotClientID))
	})
}

func TestControlRequest_QueueBeforeRobotOnline(t *testing.T) {
	f := newFixture(t)
	firstSender, first := f.joinHuman(t, "lab")
	secondSender, second := f.joinHuman(t, "lab")

	require.NoError(t, f.arbiter.HandleControlRequest(first))
	require.NoError(t, f.arbiter.HandleControlRequest(second))
	assert.Equal(t, 2, f.arbiter.QueueLen("lab"))

	_, robotClientID := f.identifyRobot(t)

	// The head of the queue is promoted as soon as the robot binds.
	_, ok := firstSender.last(protocol.TypeControlGranted)
	assert.True(t, ok)
	assert.Equal(t, first, f.reg.Controller(robotClientID))

	_, ok = secondSender.last(protocol.TypeControlGranted)
	assert.False(t, ok)
	assert.Equal(t, 1, f.arbiter.QueueLen("lab"))
	assert.Equal(t, 1, f.arbiter.QueuePosition("lab", second))
}

func TestControlGranted_SpoofRejected(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	_, humanID := f.joinHuman(t, "lab")

	assert.ErrorIs(t, f.arbiter.HandleControlGranted(humanID), ErrSpoofedGrant)
	assert.Empty(t, f.reg.Controller(robotClientID))
}

func TestControlRelease_ByController(t *testing.T) {
	f := newFixture(t)
	robotSender, robotClientID := f.identifyRobot(t)
	_, first := f.joinHuman(t, "lab")
	secondSender, second := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(first))
	require.NoError(t, f.arbiter.HandleControlRequest(second))
	robotSender.reset()

	f.arbiter.HandleControlRelease(first)

	// The robot learns its controller is gone.
	payload, ok := robotSender.last(protocol.TypeControlReleased)
	require.True(t, ok)
	assert.Equal(t, string(first), payload.(protocol.ControlReleasedPayload).ControllerID)

	// The next waiter is promoted.
	_, ok = secondSender.last(protocol.TypeControlGranted)
	assert.True(t, ok)
	assert.Equal(t, second, f.reg.Controller(robotClientID))
	assert.Zero(t, f.arbiter.QueueLen("lab"))
}

func TestControlRelease_ByRobot(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	humanSender, humanID := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(humanID))
	humanSender.reset()

	f.arbiter.HandleControlRelease(robotClientID)

	payload, ok := humanSender.last(protocol.TypeControlReleased)
	require.True(t, ok)
	assert.Equal(t, "rob-1", payload.(protocol.ControlReleasedPayload).RobotID)
	assert.Empty(t, f.reg.Controller(robotClientID))
}

func TestControlRelease_DequeuesWaiter(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	_, first := f.joinHuman(t, "lab")
	_, second := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(first))
	require.NoError(t, f.arbiter.HandleControlRequest(second))

	f.arbiter.HandleControlRelease(second)

	assert.Zero(t, f.arbiter.QueuePosition("lab", second))
	assert.Equal(t, first, f.reg.Controller(robotClientID), "release by a waiter must not touch the lease")
}

func TestSetAngles(t *testing.T) {
	f := newFixture(t)
	robotSender, _ := f.identifyRobot(t)
	_, controller := f.joinHuman(t, "lab")
	_, bystander := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(controller))
	robotSender.reset()

	angles := json.RawMessage(`{"pan":90,"tilt":45}`)

	t.Run("forwarded to robot", func(t *testing.T) {
		err := f.arbiter.HandleSetAngles(controller, protocol.SetAnglesPayload{RobotID: "rob-1", Angles: angles})
		require.NoError(t, err)

		payload, ok := robotSender.last(protocol.TypeSetAngles)
		require.True(t, ok)
		assert.JSONEq(t, string(angles), string(payload.(protocol.SetAnglesForwardPayload).Angles))
	})

	t.Run("unknown robot id", func(t *testing.T) {
		err := f.arbiter.HandleSetAngles(controller, protocol.SetAnglesPayload{RobotID: "rob-9", Angles: angles})
		assert.ErrorIs(t, err, ErrInvalidRobotID)
	})

	t.Run("missing angles", func(t *testing.T) {
		err := f.arbiter.HandleSetAngles(controller, protocol.SetAnglesPayload{RobotID: "rob-1"})
		assert.ErrorIs(t, err, ErrAnglesRequired)

		err = f.arbiter.HandleSetAngles(controller, protocol.SetAnglesPayload{
			RobotID: "rob-1", Angles: json.RawMessage("null"),
		})
		assert.ErrorIs(t, err, ErrAnglesRequired)
	})

	t.Run("non-controller rejected", func(t *testing.T) {
		robotSender.reset()
		err := f.arbiter.HandleSetAngles(bystander, protocol.SetAnglesPayload{RobotID: "rob-1", Angles: angles})
		assert.ErrorIs(t, err, ErrNotController)
		assert.Empty(t, robotSender.sent)
	})
}

func TestDisconnect_RobotFlushesQueue(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	controllerSender, controller := f.joinHuman(t, "lab")
	waiterSender, waiter := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(controller))
	require.NoError(t, f.arbiter.HandleControlRequest(waiter))
	controllerSender.reset()
	waiterSender.reset()

	f.arbiter.HandleDisconnect(robotClientID)

	for name, sender := range map[string]*mockSender{"controller": controllerSender, "waiter": waiterSender} {
		payload, ok := sender.last(protocol.TypeControlReleased)
		require.True(t, ok, name)
		released := payload.(protocol.ControlReleasedPayload)
		assert.Equal(t, "rob-1", released.RobotID, name)
		assert.Equal(t, "Robot disconnected", released.Reason, name)
	}

	assert.Zero(t, f.arbiter.QueueLen("lab"))
}

func TestDisconnect_ControllerPromotesNext(t *testing.T) {
	f := newFixture(t)
	robotSender, robotClientID := f.identifyRobot(t)
	_, controller := f.joinHuman(t, "lab")
	waiterSender, waiter := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(controller))
	require.NoError(t, f.arbiter.HandleControlRequest(waiter))
	robotSender.reset()

	f.arbiter.HandleDisconnect(controller)

	payload, ok := robotSender.last(protocol.TypeControlReleased)
	require.True(t, ok)
	released := payload.(protocol.ControlReleasedPayload)
	assert.Equal(t, string(controller), released.ControllerID)
	assert.Equal(t, "Controller disconnected", released.Reason)

	_, ok = waiterSender.last(protocol.TypeControlGranted)
	assert.True(t, ok)
	assert.Equal(t, waiter, f.reg.Controller(robotClientID))
}

func TestDisconnect_WaiterIsDequeued(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	_, controller := f.joinHuman(t, "lab")
	_, waiter := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(controller))
	require.NoError(t, f.arbiter.HandleControlRequest(waiter))

	f.arbiter.HandleDisconnect(waiter)

	assert.Zero(t, f.arbiter.QueueLen("lab"))
	assert.Equal(t, controller, f.reg.Controller(robotClientID))
}

func TestPromote_SkipsVanishedWaiter(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	_, controller := f.joinHuman(t, "lab")
	_, ghost := f.joinHuman(t, "lab")
	thirdSender, third := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(controller))
	require.NoError(t, f.arbiter.HandleControlRequest(ghost))
	require.NoError(t, f.arbiter.HandleControlRequest(third))

	// The ghost disappears without its disconnect cascade reaching the
	// arbiter before the next promote.
	f.reg.Cleanup(ghost)

	f.arbiter.HandleControlRelease(controller)

	_, ok := thirdSender.last(protocol.TypeControlGranted)
	assert.True(t, ok)
	assert.Equal(t, third, f.reg.Controller(robotClientID))
	assert.Zero(t, f.arbiter.QueueLen("lab"))
}

func TestHandleLeave_RobotShedsProfile(t *testing.T) {
	f := newFixture(t)
	_, robotClientID := f.identifyRobot(t)
	humanSender, humanID := f.joinHuman(t, "lab")
	require.NoError(t, f.arbiter.HandleControlRequest(humanID))
	humanSender.reset()

	f.arbiter.HandleLeave(robotClientID)
	f.spaces.Leave(robotClientID)

	payload, ok := humanSender.last(protocol.TypeControlReleased)
	require.True(t, ok)
	assert.Equal(t, "Robot disconnected", payload.(protocol.ControlReleasedPayload).Reason)

	assert.False(t, f.reg.IsRobot(robotClientID))
	assert.Empty(t, f.reg.FindRobotInSpace("lab"))

	// The space can be re-bound by a fresh robot_identify.
	_, replacement := f.connect()
	require.NoError(t, f.arbiter.HandleRobotIdentify(replacement, protocol.RobotIdentifyPayload{
		RobotID:   "rob-1",
		RobotName: "Rover",
		Space:     "lab",
		SecretKey: "s3cret",
	}))
	assert.Equal(t, replacement, f.reg.FindRobotInSpace("lab"))
}
