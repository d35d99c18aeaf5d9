// Package space implements the space manager: admission to and eviction
// from named spaces subject to catalog rules, plus best-effort broadcast
// to members.
//
// Active spaces are created lazily on first join and destroyed when the
// last member leaves. All mutation happens under the transport hub's
// dispatch lock.
package space

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/catalog"
	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/metrics"
	"github.com/portalbot/server/internal/v1/protocol"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/types"
)

// Manager tracks active spaces and their members.
type Manager struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	active   map[types.SpaceIDType]map[types.ClientIDType]struct{}
}

// NewManager creates a space manager over the given catalog and registry.
func NewManager(cat *catalog.Catalog, reg *registry.Registry) *Manager {
	return &Manager{
		catalog:  cat,
		registry: reg,
		active:   make(map[types.SpaceIDType]map[types.ClientIDType]struct{}),
	}
}

// Admit validates and performs space admission: catalog existence, enabled
// flag, then capacity, in that order. On success the client is added to
// the active space and its current-space pointer is set. Admit emits no
// messages; callers own the notification sequence so that joined_space
// always reaches the joiner before user_joined reaches the others.
func (m *Manager) Admit(clientID types.ClientIDType, spaceID types.SpaceIDType) ([]string, error) {
	cfg := m.catalog.SpaceByID(spaceID)
	if cfg == nil {
		return nil, fmt.Errorf("Space '%s' does not exist. Please select a valid space.", spaceID)
	}

	if !cfg.Enabled {
		return nil, fmt.Errorf("Space '%s' is currently unavailable.", cfg.DisplayName)
	}

	members := m.active[spaceID]
	if _, already := members[clientID]; !already && len(members) >= cfg.MaxParticipants {
		return nil, fmt.Errorf("Space is full. Maximum %d participants allowed.", cfg.MaxParticipants)
	}

	if members == nil {
		members = make(map[types.ClientIDType]struct{})
		m.active[spaceID] = members
		metrics.ActiveSpaces.Inc()
	}

	members[clientID] = struct{}{}
	m.registry.SetSpace(clientID, spaceID)
	metrics.SpaceParticipants.WithLabelValues(string(spaceID)).Set(float64(len(members)))

	logging.Info(context.Background(), "Client joined space",
		zap.String("client_id", string(clientID)), zap.String("space_id", string(spaceID)))

	return m.Participants(spaceID), nil
}

// JoinSpace is the join_space operation: admit, confirm to the joiner,
// then notify the rest of the space.
func (m *Manager) JoinSpace(clientID types.ClientIDType, spaceID types.SpaceIDType) error {
	participants, err := m.Admit(clientID, spaceID)
	if err != nil {
		return err
	}

	m.registry.Send(clientID, protocol.TypeJoinedSpace, protocol.JoinedSpacePayload{
		Space:        string(spaceID),
		Participants: participants,
	})

	m.Broadcast(spaceID, protocol.TypeUserJoined, protocol.UserJoinedPayload{
		SID:          string(clientID),
		Participants: participants,
	}, clientID)

	return nil
}

// Leave removes the client from its active space, notifies the remaining
// members with user_left, deletes the space when empty, and clears the
// client's space pointer. Safe to call for clients not in any space.
func (m *Manager) Leave(clientID types.ClientIDType) {
	spaceID := m.registry.Space(clientID)
	if spaceID == "" {
		return
	}

	if members, ok := m.active[spaceID]; ok {
		delete(members, clientID)

		m.Broadcast(spaceID, protocol.TypeUserLeft, protocol.UserLeftPayload{
			SID: string(clientID),
		}, clientID)

		if len(members) == 0 {
			delete(m.active, spaceID)
			metrics.ActiveSpaces.Dec()
			metrics.SpaceParticipants.DeleteLabelValues(string(spaceID))
		} else {
			metrics.SpaceParticipants.WithLabelValues(string(spaceID)).Set(float64(len(members)))
		}
	}

	m.registry.SetSpace(clientID, "")
	logging.Info(context.Background(), "Client left space",
		zap.String("client_id", string(clientID)), zap.String("space_id", string(spaceID)))
}

// Broadcast sends a message to every member of a space except the excluded
// ids. Best-effort: failed sends are logged by the transport layer.
func (m *Manager) Broadcast(spaceID types.SpaceIDType, msgType string, data any, exclude ...types.ClientIDType) {
	members, ok := m.active[spaceID]
	if !ok {
		return
	}

	for clientID := range members {
		if containsID(exclude, clientID) {
			continue
		}
		m.registry.Send(clientID, msgType, data)
	}
}

// Participants returns the member ids of a space in a stable order.
func (m *Manager) Participants(spaceID types.SpaceIDType) []string {
	members := m.active[spaceID]
	ids := make([]string, 0, len(members))
	for clientID := range members {
		ids = append(ids, string(clientID))
	}
	sort.Strings(ids)
	return ids
}

// IsMember reports whether clientID is currently in spaceID.
func (m *Manager) IsMember(spaceID types.SpaceIDType, clientID types.ClientIDType) bool {
	members, ok := m.active[spaceID]
	if !ok {
		return false
	}
	_, in := members[clientID]
	return in
}

// Stats summarizes active spaces for health reporting.
type Stats struct {
	ActiveSpaces      int `json:"active_spaces"`
	TotalParticipants int `json:"total_participants"`
}

// GetStats returns current space statistics.
func (m *Manager) GetStats() Stats {
	stats := Stats{ActiveSpaces: len(m.active)}
	for _, members := range m.active {
		stats.TotalParticipants += len(members)
	}
	return stats
}

func containsID(ids []types.ClientIDType, id types.ClientIDType) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
