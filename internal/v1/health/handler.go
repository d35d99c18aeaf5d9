package health

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/portalbot/server/internal/v1/catalog"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/space"
)

// SpaceStats provides the space counters reported by /health.
type SpaceStats interface {
	GetStats() space.Stats
}

// ConnectionCounter provides the connection counters reported by /health.
type ConnectionCounter interface {
	ConnectionStats() registry.Stats
}

// Handler serves the monitoring side-channel: /health and /spaces.
type Handler struct {
	spaces  SpaceStats
	clients ConnectionCounter
	catalog *catalog.Catalog
}

// NewHandler creates a health/catalog handler.
func NewHandler(spaces SpaceStats, clients ConnectionCounter, cat *catalog.Catalog) *Handler {
	return &Handler{spaces: spaces, clients: clients, catalog: cat}
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status            string `json:"status"`
	ActiveSpaces      int    `json:"active_spaces"`
	TotalParticipants int    `json:"total_participants"`
	ConnectedClients  int    `json:"connected_clients"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	spaceStats := h.spaces.GetStats()
	connStats := h.clients.ConnectionStats()

	c.JSON(http.StatusOK, HealthResponse{
		Status:            "healthy",
		ActiveSpaces:      spaceStats.ActiveSpaces,
		TotalParticipants: spaceStats.TotalParticipants,
		ConnectedClients:  connStats.TotalConnections,
	})
}

// Spaces handles GET /spaces: the catalog serialized for clients.
func (h *Handler) Spaces(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.ToResponse())
}
