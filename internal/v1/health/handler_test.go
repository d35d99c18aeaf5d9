package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalbot/server/internal/v1/catalog"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/space"
)

type fakeSpaceStats struct{ stats space.Stats }

func (f fakeSpaceStats) GetStats() space.Stats { return f.stats }

type fakeCounter struct{ stats registry.Stats }

func (f fakeCounter) ConnectionStats() registry.Stats { return f.stats }

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New("1.0", []catalog.Space{
		{ID: "lab", DisplayName: "Lab", MaxParticipants: 4, Enabled: true},
	})
	require.NoError(t, err)
	return cat
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(
		fakeSpaceStats{space.Stats{ActiveSpaces: 2, TotalParticipants: 5}},
		fakeCounter{registry.Stats{TotalConnections: 6}},
		newTestCatalog(t),
	)

	router := gin.New()
	router.GET("/health", h.Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 2, resp.ActiveSpaces)
	assert.Equal(t, 5, resp.TotalParticipants)
	assert.Equal(t, 6, resp.ConnectedClients)
}

func TestSpaces(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakeSpaceStats{}, fakeCounter{}, newTestCatalog(t))

	router := gin.New()
	router.GET("/spaces", h.Spaces)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/spaces", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp catalog.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1.0", resp.Version)
	require.Len(t, resp.Spaces, 1)
	assert.Equal(t, "Lab", resp.Spaces[0].DisplayName)
}
