package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", true)
	r.Register("session:binance_spot", false)
	assert.Equal(t, Healthy, r.Overall())
}

func TestOverallNonCriticalDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", true)
	r.Register("session:okx_spot", false)

	r.Set("session:okx_spot", Degraded)
	assert.Equal(t, Degraded, r.Overall())

	// A non-critical component going fully down still only degrades.
	r.Set("session:okx_spot", Unhealthy)
	assert.Equal(t, Degraded, r.Overall())
}

func TestOverallCriticalUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", true)
	r.Register("session:okx_spot", false)

	r.Set("bus", Unhealthy)
	assert.Equal(t, Unhealthy, r.Overall())
}

func TestHandlerStatusCodes(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", true)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status     string            `json:"status"`
		Components map[string]Status `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Healthy, resp.Components["bus"])

	r.Set("bus", Unhealthy)
	rec = httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
