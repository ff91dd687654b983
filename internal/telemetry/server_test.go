package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunwatch/internal/alerts"
	"tunwatch/internal/model"
	"tunwatch/internal/store"
)

type staticStatus []store.TunnelStatus

func (s staticStatus) Snapshot() []store.TunnelStatus { return s }

func newTestServer(status []store.TunnelStatus, events ...model.AlertEvent) *Server {
	mgr := alerts.NewManager(time.Minute)
	for _, e := range events {
		mgr.Raise(e)
	}
	return NewServer("127.0.0.1:0", staticStatus(status), mgr)
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	s := newTestServer([]store.TunnelStatus{
		{Name: "alpha", Interface: "l2tpeth0", Phase: "healthy"},
		{Name: "beta", Interface: "l2tpeth1", Phase: "failed"},
	})

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status store.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Tunnels, 2)
	assert.Equal(t, "alpha", status.Tunnels[0].Name)
	assert.Equal(t, "failed", status.Tunnels[1].Phase)
}

func TestHandleStatusRejectsPost(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAlertsFilters(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	s := newTestServer(nil,
		model.AlertEvent{ID: "1", Tunnel: "alpha", Condition: model.ConditionDown,
			Severity: model.SeverityCritical, Timestamp: now},
		model.AlertEvent{ID: "2", Tunnel: "alpha", Condition: model.ConditionHighLatency,
			Severity: model.SeverityWarning, Timestamp: now},
	)

	rec := httptest.NewRecorder()
	s.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts?severity=CRITICAL", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []model.AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, model.ConditionDown, events[0].Condition)
}

func TestHandleAlertsEmptyLogIsArray(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleAlertsBadParams(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil)

	rec := httptest.NewRecorder()
	s.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts?hours=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts?severity=LOUD", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
