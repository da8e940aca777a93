package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dealcoach/server/internal/bridge"
)

type fakeBridges struct {
	infos []bridge.Info
}

func (f *fakeBridges) Snapshot() []bridge.Info {
	return f.infos
}

type fakeCalls struct {
	active []string
}

func (f *fakeCalls) ActiveCalls() []string {
	return f.active
}

func (f *fakeCalls) IsActive(sessionID string) bool {
	for _, id := range f.active {
		if id == sessionID {
			return true
		}
	}
	return false
}

func newTestEcho(t *testing.T, bridges *fakeBridges, calls *fakeCalls) *echo.Echo {
	e := echo.New()
	noSocket := func(c echo.Context) error { return c.NoContent(http.StatusTeapot) }
	InitRoutes(e, Handlers{Dashboard: noSocket, MediaStream: noSocket}, bridges, calls, zaptest.NewLogger(t))
	return e
}

func serve(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestEcho(t, &fakeBridges{}, &fakeCalls{active: []string{"s1", "s2"}})

	rec := serve(e, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.ActiveCalls)
}

func TestListSessions(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bridges := &fakeBridges{infos: []bridge.Info{{
		SessionID:      "s1",
		CallID:         "CA1",
		State:          bridge.StateSpeechAttached,
		CreatedAt:      created,
		LastActivityAt: created.Add(time.Second),
	}}}
	e := newTestEcho(t, bridges, &fakeCalls{active: []string{"s1", "s2"}})

	rec := serve(e, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "CA1", body.Sessions[0].CallID)
	assert.Equal(t, bridge.StateSpeechAttached, body.Sessions[0].State)
	assert.True(t, created.Equal(body.Sessions[0].CreatedAt))
	assert.Equal(t, []string{"s1", "s2"}, body.ActiveCalls)
}

func TestListSessions_Empty(t *testing.T) {
	e := newTestEcho(t, &fakeBridges{infos: []bridge.Info{}}, &fakeCalls{})

	rec := serve(e, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[],"activeCalls":[]}`, rec.Body.String())
}

func TestGetSession(t *testing.T) {
	bridges := &fakeBridges{infos: []bridge.Info{{SessionID: "s1", CallID: "CA1", State: bridge.StateSpeechAttached}}}
	e := newTestEcho(t, bridges, &fakeCalls{active: []string{"s1", "s2"}})

	rec := serve(e, "/api/v1/sessions/s1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Bridge)
	assert.Equal(t, "CA1", body.Bridge.CallID)

	// dashboard-only call has no bridge
	rec = serve(e, "/api/v1/sessions/s2")
	require.Equal(t, http.StatusOK, rec.Code)
	body = SessionResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Active)
	assert.Nil(t, body.Bridge)

	rec = serve(e, "/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "session_not_found", errBody.Error)
}

func TestSocketRoutesAreMounted(t *testing.T) {
	e := newTestEcho(t, &fakeBridges{}, &fakeCalls{})

	assert.Equal(t, http.StatusTeapot, serve(e, "/ws").Code)
	assert.Equal(t, http.StatusTeapot, serve(e, "/media-stream").Code)
}
