package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/ratelimit"
	"github.com/fleetglass/fleetglass/internal/store"
)

type testAPI struct {
	router   http.Handler
	store    store.Store
	clock    *clockwork.FakeClock
	resolver *auth.SessionResolver
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	require.NoError(t, db.InitEncryption(bytes.Repeat([]byte("k"), 32)))

	logger := zaptest.NewLogger(t)
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	s := store.New(gdb, clock, logger)
	resolver := auth.NewSessionResolver([]byte("test-secret"), "fleetglass-test")

	router := NewRouter(RouterConfig{
		Store:           s,
		Broker:          broker.NewMemory(logger),
		Clock:           clock,
		Resolver:        resolver,
		Limiter:         ratelimit.New(),
		Logger:          logger,
		RegistrationTTL: time.Minute,
	})
	return &testAPI{router: router, store: s, clock: clock, resolver: resolver}
}

// do runs one request through the router and decodes the JSON body into out
// when out is non-nil.
func (a *testAPI) do(t *testing.T, req *http.Request, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func (a *testAPI) sessionToken(t *testing.T, userID int64) string {
	t.Helper()
	token, err := a.resolver.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

// initiate opens a registration window and returns its view.
func (a *testAPI) initiate(t *testing.T) registrationView {
	t.Helper()
	var view registrationView
	rec := a.do(t, httptest.NewRequest(http.MethodPost, "/api/agents/register/initiate", nil), &view)
	require.Equal(t, http.StatusCreated, rec.Code)
	return view
}

// complete claims a code as userID, returning the response for assertion.
func (a *testAPI) complete(t *testing.T, userID int64, code string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/complete",
		jsonBody(t, map[string]string{"code": code}))
	req.Header.Set(auth.SessionTokenHeader, a.sessionToken(t, userID))
	return a.do(t, req, nil)
}

func TestInitiateOpensPendingWindow(t *testing.T) {
	a := newTestAPI(t)

	view := a.initiate(t)
	assert.Len(t, view.Code, 6)
	assert.Equal(t, db.RegStatusPending, view.Status)
	assert.NotEqual(t, uuid.UUID{}, view.ID)

	var status map[string]string
	rec := a.do(t, httptest.NewRequest(http.MethodGet, "/api/agents/register/status/"+view.ID.String(), nil), &status)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.RegStatusPending, status["status"])
}

func TestCompleteHandsOutCredentialsOnce(t *testing.T) {
	a := newTestAPI(t)
	view := a.initiate(t)

	rec := a.complete(t, 7, view.Code)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Status      string            `json:"status"`
		Credentials map[string]string `json:"credentials"`
	}
	statusURL := "/api/agents/register/status/" + view.ID.String()
	rec = a.do(t, httptest.NewRequest(http.MethodGet, statusURL, nil), &status)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.RegStatusCompleted, status.Status)

	key, err := uuid.Parse(status.Credentials["key"])
	require.NoError(t, err)
	assert.NotEqual(t, uuid.UUID{}, key)

	// Collected registrations are deleted; the next poll misses.
	rec = a.do(t, httptest.NewRequest(http.MethodGet, statusURL, nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteRequiresSession(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/complete",
		jsonBody(t, map[string]string{"code": "123456"}))
	rec := a.do(t, req, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteWrongCode(t *testing.T) {
	a := newTestAPI(t)
	a.initiate(t)

	var body detailBody
	rec := a.complete(t, 7, "000000")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidCode, body.Detail)
}

func TestCompleteBruteForceLocksWindow(t *testing.T) {
	a := newTestAPI(t)
	view := a.initiate(t)

	for i := 0; i < store.MaxClaimAttempts-1; i++ {
		rec := a.complete(t, 7, "000000")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	var body detailBody
	rec := a.complete(t, 7, "000000")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgTooManyAttempts, body.Detail)

	// The window is burned; even the right code no longer claims it.
	rec = a.complete(t, 7, view.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidCode, body.Detail)
}

func TestStatusExpiredWindow(t *testing.T) {
	a := newTestAPI(t)
	view := a.initiate(t)

	a.clock.Advance(2 * time.Minute)

	var status map[string]string
	statusURL := "/api/agents/register/status/" + view.ID.String()
	rec := a.do(t, httptest.NewRequest(http.MethodGet, statusURL, nil), &status)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, db.RegStatusExpired, status["status"])

	// Reported once, then gone.
	rec = a.do(t, httptest.NewRequest(http.MethodGet, statusURL, nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusUnknownRegistration(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, httptest.NewRequest(http.MethodGet, "/api/agents/register/status/"+uuid.NewString(), nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/agents/register/status/not-a-uuid", nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// registerAgent drives the whole flow through the HTTP surface and returns
// the agent key.
func (a *testAPI) registerAgent(t *testing.T, userID int64) string {
	t.Helper()

	view := a.initiate(t)
	rec := a.complete(t, userID, view.Code)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Credentials map[string]string `json:"credentials"`
	}
	rec = a.do(t, httptest.NewRequest(http.MethodGet, "/api/agents/register/status/"+view.ID.String(), nil), &status)
	require.Equal(t, http.StatusOK, rec.Code)
	key := status.Credentials["key"]

	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/finalize", nil)
	req.Header.Set("Authorization", "Agent "+key)
	rec = a.do(t, req, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return key
}

func TestFinalizeTransitionsAgent(t *testing.T) {
	a := newTestAPI(t)
	key := a.registerAgent(t, 7)

	// A second finalize is rejected: the agent is no longer pending.
	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/finalize", nil)
	req.Header.Set("Authorization", "Agent "+key)
	rec := a.do(t, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizeRejectsBadCredentials(t *testing.T) {
	a := newTestAPI(t)

	for _, header := range []string{"", "Agent not-a-uuid", "Bearer " + uuid.NewString(), "Agent " + uuid.NewString()} {
		req := httptest.NewRequest(http.MethodPost, "/api/agents/register/finalize", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := a.do(t, req, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestAgentMe(t *testing.T) {
	a := newTestAPI(t)
	key := a.registerAgent(t, 7)

	var me struct {
		Name     string `json:"name"`
		IsOnline bool   `json:"is_online"`
	}
	req := httptest.NewRequest(http.MethodGet, "/api/agents/me", nil)
	req.Header.Set("Authorization", "Agent "+key)
	rec := a.do(t, req, &me)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, me.Name, "Agent-")
	assert.False(t, me.IsOnline)
}

func TestUnregisterRevokesKey(t *testing.T) {
	a := newTestAPI(t)
	key := a.registerAgent(t, 7)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/unregister", nil)
	req.Header.Set("Authorization", "Agent "+key)
	rec := a.do(t, req, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The key no longer authenticates anywhere.
	req = httptest.NewRequest(http.MethodGet, "/api/agents/me", nil)
	req.Header.Set("Authorization", "Agent "+key)
	rec = a.do(t, req, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitiateThrottled(t *testing.T) {
	a := newTestAPI(t)

	for i := 0; i < 5; i++ {
		rec := a.do(t, httptest.NewRequest(http.MethodPost, "/api/agents/register/initiate", nil), nil)
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i+1)
	}
	rec := a.do(t, httptest.NewRequest(http.MethodPost, "/api/agents/register/initiate", nil), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client address is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/api/agents/register/initiate", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec = a.do(t, req, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDeviceLifecycle(t *testing.T) {
	a := newTestAPI(t)
	token := a.sessionToken(t, 7)

	req := httptest.NewRequest(http.MethodPost, "/api/devices",
		jsonBody(t, map[string]string{"token": "ExponentPushToken[abc]", "device_name": "Pixel", "os_name": "android"}))
	req.Header.Set(auth.SessionTokenHeader, token)
	rec := a.do(t, req, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	path := fmt.Sprintf("/api/devices/%s", "ExponentPushToken[abc]")
	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set(auth.SessionTokenHeader, token)
	rec = a.do(t, req, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set(auth.SessionTokenHeader, token)
	rec = a.do(t, req, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
