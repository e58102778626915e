package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUserFromHeader(t *testing.T) {
	r := NewSessionResolver([]byte("secret"), "fleetglass")
	token, err := r.IssueToken(42, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/sse/agents", nil)
	req.Header.Set(SessionTokenHeader, token)

	userID, err := r.ResolveUser(req)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestResolveUserFromCookie(t *testing.T) {
	r := NewSessionResolver([]byte("secret"), "fleetglass")
	token, err := r.IssueToken(42, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/sse/agents", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})

	userID, err := r.ResolveUser(req)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestResolveUserRejectsBadTokens(t *testing.T) {
	r := NewSessionResolver([]byte("secret"), "fleetglass")

	// No token at all.
	req := httptest.NewRequest("GET", "/", nil)
	_, err := r.ResolveUser(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Wrong signing secret.
	other := NewSessionResolver([]byte("other"), "fleetglass")
	token, err := other.IssueToken(42, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(SessionTokenHeader, token)
	_, err = r.ResolveUser(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Expired token.
	token, err = r.IssueToken(42, -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(SessionTokenHeader, token)
	_, err = r.ResolveUser(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Wrong issuer.
	foreign := NewSessionResolver([]byte("secret"), "someone-else")
	token, err = foreign.IssueToken(42, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(SessionTokenHeader, token)
	_, err = r.ResolveUser(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
