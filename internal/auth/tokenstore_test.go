package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"

	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
)

func testCredStore(t *testing.T) *CredentialStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewCredentialStore(db)
	require.NoError(t, err)
	return store
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func newTokenStore(t *testing.T, creds *CredentialStore, tokenURL string) *TokenStore {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	s := NewTokenStore(creds, cfg)
	s.retry = mailbox.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2.0}
	return s
}

func seedCredential(t *testing.T, creds *CredentialStore, ownerID string, expiry time.Time) {
	t.Helper()
	require.NoError(t, creds.Upsert(context.Background(), &Credential{
		OwnerID:      ownerID,
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       expiry,
	}))
}

func TestGetValidCredentialSkipsRefreshWhenFresh(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(time.Hour))

	c, err := tokens.GetValidCredential(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "old-access", c.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestGetValidCredentialRefreshesExpired(t *testing.T) {
	creds := testCredStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "refresh-1", r.FormValue("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", TokenType: "Bearer", ExpiresIn: 3600})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	c, err := tokens.GetValidCredential(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", c.AccessToken)
	// The provider issued no new refresh token, so the old one survives.
	assert.Equal(t, "refresh-1", c.RefreshToken)

	persisted, err := creds.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", persisted.AccessToken)
}

func TestGetValidCredentialRefreshesWithinMargin(t *testing.T) {
	creds := testCredStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", ExpiresIn: 3600})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	// Not yet expired, but inside the proactive refresh margin.
	seedCredential(t, creds, "owner-1", time.Now().Add(30*time.Second))

	c, err := tokens.GetValidCredential(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", c.AccessToken)
}

func TestRefreshSingleFlight(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", ExpiresIn: 3600})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := tokens.Refresh(context.Background(), "owner-1")
			assert.NoError(t, err)
			assert.Equal(t, "new-access", c.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "concurrent refreshes must share one token endpoint call")
}

func TestRefreshRejectedMarksRevoked(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	_, err := tokens.Refresh(context.Background(), "owner-1")
	assert.ErrorIs(t, err, mailbox.ErrCredentialRevoked)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "a rejected grant must not be retried")

	persisted, err := creds.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.True(t, persisted.Revoked)

	// Once revoked, callers fail fast without touching the endpoint.
	_, err = tokens.GetValidCredential(context.Background(), "owner-1")
	assert.ErrorIs(t, err, mailbox.ErrCredentialRevoked)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRefreshRetriesRateLimitedEndpoint(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", ExpiresIn: 3600})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	c, err := tokens.Refresh(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", c.AccessToken)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	// A rate-limited endpoint is an outage, not a rejected grant.
	persisted, err := creds.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.False(t, persisted.Revoked)
}

func TestRefreshRetriesRequestTimeout(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 2 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", ExpiresIn: 3600})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	c, err := tokens.Refresh(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", c.AccessToken)

	persisted, err := creds.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.False(t, persisted.Revoked)
}

func TestRefreshRejectedOnUnauthorized(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	_, err := tokens.Refresh(context.Background(), "owner-1")
	assert.ErrorIs(t, err, mailbox.ErrCredentialRevoked)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRefreshRetriesTransientThenSucceeds(t *testing.T) {
	creds := testCredStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", ExpiresIn: 3600})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	c, err := tokens.Refresh(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", c.AccessToken)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestRefreshExhaustionReportsRefreshFailed(t *testing.T) {
	creds := testCredStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	_, err := tokens.Refresh(context.Background(), "owner-1")
	assert.ErrorIs(t, err, mailbox.ErrRefreshFailed)

	// A transient outage must not revoke the credential.
	persisted, err := creds.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.False(t, persisted.Revoked)
}

func TestRefreshStoresNewRefreshToken(t *testing.T) {
	creds := testCredStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", ExpiresIn: 3600, RefreshToken: "refresh-2"})
	}))
	defer srv.Close()

	tokens := newTokenStore(t, creds, srv.URL)
	seedCredential(t, creds, "owner-1", time.Now().Add(-time.Minute))

	c, err := tokens.Refresh(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", c.RefreshToken)
}

func TestCredentialValid(t *testing.T) {
	c := &Credential{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}
	assert.True(t, c.Valid(2*time.Minute))

	c.Expiry = time.Now().Add(time.Minute)
	assert.False(t, c.Valid(2*time.Minute))

	c.Expiry = time.Now().Add(time.Hour)
	c.Revoked = true
	assert.False(t, c.Valid(2*time.Minute))

	c = &Credential{Expiry: time.Now().Add(time.Hour)}
	assert.False(t, c.Valid(2*time.Minute), "empty access token is never valid")
}
