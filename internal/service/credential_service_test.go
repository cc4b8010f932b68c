package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/models"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

type mockCredentialRepo struct {
	creds map[string]*models.ProviderCredential
}

func (m *mockCredentialRepo) Get(ctx context.Context, ownerID string) (*models.ProviderCredential, error) {
	cred, ok := m.creds[ownerID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *cred
	return &copied, nil
}

func (m *mockCredentialRepo) Upsert(ctx context.Context, cred *models.ProviderCredential) error {
	if m.creds == nil {
		m.creds = map[string]*models.ProviderCredential{}
	}
	copied := *cred
	m.creds[cred.OwnerID] = &copied
	return nil
}

func (m *mockCredentialRepo) UpdateAccessToken(ctx context.Context, ownerID, accessToken string, expiresAt time.Time) error {
	cred := m.creds[ownerID]
	cred.AccessToken = accessToken
	cred.ExpiresAt = expiresAt
	cred.UpdatedAt = time.Now().UTC()
	return nil
}

func newTokenEndpoint(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		require.Equal(t, "refresh-1", r.FormValue("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-token",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	}))
}

func TestCredentialServiceReturnsStoredTokenWhileValid(t *testing.T) {
	var calls int32
	server := newTokenEndpoint(t, &calls)
	defer server.Close()

	repo := &mockCredentialRepo{creds: map[string]*models.ProviderCredential{
		"owner-1": {OwnerID: "owner-1", AccessToken: "stored", RefreshToken: "refresh-1", ExpiresAt: time.Now().UTC().Add(time.Hour)},
	}}
	svc := NewCredentialService(repo, CredentialConfig{TokenURL: server.URL}, zap.NewNop())

	token, err := svc.AccessToken(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "stored", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCredentialServiceRefreshesExpiredToken(t *testing.T) {
	var calls int32
	server := newTokenEndpoint(t, &calls)
	defer server.Close()

	repo := &mockCredentialRepo{creds: map[string]*models.ProviderCredential{
		"owner-1": {OwnerID: "owner-1", AccessToken: "stale", RefreshToken: "refresh-1", ExpiresAt: time.Now().UTC().Add(-time.Minute)},
	}}
	svc := NewCredentialService(repo, CredentialConfig{TokenURL: server.URL}, zap.NewNop())

	token, err := svc.AccessToken(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "fresh-token", repo.creds["owner-1"].AccessToken)
}

func TestCredentialServiceSerializesConcurrentRefresh(t *testing.T) {
	var calls int32
	server := newTokenEndpoint(t, &calls)
	defer server.Close()

	repo := &mockCredentialRepo{creds: map[string]*models.ProviderCredential{
		"owner-1": {OwnerID: "owner-1", AccessToken: "stale", RefreshToken: "refresh-1", ExpiresAt: time.Now().UTC().Add(-time.Minute)},
	}}
	svc := NewCredentialService(repo, CredentialConfig{TokenURL: server.URL}, zap.NewNop())

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := svc.AccessToken(context.Background(), "owner-1")
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCredentialServiceRejectedExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	repo := &mockCredentialRepo{creds: map[string]*models.ProviderCredential{
		"owner-1": {OwnerID: "owner-1", AccessToken: "stale", RefreshToken: "refresh-1", ExpiresAt: time.Now().UTC().Add(-time.Minute)},
	}}
	svc := NewCredentialService(repo, CredentialConfig{TokenURL: server.URL}, zap.NewNop())

	_, err := svc.AccessToken(context.Background(), "owner-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestCredentialServiceUnknownOwner(t *testing.T) {
	svc := NewCredentialService(&mockCredentialRepo{}, CredentialConfig{TokenURL: "http://127.0.0.1:0"}, zap.NewNop())

	_, err := svc.AccessToken(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestCredentialServiceStoreValidates(t *testing.T) {
	repo := &mockCredentialRepo{}
	svc := NewCredentialService(repo, CredentialConfig{}, zap.NewNop())

	err := svc.Store(context.Background(), &models.ProviderCredential{OwnerID: "owner-1"})
	require.Error(t, err)

	require.NoError(t, svc.Store(context.Background(), &models.ProviderCredential{
		OwnerID:      "owner-1",
		RefreshToken: "refresh-1",
	}))
	assert.NotNil(t, repo.creds["owner-1"])
}
