package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/models"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

// CredentialRepository abstracts persistence for mail-provider OAuth
// credentials.
type CredentialRepository interface {
	Get(ctx context.Context, ownerID string) (*models.ProviderCredential, error)
	Upsert(ctx context.Context, cred *models.ProviderCredential) error
	UpdateAccessToken(ctx context.Context, ownerID, accessToken string, expiresAt time.Time) error
}

// CredentialConfig holds the OAuth exchange endpoint and client secrets.
type CredentialConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	CallTimeout  time.Duration
}

// CredentialService keeps per-owner provider access tokens fresh. It
// exchanges the stored refresh token at the OAuth endpoint whenever the
// access token expires or the provider rejects it.
type CredentialService struct {
	repo   CredentialRepository
	client *http.Client
	config CredentialConfig
	logger *zap.Logger

	mu        sync.Mutex
	refreshes map[string]*sync.Mutex
}

// NewCredentialService constructs a credential service.
func NewCredentialService(repo CredentialRepository, config CredentialConfig, logger *zap.Logger) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &CredentialService{
		repo:      repo,
		client:    &http.Client{Timeout: timeout},
		config:    config,
		logger:    logger,
		refreshes: map[string]*sync.Mutex{},
	}
}

// Store saves onboarding-issued tokens for an owner.
func (s *CredentialService) Store(ctx context.Context, cred *models.ProviderCredential) error {
	if cred.OwnerID == "" || cred.RefreshToken == "" {
		return appErrors.Clone(appErrors.ErrInvalidArgument, "owner id and refresh token are required")
	}
	return s.repo.Upsert(ctx, cred)
}

// AccessToken returns a valid access token for the owner, refreshing it
// first when the stored one has expired.
func (s *CredentialService) AccessToken(ctx context.Context, ownerID string) (string, error) {
	cred, err := s.repo.Get(ctx, ownerID)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status,
			fmt.Sprintf("no provider credential for owner %s", ownerID))
	}
	if !cred.Expired(time.Now().UTC()) {
		return cred.AccessToken, nil
	}
	return s.ForceRefresh(ctx, ownerID)
}

// ForceRefresh exchanges the refresh token for a new access token and
// persists it. Concurrent refreshes for the same owner are serialized so
// one exchange serves them all.
func (s *CredentialService) ForceRefresh(ctx context.Context, ownerID string) (string, error) {
	lock := s.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.repo.Get(ctx, ownerID)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status,
			fmt.Sprintf("no provider credential for owner %s", ownerID))
	}
	// Another caller may have refreshed while we waited on the lock.
	now := time.Now().UTC()
	if now.Sub(cred.UpdatedAt) < 30*time.Second && !cred.Expired(now) {
		return cred.AccessToken, nil
	}

	accessToken, expiresAt, err := s.exchange(ctx, cred.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateAccessToken(ctx, ownerID, accessToken, expiresAt); err != nil {
		s.logger.Warn("failed to persist refreshed access token", zap.String("owner_id", ownerID), zap.Error(err))
	}
	return accessToken, nil
}

// TokenSource adapts the service for one owner's mail client.
func (s *CredentialService) TokenSource(ownerID string) *OwnerTokenSource {
	return &OwnerTokenSource{service: s, ownerID: ownerID}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (s *CredentialService) exchange(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", s.config.ClientID)
	form.Set("client_secret", s.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "token endpoint unreachable")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, appErrors.New(appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status,
			fmt.Sprintf("token exchange failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrUnauthorized, "token endpoint returned empty access token")
	}
	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return parsed.AccessToken, time.Now().UTC().Add(time.Duration(expiresIn) * time.Second), nil
}

func (s *CredentialService) ownerLock(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.refreshes[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		s.refreshes[ownerID] = lock
	}
	return lock
}

// OwnerTokenSource supplies one owner's access tokens to the mail
// client.
type OwnerTokenSource struct {
	service *CredentialService
	ownerID string
}

// Token returns the current access token, refreshing when expired.
func (t *OwnerTokenSource) Token(ctx context.Context) (string, error) {
	return t.service.AccessToken(ctx, t.ownerID)
}

// Refresh forces a new exchange after the provider rejected the token.
func (t *OwnerTokenSource) Refresh(ctx context.Context) (string, error) {
	return t.service.ForceRefresh(ctx, t.ownerID)
}
