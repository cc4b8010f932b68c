package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inboxpilot/triage-api/internal/models"
)

// CredentialRepository stores mail-provider OAuth credentials per
// owner. Only the credential service writes here.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository constructs the repository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get returns the stored credential for an owner.
func (r *CredentialRepository) Get(ctx context.Context, ownerID string) (*models.ProviderCredential, error) {
	const query = `SELECT owner_id, access_token, refresh_token, expires_at, updated_at FROM provider_credentials WHERE owner_id = $1`
	var cred models.ProviderCredential
	if err := r.db.GetContext(ctx, &cred, query, ownerID); err != nil {
		return nil, err
	}
	return &cred, nil
}

// Upsert stores a credential row, replacing any previous tokens.
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.ProviderCredential) error {
	cred.UpdatedAt = time.Now().UTC()
	const query = `INSERT INTO provider_credentials (owner_id, access_token, refresh_token, expires_at, updated_at)
	VALUES (:owner_id, :access_token, :refresh_token, :expires_at, :updated_at)
	ON CONFLICT (owner_id) DO UPDATE
	SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
	    expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, cred); err != nil {
		return fmt.Errorf("upsert provider credential: %w", err)
	}
	return nil
}

// UpdateAccessToken replaces only the access token after a refresh.
func (r *CredentialRepository) UpdateAccessToken(ctx context.Context, ownerID, accessToken string, expiresAt time.Time) error {
	const query = `UPDATE provider_credentials SET access_token = $2, expires_at = $3, updated_at = $4 WHERE owner_id = $1`
	if _, err := r.db.ExecContext(ctx, query, ownerID, accessToken, expiresAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	return nil
}
