package models

import "time"

// RefreshToken represents a persisted API refresh token session.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	AccountID string     `db:"account_id" json:"account_id"`
	Token     string     `db:"token" json:"token"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
	UserAgent string     `db:"user_agent" json:"user_agent"`
}

// ProviderCredential stores the mail-provider OAuth tokens for one
// owner. The access token is replaced on every successful refresh; the
// refresh token itself is acquired by the externally-owned onboarding
// flow and only consumed here.
type ProviderCredential struct {
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the access token needs a refresh.
func (c ProviderCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}
