package models

import "time"

// AccountRole represents the available principal roles.
type AccountRole string

const (
	RoleOwner    AccountRole = "OWNER"
	RoleOperator AccountRole = "OPERATOR"
)

// Account represents a mailbox owner (or operator) stored in the
// accounts table. Owners approve triage actions from the chat client;
// operators can re-drive halted items.
type Account struct {
	ID           string      `db:"id" json:"id"`
	Email        string      `db:"email" json:"email"`
	PasswordHash string      `db:"password_hash" json:"-"`
	FullName     string      `db:"full_name" json:"full_name"`
	Role         AccountRole `db:"role" json:"role"`
	Active       bool        `db:"active" json:"active"`
	LastLogin    *time.Time  `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
