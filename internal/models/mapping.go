package models

import "time"

// Coarse workflow-state labels stored on the callback mapping. These
// are the human-readable phase, distinct from the checkpoint's precise
// node pointer.
const (
	CoarseStateAwaitingApproval     = "awaiting_approval"
	CoarseStateAwaitingConfirmation = "awaiting_confirmation"
	CoarseStateDone                 = "done"
)

// CallbackMapping bridges an externally-visible notification handle
// (e.g. a chat message id) back to the suspended workflow instance.
// The handle resolves to exactly one thread; rows are updated in place
// when the workflow re-suspends and never deleted while the item is
// non-terminal.
type CallbackMapping struct {
	ID             string    `db:"id" json:"id"`
	ItemID         string    `db:"item_id" json:"item_id"`
	OwnerID        string    `db:"owner_id" json:"owner_id"`
	ThreadID       string    `db:"thread_id" json:"thread_id"`
	ExternalHandle string    `db:"external_handle" json:"external_handle"`
	CoarseState    string    `db:"coarse_state" json:"coarse_state"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
