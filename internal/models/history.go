package models

import "time"

// ApprovalAction enumerates the actions a principal may take on a
// suspended item.
type ApprovalAction string

const (
	ActionApprove  ApprovalAction = "approve"
	ActionEdit     ApprovalAction = "edit"
	ActionReject   ApprovalAction = "reject"
	ActionReassign ApprovalAction = "reassign"
)

// Valid reports whether the action is a known member of the enum.
func (a ApprovalAction) Valid() bool {
	switch a {
	case ActionApprove, ActionEdit, ActionReject, ActionReassign:
		return true
	}
	return false
}

// ApprovalHistoryEntry is the append-only audit record of actions
// taken on an item. No updates or deletes.
type ApprovalHistoryEntry struct {
	ID              string         `db:"id" json:"id"`
	ItemID          string         `db:"item_id" json:"item_id"`
	OwnerID         string         `db:"owner_id" json:"owner_id"`
	Action          ApprovalAction `db:"action" json:"action"`
	Actor           string         `db:"actor" json:"actor"`
	ResultingStatus ItemStatus     `db:"resulting_status" json:"resulting_status"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}
