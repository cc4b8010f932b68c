package models

import "time"

// ItemStatus tracks a processing item through the triage workflow.
type ItemStatus string

const (
	StatusNew                     ItemStatus = "new"
	StatusPriorityDetected        ItemStatus = "priority_detected"
	StatusClassified              ItemStatus = "classified"
	StatusContextExtracted        ItemStatus = "context_extracted"
	StatusDraftGenerated          ItemStatus = "draft_generated"
	StatusAwaitingApproval        ItemStatus = "awaiting_approval"
	StatusAwaitingApprovalSkipped ItemStatus = "awaiting_approval_skipped"
	StatusProcessingFailed        ItemStatus = "processing_failed"
	StatusSent                    ItemStatus = "sent"
	StatusRejected                ItemStatus = "rejected"
	StatusFiled                   ItemStatus = "filed"
)

// Terminal reports whether no further node may execute for the status.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusRejected, StatusFiled:
		return true
	}
	return false
}

// ProcessingItem is one inbound unit of work. Rows are created on
// ingestion and mutated exclusively by workflow nodes; they are never
// deleted. Once the status is terminal the classification fields are
// immutable.
type ProcessingItem struct {
	ID                   string     `db:"id" json:"id"`
	OwnerID              string     `db:"owner_id" json:"owner_id"`
	MessageID            string     `db:"message_id" json:"message_id"`
	ThreadID             string     `db:"thread_id" json:"thread_id"`
	Subject              string     `db:"subject" json:"subject"`
	Sender               string     `db:"sender" json:"sender"`
	Snippet              string     `db:"snippet" json:"snippet"`
	Status               ItemStatus `db:"status" json:"status"`
	Category             *string    `db:"category" json:"category,omitempty"`
	PriorityScore        int        `db:"priority_score" json:"priority_score"`
	ProposedTarget       *string    `db:"proposed_target" json:"proposed_target,omitempty"`
	DraftText            *string    `db:"draft_text" json:"draft_text,omitempty"`
	DraftLanguage        *string    `db:"draft_language" json:"draft_language,omitempty"`
	DraftTone            *string    `db:"draft_tone" json:"draft_tone,omitempty"`
	ClassificationReason *string    `db:"classification_reason" json:"classification_reason,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// ItemDelta carries the field changes a node wants persisted. Nil
// pointers leave the stored value untouched.
type ItemDelta struct {
	Status               *ItemStatus
	Category             *string
	PriorityScore        *int
	ProposedTarget       *string
	DraftText            *string
	DraftLanguage        *string
	DraftTone            *string
	ClassificationReason *string
}

// Apply folds the delta into an in-memory copy of the item.
func (d ItemDelta) Apply(item *ProcessingItem) {
	if item == nil {
		return
	}
	if d.Status != nil {
		item.Status = *d.Status
	}
	if d.Category != nil {
		item.Category = d.Category
	}
	if d.PriorityScore != nil {
		item.PriorityScore = *d.PriorityScore
	}
	if d.ProposedTarget != nil {
		item.ProposedTarget = d.ProposedTarget
	}
	if d.DraftText != nil {
		item.DraftText = d.DraftText
	}
	if d.DraftLanguage != nil {
		item.DraftLanguage = d.DraftLanguage
	}
	if d.DraftTone != nil {
		item.DraftTone = d.DraftTone
	}
	if d.ClassificationReason != nil {
		item.ClassificationReason = d.ClassificationReason
	}
}

// Empty reports whether the delta changes nothing.
func (d ItemDelta) Empty() bool {
	return d.Status == nil && d.Category == nil && d.PriorityScore == nil &&
		d.ProposedTarget == nil && d.DraftText == nil && d.DraftLanguage == nil &&
		d.DraftTone == nil && d.ClassificationReason == nil
}
