package dto

import (
	"time"

	"github.com/inboxpilot/triage-api/internal/models"
)

// IngestItemRequest captures POST /items payload. When only MessageID is
// provided the remaining envelope fields are fetched from the mail provider.
type IngestItemRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	ThreadID  string `json:"threadId"`
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
	Snippet   string `json:"snippet"`
}

// CallbackRequest is the payload delivered by the notifier channel when the
// owner acts on a pending approval prompt.
type CallbackRequest struct {
	ExternalHandle string                `json:"externalHandle" binding:"required"`
	Action         models.ApprovalAction `json:"action" binding:"required"`
	Actor          string                `json:"actor"`
	EditedDraft    string                `json:"editedDraft,omitempty"`
	NewTarget      string                `json:"newTarget,omitempty"`
}

// CallbackResponse reports the outcome of a resumed workflow step.
type CallbackResponse struct {
	ItemID      string            `json:"itemId"`
	Status      models.ItemStatus `json:"status"`
	CoarseState string            `json:"coarseState"`
	Resumed     bool              `json:"resumed"`
}

// ItemResponse is the read model returned for a single processing item.
type ItemResponse struct {
	ID                   string            `json:"id"`
	OwnerID              string            `json:"ownerId"`
	MessageID            string            `json:"messageId"`
	ThreadID             string            `json:"threadId"`
	Subject              string            `json:"subject"`
	Sender               string            `json:"sender"`
	Snippet              string            `json:"snippet"`
	Status               models.ItemStatus `json:"status"`
	Category             *string           `json:"category,omitempty"`
	PriorityScore        int               `json:"priorityScore"`
	ProposedTarget       *string           `json:"proposedTarget,omitempty"`
	DraftText            *string           `json:"draftText,omitempty"`
	DraftLanguage        *string           `json:"draftLanguage,omitempty"`
	DraftTone            *string           `json:"draftTone,omitempty"`
	ClassificationReason *string           `json:"classificationReason,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// NewItemResponse maps the persisted item onto its read model.
func NewItemResponse(item *models.ProcessingItem) ItemResponse {
	return ItemResponse{
		ID:                   item.ID,
		OwnerID:              item.OwnerID,
		MessageID:            item.MessageID,
		ThreadID:             item.ThreadID,
		Subject:              item.Subject,
		Sender:               item.Sender,
		Snippet:              item.Snippet,
		Status:               item.Status,
		Category:             item.Category,
		PriorityScore:        item.PriorityScore,
		ProposedTarget:       item.ProposedTarget,
		DraftText:            item.DraftText,
		DraftLanguage:        item.DraftLanguage,
		DraftTone:            item.DraftTone,
		ClassificationReason: item.ClassificationReason,
		CreatedAt:            item.CreatedAt,
		UpdatedAt:            item.UpdatedAt,
	}
}

// HistoryEntryResponse exposes a single approval decision.
type HistoryEntryResponse struct {
	ID              string                `json:"id"`
	ItemID          string                `json:"itemId"`
	Action          models.ApprovalAction `json:"action"`
	Actor           string                `json:"actor"`
	ResultingStatus models.ItemStatus     `json:"resultingStatus"`
	CreatedAt       time.Time             `json:"createdAt"`
}

// HistoryQuery mirrors supported history listing filters.
type HistoryQuery struct {
	ItemID string
	Limit  int
}
