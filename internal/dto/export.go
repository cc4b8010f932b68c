package dto

import "github.com/inboxpilot/triage-api/internal/models"

// ExportRequest captures POST /exports payload.
type ExportRequest struct {
	ItemID *string             `json:"itemId,omitempty"`
	Format models.ExportFormat `json:"format"`
	Limit  int                 `json:"limit"`
}

// ExportJobResponse is returned after enqueueing an export.
type ExportJobResponse struct {
	ID       string              `json:"id"`
	Status   models.ExportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ExportStatusResponse exposes job progress metadata.
type ExportStatusResponse struct {
	ID        string              `json:"id"`
	Status    models.ExportStatus `json:"status"`
	Progress  int                 `json:"progress"`
	ResultURL *string             `json:"resultUrl,omitempty"`
	Error     *string             `json:"error,omitempty"`
}
