package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/inboxpilot/triage-api/internal/dto"
	"github.com/inboxpilot/triage-api/internal/middleware"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
	"github.com/inboxpilot/triage-api/pkg/response"
)

type triageService interface {
	Ingest(ctx context.Context, ownerID string, req dto.IngestItemRequest) (*dto.ItemResponse, error)
	HandleCallback(ctx context.Context, req dto.CallbackRequest) (*dto.CallbackResponse, error)
	GetItem(ctx context.Context, id string) (*dto.ItemResponse, error)
	GetItemHistory(ctx context.Context, itemID string, limit int) ([]dto.HistoryEntryResponse, error)
	GetOwnerActivity(ctx context.Context, ownerID string, limit int) ([]dto.HistoryEntryResponse, error)
	RedriveItem(ctx context.Context, itemID string) error
}

// TriageHandler wires HTTP endpoints to the triage service.
type TriageHandler struct {
	service triageService
}

// NewTriageHandler creates a new handler.
func NewTriageHandler(svc triageService) *TriageHandler {
	return &TriageHandler{service: svc}
}

// Ingest godoc
// @Summary Ingest a message
// @Description Register an inbound message and start its triage workflow
// @Tags Triage
// @Accept json
// @Produce json
// @Param payload body dto.IngestItemRequest true "Ingest payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /items [post]
func (h *TriageHandler) Ingest(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.IngestItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid ingest payload"))
		return
	}

	item, err := h.service.Ingest(c.Request.Context(), claims.AccountID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, item)
}

// Callback godoc
// @Summary Apply an approval decision
// @Description Resume a suspended workflow with the owner's decision
// @Tags Triage
// @Accept json
// @Produce json
// @Param payload body dto.CallbackRequest true "Callback payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /callbacks [post]
func (h *TriageHandler) Callback(c *gin.Context) {
	var req dto.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid callback payload"))
		return
	}

	res, err := h.service.HandleCallback(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// GetItem godoc
// @Summary Get one item
// @Description Returns the current state of a processing item
// @Tags Triage
// @Produce json
// @Param id path string true "Item ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /items/{id} [get]
func (h *TriageHandler) GetItem(c *gin.Context) {
	item, err := h.service.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil, middleware.ExtractMeta(c))
}

// GetItemHistory godoc
// @Summary List item approval history
// @Description Returns the approval trail for one item, newest first
// @Tags Triage
// @Produce json
// @Param id path string true "Item ID"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /items/{id}/history [get]
func (h *TriageHandler) GetItemHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.service.GetItemHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil, middleware.ExtractMeta(c))
}

// GetActivity godoc
// @Summary List recent approval activity
// @Description Returns recent decisions across the caller's items
// @Tags Triage
// @Produce json
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /history [get]
func (h *TriageHandler) GetActivity(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.service.GetOwnerActivity(c.Request.Context(), claims.AccountID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil, middleware.ExtractMeta(c))
}

// Redrive godoc
// @Summary Re-drive a halted item
// @Description Queue another advance for an item halted in processing_failed or awaiting_approval_skipped
// @Tags Triage
// @Produce json
// @Param id path string true "Item ID"
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /items/{id}/redrive [post]
func (h *TriageHandler) Redrive(c *gin.Context) {
	if err := h.service.RedriveItem(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"queued": true}, nil)
}
