package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/dto"
	"github.com/inboxpilot/triage-api/internal/mail"
	"github.com/inboxpilot/triage-api/internal/models"
	"github.com/inboxpilot/triage-api/internal/workflow"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
	"github.com/inboxpilot/triage-api/pkg/jobs"
)

const (
	// JobTypeAdvance drives one item forward on the workflow queue.
	JobTypeAdvance = "triage.advance"

	itemCacheKeyPrefix = "triage:item:"
	itemCacheTTL       = 5 * time.Minute
)

// pollStatuses are the non-suspended pipeline states the poller picks
// up. Suspended and skipped items wait for a callback or an operator.
var pollStatuses = []models.ItemStatus{
	models.StatusNew,
	models.StatusPriorityDetected,
	models.StatusClassified,
	models.StatusContextExtracted,
	models.StatusDraftGenerated,
}

type triageItemRepository interface {
	Create(ctx context.Context, item *models.ProcessingItem) error
	GetByID(ctx context.Context, id string) (*models.ProcessingItem, error)
	ListByStatus(ctx context.Context, statuses []models.ItemStatus, limit int) ([]models.ProcessingItem, error)
}

type triageHistoryRepository interface {
	ListByItem(ctx context.Context, itemID string, limit int) ([]models.ApprovalHistoryEntry, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.ApprovalHistoryEntry, error)
}

type triageMappingRepository interface {
	GetByItemID(ctx context.Context, itemID string) (*models.CallbackMapping, error)
}

type triageEngine interface {
	Start(ctx context.Context, item *models.ProcessingItem) (string, error)
	Advance(ctx context.Context, itemID string) error
	Resume(ctx context.Context, req workflow.ResumeRequest) (*workflow.ResumeResult, error)
}

type messageReader interface {
	GetMessage(ctx context.Context, ownerID, messageID string) (*mail.Message, error)
}

type advanceEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// TriageService is the API-facing façade over ingestion, callbacks and
// item reads. All workflow semantics live in the engine; this layer
// hydrates input, queues work and caches read models.
type TriageService struct {
	items     triageItemRepository
	histories triageHistoryRepository
	mappings  triageMappingRepository
	engine    triageEngine
	mailbox   messageReader
	cache     *CacheService
	queue     advanceEnqueuer
	validator *validator.Validate
	logger    *zap.Logger
	pollLimit int
}

// TriageServiceOptions wires a TriageService.
type TriageServiceOptions struct {
	Items     triageItemRepository
	Histories triageHistoryRepository
	Mappings  triageMappingRepository
	Engine    triageEngine
	Mailbox   messageReader
	Cache     *CacheService
	Queue     advanceEnqueuer
	Validator *validator.Validate
	Logger    *zap.Logger
	PollLimit int
}

// NewTriageService constructs the service.
func NewTriageService(opts TriageServiceOptions) *TriageService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := opts.Validator
	if validate == nil {
		validate = validator.New()
	}
	pollLimit := opts.PollLimit
	if pollLimit <= 0 {
		pollLimit = 50
	}
	return &TriageService{
		items:     opts.Items,
		histories: opts.Histories,
		mappings:  opts.Mappings,
		engine:    opts.Engine,
		mailbox:   opts.Mailbox,
		cache:     opts.Cache,
		queue:     opts.Queue,
		validator: validate,
		logger:    logger,
		pollLimit: pollLimit,
	}
}

// Ingest registers an inbound message as a processing item, starts its
// workflow instance and queues the first advance.
func (s *TriageService) Ingest(ctx context.Context, ownerID string, req dto.IngestItemRequest) (*dto.ItemResponse, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "owner id is required")
	}
	if strings.TrimSpace(req.MessageID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "message id is required")
	}

	item := &models.ProcessingItem{
		OwnerID:   ownerID,
		MessageID: req.MessageID,
		ThreadID:  req.ThreadID,
		Subject:   req.Subject,
		Sender:    req.Sender,
		Snippet:   req.Snippet,
		Status:    models.StatusNew,
	}

	// Envelope fields omitted by the caller are hydrated from the
	// provider so the pipeline always sees subject and sender.
	if (item.Subject == "" || item.Sender == "") && s.mailbox != nil {
		msg, err := s.mailbox.GetMessage(ctx, ownerID, req.MessageID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.FromError(err).Code, appErrors.FromError(err).Status, "hydrate message envelope")
		}
		if item.ThreadID == "" {
			item.ThreadID = msg.ThreadID
		}
		if item.Subject == "" {
			item.Subject = msg.Subject
		}
		if item.Sender == "" {
			item.Sender = msg.From
		}
		if item.Snippet == "" {
			item.Snippet = msg.Snippet
		}
	}

	if err := s.items.Create(ctx, item); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create item")
	}
	if _, err := s.engine.Start(ctx, item); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start workflow")
	}

	s.enqueueAdvance(item.ID)

	resp := dto.NewItemResponse(item)
	return &resp, nil
}

// HandleCallback applies one approval decision delivered by the
// notifier channel. Duplicates resolve successfully with Resumed=false.
func (s *TriageService) HandleCallback(ctx context.Context, req dto.CallbackRequest) (*dto.CallbackResponse, error) {
	result, err := s.engine.Resume(ctx, workflow.ResumeRequest{
		ExternalHandle: req.ExternalHandle,
		Action:         req.Action,
		Actor:          req.Actor,
		EditedText:     req.EditedDraft,
		NewTarget:      req.NewTarget,
	})
	if err != nil {
		return nil, err
	}

	s.invalidateItem(ctx, result.Item.ID)

	return &dto.CallbackResponse{
		ItemID:      result.Item.ID,
		Status:      result.Item.Status,
		CoarseState: s.coarseState(ctx, result.Item),
		Resumed:     result.Applied,
	}, nil
}

// GetItem returns the read model for one item, cache-first.
func (s *TriageService) GetItem(ctx context.Context, id string) (*dto.ItemResponse, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "item id is required")
	}

	cacheKey := itemCacheKeyPrefix + id
	if s.cache.Enabled() {
		var cached dto.ItemResponse
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	item, err := s.items.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
	}

	resp := dto.NewItemResponse(item)
	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, cacheKey, resp, itemCacheTTL); err != nil {
			s.logger.Warn("failed to cache item", zap.String("item_id", id), zap.Error(err))
		}
	}
	return &resp, nil
}

// GetItemHistory lists the approval trail for one item, newest first.
func (s *TriageService) GetItemHistory(ctx context.Context, itemID string, limit int) ([]dto.HistoryEntryResponse, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "item id is required")
	}
	entries, err := s.histories.ListByItem(ctx, itemID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list history")
	}
	return historyResponses(entries), nil
}

// GetOwnerActivity lists recent approval decisions across an owner's
// items, newest first.
func (s *TriageService) GetOwnerActivity(ctx context.Context, ownerID string, limit int) ([]dto.HistoryEntryResponse, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "owner id is required")
	}
	entries, err := s.histories.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list activity")
	}
	return historyResponses(entries), nil
}

// RedriveItem queues another advance for a halted item. Only items that
// stopped in processing_failed or awaiting_approval_skipped qualify.
func (s *TriageService) RedriveItem(ctx context.Context, itemID string) error {
	item, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "item not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
	}
	switch item.Status {
	case models.StatusProcessingFailed, models.StatusAwaitingApprovalSkipped:
		s.enqueueAdvance(item.ID)
		return nil
	default:
		return appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("item in status %s cannot be re-driven", item.Status))
	}
}

// PollOnce scans for items sitting in non-suspended pipeline states and
// queues an advance for each. Returns the number of items queued.
func (s *TriageService) PollOnce(ctx context.Context) (int, error) {
	items, err := s.items.ListByStatus(ctx, pollStatuses, s.pollLimit)
	if err != nil {
		return 0, fmt.Errorf("poll pending items: %w", err)
	}
	for _, item := range items {
		s.enqueueAdvance(item.ID)
	}
	return len(items), nil
}

// ProcessAdvanceJob is the queue handler driving one item forward.
// Lock contention surfaces as an error so the queue retries later.
func (s *TriageService) ProcessAdvanceJob(ctx context.Context, job jobs.Job) error {
	itemID, ok := job.Payload.(string)
	if !ok || itemID == "" {
		s.logger.Error("advance job without item id", zap.String("job_id", job.ID))
		return nil
	}

	err := s.engine.Advance(ctx, itemID)
	s.invalidateItem(ctx, itemID)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrProcessingFailed) {
			// The halt is already durable; retrying the job would
			// re-run the same failing node immediately.
			s.logger.Warn("item halted", zap.String("item_id", itemID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func (s *TriageService) enqueueAdvance(itemID string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(jobs.Job{
		ID:      fmt.Sprintf("advance-%s-%d", itemID, time.Now().UnixNano()),
		Type:    JobTypeAdvance,
		Payload: itemID,
	}); err != nil {
		s.logger.Error("failed to enqueue advance", zap.String("item_id", itemID), zap.Error(err))
	}
}

func (s *TriageService) invalidateItem(ctx context.Context, itemID string) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, itemCacheKeyPrefix+itemID); err != nil {
		s.logger.Warn("failed to invalidate item cache", zap.String("item_id", itemID), zap.Error(err))
	}
}

func (s *TriageService) coarseState(ctx context.Context, item *models.ProcessingItem) string {
	if item.Status.Terminal() {
		return models.CoarseStateDone
	}
	if s.mappings != nil {
		if mapping, err := s.mappings.GetByItemID(ctx, item.ID); err == nil {
			return mapping.CoarseState
		}
	}
	if item.Status == models.StatusAwaitingApproval {
		return models.CoarseStateAwaitingApproval
	}
	return ""
}

func historyResponses(entries []models.ApprovalHistoryEntry) []dto.HistoryEntryResponse {
	out := make([]dto.HistoryEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, dto.HistoryEntryResponse{
			ID:              entry.ID,
			ItemID:          entry.ItemID,
			Action:          entry.Action,
			Actor:           entry.Actor,
			ResultingStatus: entry.ResultingStatus,
			CreatedAt:       entry.CreatedAt,
		})
	}
	return out
}
