package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/mail"
	"github.com/inboxpilot/triage-api/internal/models"
	"github.com/inboxpilot/triage-api/internal/repository"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
	"github.com/inboxpilot/triage-api/pkg/lock"
)

// ItemReader loads the durable item record.
type ItemReader interface {
	GetByID(ctx context.Context, id string) (*models.ProcessingItem, error)
}

// CheckpointStore creates and reads workflow snapshots. Advancing a
// checkpoint happens only through StepCommitter.
type CheckpointStore interface {
	Create(ctx context.Context, record *models.CheckpointRecord) error
	GetByThreadID(ctx context.Context, threadID string) (*models.CheckpointRecord, error)
	GetByItemID(ctx context.Context, itemID string) (*models.CheckpointRecord, error)
}

// MappingResolver resolves external callback handles.
type MappingResolver interface {
	Resolve(ctx context.Context, externalHandle string) (*models.CallbackMapping, error)
}

// StepCommitter is the engine's single durable write path.
type StepCommitter interface {
	CommitStep(ctx context.Context, commit repository.StepCommit) error
}

// ThreadReader fetches conversation history from the mail provider.
type ThreadReader interface {
	GetThread(ctx context.Context, ownerID, threadID string) (*mail.Thread, error)
}

// Notifier dispatches an approval prompt on the external channel and
// returns the handle a later callback will reference. Unreachable
// recipients surface as a BLOCKED error.
type Notifier interface {
	Send(ctx context.Context, ownerID, content string, actions []models.ApprovalAction) (string, error)
}

// Dispatcher performs the downstream provider action after approval.
type Dispatcher interface {
	Send(ctx context.Context, item *models.ProcessingItem) error
	File(ctx context.Context, item *models.ProcessingItem) error
}

// GenerateRequest carries what the generator needs to draft a reply.
type GenerateRequest struct {
	Subject string
	Sender  string
	Context string
}

// Draft is the generator's proposal.
type Draft struct {
	Text     string
	Language string
	Tone     string
}

// Generator produces reply drafts. Implementations honour the context
// deadline; a timeout is treated as a transient node failure.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Draft, error)
}

// Metrics receives engine-level counters. All methods must be cheap.
type Metrics interface {
	NodeExecuted(node string)
	Suspended()
	Resumed(action models.ApprovalAction)
	DuplicateCallback()
	NotificationBlocked()
}

type nopMetrics struct{}

func (nopMetrics) NodeExecuted(string)           {}
func (nopMetrics) Suspended()                    {}
func (nopMetrics) Resumed(models.ApprovalAction) {}
func (nopMetrics) DuplicateCallback()            {}
func (nopMetrics) NotificationBlocked()          {}

// ResumeRequest is a callback delivered from the external channel.
type ResumeRequest struct {
	ExternalHandle string
	Action         models.ApprovalAction
	Actor          string
	EditedText     string
	NewTarget      string
}

// ResumeResult reports what a callback did. Applied is false when the
// callback was a duplicate and the engine treated it as a no-op.
type ResumeResult struct {
	Item    *models.ProcessingItem
	Applied bool
}

// Options wires an Engine.
type Options struct {
	Items       ItemReader
	Checkpoints CheckpointStore
	Mappings    MappingResolver
	Steps       StepCommitter
	Locker      lock.ItemLocker
	Notifier    Notifier
	Dispatcher  Dispatcher
	Mail        ThreadReader
	Generator   Generator
	Metrics     Metrics
	Logger      *zap.Logger

	NodeRetries       int
	GeneratorDeadline time.Duration
}

// Engine drives items through the triage node graph. It is stateless
// between calls: every invocation reconstructs position from the
// checkpoint, so suspension is returning, never a blocked goroutine.
type Engine struct {
	items       ItemReader
	checkpoints CheckpointStore
	mappings    MappingResolver
	steps       StepCommitter
	locker      lock.ItemLocker
	notifier    Notifier
	dispatcher  Dispatcher
	deps        NodeDeps
	metrics     Metrics
	logger      *zap.Logger
	nodeRetries int
}

// NewEngine constructs the engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	nodeRetries := opts.NodeRetries
	if nodeRetries < 0 {
		nodeRetries = 0
	}
	return &Engine{
		items:       opts.Items,
		checkpoints: opts.Checkpoints,
		mappings:    opts.Mappings,
		steps:       opts.Steps,
		locker:      opts.Locker,
		notifier:    opts.Notifier,
		dispatcher:  opts.Dispatcher,
		deps: NodeDeps{
			Mail:              opts.Mail,
			Generator:         opts.Generator,
			GeneratorDeadline: opts.GeneratorDeadline,
			Logger:            logger,
		},
		metrics:     metrics,
		logger:      logger,
		nodeRetries: nodeRetries,
	}
}

// Start creates the workflow instance for a freshly ingested item and
// returns its thread id. It does not run any node.
func (e *Engine) Start(ctx context.Context, item *models.ProcessingItem) (string, error) {
	threadID := uuid.NewString()
	record := &models.CheckpointRecord{
		ThreadID:    threadID,
		ItemID:      item.ID,
		Version:     1,
		CurrentNode: NodeDetectPriority,
	}
	if err := e.checkpoints.Create(ctx, record); err != nil {
		return "", fmt.Errorf("start workflow for %s: %w", item.ID, err)
	}
	return threadID, nil
}

// Advance runs nodes from the item's checkpoint up to the next
// suspension point or terminal state. Safe to call repeatedly and from
// multiple processes; the per-item lock and checkpoint version guard
// serialize overlapping attempts.
func (e *Engine) Advance(ctx context.Context, itemID string) error {
	release, err := e.locker.Acquire(ctx, itemID)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return appErrors.Clone(appErrors.ErrConflict, "item is being processed by another worker")
		}
		return err
	}
	defer func() {
		_ = release(ctx)
	}()

	item, err := e.items.GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "item not found")
		}
		return err
	}
	if item.Status.Terminal() {
		return nil
	}
	if item.Status == models.StatusAwaitingApproval {
		// Suspended and waiting for a callback; nothing to advance.
		return nil
	}

	cp, err := e.checkpoints.GetByItemID(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", itemID, err)
	}

	for {
		switch cp.CurrentNode {
		case NodeDone:
			return nil
		case NodeAwaitApproval:
			return e.suspend(ctx, item, cp)
		}

		fn, ok := nodeFunc(cp.CurrentNode)
		if !ok {
			return fmt.Errorf("unknown node %q in checkpoint %s", cp.CurrentNode, cp.ThreadID)
		}

		result, err := e.runNode(ctx, fn, item, cp)
		if err != nil {
			return e.haltProcessing(ctx, item, cp, err)
		}

		if err := e.commitNode(ctx, item, cp, result); err != nil {
			return err
		}
		e.metrics.NodeExecuted(cp.CurrentNode)
		cp.CurrentNode = result.Next
	}
}

// runNode executes one node with bounded retries. The checkpoint is
// untouched on failure so the item can be re-driven later.
func (e *Engine) runNode(ctx context.Context, fn NodeFunc, item *models.ProcessingItem, cp *models.CheckpointRecord) (NodeResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.nodeRetries; attempt++ {
		result, err := fn(ctx, e.deps, item, cp.Scratch)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.logger.Warn("workflow node failed",
			zap.String("item_id", item.ID),
			zap.String("node", cp.CurrentNode),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return NodeResult{}, lastErr
}

// haltProcessing marks the item processing_failed without moving the
// node pointer or scratch, preserving the pre-node checkpoint for
// re-drive.
func (e *Engine) haltProcessing(ctx context.Context, item *models.ProcessingItem, cp *models.CheckpointRecord, cause error) error {
	status := models.StatusProcessingFailed
	commit := repository.StepCommit{
		ItemID:          item.ID,
		Delta:           models.ItemDelta{Status: &status},
		ThreadID:        cp.ThreadID,
		ExpectedVersion: cp.Version,
		CurrentNode:     cp.CurrentNode,
		Scratch:         cp.Scratch,
		Transitions:     cp.Transitions,
	}
	if err := e.steps.CommitStep(ctx, commit); err != nil {
		return fmt.Errorf("halt item %s: %w", item.ID, err)
	}
	cp.Version++
	item.Status = status
	e.logger.Error("item halted after node retries",
		zap.String("item_id", item.ID),
		zap.String("node", cp.CurrentNode),
		zap.Error(cause))
	return appErrors.Wrap(cause, appErrors.ErrProcessingFailed.Code, appErrors.ErrProcessingFailed.Status, appErrors.ErrProcessingFailed.Message)
}

// commitNode persists one node's output as a single transactional step
// and folds it into the in-memory item and checkpoint.
func (e *Engine) commitNode(ctx context.Context, item *models.ProcessingItem, cp *models.CheckpointRecord, result NodeResult) error {
	scratch := mergeScratch(cp.Scratch, result.Scratch)
	transitions := append(cp.Transitions, models.NodeTransition{
		From:       cp.CurrentNode,
		To:         result.Next,
		OccurredAt: time.Now().UTC(),
	})

	commit := repository.StepCommit{
		ItemID:          item.ID,
		Delta:           result.Delta,
		ThreadID:        cp.ThreadID,
		ExpectedVersion: cp.Version,
		CurrentNode:     result.Next,
		Scratch:         scratch,
		Transitions:     transitions,
	}
	if err := e.steps.CommitStep(ctx, commit); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "checkpoint advanced concurrently")
		}
		return err
	}

	result.Delta.Apply(item)
	cp.Version++
	cp.Scratch = scratch
	cp.Transitions = transitions
	return nil
}

// suspend dispatches the approval prompt and durably records the
// mapping in the same step as the status change. A blocked recipient
// skips the suspension without failing the workflow.
func (e *Engine) suspend(ctx context.Context, item *models.ProcessingItem, cp *models.CheckpointRecord) error {
	handle, err := e.notifier.Send(ctx, item.OwnerID, approvalPrompt(item), []models.ApprovalAction{
		models.ActionApprove, models.ActionEdit, models.ActionReject, models.ActionReassign,
	})
	if err != nil {
		if appErrors.Is(err, appErrors.ErrBlocked) {
			e.logger.Warn("notification blocked, skipping approval",
				zap.String("item_id", item.ID),
				zap.String("owner_id", item.OwnerID))
			e.metrics.NotificationBlocked()
			status := models.StatusAwaitingApprovalSkipped
			return e.commitNode(ctx, item, cp, NodeResult{
				Delta: models.ItemDelta{Status: &status},
				Next:  NodeAwaitApproval,
			})
		}
		return fmt.Errorf("dispatch approval prompt for %s: %w", item.ID, err)
	}

	status := models.StatusAwaitingApproval
	scratch := mergeScratch(cp.Scratch, nil)
	transitions := append(cp.Transitions, models.NodeTransition{
		From:       cp.CurrentNode,
		To:         NodeAwaitApproval,
		OccurredAt: time.Now().UTC(),
	})
	commit := repository.StepCommit{
		ItemID:          item.ID,
		Delta:           models.ItemDelta{Status: &status},
		ThreadID:        cp.ThreadID,
		ExpectedVersion: cp.Version,
		CurrentNode:     NodeAwaitApproval,
		Scratch:         scratch,
		Transitions:     transitions,
		Mapping: &models.CallbackMapping{
			ItemID:         item.ID,
			OwnerID:        item.OwnerID,
			ThreadID:       cp.ThreadID,
			ExternalHandle: handle,
			CoarseState:    models.CoarseStateAwaitingApproval,
		},
	}
	if err := e.steps.CommitStep(ctx, commit); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "checkpoint advanced concurrently")
		}
		return err
	}
	item.Status = status
	cp.Version++
	cp.Transitions = transitions
	e.metrics.Suspended()
	e.logger.Info("workflow suspended",
		zap.String("item_id", item.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.String("external_handle", handle))
	return nil
}

// Resume applies a callback action to a suspended workflow. Duplicate
// deliveries are no-ops: once the item has left awaiting_approval the
// callback is acknowledged without re-applying the action.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	if !req.Action.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, fmt.Sprintf("unknown action %q", req.Action))
	}

	mapping, err := e.mappings.Resolve(ctx, req.ExternalHandle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "unknown callback handle")
		}
		return nil, err
	}
	if mapping.OwnerID != req.Actor {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "callback actor does not own this item")
	}

	release, err := e.locker.Acquire(ctx, mapping.ItemID)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "item is being processed by another worker")
		}
		return nil, err
	}
	defer func() {
		_ = release(ctx)
	}()

	item, err := e.items.GetByID(ctx, mapping.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.StatusAwaitingApproval {
		e.logger.Info("duplicate or late callback ignored",
			zap.String("item_id", item.ID),
			zap.String("external_handle", req.ExternalHandle),
			zap.String("status", string(item.Status)))
		e.metrics.DuplicateCallback()
		return &ResumeResult{Item: item, Applied: false}, nil
	}

	cp, err := e.checkpoints.GetByThreadID(ctx, mapping.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", mapping.ThreadID, err)
	}

	if err := e.applyAction(ctx, req, item, cp, mapping); err != nil {
		return nil, err
	}
	e.metrics.Resumed(req.Action)
	return &ResumeResult{Item: item, Applied: true}, nil
}

// applyAction executes the requested action. The switch is exhaustive
// over the ApprovalAction enum; Valid() has already filtered unknowns.
func (e *Engine) applyAction(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping) error {
	switch req.Action {
	case models.ActionApprove:
		return e.applyApprove(ctx, req, item, cp, mapping)
	case models.ActionEdit:
		return e.applyEdit(ctx, req, item, cp, mapping)
	case models.ActionReject:
		return e.applyReject(ctx, req, item, cp, mapping)
	case models.ActionReassign:
		return e.applyReassign(ctx, req, item, cp, mapping)
	default:
		return appErrors.Clone(appErrors.ErrInvalidArgument, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// applyApprove dispatches the draft (or files the message when there is
// none) and finalizes the item.
func (e *Engine) applyApprove(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping) error {
	status := models.StatusFiled
	if item.DraftText != nil && strings.TrimSpace(*item.DraftText) != "" {
		if err := e.dispatcher.Send(ctx, item); err != nil {
			return fmt.Errorf("dispatch reply for %s: %w", item.ID, err)
		}
		status = models.StatusSent
	} else {
		if err := e.dispatcher.File(ctx, item); err != nil {
			return fmt.Errorf("file message for %s: %w", item.ID, err)
		}
	}
	return e.finalize(ctx, req, item, cp, mapping, status)
}

// applyEdit replaces the draft with the user's text and re-suspends for
// another round of approval.
func (e *Engine) applyEdit(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping) error {
	text := strings.TrimSpace(req.EditedText)
	if text == "" {
		return appErrors.Clone(appErrors.ErrInvalidArgument, "edited text is required")
	}
	delta := models.ItemDelta{DraftText: &text}
	return e.resuspend(ctx, req, item, cp, mapping, delta, models.CoarseStateAwaitingApproval)
}

// applyReject finalizes the item as rejected; nothing is dispatched.
func (e *Engine) applyReject(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping) error {
	return e.finalize(ctx, req, item, cp, mapping, models.StatusRejected)
}

// applyReassign updates the proposed target and re-suspends; the
// follow-up approve on the new prompt confirms the reassignment.
func (e *Engine) applyReassign(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping) error {
	target := strings.TrimSpace(req.NewTarget)
	if target == "" {
		return appErrors.Clone(appErrors.ErrInvalidArgument, "new target is required")
	}
	delta := models.ItemDelta{ProposedTarget: &target}
	return e.resuspend(ctx, req, item, cp, mapping, delta, models.CoarseStateAwaitingConfirmation)
}

// finalize commits a terminal status together with the history entry
// and marks the mapping done. The mapping row is retained for audit.
func (e *Engine) finalize(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping, status models.ItemStatus) error {
	transitions := append(cp.Transitions, models.NodeTransition{
		From:       cp.CurrentNode,
		To:         NodeDone,
		OccurredAt: time.Now().UTC(),
	})
	updated := *mapping
	updated.CoarseState = models.CoarseStateDone
	commit := repository.StepCommit{
		ItemID:          item.ID,
		Delta:           models.ItemDelta{Status: &status},
		ThreadID:        cp.ThreadID,
		ExpectedVersion: cp.Version,
		CurrentNode:     NodeDone,
		Scratch:         cp.Scratch,
		Transitions:     transitions,
		Mapping:         &updated,
		History: &models.ApprovalHistoryEntry{
			ItemID:          item.ID,
			OwnerID:         item.OwnerID,
			Action:          req.Action,
			Actor:           req.Actor,
			ResultingStatus: status,
		},
	}
	if err := e.steps.CommitStep(ctx, commit); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "checkpoint advanced concurrently")
		}
		return err
	}
	item.Status = status
	cp.Version++
	cp.CurrentNode = NodeDone
	cp.Transitions = transitions
	return nil
}

// resuspend applies the delta, dispatches a fresh prompt and rebinds
// the mapping to the new handle. The item stays in awaiting_approval.
func (e *Engine) resuspend(ctx context.Context, req ResumeRequest, item *models.ProcessingItem, cp *models.CheckpointRecord, mapping *models.CallbackMapping, delta models.ItemDelta, coarseState string) error {
	preview := *item
	delta.Apply(&preview)
	handle, err := e.notifier.Send(ctx, item.OwnerID, approvalPrompt(&preview), []models.ApprovalAction{
		models.ActionApprove, models.ActionEdit, models.ActionReject, models.ActionReassign,
	})
	if err != nil {
		if appErrors.Is(err, appErrors.ErrBlocked) {
			e.logger.Warn("notification blocked on re-suspend",
				zap.String("item_id", item.ID))
			e.metrics.NotificationBlocked()
			status := models.StatusAwaitingApprovalSkipped
			delta.Status = &status
			handle = mapping.ExternalHandle
		} else {
			return fmt.Errorf("dispatch prompt for %s: %w", item.ID, err)
		}
	}

	transitions := append(cp.Transitions, models.NodeTransition{
		From:       cp.CurrentNode,
		To:         NodeAwaitApproval,
		OccurredAt: time.Now().UTC(),
	})
	updated := *mapping
	updated.ExternalHandle = handle
	updated.CoarseState = coarseState
	commit := repository.StepCommit{
		ItemID:          item.ID,
		Delta:           delta,
		ThreadID:        cp.ThreadID,
		ExpectedVersion: cp.Version,
		CurrentNode:     NodeAwaitApproval,
		Scratch:         cp.Scratch,
		Transitions:     transitions,
		Mapping:         &updated,
		History: &models.ApprovalHistoryEntry{
			ItemID:          item.ID,
			OwnerID:         item.OwnerID,
			Action:          req.Action,
			Actor:           req.Actor,
			ResultingStatus: models.StatusAwaitingApproval,
		},
	}
	if err := e.steps.CommitStep(ctx, commit); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "checkpoint advanced concurrently")
		}
		return err
	}
	delta.Apply(item)
	cp.Version++
	cp.Transitions = transitions
	e.metrics.Suspended()
	return nil
}

func approvalPrompt(item *models.ProcessingItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n", item.Sender, item.Subject)
	if item.Category != nil {
		fmt.Fprintf(&b, "Category: %s (priority %d)\n", *item.Category, item.PriorityScore)
	}
	if item.ProposedTarget != nil {
		fmt.Fprintf(&b, "Proposed target: %s\n", *item.ProposedTarget)
	}
	if item.DraftText != nil && *item.DraftText != "" {
		fmt.Fprintf(&b, "\nProposed reply:\n%s", *item.DraftText)
	} else {
		b.WriteString("\nNo reply proposed; approve to file the message.")
	}
	return b.String()
}

func mergeScratch(base, overlay models.Scratch) models.Scratch {
	merged := models.Scratch{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
