package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/dto"
	"github.com/inboxpilot/triage-api/internal/mail"
	"github.com/inboxpilot/triage-api/internal/models"
	"github.com/inboxpilot/triage-api/internal/workflow"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
	"github.com/inboxpilot/triage-api/pkg/jobs"
)

type mockItemRepo struct {
	items   map[string]*models.ProcessingItem
	created []*models.ProcessingItem
}

func (m *mockItemRepo) Create(ctx context.Context, item *models.ProcessingItem) error {
	if item.ID == "" {
		item.ID = "item-" + item.MessageID
	}
	if m.items == nil {
		m.items = map[string]*models.ProcessingItem{}
	}
	m.items[item.ID] = item
	m.created = append(m.created, item)
	return nil
}

func (m *mockItemRepo) GetByID(ctx context.Context, id string) (*models.ProcessingItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return item, nil
}

func (m *mockItemRepo) ListByStatus(ctx context.Context, statuses []models.ItemStatus, limit int) ([]models.ProcessingItem, error) {
	var out []models.ProcessingItem
	for _, item := range m.items {
		for _, status := range statuses {
			if item.Status == status {
				out = append(out, *item)
				break
			}
		}
	}
	return out, nil
}

type mockHistRepo struct {
	entries []models.ApprovalHistoryEntry
}

func (m *mockHistRepo) ListByItem(ctx context.Context, itemID string, limit int) ([]models.ApprovalHistoryEntry, error) {
	var out []models.ApprovalHistoryEntry
	for _, entry := range m.entries {
		if entry.ItemID == itemID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockHistRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.ApprovalHistoryEntry, error) {
	var out []models.ApprovalHistoryEntry
	for _, entry := range m.entries {
		if entry.OwnerID == ownerID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type mockMapRepo struct {
	byItem map[string]*models.CallbackMapping
}

func (m *mockMapRepo) GetByItemID(ctx context.Context, itemID string) (*models.CallbackMapping, error) {
	mapping, ok := m.byItem[itemID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return mapping, nil
}

type mockEngine struct {
	started      []string
	advanced     []string
	advanceErr   error
	resumeResult *workflow.ResumeResult
	resumeErr    error
	lastResume   workflow.ResumeRequest
}

func (m *mockEngine) Start(ctx context.Context, item *models.ProcessingItem) (string, error) {
	m.started = append(m.started, item.ID)
	return "thread-" + item.ID, nil
}

func (m *mockEngine) Advance(ctx context.Context, itemID string) error {
	m.advanced = append(m.advanced, itemID)
	return m.advanceErr
}

func (m *mockEngine) Resume(ctx context.Context, req workflow.ResumeRequest) (*workflow.ResumeResult, error) {
	m.lastResume = req
	if m.resumeErr != nil {
		return nil, m.resumeErr
	}
	return m.resumeResult, nil
}

type mockMailbox struct {
	message *mail.Message
	calls   int
}

func (m *mockMailbox) GetMessage(ctx context.Context, ownerID, messageID string) (*mail.Message, error) {
	m.calls++
	return m.message, nil
}

type mockQueue struct {
	jobs []jobs.Job
}

func (m *mockQueue) Enqueue(job jobs.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

func newTriageFixture() (*TriageService, *mockItemRepo, *mockEngine, *mockQueue) {
	items := &mockItemRepo{items: map[string]*models.ProcessingItem{}}
	engine := &mockEngine{}
	queue := &mockQueue{}
	svc := NewTriageService(TriageServiceOptions{
		Items:     items,
		Histories: &mockHistRepo{},
		Mappings:  &mockMapRepo{},
		Engine:    engine,
		Queue:     queue,
		Logger:    zap.NewNop(),
	})
	return svc, items, engine, queue
}

func TestTriageIngestStartsWorkflowAndQueuesAdvance(t *testing.T) {
	svc, items, engine, queue := newTriageFixture()

	resp, err := svc.Ingest(context.Background(), "owner-1", dto.IngestItemRequest{
		MessageID: "msg-1",
		ThreadID:  "th-1",
		Subject:   "Invoice overdue",
		Sender:    "billing@vendor.example",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, resp.Status)
	assert.Len(t, items.created, 1)
	assert.Equal(t, []string{resp.ID}, engine.started)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, JobTypeAdvance, queue.jobs[0].Type)
	assert.Equal(t, resp.ID, queue.jobs[0].Payload)
}

func TestTriageIngestHydratesEnvelope(t *testing.T) {
	svc, items, _, _ := newTriageFixture()
	mailbox := &mockMailbox{message: &mail.Message{
		ID:       "msg-2",
		ThreadID: "th-9",
		Subject:  "Quarterly check-in",
		From:     "pat@example.com",
		Snippet:  "Are you free next week?",
	}}
	svc.mailbox = mailbox

	resp, err := svc.Ingest(context.Background(), "owner-1", dto.IngestItemRequest{MessageID: "msg-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, mailbox.calls)
	assert.Equal(t, "Quarterly check-in", resp.Subject)
	assert.Equal(t, "pat@example.com", resp.Sender)
	assert.Equal(t, "th-9", items.created[0].ThreadID)
}

func TestTriageIngestRejectsMissingFields(t *testing.T) {
	svc, _, _, _ := newTriageFixture()

	_, err := svc.Ingest(context.Background(), "", dto.IngestItemRequest{MessageID: "msg-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidArgument.Code, appErrors.FromError(err).Code)

	_, err = svc.Ingest(context.Background(), "owner-1", dto.IngestItemRequest{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidArgument.Code, appErrors.FromError(err).Code)
}

func TestTriageHandleCallback(t *testing.T) {
	svc, _, engine, _ := newTriageFixture()
	engine.resumeResult = &workflow.ResumeResult{
		Item:    &models.ProcessingItem{ID: "item-1", Status: models.StatusSent},
		Applied: true,
	}

	resp, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{
		ExternalHandle: "tg-1",
		Action:         models.ActionApprove,
		Actor:          "owner-1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Resumed)
	assert.Equal(t, models.StatusSent, resp.Status)
	assert.Equal(t, models.CoarseStateDone, resp.CoarseState)
	assert.Equal(t, "tg-1", engine.lastResume.ExternalHandle)
}

func TestTriageHandleCallbackDuplicate(t *testing.T) {
	svc, _, engine, _ := newTriageFixture()
	engine.resumeResult = &workflow.ResumeResult{
		Item:    &models.ProcessingItem{ID: "item-1", Status: models.StatusRejected},
		Applied: false,
	}

	resp, err := svc.HandleCallback(context.Background(), dto.CallbackRequest{
		ExternalHandle: "tg-1",
		Action:         models.ActionReject,
	})
	require.NoError(t, err)
	assert.False(t, resp.Resumed)
}

func TestTriageGetItemNotFound(t *testing.T) {
	svc, _, _, _ := newTriageFixture()

	_, err := svc.GetItem(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestTriageRedrive(t *testing.T) {
	svc, items, _, queue := newTriageFixture()
	items.items["halted"] = &models.ProcessingItem{ID: "halted", Status: models.StatusProcessingFailed}
	items.items["busy"] = &models.ProcessingItem{ID: "busy", Status: models.StatusClassified}

	require.NoError(t, svc.RedriveItem(context.Background(), "halted"))
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "halted", queue.jobs[0].Payload)

	err := svc.RedriveItem(context.Background(), "busy")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestTriagePollOnceQueuesPendingItems(t *testing.T) {
	svc, items, _, queue := newTriageFixture()
	items.items["a"] = &models.ProcessingItem{ID: "a", Status: models.StatusNew}
	items.items["b"] = &models.ProcessingItem{ID: "b", Status: models.StatusDraftGenerated}
	items.items["c"] = &models.ProcessingItem{ID: "c", Status: models.StatusAwaitingApproval}
	items.items["d"] = &models.ProcessingItem{ID: "d", Status: models.StatusSent}

	queued, err := svc.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Len(t, queue.jobs, 2)
}

func TestTriageProcessAdvanceJob(t *testing.T) {
	svc, _, engine, _ := newTriageFixture()

	require.NoError(t, svc.ProcessAdvanceJob(context.Background(), jobs.Job{ID: "j1", Type: JobTypeAdvance, Payload: "item-1"}))
	assert.Equal(t, []string{"item-1"}, engine.advanced)

	// A halted item is already durable; the job must not retry.
	engine.advanceErr = appErrors.Clone(appErrors.ErrProcessingFailed, "generator exhausted retries")
	require.NoError(t, svc.ProcessAdvanceJob(context.Background(), jobs.Job{ID: "j2", Type: JobTypeAdvance, Payload: "item-1"}))

	// Lock contention surfaces so the queue retries later.
	engine.advanceErr = appErrors.Clone(appErrors.ErrConflict, "item is being processed by another worker")
	err := svc.ProcessAdvanceJob(context.Background(), jobs.Job{ID: "j3", Type: JobTypeAdvance, Payload: "item-1"})
	require.Error(t, err)
}

func TestTriageOwnerActivity(t *testing.T) {
	svc, _, _, _ := newTriageFixture()
	now := time.Now().UTC()
	svc.histories = &mockHistRepo{entries: []models.ApprovalHistoryEntry{
		{ID: "h1", ItemID: "item-1", OwnerID: "owner-1", Action: models.ActionApprove, Actor: "owner-1", ResultingStatus: models.StatusSent, CreatedAt: now},
		{ID: "h2", ItemID: "item-2", OwnerID: "owner-2", Action: models.ActionReject, Actor: "owner-2", ResultingStatus: models.StatusRejected, CreatedAt: now},
	}}

	entries, err := svc.GetOwnerActivity(context.Background(), "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "h1", entries[0].ID)
}
