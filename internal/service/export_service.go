package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/dto"
	"github.com/inboxpilot/triage-api/internal/models"
	"github.com/inboxpilot/triage-api/internal/repository"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
	"github.com/inboxpilot/triage-api/pkg/export"
	"github.com/inboxpilot/triage-api/pkg/jobs"
)

// JobTypeExport renders one approval-history export on the background
// queue.
const JobTypeExport = "triage.export"

type exportJobRepository interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
}

type exportStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type exportSigner interface {
	Generate(jobID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error)
}

// ExportService runs asynchronous approval-history exports: enqueue,
// render on the worker queue, then serve results through signed URLs.
type ExportService struct {
	repo      exportJobRepository
	histories triageHistoryRepository
	storage   exportStorage
	signer    exportSigner
	queue     advanceEnqueuer
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
	logger    *zap.Logger
	enabled   bool
}

// ExportServiceOptions wires an ExportService.
type ExportServiceOptions struct {
	Repo      exportJobRepository
	Histories triageHistoryRepository
	Storage   exportStorage
	Signer    exportSigner
	Queue     advanceEnqueuer
	Logger    *zap.Logger
	Enabled   bool
}

// NewExportService constructs the service.
func NewExportService(opts ExportServiceOptions) *ExportService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		repo:      opts.Repo,
		histories: opts.Histories,
		storage:   opts.Storage,
		signer:    opts.Signer,
		queue:     opts.Queue,
		csv:       export.NewCSVExporter(),
		pdf:       export.NewPDFExporter(),
		logger:    logger,
		enabled:   opts.Enabled,
	}
}

// Enabled indicates whether the export feature is active.
func (s *ExportService) Enabled() bool {
	return s != nil && s.enabled
}

// Enqueue registers an export job and schedules it on the worker queue.
func (s *ExportService) Enqueue(ctx context.Context, ownerID string, req dto.ExportRequest) (*dto.ExportJobResponse, error) {
	if !s.Enabled() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "exports are disabled")
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "owner id is required")
	}
	switch req.Format {
	case models.ExportFormatCSV, models.ExportFormatPDF:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("unsupported export format %q", req.Format))
	}

	job := &models.ExportJob{
		Params: models.ExportJobParams{
			OwnerID: ownerID,
			ItemID:  req.ItemID,
			Format:  req.Format,
			Limit:   req.Limit,
		},
		Status:    models.ExportStatusQueued,
		CreatedBy: ownerID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}

	if err := s.queue.Enqueue(jobs.Job{
		ID:      "export-" + job.ID,
		Type:    JobTypeExport,
		Payload: job.ID,
	}); err != nil {
		s.logger.Error("failed to enqueue export job", zap.String("job_id", job.ID), zap.Error(err))
		s.markFailed(ctx, job.ID, "queue unavailable")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to schedule export")
	}

	return &dto.ExportJobResponse{ID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

// Status returns progress metadata for a job the requester owns.
func (s *ExportService) Status(ctx context.Context, jobID, requesterID string) (*dto.ExportStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	if requesterID != "" && job.CreatedBy != requesterID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export job belongs to another account")
	}
	return &dto.ExportStatusResponse{
		ID:        job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		ResultURL: job.ResultURL,
		Error:     job.ErrorMessage,
	}, nil
}

// ProcessExportJob is the queue handler rendering one export.
func (s *ExportService) ProcessExportJob(ctx context.Context, job jobs.Job) error {
	jobID, ok := job.Payload.(string)
	if !ok || jobID == "" {
		s.logger.Error("export job without id", zap.String("job_id", job.ID))
		return nil
	}
	return s.run(ctx, jobID)
}

// RecoverQueued re-schedules jobs left QUEUED by a previous process.
func (s *ExportService) RecoverQueued(ctx context.Context, limit int) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	queued, err := s.repo.ListQueued(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(jobs.Job{ID: "export-" + job.ID, Type: JobTypeExport, Payload: job.ID}); err != nil {
			s.logger.Error("failed to recover export job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return len(queued), nil
}

// ResolveDownload validates a signed token and opens the stored file.
// The returned filename is the client-facing attachment name.
func (s *ExportService) ResolveDownload(ctx context.Context, token string) (*os.File, string, error) {
	jobID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	if job.Status != models.ExportStatusFinished {
		return nil, "", appErrors.Clone(appErrors.ErrConflict, "export is not finished")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
	}
	parts := strings.Split(relPath, "/")
	return file, parts[len(parts)-1], nil
}

func (s *ExportService) run(ctx context.Context, jobID string) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		s.logger.Error("export job vanished", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	if job.Status == models.ExportStatusFinished {
		return nil
	}

	s.updateProgress(ctx, jobID, models.ExportStatusProcessing, 10)

	entries, err := s.loadEntries(ctx, job.Params)
	if err != nil {
		s.markFailed(ctx, jobID, "failed to load approval history")
		return err
	}
	s.updateProgress(ctx, jobID, models.ExportStatusProcessing, 50)

	data := historyDataset(entries)
	var rendered []byte
	switch job.Params.Format {
	case models.ExportFormatPDF:
		rendered, err = s.pdf.Render(data, "Approval History")
	default:
		rendered, err = s.csv.Render(data)
	}
	if err != nil {
		s.markFailed(ctx, jobID, "failed to render export")
		return err
	}
	s.updateProgress(ctx, jobID, models.ExportStatusProcessing, 80)

	filename := fmt.Sprintf("%s/approval-history-%s.%s", jobID, time.Now().UTC().Format("20060102-150405"), job.Params.Format)
	relPath, err := s.storage.Save(filename, rendered)
	if err != nil {
		s.markFailed(ctx, jobID, "failed to store export file")
		return err
	}

	token, _, err := s.signer.Generate(jobID, relPath)
	if err != nil {
		s.markFailed(ctx, jobID, "failed to sign download url")
		return err
	}
	resultURL := "/api/v1/export/" + token

	finished := models.ExportStatusFinished
	progress := 100
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, jobID, repository.UpdateExportJobParams{
		Status:     &finished,
		Progress:   &progress,
		ResultURL:  &resultURL,
		FinishedAt: &now,
	}); err != nil {
		s.logger.Error("failed to finalize export job", zap.String("job_id", jobID), zap.Error(err))
		return err
	}

	s.logger.Info("export finished",
		zap.String("job_id", jobID),
		zap.String("format", string(job.Params.Format)),
		zap.Int("rows", len(entries)))
	return nil
}

func (s *ExportService) loadEntries(ctx context.Context, params models.ExportJobParams) ([]models.ApprovalHistoryEntry, error) {
	if params.ItemID != nil && *params.ItemID != "" {
		return s.histories.ListByItem(ctx, *params.ItemID, params.Limit)
	}
	return s.histories.ListByOwner(ctx, params.OwnerID, params.Limit)
}

func (s *ExportService) updateProgress(ctx context.Context, jobID string, status models.ExportStatus, progress int) {
	if err := s.repo.Update(ctx, jobID, repository.UpdateExportJobParams{Status: &status, Progress: &progress}); err != nil {
		s.logger.Warn("failed to update export progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *ExportService) markFailed(ctx context.Context, jobID, message string) {
	failed := models.ExportStatusFailed
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, jobID, repository.UpdateExportJobParams{
		Status:       &failed,
		ErrorMessage: &message,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Error("failed to mark export failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

var historyExportHeaders = []string{"Item", "Action", "Actor", "Resulting Status", "Decided At"}

func historyDataset(entries []models.ApprovalHistoryEntry) export.Dataset {
	rows := make([]map[string]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, map[string]string{
			"Item":             entry.ItemID,
			"Action":           string(entry.Action),
			"Actor":            entry.Actor,
			"Resulting Status": string(entry.ResultingStatus),
			"Decided At":       entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return export.Dataset{Headers: historyExportHeaders, Rows: rows}
}
