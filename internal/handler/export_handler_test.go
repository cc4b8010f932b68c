package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/triage-api/internal/dto"
	"github.com/inboxpilot/triage-api/internal/middleware"
	"github.com/inboxpilot/triage-api/internal/models"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

type fakeExportSrv struct {
	enqueueResp *dto.ExportJobResponse
	enqueueErr  error
	statusResp  *dto.ExportStatusResponse
	statusErr   error
	file        *os.File
	filename    string
	downloadErr error
}

func (f *fakeExportSrv) Enqueue(context.Context, string, dto.ExportRequest) (*dto.ExportJobResponse, error) {
	return f.enqueueResp, f.enqueueErr
}

func (f *fakeExportSrv) Status(context.Context, string, string) (*dto.ExportStatusResponse, error) {
	return f.statusResp, f.statusErr
}

func (f *fakeExportSrv) ResolveDownload(context.Context, string) (*os.File, string, error) {
	return f.file, f.filename, f.downloadErr
}

func TestExportHandlerEnqueue(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeExportSrv{enqueueResp: &dto.ExportJobResponse{ID: "job-1", Status: models.ExportStatusQueued}}
	handler := NewExportHandler(srv)

	body, _ := json.Marshal(dto.ExportRequest{Format: models.ExportFormatCSV})
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/exports", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, ownerClaims())

	handler.Enqueue(c)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "job-1", envelope.Data["id"])
}

func TestExportHandlerEnqueueRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewExportHandler(&fakeExportSrv{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/exports", bytes.NewReader([]byte(`{"format":"csv"}`)))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Enqueue(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExportHandlerStatusForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeExportSrv{statusErr: appErrors.Clone(appErrors.ErrForbidden, "export job belongs to another account")}
	handler := NewExportHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/exports/job-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}
	c.Set(middleware.ContextUserKey, ownerClaims())

	handler.Status(c)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExportHandlerDownloadInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeExportSrv{downloadErr: appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")}
	handler := NewExportHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/export/bad-token", nil)
	c.Params = gin.Params{{Key: "token", Value: "bad-token"}}

	handler.Download(c)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
