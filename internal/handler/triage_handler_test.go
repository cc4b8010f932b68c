package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/triage-api/internal/dto"
	"github.com/inboxpilot/triage-api/internal/middleware"
	"github.com/inboxpilot/triage-api/internal/models"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

type responseEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error map[string]interface{} `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

type fakeTriageSrv struct {
	ingestResp   *dto.ItemResponse
	ingestErr    error
	lastOwner    string
	callbackResp *dto.CallbackResponse
	callbackErr  error
	itemResp     *dto.ItemResponse
	itemErr      error
	history      []dto.HistoryEntryResponse
	redriveErr   error
	redriven     []string
}

func (f *fakeTriageSrv) Ingest(_ context.Context, ownerID string, req dto.IngestItemRequest) (*dto.ItemResponse, error) {
	f.lastOwner = ownerID
	return f.ingestResp, f.ingestErr
}

func (f *fakeTriageSrv) HandleCallback(context.Context, dto.CallbackRequest) (*dto.CallbackResponse, error) {
	return f.callbackResp, f.callbackErr
}

func (f *fakeTriageSrv) GetItem(context.Context, string) (*dto.ItemResponse, error) {
	return f.itemResp, f.itemErr
}

func (f *fakeTriageSrv) GetItemHistory(context.Context, string, int) ([]dto.HistoryEntryResponse, error) {
	return f.history, nil
}

func (f *fakeTriageSrv) GetOwnerActivity(context.Context, string, int) ([]dto.HistoryEntryResponse, error) {
	return f.history, nil
}

func (f *fakeTriageSrv) RedriveItem(_ context.Context, itemID string) error {
	f.redriven = append(f.redriven, itemID)
	return f.redriveErr
}

func ownerClaims() *models.JWTClaims {
	return &models.JWTClaims{AccountID: "owner-1", Role: models.RoleOwner, Email: "owner@example.com"}
}

func TestTriageHandlerIngest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeTriageSrv{ingestResp: &dto.ItemResponse{ID: "item-1", Status: models.StatusNew}}
	handler := NewTriageHandler(srv)

	body, _ := json.Marshal(dto.IngestItemRequest{MessageID: "msg-1"})
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, ownerClaims())

	handler.Ingest(c)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "owner-1", srv.lastOwner)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "item-1", envelope.Data["id"])
}

func TestTriageHandlerIngestRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewTriageHandler(&fakeTriageSrv{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader([]byte(`{"messageId":"msg-1"}`)))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Ingest(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriageHandlerIngestRejectsEmptyBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewTriageHandler(&fakeTriageSrv{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader([]byte(`{}`)))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, ownerClaims())

	handler.Ingest(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriageHandlerCallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeTriageSrv{callbackResp: &dto.CallbackResponse{
		ItemID:      "item-1",
		Status:      models.StatusSent,
		CoarseState: models.CoarseStateDone,
		Resumed:     true,
	}}
	handler := NewTriageHandler(srv)

	body, _ := json.Marshal(dto.CallbackRequest{ExternalHandle: "tg-1", Action: models.ActionApprove})
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/callbacks", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Callback(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, true, envelope.Data["resumed"])
	assert.Equal(t, "sent", envelope.Data["status"])
}

func TestTriageHandlerCallbackUnknownHandle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeTriageSrv{callbackErr: appErrors.Clone(appErrors.ErrNotFound, "unknown approval handle")}
	handler := NewTriageHandler(srv)

	body, _ := json.Marshal(dto.CallbackRequest{ExternalHandle: "ghost", Action: models.ActionApprove})
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/callbacks", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Callback(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriageHandlerGetItemNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeTriageSrv{itemErr: appErrors.Clone(appErrors.ErrNotFound, "item not found")}
	handler := NewTriageHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/items/ghost", nil)
	c.Params = gin.Params{{Key: "id", Value: "ghost"}}

	handler.GetItem(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriageHandlerRedrive(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeTriageSrv{}
	handler := NewTriageHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/items/item-1/redrive", nil)
	c.Params = gin.Params{{Key: "id", Value: "item-1"}}

	handler.Redrive(c)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"item-1"}, srv.redriven)
}

func TestTriageHandlerActivityRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewTriageHandler(&fakeTriageSrv{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/history", nil)

	handler.GetActivity(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
