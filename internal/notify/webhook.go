package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/models"
	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

// WebhookNotifier posts approval prompts to the chat-bot bridge and
// returns the message handle callbacks will reference. The bridge
// answers 403 when the recipient has blocked the bot; that surfaces as
// a BLOCKED error so the workflow can skip the suspension.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier constructs the notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type dispatchRequest struct {
	OwnerID string                  `json:"ownerId"`
	Content string                  `json:"content"`
	Actions []models.ApprovalAction `json:"actions"`
}

type dispatchResponse struct {
	Handle string `json:"handle"`
}

// Send dispatches one prompt and returns the external handle.
func (n *WebhookNotifier) Send(ctx context.Context, ownerID, content string, actions []models.ApprovalAction) (string, error) {
	if n.url == "" {
		return "", appErrors.Clone(appErrors.ErrBlocked, "notifier webhook not configured")
	}

	payload, err := json.Marshal(dispatchRequest{OwnerID: ownerID, Content: content, Actions: actions})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch notification: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return "", appErrors.Clone(appErrors.ErrBlocked, "recipient is unreachable")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("notifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed dispatchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode notifier response: %w", err)
	}
	if parsed.Handle == "" {
		return "", fmt.Errorf("notifier returned empty handle")
	}
	return parsed.Handle, nil
}
