package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

// TokenSource supplies provider access tokens. Refresh is invoked at most
// once per call when the provider rejects the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// MessageMeta is the envelope returned by message listings.
type MessageMeta struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// BodyPayload carries base64url-encoded part content.
type BodyPayload struct {
	Data string `json:"data"`
	Size int    `json:"size"`
}

// MessagePart is one node of the provider's MIME tree.
type MessagePart struct {
	MimeType string         `json:"mimeType"`
	Filename string         `json:"filename"`
	Body     BodyPayload    `json:"body"`
	Parts    []*MessagePart `json:"parts"`
}

// Message is a fully hydrated provider message.
type Message struct {
	ID       string       `json:"id"`
	ThreadID string       `json:"threadId"`
	Subject  string       `json:"subject"`
	From     string       `json:"from"`
	Snippet  string       `json:"snippet"`
	Payload  *MessagePart `json:"payload"`
}

// Thread groups the messages of a single conversation.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

type listResponse struct {
	Messages      []MessageMeta `json:"messages"`
	NextPageToken string        `json:"nextPageToken"`
}

// SendRequest is an outbound reply within an existing thread.
type SendRequest struct {
	ThreadID string `json:"threadId"`
	To       string `json:"to"`
	Body     string `json:"body"`
}

// Client talks to the mail provider REST API.
type Client interface {
	ListMessages(ctx context.Context, query string, pageSize int) ([]MessageMeta, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	SendReply(ctx context.Context, req SendRequest) error
	FileMessage(ctx context.Context, messageID string) error
}

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxPageSize int
	Logger      *zap.Logger
}

type httpClient struct {
	baseURL     string
	tokenSource TokenSource
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxPageSize int
	logger      *zap.Logger
}

// NewClient constructs a provider client with bounded retries.
func NewClient(opts ClientOptions) Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpClient{
		baseURL:     baseURL,
		tokenSource: opts.TokenSource,
		httpClient:  hc,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxPageSize: maxPageSize,
		logger:      logger,
	}
}

func (c *httpClient) ListMessages(ctx context.Context, query string, pageSize int) ([]MessageMeta, error) {
	if pageSize <= 0 || pageSize > c.maxPageSize {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument,
			fmt.Sprintf("page size must be between 1 and %d", c.maxPageSize))
	}

	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(pageSize))
	if q := strings.TrimSpace(query); q != "" {
		params.Set("q", q)
	}

	var out listResponse
	if err := c.doGet(ctx, "/v1/messages?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *httpClient) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "message id is required")
	}

	var out Message
	if err := c.doGet(ctx, "/v1/messages/"+url.PathEscape(messageID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "thread id is required")
	}

	var out Thread
	if err := c.doGet(ctx, "/v1/threads/"+url.PathEscape(threadID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) SendReply(ctx context.Context, req SendRequest) error {
	if strings.TrimSpace(req.To) == "" {
		return appErrors.Clone(appErrors.ErrInvalidArgument, "recipient is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return appErrors.Clone(appErrors.ErrInvalidArgument, "body is required")
	}
	return c.do(ctx, http.MethodPost, "/v1/messages/send", req, nil)
}

func (c *httpClient) FileMessage(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return appErrors.Clone(appErrors.ErrInvalidArgument, "message id is required")
	}
	payload := map[string][]string{"removeLabels": {"INBOX"}, "addLabels": {"FILED"}}
	return c.do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(messageID)+"/modify", payload, nil)
}

func (c *httpClient) doGet(ctx context.Context, path string, dest interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, dest)
}

func (c *httpClient) do(ctx context.Context, method, path string, payload, dest interface{}) error {
	if c.tokenSource == nil {
		return appErrors.Clone(appErrors.ErrInternal, "mail token source is required")
	}
	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "obtain provider token")
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	target := c.baseURL + path
	refreshed := false

	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "mail provider unreachable")
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if dest == nil {
				return nil
			}
			return json.Unmarshal(body, dest)

		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return appErrors.Clone(appErrors.ErrUnauthorized, "provider rejected refreshed token")
			}
			refreshed = true
			token, err = c.tokenSource.Refresh(ctx)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "refresh provider token")
			}
			// The refreshed attempt does not consume a retry slot.
			attempt--
			continue

		case resp.StatusCode == http.StatusNotFound:
			return appErrors.Clone(appErrors.ErrNotFound, "mail resource not found")

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt < c.maxRetries {
				delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
				c.logger.Warn("mail provider retry",
					zap.Int("status", resp.StatusCode),
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay))
				if waitErr := sleepContext(ctx, delay); waitErr != nil {
					return waitErr
				}
				continue
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				return appErrors.Clone(appErrors.ErrRateLimited, "")
			}
			return appErrors.Clone(appErrors.ErrTransient, fmt.Sprintf("provider returned %d after %d retries", resp.StatusCode, c.maxRetries))

		default:
			msg := strings.TrimSpace(string(body))
			var parsed struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
				msg = parsed.Error.Message
			}
			return appErrors.New(appErrors.ErrInvalidArgument.Code, resp.StatusCode,
				fmt.Sprintf("mail call failed: status=%d message=%s", resp.StatusCode, msg))
		}
	}
}

func (c *httpClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
