package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/inboxpilot/triage-api/pkg/errors"
)

type stubTokenSource struct {
	token     string
	refreshed string
	refreshes int32
}

func (s *stubTokenSource) Token(ctx context.Context) (string, error) { return s.token, nil }

func (s *stubTokenSource) Refresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.refreshes, 1)
	return s.refreshed, nil
}

func newTestClient(t *testing.T, serverURL string, source TokenSource) Client {
	t.Helper()
	return NewClient(ClientOptions{
		BaseURL:     serverURL,
		TokenSource: source,
		MaxRetries:  3,
		BaseDelay:   5 * time.Millisecond,
		MaxPageSize: 100,
	})
}

func TestGetMessageRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "msg-1", ThreadID: "thr-1", Subject: "hello"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubTokenSource{token: "tok"})
	msg, err := client.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Equal(t, "thr-1", msg.ThreadID)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGetMessageRefreshesTokenOnce(t *testing.T) {
	source := &stubTokenSource{token: "stale", refreshed: "fresh"}
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "msg-1"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, source)
	msg, err := client.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Equal(t, "msg-1", msg.ID)
	require.EqualValues(t, 1, atomic.LoadInt32(&source.refreshes))
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetMessageUnauthorizedAfterRefresh(t *testing.T) {
	source := &stubTokenSource{token: "stale", refreshed: "still-stale"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, source)
	_, err := client.GetMessage(context.Background(), "msg-1")
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
	require.EqualValues(t, 1, atomic.LoadInt32(&source.refreshes))
}

func TestGetMessageRateLimitExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubTokenSource{token: "tok"})
	_, err := client.GetMessage(context.Background(), "msg-1")
	require.True(t, appErrors.Is(err, appErrors.ErrRateLimited))
	require.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestGetMessageNotFoundDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubTokenSource{token: "tok"})
	_, err := client.GetMessage(context.Background(), "missing")
	require.True(t, appErrors.Is(err, appErrors.ErrNotFound))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetMessageRejectsEmptyID(t *testing.T) {
	client := newTestClient(t, "http://unused", &stubTokenSource{token: "tok"})
	_, err := client.GetMessage(context.Background(), "  ")
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidArgument))
}

func TestListMessagesValidatesPageSize(t *testing.T) {
	client := newTestClient(t, "http://unused", &stubTokenSource{token: "tok"})

	_, err := client.ListMessages(context.Background(), "is:unread", 0)
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidArgument))

	_, err = client.ListMessages(context.Background(), "is:unread", 101)
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidArgument))
}

func TestListMessagesPassesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "is:unread", r.URL.Query().Get("q"))
		require.Equal(t, "25", r.URL.Query().Get("maxResults"))
		_ = json.NewEncoder(w).Encode(listResponse{Messages: []MessageMeta{{ID: "m1", ThreadID: "t1"}}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &stubTokenSource{token: "tok"})
	metas, err := client.ListMessages(context.Background(), "is:unread", 25)
	require.NoError(t, err)
	require.Len(t, metas, 1)
}

func TestRetryDelayDoublesAndHonoursRetryAfter(t *testing.T) {
	c := &httpClient{baseDelay: 2 * time.Second, maxDelay: 30 * time.Second}
	require.Equal(t, 2*time.Second, c.retryDelay(1, ""))
	require.Equal(t, 4*time.Second, c.retryDelay(2, ""))
	require.Equal(t, 8*time.Second, c.retryDelay(3, ""))
	require.Equal(t, 7*time.Second, c.retryDelay(1, "7"))
	require.Equal(t, 30*time.Second, c.retryDelay(1, "120"))
}
