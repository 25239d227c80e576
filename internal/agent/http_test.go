package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azevedojoel/relay/pkg/log"
)

func newTestRuntime(t *testing.T, handler http.HandlerFunc) *HTTPRuntime {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPRuntime(HTTPConfig{
		BaseURL:        srv.URL,
		Token:          "test-token",
		RequestTimeout: 5 * time.Second,
	}, log.NewNop())
}

func TestHTTPRuntime_RunCompleted(t *testing.T) {
	convID, msgID := uuid.New(), uuid.New()

	rt := newTestRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			json.NewEncoder(w).Encode(sessionResponse{SessionID: "s-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/s-1/run":
			var req runRequestBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Summarize my inbox", req.Prompt)
			json.NewEncoder(w).Encode(runResponseBody{
				Status:         "completed",
				Text:           "done",
				ConversationID: convID,
				MessageID:      msgID,
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sessions/s-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	session, err := rt.NewSession(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	defer session.Close()

	result, err := session.Run(context.Background(), RunRequest{Prompt: "Summarize my inbox"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, convID, result.ConversationID)
	assert.Equal(t, msgID, result.MessageID)
}

func TestHTTPRuntime_RunOutlivesRequestTimeout(t *testing.T) {
	convID, msgID := uuid.New(), uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			json.NewEncoder(w).Encode(sessionResponse{SessionID: "s-1"})
			return
		}
		// A run routinely takes far longer than session calls do.
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(runResponseBody{
			Status:         "completed",
			Text:           "done",
			ConversationID: convID,
			MessageID:      msgID,
		})
	}))
	t.Cleanup(srv.Close)

	rt := NewHTTPRuntime(HTTPConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 50 * time.Millisecond,
		Transport:      http.DefaultTransport,
	}, log.NewNop())

	session, err := rt.NewSession(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	result, err := session.Run(context.Background(), RunRequest{Prompt: "p"})
	require.NoError(t, err, "run requests are bounded by the caller's context, not RequestTimeout")
	assert.Equal(t, convID, result.ConversationID)
}

func TestHTTPRuntime_RunCancelledStatus(t *testing.T) {
	rt := newTestRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			json.NewEncoder(w).Encode(sessionResponse{SessionID: "s-1"})
			return
		}
		json.NewEncoder(w).Encode(runResponseBody{Status: "cancelled"})
	})

	session, err := rt.NewSession(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = session.Run(context.Background(), RunRequest{Prompt: "p"})
	assert.True(t, IsCancelled(err))
}

func TestHTTPRuntime_RunContextCancelled(t *testing.T) {
	started := make(chan struct{})

	rt := newTestRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			json.NewEncoder(w).Encode(sessionResponse{SessionID: "s-1"})
			return
		}
		// The server only watches for client disconnect once the request
		// body has been drained, so read it before blocking on the context.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	})

	session, err := rt.NewSession(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err = session.Run(ctx, RunRequest{Prompt: "p"})
	assert.True(t, IsCancelled(err))
}

func TestHTTPRuntime_MissingCompletion(t *testing.T) {
	rt := newTestRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			json.NewEncoder(w).Encode(sessionResponse{SessionID: "s-1"})
			return
		}
		// Completed but without persisted conversation identifiers.
		json.NewEncoder(w).Encode(runResponseBody{Status: "completed", Text: "done"})
	})

	session, err := rt.NewSession(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = session.Run(context.Background(), RunRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoCompletion)
}

func TestHTTPRuntime_SessionOpenError(t *testing.T) {
	rt := newTestRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent not found", http.StatusNotFound)
	})

	_, err := rt.NewSession(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
