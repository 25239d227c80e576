package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPConfig holds configuration for the HTTP runtime client.
type HTTPConfig struct {
	// BaseURL is the agent runtime API endpoint, e.g. "http://runtime:8090".
	BaseURL string
	// Token is the bearer token sent with every request. Optional.
	Token string
	// RequestTimeout bounds session open and close calls. Run calls use the
	// caller's context instead, since a run legitimately takes minutes.
	RequestTimeout time.Duration
	// Transport is the HTTP transport to use. Callers wanting traced
	// requests pass an instrumented round tripper.
	Transport http.RoundTripper
}

// HTTPRuntime talks to the agent runtime service over its REST API. One
// session maps to one runtime-side session resource; a run is synchronous
// and the response arrives only after the runtime has persisted the turn.
type HTTPRuntime struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPRuntime creates an HTTP runtime client.
func NewHTTPRuntime(cfg HTTPConfig, logger zerolog.Logger) *HTTPRuntime {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	// The client never sets Timeout: a client-level deadline would cut run
	// requests short regardless of the caller's context, and session calls
	// are already bounded per call.
	client := &http.Client{Transport: cfg.Transport}
	return &HTTPRuntime{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "agent-runtime").Logger(),
	}
}

type sessionRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	AgentID uuid.UUID `json:"agent_id"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// NewSession opens a runtime session for the given user and agent.
func (r *HTTPRuntime) NewSession(ctx context.Context, userID, agentID uuid.UUID) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	var resp sessionResponse
	if err := r.call(ctx, http.MethodPost, "/v1/sessions", sessionRequest{
		UserID:  userID,
		AgentID: agentID,
	}, &resp); err != nil {
		return nil, fmt.Errorf("failed to open runtime session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("runtime returned an empty session id")
	}

	return &httpSession{runtime: r, id: resp.SessionID}, nil
}

// call performs one JSON request/response exchange against the runtime.
func (r *HTTPRuntime) call(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("runtime returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// httpSession is one live runtime session.
type httpSession struct {
	runtime *HTTPRuntime
	id      string
}

type runRequestBody struct {
	UserID          uuid.UUID  `json:"user_id"`
	AgentID         uuid.UUID  `json:"agent_id"`
	Prompt          string     `json:"prompt"`
	ConversationID  *uuid.UUID `json:"conversation_id,omitempty"`
	ParentMessageID *uuid.UUID `json:"parent_message_id,omitempty"`
	SelectedTools   []string   `json:"selected_tools,omitempty"`
}

type runResponseBody struct {
	Status         string    `json:"status"` // completed, cancelled
	Text           string    `json:"text"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}

// Run executes the invocation synchronously. The request stays open until
// the runtime completes the turn, so the passed context is used directly.
func (s *httpSession) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	var resp runResponseBody
	err := s.runtime.call(ctx, http.MethodPost, "/v1/sessions/"+s.id+"/run", runRequestBody{
		UserID:          req.UserID,
		AgentID:         req.AgentID,
		Prompt:          req.Prompt,
		ConversationID:  req.ConversationID,
		ParentMessageID: req.ParentMessageID,
		SelectedTools:   req.SelectedTools,
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
		}
		return nil, err
	}

	switch resp.Status {
	case "cancelled":
		return nil, ErrRunCancelled
	case "completed":
		if resp.ConversationID == uuid.Nil || resp.MessageID == uuid.Nil {
			return nil, ErrNoCompletion
		}
		return &RunResult{
			Text:           resp.Text,
			ConversationID: resp.ConversationID,
			MessageID:      resp.MessageID,
		}, nil
	default:
		return nil, fmt.Errorf("runtime returned unexpected run status %q", resp.Status)
	}
}

// Close deletes the runtime-side session. Uses a fresh context so cleanup
// still happens when the run's context was cancelled.
func (s *httpSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.runtime.cfg.RequestTimeout)
	defer cancel()

	if err := s.runtime.call(ctx, http.MethodDelete, "/v1/sessions/"+s.id, nil, nil); err != nil {
		s.runtime.logger.Warn().Err(err).Str("session_id", s.id).Msg("failed to close runtime session")
		return err
	}
	return nil
}
