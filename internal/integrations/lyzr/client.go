package lyzr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"career-mentor/internal/domain"
)

// DefaultURL is the Lyzr agent inference chat endpoint.
const DefaultURL = "https://agent-prod.studio.lyzr.ai/v3/inference/chat/"

// chatRequest is the request shape of the inference chat endpoint.
type chatRequest struct {
	UserID    string  `json:"user_id"`
	AgentID   string  `json:"agent_id"`
	SessionID string  `json:"session_id"`
	Message   string  `json:"message"`
	Context   *string `json:"context,omitempty"`
}

// chatResponse is the response shape of the inference chat endpoint.
// Response is a pointer so a missing field can be told apart from an empty reply.
type chatResponse struct {
	Response       *string `json:"response"`
	ConversationID string  `json:"conversation_id,omitempty"`
}

// Config carries the deployment-wide identifiers and credential for the agent.
type Config struct {
	URL       string
	APIKey    string
	AgentID   string
	SessionID string
	UserID    string
}

func (c Config) Validate() error {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"url", c.URL},
		{"api key", c.APIKey},
		{"agent id", c.AgentID},
		{"session id", c.SessionID},
		{"user id", c.UserID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("lyzr: %s must not be empty", f.name)
		}
	}
	return nil
}

// Client relays one chat turn to a hosted Lyzr agent.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient validates cfg and returns a Client. The default HTTP client sets
// no timeout of its own; callers bound a turn through the request context.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// Call issues a single POST for the turn and returns the agent's reply verbatim.
// Every failure is reported as a *TransportError.
func (c *Client) Call(ctx context.Context, in domain.AgentRequest) (string, error) {
	body, err := json.Marshal(chatRequest{
		UserID:    c.cfg.UserID,
		AgentID:   c.cfg.AgentID,
		SessionID: c.cfg.SessionID,
		Message:   in.Message,
		Context:   in.Context,
	})
	if err != nil {
		return "", &TransportError{Reason: ReasonBuildRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Reason: ReasonBuildRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return "", &TransportError{Reason: ReasonNetwork, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &TransportError{
			Reason:     ReasonHTTPStatus,
			StatusCode: res.StatusCode,
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &TransportError{Reason: ReasonReadBody, StatusCode: res.StatusCode, Err: err}
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", &TransportError{Reason: ReasonMalformedBody, StatusCode: res.StatusCode, Err: err}
	}
	if payload.Response == nil {
		return "", &TransportError{
			Reason:     ReasonMissingResponse,
			StatusCode: res.StatusCode,
			Err:        errors.New(`no "response" field in body`),
		}
	}
	return *payload.Response, nil
}
