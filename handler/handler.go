// Package handler exposes the chat API over API Gateway proxy events and over
// a chi router for local runs. Both adapters share the same route functions.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"career-mentor/internal/domain"
	"career-mentor/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10

	reasonInvalidBody   = "invalid_body"
	reasonRouteNotFound = "route_not_found"
)

// ChatUseCase is the orchestrator surface the handler drives.
type ChatUseCase interface {
	Start(ctx context.Context, profile domain.Profile) (usecase.Snapshot, error)
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	View(ctx context.Context, sessionID string) (usecase.Snapshot, error)
	Reset(ctx context.Context, sessionID string) error
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type sendRequest struct {
	Message string `json:"message"`
}

type snapshotResponse struct {
	SessionID     string           `json:"sessionId"`
	Transcript    []domain.Message `json:"transcript"`
	AwaitingReply bool             `json:"awaitingReply"`
}

type sendResponse struct {
	Reply     string `json:"reply"`
	Discarded bool   `json:"discarded,omitempty"`
	snapshotResponse
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	SessionID string `json:"sessionId,omitempty"`
}

// result is a transport-neutral response. A nil body is sent empty.
type result struct {
	status int
	body   any
}

// Handle serves an API Gateway REST proxy event.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFromHeaders(event.Headers)
	logger := h.logger.With("correlation_id", correlationID)

	var res result
	body, err := eventBody(event)
	if err != nil {
		logger.DebugContext(ctx, "failed to decode base64 body", "err", err)
		res = errorResult(usecase.ErrorInvalidInput, reasonInvalidBody, "")
	} else {
		res = h.dispatch(ctx, logger, event.HTTPMethod, event.Path, body)
	}

	headers := map[string]string{correlationHeader: correlationID}
	respBody := ""
	if res.body != nil {
		raw, err := json.Marshal(res.body)
		if err != nil {
			logger.ErrorContext(ctx, "failed to encode response", "err", err)
			res = errorResult(usecase.ErrorInternal, "encode_error", "")
			raw, _ = json.Marshal(res.body)
		}
		headers["Content-Type"] = "application/json"
		respBody = string(raw)
	}
	return events.APIGatewayProxyResponse{StatusCode: res.status, Headers: headers, Body: respBody}, nil
}

// eventBody returns the raw request body. API Gateway base64-encodes bodies
// of binary media types.
func eventBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if !event.IsBase64Encoded {
		return []byte(event.Body), nil
	}
	return base64.StdEncoding.DecodeString(event.Body)
}

// dispatch routes on method and path. Leading segments before "sessions",
// such as a stage or base path, are ignored.
func (h *Handler) dispatch(ctx context.Context, logger *slog.Logger, method, path string, body []byte) result {
	segments := pathSegments(path)
	for i, s := range segments {
		if s == "sessions" {
			segments = segments[i:]
			break
		}
	}

	switch {
	case len(segments) == 1 && segments[0] == "sessions" && method == http.MethodPost:
		return h.createSession(ctx, logger, body)
	case len(segments) == 2 && segments[0] == "sessions" && method == http.MethodGet:
		return h.getSession(ctx, logger, segments[1])
	case len(segments) == 2 && segments[0] == "sessions" && method == http.MethodDelete:
		return h.deleteSession(ctx, logger, segments[1])
	case len(segments) == 3 && segments[0] == "sessions" && segments[2] == "messages" && method == http.MethodPost:
		return h.sendMessage(ctx, logger, segments[1], body)
	}
	return errorResult(usecase.ErrorNotFound, reasonRouteNotFound, "")
}

func (h *Handler) createSession(ctx context.Context, logger *slog.Logger, body []byte) result {
	var profile domain.Profile
	if err := decodeBody(body, &profile); err != nil {
		logger.DebugContext(ctx, "rejected session body", "err", err)
		return errorResult(usecase.ErrorInvalidInput, reasonInvalidBody, "")
	}
	snap, err := h.uc.Start(ctx, profile)
	if err != nil {
		return h.fail(ctx, logger, err, snap.SessionID)
	}
	logger.InfoContext(ctx, "session started", "session_id", snap.SessionID)
	return result{status: http.StatusCreated, body: toSnapshotResponse(snap)}
}

func (h *Handler) getSession(ctx context.Context, logger *slog.Logger, sessionID string) result {
	snap, err := h.uc.View(ctx, sessionID)
	if err != nil {
		return h.fail(ctx, logger, err, sessionID)
	}
	return result{status: http.StatusOK, body: toSnapshotResponse(snap)}
}

func (h *Handler) sendMessage(ctx context.Context, logger *slog.Logger, sessionID string, body []byte) result {
	var req sendRequest
	if err := decodeBody(body, &req); err != nil {
		logger.DebugContext(ctx, "rejected message body", "err", err)
		return errorResult(usecase.ErrorInvalidInput, reasonInvalidBody, sessionID)
	}
	out, err := h.uc.Send(ctx, usecase.SendInput{SessionID: sessionID, Message: req.Message})
	if err != nil {
		return h.fail(ctx, logger, err, sessionID)
	}
	return result{status: http.StatusOK, body: sendResponse{
		Reply:            out.Reply,
		Discarded:        out.Discarded,
		snapshotResponse: toSnapshotResponse(out.Snapshot),
	}}
}

func (h *Handler) deleteSession(ctx context.Context, logger *slog.Logger, sessionID string) result {
	if err := h.uc.Reset(ctx, sessionID); err != nil {
		return h.fail(ctx, logger, err, sessionID)
	}
	logger.InfoContext(ctx, "session reset", "session_id", sessionID)
	return result{status: http.StatusNoContent}
}

// fail maps a use-case error to a response. The wrapped cause is logged,
// never returned.
func (h *Handler) fail(ctx context.Context, logger *slog.Logger, err error, sessionID string) result {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		logger.ErrorContext(ctx, "unexpected error", "session_id", sessionID, "err", err)
		return errorResult(usecase.ErrorInternal, "unexpected_error", sessionID)
	}

	attrs := []any{"session_id", sessionID, "code", ue.Code, "reason", ue.Reason, "err", ue.Err}
	switch {
	case usecase.IsRejection(err):
		logger.DebugContext(ctx, "request rejected", attrs...)
	case ue.Code == usecase.ErrorInternal:
		logger.ErrorContext(ctx, "request failed", attrs...)
	case ue.Code == usecase.ErrorUpstream || ue.Code == usecase.ErrorRateLimited:
		logger.WarnContext(ctx, "agent call failed", attrs...)
	default:
		logger.InfoContext(ctx, "request refused", attrs...)
	}
	return errorResult(ue.Code, ue.Reason, sessionID)
}

func errorResult(code usecase.ErrorCode, reason, sessionID string) result {
	return result{
		status: statusFor(code),
		body:   errorResponse{Error: string(code), Reason: reason, SessionID: sessionID},
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorSessionBusy:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toSnapshotResponse(s usecase.Snapshot) snapshotResponse {
	transcript := s.Transcript
	if transcript == nil {
		transcript = []domain.Message{}
	}
	return snapshotResponse{SessionID: s.SessionID, Transcript: transcript, AwaitingReply: s.AwaitingReply}
}

func decodeBody(body []byte, v any) error {
	if len(body) > maxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}

func pathSegments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func correlationIDFromHeaders(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newCorrelationID()
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
