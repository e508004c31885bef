package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"career-mentor/internal/domain"
)

const (
	defaultMaxMessageLen = 2000

	reasonIncompleteProfile = "incomplete_profile"
	reasonEmptyMessage      = "empty_message"
	reasonMessageTooLong    = "message_too_long"
	reasonMissingSessionID  = "missing_session_id"
	reasonReplyPending      = "reply_pending"
	reasonSessionNotFound   = "session_not_found"
	reasonSessionDiscarded  = "session_discarded"
	reasonAgentError        = "agent_error"
	reasonAgentRateLimited  = "agent_rate_limited"
)

// AgentClient relays one chat turn to whatever produces the assistant reply.
type AgentClient interface {
	Call(ctx context.Context, in domain.AgentRequest) (string, error)
}

// SessionStore holds session state between turns. Implementations return
// domain.ErrSessionNotFound for sessions that do not exist or were discarded.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	AppendMessages(ctx context.Context, id string, msgs ...domain.Message) error
	// AcquireTurn sets the busy flag and returns a token identifying this
	// turn. ok is false when another turn holds the flag.
	AcquireTurn(ctx context.Context, id string) (token string, ok bool, err error)
	// ReleaseTurn clears the flag only while token still holds it.
	ReleaseTurn(ctx context.Context, id, token string) error
	DeleteSession(ctx context.Context, id string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService orchestrates chat sessions: it opens them from a profile, relays
// user turns to the agent and keeps each transcript append-only with at most
// one outstanding agent call per session.
type ChatService struct {
	agent         AgentClient
	store         SessionStore
	maxMessageLen int
	logger        *slog.Logger
	now           func() time.Time
}

// Snapshot is what the display layer renders after every mutation.
type Snapshot struct {
	SessionID     string
	Transcript    []domain.Message
	AwaitingReply bool
}

type SendInput struct {
	SessionID string
	Message   string
}

// SendOutput carries the agent reply. Discarded is set when the session was
// reset while the reply was outstanding; the reply was then dropped.
type SendOutput struct {
	Reply     string
	Discarded bool
	Snapshot  Snapshot
}

// NewChatService validates its dependencies. A non-positive maxMessageLen
// selects the default limit and a nil logger selects slog.Default.
func NewChatService(agent AgentClient, store SessionStore, maxMessageLen int, logger *slog.Logger) (*ChatService, error) {
	if agent == nil {
		return nil, errors.New("usecase: agent client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		agent:         agent,
		store:         store,
		maxMessageLen: maxMessageLen,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Start opens a session for the profile and sends the opening turn with the
// formatted profile as context. When the agent call fails the empty session
// is kept and its ID is still returned alongside the error.
func (s *ChatService) Start(ctx context.Context, profile domain.Profile) (Snapshot, error) {
	if missing := profile.MissingFields(); len(missing) > 0 {
		return Snapshot{}, newError(ErrorInvalidInput, reasonIncompleteProfile, fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}

	id := newUUID()
	err := s.store.CreateSession(ctx, domain.Session{
		ID:        id,
		Profile:   profile,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return Snapshot{}, newError(ErrorInternal, "session_create_error", err)
	}

	transcript, err := s.openingExchange(ctx, id, profile)
	if err != nil {
		return Snapshot{SessionID: id, Transcript: []domain.Message{}}, err
	}
	return Snapshot{SessionID: id, Transcript: transcript}, nil
}

func (s *ChatService) openingExchange(ctx context.Context, id string, profile domain.Profile) ([]domain.Message, error) {
	token, acquired, err := s.store.AcquireTurn(ctx, id)
	if err != nil {
		return nil, storeError(err, "session_lock_error")
	}
	if !acquired {
		return nil, newError(ErrorInternal, "session_lock_error", errors.New("new session already busy"))
	}
	defer s.release(ctx, id, token)

	reply, err := s.agent.Call(ctx, domain.AgentRequest{
		Message: OpeningMessage,
		Context: profileContext(profile),
		Profile: profile,
	})
	if err != nil {
		return nil, agentError(err)
	}

	transcript := []domain.Message{domain.UserMessage(OpeningMessage), domain.AssistantMessage(reply)}
	if err := s.store.AppendMessages(ctx, id, transcript...); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			s.logger.InfoContext(ctx, "dropping opening reply for discarded session", "session_id", id)
			return nil, newError(ErrorNotFound, reasonSessionDiscarded, err)
		}
		return nil, newError(ErrorInternal, "session_write_error", err)
	}
	return transcript, nil
}

// Send appends the user message, relays it to the agent and appends the
// reply. Context is only sent while the session has no agent reply yet, which
// happens when the opening call failed. A failed agent call keeps the user
// message.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return SendOutput{}, newError(ErrorInvalidInput, reasonEmptyMessage, nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return SendOutput{}, newError(ErrorInvalidInput, reasonMessageTooLong, nil)
	}
	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		return SendOutput{}, newError(ErrorInvalidInput, reasonMissingSessionID, nil)
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return SendOutput{}, storeError(err, "session_read_error")
	}

	reply, err := s.exchange(ctx, sess, text)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Reason == reasonSessionDiscarded {
			return discarded(id), nil
		}
		return SendOutput{}, err
	}

	snap, err := s.View(ctx, id)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Code == ErrorNotFound {
			return discarded(id), nil
		}
		return SendOutput{}, err
	}
	return SendOutput{Reply: reply, Snapshot: snap}, nil
}

// discarded is the result of a turn whose session was reset while the reply
// was outstanding. The reply is dropped.
func discarded(id string) SendOutput {
	return SendOutput{Discarded: true, Snapshot: Snapshot{SessionID: id, Transcript: []domain.Message{}}}
}

// exchange runs one guarded turn. The busy flag is held from before the user
// message is appended until the reply is stored or the call has failed.
func (s *ChatService) exchange(ctx context.Context, sess domain.Session, text string) (string, error) {
	token, acquired, err := s.store.AcquireTurn(ctx, sess.ID)
	if err != nil {
		return "", storeError(err, "session_lock_error")
	}
	if !acquired {
		return "", newError(ErrorSessionBusy, reasonReplyPending, nil)
	}
	defer s.release(ctx, sess.ID, token)

	if err := s.store.AppendMessages(ctx, sess.ID, domain.UserMessage(text)); err != nil {
		return "", storeError(err, "session_write_error")
	}

	req := domain.AgentRequest{Message: text, Profile: sess.Profile}
	if !hasAgentReply(sess.Transcript) {
		req.Context = profileContext(sess.Profile)
	}
	reply, err := s.agent.Call(ctx, req)
	if err != nil {
		return "", agentError(err)
	}

	if err := s.store.AppendMessages(ctx, sess.ID, domain.AssistantMessage(reply)); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			s.logger.InfoContext(ctx, "dropping reply for discarded session", "session_id", sess.ID)
			return "", newError(ErrorNotFound, reasonSessionDiscarded, err)
		}
		return "", newError(ErrorInternal, "session_write_error", err)
	}
	return reply, nil
}

func profileContext(p domain.Profile) *string {
	c := FormatContext(p)
	return &c
}

func hasAgentReply(transcript []domain.Message) bool {
	for _, m := range transcript {
		if m.Role == domain.RoleAssistant {
			return true
		}
	}
	return false
}

// View returns the current transcript and whether a reply is pending.
func (s *ChatService) View(ctx context.Context, sessionID string) (Snapshot, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return Snapshot{}, newError(ErrorInvalidInput, reasonMissingSessionID, nil)
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, storeError(err, "session_read_error")
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []domain.Message{}
	}
	return Snapshot{SessionID: sess.ID, Transcript: transcript, AwaitingReply: sess.Busy}, nil
}

// Reset discards the session. Unknown sessions are ignored.
func (s *ChatService) Reset(ctx context.Context, sessionID string) error {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return newError(ErrorInvalidInput, reasonMissingSessionID, nil)
	}
	if err := s.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return newError(ErrorInternal, "session_delete_error", err)
	}
	return nil
}

// release clears the busy flag even when the request context is already
// cancelled, so a dropped client cannot leave the session locked.
func (s *ChatService) release(ctx context.Context, id, token string) {
	err := s.store.ReleaseTurn(context.WithoutCancel(ctx), id, token)
	switch {
	case err == nil, errors.Is(err, domain.ErrSessionNotFound):
	case errors.Is(err, domain.ErrTurnNotHeld):
		s.logger.WarnContext(ctx, "turn outlived its busy lease", "session_id", id)
	default:
		s.logger.WarnContext(ctx, "failed to release session turn", "session_id", id, "err", err)
	}
}

func storeError(err error, reason string) *Error {
	if errors.Is(err, domain.ErrSessionNotFound) {
		return newError(ErrorNotFound, reasonSessionNotFound, err)
	}
	return newError(ErrorInternal, reason, err)
}

func agentError(err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reasonAgentRateLimited, err)
	}
	return newError(ErrorUpstream, reasonAgentError, err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
