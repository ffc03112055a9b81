// Package chat implements assistant chat sessions with a bounded context
// window and in-transcript error reporting.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dayboard/internal/action"
	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/metrics"
)

const (
	// DefaultHistoryWindow is how many prior messages accompany a question.
	DefaultHistoryWindow = 10

	welcomeText = "👋 Hi! I'm **Antigravity**, your AI personal assistant.\n\n" +
		"I can help with your **calendar**, **tasks**, **emails**, **maps**, and more. What would you like to know?"
	emptyReplyText      = "I'm sorry, I couldn't generate a response."
	connectionErrorText = "Connection error. Check that the backend is running and reachable."
	errorPrefix         = "⚠️ **Error:** "
)

var (
	// ErrBlankMessage is returned when the text to send is empty after
	// trimming.
	ErrBlankMessage = errors.New("message is blank")
	// ErrDiscarded is returned when the transcript was cleared while the
	// reply was outstanding. The reply is dropped.
	ErrDiscarded = errors.New("reply discarded, transcript was cleared")
)

// Asker answers chat questions.
type Asker interface {
	Ask(ctx context.Context, req backend.AskRequest) (backend.AskResponse, error)
}

// Config wires a Session.
type Config struct {
	Kind          domain.SessionKind
	UserID        string
	Asker         Asker
	Timeout       time.Duration
	HistoryWindow int
	Recorder      metrics.Recorder
	Observer      func(action.Transition)
	// OnChange receives a snapshot after every transcript mutation.
	OnChange func(domain.ChatSnapshot)
	Log      ConversationLogger
	Logger   *slog.Logger
	// Restore seeds the transcript from a saved record.
	Restore *domain.TranscriptRecord
	Now     func() time.Time
}

// turn carries a question together with the transcript generation it was
// asked in.
type turn struct {
	gen uint64
	req backend.AskRequest
}

type reply struct {
	msg domain.ChatMessage
	err error
}

// Session is one chat transcript with its own single-flight controller.
type Session struct {
	kind     domain.SessionKind
	userID   string
	window   int
	recorder metrics.Recorder
	onChange func(domain.ChatSnapshot)
	log      ConversationLogger
	logger   *slog.Logger
	now      func() time.Time

	ctl *action.Controller[turn, backend.AskResponse]

	mu         sync.Mutex
	transcript []domain.ChatMessage
	pending    string
	label      string
	gen        uint64
	rev        uint64
	busy       bool
	last       reply
}

// NewSession creates a session showing only the welcome message, unless cfg
// restores a saved transcript.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Nop{}
	}
	if cfg.Log == nil {
		cfg.Log = noopConversationLogger{}
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Kind == "" {
		cfg.Kind = domain.SessionPage
	}

	s := &Session{
		kind:     cfg.Kind,
		userID:   cfg.UserID,
		window:   cfg.HistoryWindow,
		recorder: cfg.Recorder,
		onChange: cfg.OnChange,
		log:      cfg.Log,
		logger:   cfg.Logger.With("session", string(cfg.Kind)),
		now:      cfg.Now,
		label:    DefaultModelLabel,
	}
	s.transcript = []domain.ChatMessage{s.welcome()}
	if r := cfg.Restore; r != nil && len(r.Messages) > 0 {
		s.transcript = append([]domain.ChatMessage(nil), r.Messages...)
		if r.ModelLabel != "" {
			s.label = r.ModelLabel
		}
	}

	asker := cfg.Asker
	s.ctl = action.New(func(ctx context.Context, t turn) (backend.AskResponse, error) {
		return asker.Ask(ctx, t.req)
	}, action.Hooks[turn, backend.AskResponse]{
		OnSuccess: s.onReply,
		OnFailure: s.onFailure,
	}, action.Options{
		Name:     "chat_" + string(cfg.Kind),
		Timeout:  cfg.Timeout,
		Recorder: cfg.Recorder,
		Observer: cfg.Observer,
		Logger:   cfg.Logger,
	})
	return s
}

// Kind returns which session this is.
func (s *Session) Kind() domain.SessionKind {
	return s.kind
}

// SetInput stores the unsent input text.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	s.pending = text
	s.mu.Unlock()
	s.changed()
}

// Send appends text as a user message and asks the backend, blocking until
// the reply or failure has been appended. An empty text sends the pending
// input instead. Blank input and a send while another is outstanding are
// rejected without touching the transcript.
//
// A backend failure is narrated in the transcript; the returned message is
// the appended assistant entry and err carries the underlying failure.
func (s *Session) Send(ctx context.Context, text string) (domain.ChatMessage, error) {
	s.mu.Lock()
	if text == "" {
		text = s.pending
	}
	msg := strings.TrimSpace(text)
	if msg == "" {
		s.mu.Unlock()
		return domain.ChatMessage{}, ErrBlankMessage
	}
	if s.busy {
		s.mu.Unlock()
		s.recorder.Rejected(s.ctl.Name())
		s.logger.Debug("Send rejected, reply outstanding")
		return domain.ChatMessage{}, action.ErrInFlight
	}

	history := s.historyLocked()
	userMsg := s.appendLocked(domain.ChatMessage{
		ID:      uuid.NewString(),
		Role:    domain.RoleUser,
		Content: msg,
	})
	s.pending = ""
	s.busy = true
	s.last = reply{}
	gen := s.gen
	s.mu.Unlock()

	s.changed()
	s.log.Log(ConversationLogEvent{
		Timestamp:  userMsg.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     s.userID,
		SessionID:  string(s.kind),
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_user_message",
		ContentRaw: msg,
		Meta:       map[string]any{"history_len": len(history)},
	})

	_, callErr := s.ctl.Submit(ctx, turn{gen: gen, req: backend.AskRequest{Message: msg, History: history}})

	s.mu.Lock()
	s.busy = false
	out := s.last
	s.mu.Unlock()

	if out.err != nil {
		return out.msg, out.err
	}
	if callErr != nil {
		return out.msg, callErr
	}
	return out.msg, nil
}

// Clear resets the transcript to the welcome message. A reply still
// outstanding is canceled and dropped when it arrives.
func (s *Session) Clear() {
	s.mu.Lock()
	s.gen++
	s.rev++
	s.transcript = []domain.ChatMessage{s.welcome()}
	s.mu.Unlock()

	if s.ctl.Cancel() {
		s.logger.Info("Cleared transcript with reply outstanding")
	}
	s.changed()
}

// Abort cancels the outstanding reply, which is then narrated as a failure.
func (s *Session) Abort() bool {
	return s.ctl.Cancel()
}

// State returns in_flight while a send is outstanding.
func (s *Session) State() domain.ActionState {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		return domain.StateInFlight
	}
	return s.ctl.State()
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() domain.ChatSnapshot {
	state := s.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ChatSnapshot{
		Kind:         s.kind,
		Transcript:   append([]domain.ChatMessage(nil), s.transcript...),
		PendingInput: s.pending,
		State:        state,
		ModelLabel:   s.label,
		Generation:   s.gen,
		Revision:     s.rev,
	}
}

// Record returns the persisted form of the session.
func (s *Session) Record() domain.TranscriptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.TranscriptRecord{
		UserID:     s.userID,
		Kind:       s.kind,
		Messages:   append([]domain.ChatMessage(nil), s.transcript...),
		ModelLabel: s.label,
	}
}

func (s *Session) onReply(t turn, res backend.AskResponse) {
	content := res.Reply
	if strings.TrimSpace(content) == "" {
		content = emptyReplyText
	}

	s.mu.Lock()
	if t.gen != s.gen {
		s.last = reply{err: ErrDiscarded}
		s.mu.Unlock()
		s.logger.Info("Dropping reply for cleared transcript")
		return
	}
	if res.Model != "" {
		s.label = ModelLabel(res.Model)
	}
	msg := s.appendLocked(domain.ChatMessage{
		ID:          uuid.NewString(),
		Role:        domain.RoleAssistant,
		Content:     content,
		UsedContext: res.UsedContext,
	})
	s.last = reply{msg: msg}
	s.mu.Unlock()

	s.changed()
	s.log.Log(ConversationLogEvent{
		Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     s.userID,
		SessionID:  string(s.kind),
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_assistant_reply",
		ContentRaw: content,
		Meta:       map[string]any{"model": res.Model, "used_context": res.UsedContext},
	})
}

func (s *Session) onFailure(t turn, err error) {
	detail := backend.Message(err)
	if detail == "" {
		detail = connectionErrorText
	}

	s.mu.Lock()
	if t.gen != s.gen {
		s.last = reply{err: ErrDiscarded}
		s.mu.Unlock()
		return
	}
	msg := s.appendLocked(domain.ChatMessage{
		ID:      uuid.NewString(),
		Role:    domain.RoleAssistant,
		Content: errorPrefix + detail,
		IsError: true,
	})
	s.last = reply{msg: msg, err: err}
	s.mu.Unlock()

	s.changed()
	s.log.Log(ConversationLogEvent{
		Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     s.userID,
		SessionID:  string(s.kind),
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_error",
		ContentRaw: detail,
	})
}

// historyLocked returns up to window prior messages, oldest first, leaving
// out the welcome message.
func (s *Session) historyLocked() []domain.HistoryTurn {
	turns := make([]domain.HistoryTurn, 0, s.window)
	for _, m := range s.transcript {
		if m.IsWelcome() {
			continue
		}
		turns = append(turns, domain.HistoryTurn{Role: m.Role, Content: m.Content})
	}
	if len(turns) > s.window {
		turns = turns[len(turns)-s.window:]
	}
	return turns
}

// appendLocked stamps m with a timestamp strictly after the last entry.
func (s *Session) appendLocked(m domain.ChatMessage) domain.ChatMessage {
	ts := s.now()
	if n := len(s.transcript); n > 0 {
		if prev := s.transcript[n-1].Timestamp; !ts.After(prev) {
			ts = prev.Add(time.Millisecond)
		}
	}
	m.Timestamp = ts
	s.transcript = append(s.transcript, m)
	s.rev++
	return m
}

func (s *Session) welcome() domain.ChatMessage {
	return domain.ChatMessage{
		ID:        domain.WelcomeMessageID,
		Role:      domain.RoleAssistant,
		Content:   welcomeText,
		Timestamp: s.now(),
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange(s.Snapshot())
	}
}
