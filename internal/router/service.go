package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-mail/internal/bus"
	"github.com/loqalabs/loqa-mail/internal/compose"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/interview"
	"github.com/loqalabs/loqa-mail/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrUnknownSession = errors.New("router: no interview for session")
	ErrBusy           = errors.New("router: a turn is already in flight")
)

// Service runs guided interviews over the bus. Every committed utterance of
// an enrolled capture session becomes the next user turn of its conversation.
// Timeline events and finished drafts are stored before the reply goes out.
type Service struct {
	cfg         config.InterviewConfig
	temperature float64
	bus         *bus.Client
	store       *history.Store
	logger      *slog.Logger
	subCommits  *nats.Subscription
	subLLM      *nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	sessions    map[string]*conversation
	mu          sync.Mutex
}

func NewService(parent context.Context, cfg config.InterviewConfig, temperature float64, busClient *bus.Client, store *history.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		temperature: temperature,
		bus:         busClient,
		store:       store,
		logger:      logger.With(slog.String("component", "router")),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*conversation),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCommit, s.handleCommit)
	if err != nil {
		return err
	}
	s.subCommits = sub

	subLLM, err := s.bus.Conn().Subscribe(protocol.SubjectLLMResponseFinal, s.handleLLMResponse)
	if err != nil {
		s.subCommits.Drain()
		return err
	}
	s.subLLM = subLLM
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subCommits != nil {
		_ = s.subCommits.Drain()
	}
	if s.subLLM != nil {
		_ = s.subLLM.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subCommits != nil && s.subLLM != nil)
}

// Begin enrolls sessionID and asks for the opening question. An existing
// conversation for the session is discarded.
func (s *Service) Begin(sessionID, transcript, existingEmail string) error {
	if sessionID == "" {
		return errors.New("router: session id is required")
	}
	conv := &conversation{transcript: transcript, existingEmail: existingEmail}
	next, err := conv.open()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[sessionID] = conv
	s.mu.Unlock()

	s.record(sessionID, "interview.begin", map[string]string{"transcript": transcript})
	return s.send(sessionID, next)
}

// GenerateNow asks for the final email with the conversation so far.
func (s *Service) GenerateNow(sessionID string) error {
	s.mu.Lock()
	conv := s.sessions[sessionID]
	if conv == nil {
		s.mu.Unlock()
		return ErrUnknownSession
	}
	next, err := conv.next(interview.ActionGenerate, "")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.send(sessionID, next)
}

// Forget drops the conversation for sessionID.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Conversation returns a copy of the messages exchanged so far.
func (s *Service) Conversation(sessionID string) ([]interview.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.sessions[sessionID]
	if conv == nil {
		return nil, false
	}
	return append([]interview.Message(nil), conv.messages...), true
}

func (s *Service) handleCommit(msg *nats.Msg) {
	var commit protocol.Commit
	if err := json.Unmarshal(msg.Data, &commit); err != nil {
		s.logger.Warn("router failed to decode commit", slogError(err))
		return
	}
	text := strings.TrimSpace(commit.Text)
	if text == "" {
		return
	}

	s.mu.Lock()
	conv := s.sessions[commit.SessionID]
	if conv == nil {
		s.mu.Unlock()
		return
	}
	next, err := conv.next(interview.ActionContinue, text)
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("commit dropped", slog.String("session_id", commit.SessionID), slog.String("trigger", commit.Trigger), slogError(err))
		return
	}

	s.record(commit.SessionID, "interview.answer", commit)
	if err := s.send(commit.SessionID, next); err != nil {
		s.logger.Warn("router failed to publish llm request", slogError(err))
	}
}

func (s *Service) handleLLMResponse(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("router failed to decode llm response", slogError(err))
		return
	}

	s.mu.Lock()
	conv := s.sessions[resp.SessionID]
	if conv == nil {
		s.mu.Unlock()
		return
	}
	reply, ok := conv.absorb(resp)
	s.mu.Unlock()
	if !ok {
		return
	}
	if resp.Error != "" {
		s.logger.Warn("interview turn failed", slog.String("session_id", resp.SessionID), slog.String("error", resp.Error))
	}

	out := protocol.InterviewReply{
		SessionID: resp.SessionID,
		Message:   reply.Message,
		Complete:  reply.Complete,
		Email:     reply.Email,
		Timestamp: time.Now().UTC(),
	}
	s.record(resp.SessionID, "interview.reply", out)
	if reply.Complete {
		s.saveDraft(resp.SessionID, reply.Email)
	}
	if err := s.bus.PublishJSON(protocol.SubjectInterviewReply, out); err != nil {
		s.logger.Warn("router failed to publish interview reply", slogError(err))
	}
}

func (s *Service) send(sessionID string, t turn) error {
	msgs := make([]protocol.LLMMessage, 0, len(t.messages))
	for _, m := range t.messages {
		msgs = append(msgs, protocol.LLMMessage{Role: m.Role, Content: m.Content})
	}
	req := protocol.LLMRequest{
		SessionID:   sessionID,
		System:      t.system,
		Messages:    msgs,
		Tier:        s.cfg.Tier,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.temperature,
		TraceID:     t.id,
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMRequest, req); err != nil {
		s.mu.Lock()
		if conv := s.sessions[sessionID]; conv != nil && conv.pending == t.id {
			conv.pending = ""
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Service) record(sessionID, kind string, payload any) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.store.AppendSession(s.ctx, sessionID, "interview"); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
		return
	}
	if err := s.store.AppendEvent(s.ctx, history.Event{SessionID: sessionID, Type: kind, Payload: data}); err != nil {
		s.logger.Warn("failed to record event", slog.String("type", kind), slogError(err))
	}
}

func (s *Service) saveDraft(sessionID, email string) {
	if s.store == nil {
		return
	}
	subject, body := compose.ParseEmail(email)
	_, err := s.store.SaveDraft(s.ctx, history.Draft{
		SessionID: sessionID,
		Subject:   subject,
		Body:      body,
		Source:    "interview",
	})
	if err != nil {
		s.logger.Warn("failed to save interview draft", slogError(err))
	}
}

// turn is one pending llm.request.
type turn struct {
	id       string
	system   string
	messages []interview.Message
}

type conversation struct {
	transcript    string
	existingEmail string
	messages      []interview.Message
	pending       string
	action        interview.Action
	complete      bool
}

func (c *conversation) open() (turn, error) {
	system, msgs, err := interview.BuildMessages(interview.TurnRequest{
		Action:        interview.ActionStart,
		Transcript:    c.transcript,
		ExistingEmail: c.existingEmail,
	})
	if err != nil {
		return turn{}, err
	}
	c.messages = nil
	c.complete = false
	c.action = interview.ActionStart
	c.pending = uuid.NewString()
	return turn{id: c.pending, system: system, messages: msgs}, nil
}

// next records a user answer when text is non-empty and builds the request.
func (c *conversation) next(action interview.Action, text string) (turn, error) {
	if c.pending != "" {
		return turn{}, ErrBusy
	}
	if c.complete {
		return turn{}, fmt.Errorf("router: interview already complete")
	}
	convo := c.messages
	if text != "" {
		convo = append(append([]interview.Message(nil), c.messages...), interview.Message{Role: "user", Content: text})
	}
	system, msgs, err := interview.BuildMessages(interview.TurnRequest{
		Action:        action,
		Transcript:    c.transcript,
		Messages:      convo,
		ExistingEmail: c.existingEmail,
	})
	if err != nil {
		return turn{}, err
	}
	c.messages = convo
	c.action = action
	c.pending = uuid.NewString()
	return turn{id: c.pending, system: system, messages: msgs}, nil
}

// absorb applies the response to the pending turn. Responses to other turns
// are ignored.
func (c *conversation) absorb(resp protocol.LLMResponse) (interview.Reply, bool) {
	if c.pending == "" || resp.TraceID != c.pending {
		return interview.Reply{}, false
	}
	c.pending = ""

	var reply interview.Reply
	switch {
	case resp.Error != "" && c.action == interview.ActionStart:
		reply = interview.Reply{Message: interview.OpeningFallback}
	case resp.Error != "" && c.action == interview.ActionGenerate:
		reply = interview.Reply{Message: interview.BackendFallback}
	case resp.Error != "":
		reply = interview.Reply{Message: interview.TurnFallback}
	default:
		reply = interview.ReplyFromText(resp.Content)
		if c.action == interview.ActionGenerate && !reply.Complete && reply.Message != "" {
			reply = interview.Reply{Complete: true, Email: reply.Message}
		}
	}

	if reply.Complete {
		c.complete = true
		reply.Message = interview.ReadyMessage
	}
	c.messages = append(c.messages, interview.Message{Role: "assistant", Content: reply.Message})
	return reply, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
