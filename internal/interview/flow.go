package interview

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mail/internal/capture"
)

var (
	ErrBusy   = errors.New("interview: a turn is already in flight")
	ErrEmpty  = errors.New("interview: nothing to send")
	ErrClosed = errors.New("interview: flow closed")
)

// FlowState is what a front end renders.
type FlowState struct {
	Messages  []Message
	Input     string
	Listening bool
	Loading   bool
	Complete  bool
	Email     string
}

type FlowConfig struct {
	Transcript    string
	ExistingEmail string
	Quiet         time.Duration
	AutoCommit    bool
	Clock         capture.Clock
	OnUpdate      func(FlowState)
}

// Flow runs a guided interview over a capture session. Spoken answers are
// submitted automatically after a quiet period; typed answers go through Send.
type Flow struct {
	session     *capture.Session
	timer       *capture.CommitTimer
	interviewer Interviewer
	cfg         FlowConfig
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu       sync.Mutex
	messages []Message
	input    string
	loading  bool
	complete bool
	email    string
	closed   bool
}

func NewFlow(parent context.Context, session *capture.Session, interviewer Interviewer, cfg FlowConfig, logger *slog.Logger) *Flow {
	ctx, cancel := context.WithCancel(parent)
	f := &Flow{
		session:     session,
		interviewer: interviewer,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "interview-flow")),
		ctx:         ctx,
		cancel:      cancel,
	}
	f.unsubscribe = session.OnTranscriptChange(f.onTranscript)
	if cfg.AutoCommit {
		var opts []capture.TimerOption
		if cfg.Clock != nil {
			opts = append(opts, capture.WithTimerClock(cfg.Clock))
		}
		f.timer = capture.NewCommitTimer(session, cfg.Quiet, f.autoCommit, opts...)
	}
	return f
}

// Open clears any previous conversation and fetches the opening question.
func (f *Flow) Open(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.messages = nil
	f.input = ""
	f.complete = false
	f.email = ""
	f.loading = true
	f.mu.Unlock()
	f.session.Reset()
	f.emit()

	reply, err := f.interviewer.Turn(ctx, TurnRequest{
		Action:        ActionStart,
		Transcript:    f.cfg.Transcript,
		ExistingEmail: f.cfg.ExistingEmail,
	})

	f.mu.Lock()
	f.loading = false
	switch {
	case err != nil:
		f.logger.Warn("opening question failed", slogError(err))
		f.messages = []Message{{Role: "assistant", Content: OpeningFallback}}
	case reply.Complete:
		f.complete = true
		f.email = reply.Email
		f.messages = []Message{{Role: "assistant", Content: ReadyMessage}}
	default:
		f.messages = []Message{{Role: "assistant", Content: reply.Message}}
	}
	f.mu.Unlock()
	f.emit()
	return nil
}

// ToggleVoice stops a live microphone, or clears the transcript and starts one.
func (f *Flow) ToggleVoice() {
	if f.session.Listening() {
		f.session.Stop()
		return
	}
	f.session.Reset()
	f.session.Start()
}

// Send submits text as the user's answer. An empty text sends the current
// input. The microphone is stopped.
func (f *Flow) Send(ctx context.Context, text string) error {
	msgs, err := f.begin(text)
	if err != nil {
		return err
	}
	if f.timer != nil {
		f.timer.Cancel()
	}
	f.session.Stop()
	f.session.Reset()
	return f.finish(ctx, msgs)
}

// autoCommit submits a spoken answer after silence. The microphone stays on.
func (f *Flow) autoCommit(text string) {
	msgs, err := f.begin(text)
	if err != nil {
		f.logger.Debug("auto commit skipped", slogError(err))
		return
	}
	f.session.Reset()
	if err := f.finish(f.ctx, msgs); err != nil {
		f.logger.Debug("auto commit turn ended", slogError(err))
	}
}

// begin appends the user message and marks a turn in flight.
func (f *Flow) begin(text string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.loading || f.complete {
		return nil, ErrBusy
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = strings.TrimSpace(f.input)
	}
	if text == "" {
		return nil, ErrEmpty
	}
	f.messages = append(f.messages, Message{Role: "user", Content: text})
	f.input = ""
	f.loading = true
	return append([]Message(nil), f.messages...), nil
}

func (f *Flow) finish(ctx context.Context, msgs []Message) error {
	f.emit()
	reply, err := f.interviewer.Turn(ctx, TurnRequest{
		Action:        ActionContinue,
		Transcript:    f.cfg.Transcript,
		Messages:      msgs,
		ExistingEmail: f.cfg.ExistingEmail,
	})

	f.mu.Lock()
	f.loading = false
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	switch {
	case err != nil:
		f.logger.Warn("interview turn failed", slogError(err))
		f.messages = append(f.messages, Message{Role: "assistant", Content: TurnFallback})
	case reply.Complete:
		f.complete = true
		f.email = reply.Email
		f.messages = append(f.messages, Message{Role: "assistant", Content: ReadyMessage})
	default:
		f.messages = append(f.messages, Message{Role: "assistant", Content: reply.Message})
	}
	f.mu.Unlock()
	f.emit()
	return nil
}

// GenerateNow asks for the final email with the conversation so far.
func (f *Flow) GenerateNow(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.loading {
		f.mu.Unlock()
		return ErrBusy
	}
	f.loading = true
	msgs := append([]Message(nil), f.messages...)
	f.mu.Unlock()
	f.emit()

	reply, err := f.interviewer.Turn(ctx, TurnRequest{
		Action:        ActionGenerate,
		Transcript:    f.cfg.Transcript,
		Messages:      msgs,
		ExistingEmail: f.cfg.ExistingEmail,
	})

	f.mu.Lock()
	f.loading = false
	switch {
	case err != nil:
		f.logger.Warn("generate now failed", slogError(err))
	case reply.Complete:
		f.complete = true
		f.email = reply.Email
	case reply.Message != "":
		f.complete = true
		f.email = reply.Message
	}
	f.mu.Unlock()
	f.emit()
	return err
}

// Close cancels any pending auto commit and releases the session.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	if f.timer != nil {
		f.timer.Dispose()
	}
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
	f.session.Dispose()
}

func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Flow) stateLocked() FlowState {
	return FlowState{
		Messages:  append([]Message(nil), f.messages...),
		Input:     f.input,
		Listening: f.session.Listening(),
		Loading:   f.loading,
		Complete:  f.complete,
		Email:     f.email,
	}
}

func (f *Flow) onTranscript(snap capture.Snapshot) {
	f.mu.Lock()
	if text := snap.Text(); text != "" {
		f.input = text
	}
	f.mu.Unlock()
	f.emit()
}

func (f *Flow) emit() {
	if f.cfg.OnUpdate == nil {
		return
	}
	f.cfg.OnUpdate(f.State())
}
