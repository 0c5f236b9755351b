package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-mail/internal/bus"
	"github.com/loqalabs/loqa-mail/internal/capture"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnsupported   = errors.New("dictation: speech recognition unavailable")
	ErrNotListening  = errors.New("dictation: not listening")
	ErrNothingToSend = errors.New("dictation: transcript is empty")
	ErrNotSimulated  = errors.New("dictation: simulate requires mock capture mode")
)

// Status is the externally visible state of the capture session.
type Status struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Supported bool   `json:"supported"`
	Listening bool   `json:"listening"`
	Final     string `json:"final"`
	Interim   string `json:"interim"`
}

type Option func(*Service)

// WithClock replaces the clock used by the session and the commit timer.
func WithClock(clock capture.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// Service hosts the daemon's capture session. Transcript changes, listening
// transitions and commits are published on the bus.
type Service struct {
	cfg       config.CaptureConfig
	bus       *bus.Client
	store     *history.Store
	logger    *slog.Logger
	clock     capture.Clock
	sessionID string
	fake      *capture.FakeRecognizer
	session   *capture.Session
	timer     *capture.CommitTimer
	ctx       context.Context
	cancel    context.CancelFunc

	commits        metric.Int64Counter
	restarts       metric.Int64Counter
	terminalErrors metric.Int64Counter
	gauge          metric.Registration

	mu            sync.Mutex
	unsubscribe   func()
	lastFinal     string
	lastListening bool
	recorded      bool
}

func NewService(parent context.Context, cfg config.CaptureConfig, busClient *bus.Client, store *history.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		store:     store,
		logger:    logger.With(slog.String("component", "dictation")),
		clock:     capture.SystemClock(),
		sessionID: uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initMetrics(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-mail/internal/dictation")
	var err error
	if s.commits, err = meter.Int64Counter("loqa.capture.commits",
		metric.WithDescription("Utterances submitted, by trigger")); err != nil {
		return fmt.Errorf("create commits counter: %w", err)
	}
	if s.restarts, err = meter.Int64Counter("loqa.capture.restarts",
		metric.WithDescription("Automatic recognition restarts")); err != nil {
		return fmt.Errorf("create restarts counter: %w", err)
	}
	if s.terminalErrors, err = meter.Int64Counter("loqa.capture.terminal_errors",
		metric.WithDescription("Recognition errors that ended listening")); err != nil {
		return fmt.Errorf("create terminal errors counter: %w", err)
	}
	listening, err := meter.Int64ObservableGauge("loqa.capture.listening",
		metric.WithDescription("1 while the microphone is live"))
	if err != nil {
		return fmt.Errorf("create listening gauge: %w", err)
	}
	s.gauge, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var v int64
		if s.session != nil && s.session.Listening() {
			v = 1
		}
		o.ObserveInt64(listening, v)
		return nil
	}, listening)
	return err
}

// Start builds the recognizer for the configured mode and wires the session.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	backend, err := NewBackend(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.fake = backend.Fake

	s.session = capture.NewSession(backend.Recognizer, backend.Probe,
		capture.WithLogger(s.logger),
		capture.WithClock(s.clock),
		capture.WithRestartLimit(s.cfg.MaxRestartsPerMinute),
		capture.WithRecognizerConfig(RecognizerConfig(s.cfg)),
		capture.WithHooks(capture.Hooks{
			OnRestart:       s.onRestart,
			OnTerminalError: s.onTerminalError,
		}),
	)
	unsubscribe := s.session.OnTranscriptChange(s.onChange)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	if s.cfg.QuietMS > 0 {
		s.timer = capture.NewCommitTimer(s.session, time.Duration(s.cfg.QuietMS)*time.Millisecond, s.autoCommit, capture.WithTimerClock(s.clock))
	}
	s.logger.Info("capture ready",
		slog.String("session_id", s.sessionID),
		slog.String("mode", s.cfg.Mode),
		slog.Bool("supported", s.session.Supported()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.timer != nil {
		s.timer.Dispose()
	}
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if s.session != nil {
		s.session.Dispose()
	}
	if s.gauge != nil {
		_ = s.gauge.Unregister()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.session != nil
}

func (s *Service) SessionID() string {
	return s.sessionID
}

// Listen turns the microphone on.
func (s *Service) Listen() error {
	if s.session == nil || !s.session.Supported() {
		return ErrUnsupported
	}
	s.session.Start()
	s.recordSession()
	return nil
}

// Stop turns the microphone off and keeps the transcript.
func (s *Service) Stop() {
	if s.session != nil {
		s.session.Stop()
	}
}

// Reset clears the transcript without touching the microphone.
func (s *Service) Reset() {
	if s.session != nil {
		s.session.Reset()
	}
}

// Commit submits the current transcript immediately and clears it. A pending
// auto commit is cancelled, and text the auto commit already sent is not sent
// again.
func (s *Service) Commit() (string, error) {
	if s.session == nil {
		return "", ErrUnsupported
	}
	var text string
	if s.timer != nil {
		text = s.timer.CommitNow()
	} else {
		text = strings.TrimSpace(s.session.Snapshot().Text())
	}
	if text == "" {
		return "", ErrNothingToSend
	}
	s.publishCommit(text, protocol.TriggerManual)
	s.session.Reset()
	return text, nil
}

func (s *Service) Status() Status {
	st := Status{SessionID: s.sessionID, Mode: s.cfg.Mode}
	if s.session == nil {
		return st
	}
	snap := s.session.Snapshot()
	st.Supported = s.session.Supported()
	st.Listening = snap.Listening
	st.Final = snap.Final
	st.Interim = snap.Interim
	return st
}

// Simulate feeds a phrase to the live mock stream as if it had been spoken.
func (s *Service) Simulate(text string, final bool) error {
	if s.fake == nil {
		return ErrNotSimulated
	}
	stream := s.fake.Last()
	if stream == nil || !s.session.Listening() {
		return ErrNotListening
	}
	stream.Say(text, final)
	return nil
}

// SimulateEnd ends the live mock stream the way a platform timeout does.
func (s *Service) SimulateEnd() error {
	if s.fake == nil {
		return ErrNotSimulated
	}
	stream := s.fake.Last()
	if stream == nil || !s.session.Listening() {
		return ErrNotListening
	}
	stream.End()
	return nil
}

func (s *Service) autoCommit(text string) {
	s.publishCommit(text, protocol.TriggerAuto)
	s.session.Reset()
}

func (s *Service) onChange(snap capture.Snapshot) {
	s.mu.Lock()
	finalChanged := snap.Final != s.lastFinal
	listeningChanged := snap.Listening != s.lastListening
	s.lastFinal = snap.Final
	s.lastListening = snap.Listening
	s.mu.Unlock()

	msg := protocol.Transcript{
		SessionID:  s.sessionID,
		Final:      snap.Final,
		Interim:    snap.Interim,
		Listening:  snap.Listening,
		Generation: snap.Generation,
		Seq:        snap.Seq,
		Timestamp:  time.Now().UTC(),
	}
	s.publish(protocol.SubjectTranscriptPartial, msg)
	if finalChanged {
		s.publish(protocol.SubjectTranscriptFinal, msg)
	}
	if listeningChanged {
		s.publish(protocol.SubjectCaptureState, protocol.CaptureState{
			SessionID: s.sessionID,
			Listening: snap.Listening,
			Supported: true,
			Timestamp: msg.Timestamp,
		})
	}
}

func (s *Service) onRestart(generation uint64) {
	s.restarts.Add(s.ctx, 1)
	s.logger.Debug("recognition restarted", slog.Uint64("generation", generation))
}

func (s *Service) onTerminalError(kind capture.ErrorKind, code string) {
	s.terminalErrors.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	s.logger.Warn("recognition stopped", slog.String("kind", kind.String()), slog.String("code", code))
	s.publish(protocol.SubjectCaptureState, protocol.CaptureState{
		SessionID: s.sessionID,
		Listening: false,
		Supported: true,
		Error:     kind.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishCommit(text, trigger string) {
	s.commits.Add(s.ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	commit := protocol.Commit{
		SessionID: s.sessionID,
		Text:      text,
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	}
	s.logger.Info("utterance committed", slog.String("trigger", trigger), slog.Int("chars", len(text)))
	s.publish(protocol.SubjectCommit, commit)
	if s.store != nil {
		if err := s.store.AppendEvent(s.ctx, history.Event{
			SessionID: s.sessionID,
			Type:      "capture.commit",
			Payload:   []byte(text),
		}); err != nil {
			s.logger.Warn("failed to record commit", slogError(err))
		}
	}
}

func (s *Service) recordSession() {
	s.mu.Lock()
	done := s.recorded
	s.recorded = true
	s.mu.Unlock()
	if done || s.store == nil {
		return
	}
	if err := s.store.AppendSession(s.ctx, s.sessionID, "dictation"); err != nil {
		s.logger.Warn("failed to record capture session", slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish capture event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
