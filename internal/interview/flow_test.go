package interview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mail/internal/capture"
)

type scriptedInterviewer struct {
	mu      sync.Mutex
	calls   []TurnRequest
	replies []Reply
	err     error
}

func (s *scriptedInterviewer) Turn(_ context.Context, req TurnRequest) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return Reply{}, s.err
	}
	if len(s.replies) == 0 {
		return Reply{Message: "And then?"}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedInterviewer) actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, c := range s.calls {
		out = append(out, c.Action)
	}
	return out
}

type flowHarness struct {
	flow   *Flow
	rec    *capture.FakeRecognizer
	clock  *capture.FakeClock
	ai     *scriptedInterviewer
	sess   *capture.Session
}

func newFlowHarness(t *testing.T, replies ...Reply) *flowHarness {
	t.Helper()
	clock := capture.NewFakeClock(time.Unix(1_700_000_000, 0))
	rec := capture.NewFakeRecognizer()
	sess := capture.NewSession(rec, capture.StaticProbe(true), capture.WithLogger(newLogger()), capture.WithClock(clock))
	ai := &scriptedInterviewer{replies: replies}
	flow := NewFlow(context.Background(), sess, ai, FlowConfig{
		Quiet:      3 * time.Second,
		AutoCommit: true,
		Clock:      clock,
	}, newLogger())
	t.Cleanup(flow.Close)
	return &flowHarness{flow: flow, rec: rec, clock: clock, ai: ai, sess: sess}
}

func TestFlowOpenAsksFirstQuestion(t *testing.T) {
	h := newFlowHarness(t, Reply{Message: "Who is this email going to?"})
	if err := h.flow.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	st := h.flow.State()
	if len(st.Messages) != 1 || st.Messages[0].Content != "Who is this email going to?" || st.Loading {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestFlowOpenFallsBackOnError(t *testing.T) {
	h := newFlowHarness(t)
	h.ai.err = errors.New("offline")
	if err := h.flow.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if st := h.flow.State(); st.Messages[0].Content != OpeningFallback {
		t.Fatalf("unexpected opening %+v", st.Messages)
	}
}

func TestFlowAutoCommitsSpokenAnswer(t *testing.T) {
	h := newFlowHarness(t, Reply{Message: "Who is it for?"}, Reply{Message: "Any deadline?"})
	_ = h.flow.Open(context.Background())
	h.flow.ToggleVoice()
	if !h.sess.Listening() {
		t.Fatal("expected microphone on")
	}

	h.rec.Last().Say("my whole team", true)
	if got := h.flow.State().Input; got != "my whole team" {
		t.Fatalf("expected input to mirror speech, got %q", got)
	}
	h.clock.Advance(3 * time.Second)

	st := h.flow.State()
	if len(st.Messages) != 3 || st.Messages[1].Content != "my whole team" || st.Messages[2].Content != "Any deadline?" {
		t.Fatalf("unexpected conversation %+v", st.Messages)
	}
	if !st.Listening {
		t.Fatal("auto commit must keep the microphone on")
	}
	if h.sess.FinalText() != "" {
		t.Fatalf("expected transcript reset, got %q", h.sess.FinalText())
	}

	h.rec.Last().Say("by friday", true)
	h.clock.Advance(3 * time.Second)
	st = h.flow.State()
	if len(st.Messages) != 5 || st.Messages[3].Content != "by friday" {
		t.Fatalf("expected second answer without the first, got %+v", st.Messages)
	}
}

func TestFlowManualSendCancelsAutoCommit(t *testing.T) {
	h := newFlowHarness(t, Reply{Message: "Who is it for?"})
	_ = h.flow.Open(context.Background())
	h.flow.ToggleVoice()
	h.rec.Last().Say("the design team", true)
	h.clock.Advance(500 * time.Millisecond)

	if err := h.flow.Send(context.Background(), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.clock.Advance(10 * time.Second)

	actions := h.ai.actions()
	if len(actions) != 2 || actions[1] != ActionContinue {
		t.Fatalf("expected exactly one continue turn, got %v", actions)
	}
	st := h.flow.State()
	if st.Listening {
		t.Fatal("manual send must stop the microphone")
	}
	if st.Messages[1].Content != "the design team" {
		t.Fatalf("unexpected user message %+v", st.Messages)
	}
}

func TestFlowSendRejectsEmptyAndBusy(t *testing.T) {
	h := newFlowHarness(t)
	if err := h.flow.Send(context.Background(), "   "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	h.flow.mu.Lock()
	h.flow.loading = true
	h.flow.mu.Unlock()
	if err := h.flow.Send(context.Background(), "hello"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestFlowCompletionStopsAutoCommits(t *testing.T) {
	h := newFlowHarness(t, Reply{Message: "Who is it for?"}, Reply{Complete: true, Email: "Subject: Hi\n\nBody"})
	_ = h.flow.Open(context.Background())
	if err := h.flow.Send(context.Background(), "my boss"); err != nil {
		t.Fatalf("send: %v", err)
	}
	st := h.flow.State()
	if !st.Complete || st.Email != "Subject: Hi\n\nBody" || st.Messages[len(st.Messages)-1].Content != ReadyMessage {
		t.Fatalf("unexpected state %+v", st)
	}

	h.flow.ToggleVoice()
	h.rec.Last().Say("one more thing", true)
	h.clock.Advance(5 * time.Second)
	if n := len(h.ai.actions()); n != 2 {
		t.Fatalf("completed interview must ignore auto commits, got %d turns", n)
	}
}

func TestFlowGenerateNowUsesMessageAsEmail(t *testing.T) {
	h := newFlowHarness(t, Reply{Message: "Who is it for?"}, Reply{Message: "Subject: Plain\n\nNo markers"})
	_ = h.flow.Open(context.Background())
	if err := h.flow.GenerateNow(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	st := h.flow.State()
	if !st.Complete || st.Email != "Subject: Plain\n\nNo markers" {
		t.Fatalf("unexpected state %+v", st)
	}
	if actions := h.ai.actions(); actions[len(actions)-1] != ActionGenerate {
		t.Fatalf("expected generate action, got %v", actions)
	}
}

func TestFlowCloseDisposesEverything(t *testing.T) {
	h := newFlowHarness(t)
	_ = h.flow.Open(context.Background())
	h.flow.ToggleVoice()
	stream := h.rec.Last()
	stream.Say("half an answer", true)
	h.flow.Close()
	h.clock.Advance(10 * time.Second)

	if n := len(h.ai.actions()); n != 1 {
		t.Fatalf("closed flow must not commit, got %d turns", n)
	}
	if !stream.Aborted() || h.sess.Listening() {
		t.Fatal("expected session disposed")
	}
	if err := h.flow.Send(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
