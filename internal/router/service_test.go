package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mail/internal/bus"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/interview"
	"github.com/loqalabs/loqa-mail/internal/llm"
	"github.com/loqalabs/loqa-mail/internal/natsserver"
	"github.com/loqalabs/loqa-mail/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConversationDropsAnswersWhileTurnInFlight(t *testing.T) {
	conv := &conversation{}
	first, err := conv.open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := conv.next(interview.ActionContinue, "too early"); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	reply, ok := conv.absorb(protocol.LLMResponse{TraceID: first.id, Content: "Who is it for?"})
	if !ok || reply.Message != "Who is it for?" {
		t.Fatalf("unexpected reply %+v %v", reply, ok)
	}
	if _, ok := conv.absorb(protocol.LLMResponse{TraceID: first.id, Content: "again"}); ok {
		t.Fatal("duplicate response must be ignored")
	}

	second, err := conv.next(interview.ActionContinue, "the board")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n := len(second.messages); n != 2 || second.messages[1].Content != "the board" {
		t.Fatalf("unexpected turn messages %+v", second.messages)
	}
	if _, ok := conv.absorb(protocol.LLMResponse{TraceID: "someone-else", Content: "x"}); ok {
		t.Fatal("response for another turn must be ignored")
	}
}

func TestConversationFallbacks(t *testing.T) {
	conv := &conversation{}
	first, _ := conv.open()
	reply, _ := conv.absorb(protocol.LLMResponse{TraceID: first.id, Error: "boom"})
	if reply.Message != interview.OpeningFallback {
		t.Fatalf("expected opening fallback, got %q", reply.Message)
	}

	next, _ := conv.next(interview.ActionContinue, "hello")
	reply, _ = conv.absorb(protocol.LLMResponse{TraceID: next.id, Error: "boom"})
	if reply.Message != interview.TurnFallback {
		t.Fatalf("expected turn fallback, got %q", reply.Message)
	}
}

func TestConversationGenerateTreatsPlainTextAsEmail(t *testing.T) {
	conv := &conversation{}
	first, _ := conv.open()
	conv.absorb(protocol.LLMResponse{TraceID: first.id, Content: "Who?"})

	gen, err := conv.next(interview.ActionGenerate, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	last := gen.messages[len(gen.messages)-1]
	if !strings.Contains(last.Content, "[COMPLETE]") {
		t.Fatalf("expected generate instruction, got %q", last.Content)
	}
	reply, _ := conv.absorb(protocol.LLMResponse{TraceID: gen.id, Content: "Subject: Hi\n\nBody"})
	if !reply.Complete || reply.Email != "Subject: Hi\n\nBody" || reply.Message != interview.ReadyMessage {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if _, err := conv.next(interview.ActionContinue, "more"); err == nil {
		t.Fatal("completed conversation must reject further answers")
	}
}

type interviewGenerator struct{}

func (interviewGenerator) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	text := "Who is this email going to?"
	for _, m := range req.Messages {
		if m.Role == "user" && m.Content == "my manager" {
			text = "[COMPLETE]\nSubject: Friday off\n\nHi,\nI'd like Friday off.\n[/COMPLETE]"
		}
	}
	return consumer(llm.Chunk{Content: text})
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceRunsInterviewOverBus(t *testing.T) {
	ctx := context.Background()
	client := startBus(t)
	logger := newLogger()

	store, err := history.Open(ctx, config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
		MaxDrafts:     10,
	}, logger)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	llmCfg := config.Default().LLM
	llmCfg.Enabled = true
	llmSvc := llm.NewService(ctx, llmCfg, client, interviewGenerator{}, logger)
	if err := llmSvc.Start(); err != nil {
		t.Fatalf("start llm: %v", err)
	}
	t.Cleanup(llmSvc.Close)

	replies := make(chan protocol.InterviewReply, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectInterviewReply, func(msg *nats.Msg) {
		var r protocol.InterviewReply
		if json.Unmarshal(msg.Data, &r) == nil {
			replies <- r
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	cfg := config.Default().Interview
	cfg.Enabled = true
	svc := NewService(ctx, cfg, 0.7, client, store, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy router")
	}

	if err := svc.Begin("s1", "", ""); err != nil {
		t.Fatalf("begin: %v", err)
	}
	first := waitReply(t, replies)
	if first.SessionID != "s1" || first.Message != "Who is this email going to?" {
		t.Fatalf("unexpected opening %+v", first)
	}

	// Commits for sessions without an interview are ignored.
	_ = client.PublishJSON(protocol.SubjectCommit, protocol.Commit{SessionID: "other", Text: "hi", Trigger: protocol.TriggerAuto})
	_ = client.PublishJSON(protocol.SubjectCommit, protocol.Commit{SessionID: "s1", Text: "my manager", Trigger: protocol.TriggerAuto})

	done := waitReply(t, replies)
	if !done.Complete || done.Message != interview.ReadyMessage || !strings.HasPrefix(done.Email, "Subject: Friday off") {
		t.Fatalf("unexpected completion %+v", done)
	}

	msgs, ok := svc.Conversation("s1")
	if !ok || len(msgs) != 3 || msgs[1].Content != "my manager" {
		t.Fatalf("unexpected conversation %+v", msgs)
	}

	svc.Close()
	drafts, err := store.ListDrafts(ctx, 10)
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Subject != "Friday off" || drafts[0].Source != "interview" {
		t.Fatalf("unexpected drafts %+v", drafts)
	}
	events, err := store.ListSessionEvents(ctx, "s1", 10)
	if err != nil || len(events) != 4 {
		t.Fatalf("expected 4 timeline events, got %d (%v)", len(events), err)
	}
}

func TestGenerateNowUnknownSession(t *testing.T) {
	svc := NewService(context.Background(), config.Default().Interview, 0.7, nil, nil, newLogger())
	if err := svc.GenerateNow("missing"); err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func waitReply(t *testing.T, ch <-chan protocol.InterviewReply) protocol.InterviewReply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for interview reply")
		return protocol.InterviewReply{}
	}
}
