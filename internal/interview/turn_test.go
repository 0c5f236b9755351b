package interview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/llm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuildMessagesStart(t *testing.T) {
	system, msgs, err := BuildMessages(TurnRequest{Action: ActionStart})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != systemPromptNew {
		t.Fatal("expected new-email system prompt")
	}
	if len(msgs) != 1 || msgs[0].Content != "I need help writing an email." {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	_, msgs, _ = BuildMessages(TurnRequest{Action: ActionStart, Transcript: "ask Dana for the Q3 numbers"})
	if msgs[0].Content != "ask Dana for the Q3 numbers" {
		t.Fatalf("expected transcript as first message, got %q", msgs[0].Content)
	}
}

func TestBuildMessagesEnhance(t *testing.T) {
	system, msgs, err := BuildMessages(TurnRequest{
		Action:        ActionStart,
		Transcript:    "make it shorter",
		ExistingEmail: "Subject: Hi\n\nLong email",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != systemPromptEnhance {
		t.Fatal("expected enhance system prompt")
	}
	want := "Here's my current email:\n\nSubject: Hi\n\nLong email\n\nI'd like to improve it. make it shorter"
	if msgs[0].Content != want {
		t.Fatalf("unexpected enhance message %q", msgs[0].Content)
	}
}

func TestBuildMessagesGenerateAppendsInstruction(t *testing.T) {
	history := []Message{{Role: "assistant", Content: "Who is it for?"}, {Role: "user", Content: "my team"}}
	_, msgs, err := BuildMessages(TurnRequest{Action: ActionGenerate, Messages: history})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 || !strings.Contains(msgs[2].Content, "[COMPLETE]...[/COMPLETE]") {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if len(history) != 2 {
		t.Fatal("caller history must not be modified")
	}
	if _, _, err := BuildMessages(TurnRequest{Action: "dance"}); err == nil {
		t.Fatal("expected unknown action error")
	}
}

func TestParseCompletion(t *testing.T) {
	email, ok := ParseCompletion("Great!\n[COMPLETE]\nSubject: Hi\n\nBody\n[/COMPLETE]\ntrailing")
	if !ok || email != "Subject: Hi\n\nBody" {
		t.Fatalf("unexpected completion %q %v", email, ok)
	}
	if _, ok := ParseCompletion("Who is this going to?"); ok {
		t.Fatal("question must not parse as completion")
	}
	if _, ok := ParseCompletion("[COMPLETE] unterminated"); ok {
		t.Fatal("unterminated marker must not parse")
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, llm.Request, func(llm.Chunk) error) error {
	return errors.New("upstream 502")
}

type cannedGenerator struct {
	text string
	got  llm.Request
}

func (g *cannedGenerator) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.got = req
	return consumer(llm.Chunk{Content: g.text})
}

func TestLLMInterviewerFallsBackOnBackendFailure(t *testing.T) {
	i := NewLLMInterviewer(failingGenerator{}, config.Default().Interview, 0.7, newLogger())
	reply, err := i.Turn(context.Background(), TurnRequest{Action: ActionStart})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Message != BackendFallback || reply.Complete {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestLLMInterviewerUsesInterviewTier(t *testing.T) {
	gen := &cannedGenerator{text: "[COMPLETE]Subject: Done\n\nBody[/COMPLETE]"}
	i := NewLLMInterviewer(gen, config.Default().Interview, 0.7, newLogger())
	reply, err := i.Turn(context.Background(), TurnRequest{Action: ActionContinue, Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Complete || reply.Email != "Subject: Done\n\nBody" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if gen.got.Tier != "fast" || gen.got.MaxTokens != 1500 || gen.got.System != systemPromptNew {
		t.Fatalf("unexpected llm request %+v", gen.got)
	}
}
