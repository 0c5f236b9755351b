package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-mail/internal/config"
)

func newTestApp(t *testing.T, opts options) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.History.RetentionMode = "ephemeral"
	cfg.Capture.Mode = "mock"
	cfg.LLM.Mode = "mock"
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, opts, &out, logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.close)
	return a, &out
}

func runScript(t *testing.T, a *app, script string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.run(ctx, strings.NewReader(script)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDictateSpeaksAndWritesEmail(t *testing.T) {
	a, out := newTestApp(t, options{to: "sam@example.com"})
	runScript(t, a, "/mic\nhello team\n/send\n/quit\n")

	text := out.String()
	if !strings.Contains(text, "[listening]") || !strings.Contains(text, "> hello team") {
		t.Fatalf("expected spoken transcript in output:\n%s", text)
	}
	if !strings.Contains(text, "[mock completion for") {
		t.Fatalf("expected streamed email in output:\n%s", text)
	}
	if !strings.Contains(text, "mailto:sam@example.com?subject=&body=%5Bmock%20completion") {
		t.Fatalf("expected mailto link in output:\n%s", text)
	}
	if a.session.Listening() {
		t.Fatal("writing the email must stop the microphone")
	}
}

func TestInterviewGeneratesEmail(t *testing.T) {
	a, out := newTestApp(t, options{interview: true})
	runScript(t, a, "my manager\n/generate\n/quit\n")

	text := out.String()
	if !strings.Contains(text, "assistant: Who is this email going to?") {
		t.Fatalf("expected opening question:\n%s", text)
	}
	if !strings.Contains(text, "you: my manager") {
		t.Fatalf("expected typed answer:\n%s", text)
	}
	if !strings.Contains(text, "Subject: Mock draft") || !strings.Contains(text, "mailto:?subject=Mock%20draft") {
		t.Fatalf("expected finished email and link:\n%s", text)
	}
}

func TestUnknownGenerateInDictation(t *testing.T) {
	a, out := newTestApp(t, options{})
	runScript(t, a, "/generate\n/quit\n")
	if !strings.Contains(out.String(), "! /generate is only available in interview mode") {
		t.Fatalf("expected error line:\n%s", out.String())
	}
}
