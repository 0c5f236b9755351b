package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mail/internal/bus"
	"github.com/loqalabs/loqa-mail/internal/capture"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/natsserver"
	"github.com/loqalabs/loqa-mail/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newService(t *testing.T, cfg config.CaptureConfig, client *bus.Client) (*Service, *capture.FakeClock) {
	t.Helper()
	clock := capture.NewFakeClock(time.Unix(1_700_000_000, 0))
	svc, err := NewService(context.Background(), cfg, client, nil, newLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, clock
}

func TestListenSimulateAndStatus(t *testing.T) {
	svc, _ := newService(t, config.Default().Capture, nil)
	if err := svc.Simulate("hello", true); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
	if err := svc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = svc.Simulate("hello", true)
	_ = svc.Simulate("wor", false)

	st := svc.Status()
	if !st.Listening || !st.Supported || st.Final != "hello" || st.Interim != "wor" {
		t.Fatalf("unexpected status %+v", st)
	}

	svc.Stop()
	st = svc.Status()
	if st.Listening || st.Final != "hello" || st.Interim != "" {
		t.Fatalf("stop must keep finals and drop interim, got %+v", st)
	}
	svc.Reset()
	if st := svc.Status(); st.Final != "" {
		t.Fatalf("expected reset transcript, got %+v", st)
	}
}

func TestListenUnsupported(t *testing.T) {
	cfg := config.Default().Capture
	cfg.Mode = "none"
	svc, _ := newService(t, cfg, nil)
	if err := svc.Listen(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if svc.Status().Supported {
		t.Fatal("expected unsupported status")
	}
}

func TestManualCommitRequiresText(t *testing.T) {
	svc, _ := newService(t, config.Default().Capture, nil)
	if _, err := svc.Commit(); !errors.Is(err, ErrNothingToSend) {
		t.Fatalf("expected ErrNothingToSend, got %v", err)
	}
	_ = svc.Listen()
	_ = svc.Simulate("send this", true)
	text, err := svc.Commit()
	if err != nil || text != "send this" {
		t.Fatalf("unexpected commit %q %v", text, err)
	}
	if st := svc.Status(); st.Final != "" || !st.Listening {
		t.Fatalf("manual commit clears the transcript only, got %+v", st)
	}
}

func TestSimulateEndRestartsRecognition(t *testing.T) {
	svc, _ := newService(t, config.Default().Capture, nil)
	_ = svc.Listen()
	_ = svc.Simulate("first", true)
	if err := svc.SimulateEnd(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if svc.fake.Opened() != 2 {
		t.Fatalf("expected a renewed stream, got %d", svc.fake.Opened())
	}
	_ = svc.Simulate("second", true)
	if st := svc.Status(); st.Final != "first second" || !st.Listening {
		t.Fatalf("unexpected status after restart %+v", st)
	}
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

func TestAutoCommitPublishesAfterQuietPeriod(t *testing.T) {
	client := startBus(t)
	commits := subscribeCommits(t, client)

	svc, clock := newService(t, config.Default().Capture, client)
	_ = svc.Listen()
	_ = svc.Simulate("ship it friday", true)
	clock.Advance(2 * time.Second)
	select {
	case c := <-commits:
		t.Fatalf("commit fired early: %+v", c)
	default:
	}
	clock.Advance(time.Second)

	select {
	case c := <-commits:
		if c.Text != "ship it friday" || c.Trigger != protocol.TriggerAuto || c.SessionID != svc.SessionID() {
			t.Fatalf("unexpected commit %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit")
	}
	if st := svc.Status(); st.Final != "" || !st.Listening {
		t.Fatalf("auto commit clears the transcript and keeps listening, got %+v", st)
	}
}

func subscribeCommits(t *testing.T, client *bus.Client) chan protocol.Commit {
	t.Helper()
	commits := make(chan protocol.Commit, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectCommit, func(msg *nats.Msg) {
		var c protocol.Commit
		if json.Unmarshal(msg.Data, &c) == nil {
			commits <- c
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return commits
}

func TestRecognitionErrorStillAutoCommits(t *testing.T) {
	client := startBus(t)
	commits := subscribeCommits(t, client)

	svc, clock := newService(t, config.Default().Capture, client)
	_ = svc.Listen()
	_ = svc.Simulate("call me back", true)
	clock.Advance(time.Second)
	svc.fake.Last().Fail("network")
	if svc.Status().Listening {
		t.Fatal("expected terminal error to stop listening")
	}
	clock.Advance(2 * time.Second)

	select {
	case c := <-commits:
		if c.Text != "call me back" || c.Trigger != protocol.TriggerAuto {
			t.Fatalf("unexpected commit %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("answer lost after recognition error")
	}
}

func TestManualCommitSuppressesAutoCommit(t *testing.T) {
	client := startBus(t)
	commits := subscribeCommits(t, client)

	svc, clock := newService(t, config.Default().Capture, client)
	_ = svc.Listen()
	_ = svc.Simulate("only once", true)
	clock.Advance(time.Second)
	if _, err := svc.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case c := <-commits:
		if c.Trigger != protocol.TriggerManual || c.Text != "only once" {
			t.Fatalf("unexpected commit %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for manual commit")
	}
	select {
	case c := <-commits:
		t.Fatalf("duplicate commit %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewBackendModes(t *testing.T) {
	b, err := NewBackend(config.CaptureConfig{Mode: "mock"}, newLogger())
	if err != nil || b.Fake == nil || !b.Probe.Supported() {
		t.Fatalf("unexpected mock backend %+v %v", b, err)
	}
	b, err = NewBackend(config.CaptureConfig{Mode: "none"}, newLogger())
	if err != nil || b.Recognizer != nil || b.Probe.Supported() {
		t.Fatalf("unexpected none backend %+v %v", b, err)
	}
	if _, err := NewBackend(config.CaptureConfig{Mode: "exec"}, newLogger()); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	b, err = NewBackend(config.CaptureConfig{Mode: "exec", Command: "definitely-not-a-speech-helper-binary"}, newLogger())
	if err != nil || b.Probe.Supported() {
		t.Fatalf("expected unresolvable helper to be unsupported, got %v", err)
	}
}
