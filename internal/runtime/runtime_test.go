package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-mail/internal/compose"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/dictation"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/interview"
	"github.com/loqalabs/loqa-mail/internal/llm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type cannedGenerator struct {
	chunks []string
}

func (g cannedGenerator) Generate(_ context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	for i, c := range g.chunks {
		if err := consumer(llm.Chunk{Content: c, Partial: i < len(g.chunks)-1}); err != nil {
			return err
		}
	}
	return nil
}

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	logger := newLogger()
	cfg := config.Default()
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gen := cannedGenerator{chunks: []string{"Subject: Lunch\n\n", "Hi team,\n", "Lunch is at noon."}}
	composer, err := compose.NewComposer(gen, store, cfg.Compose, 0.7, logger)
	if err != nil {
		t.Fatalf("composer: %v", err)
	}

	dict, err := dictation.NewService(ctx, cfg.Capture, nil, store, logger)
	if err != nil {
		t.Fatalf("dictation: %v", err)
	}
	if err := dict.Start(); err != nil {
		t.Fatalf("start dictation: %v", err)
	}
	t.Cleanup(dict.Close)

	r := New(cfg, logger)
	r.store = store
	r.composer = composer
	r.interviewer = interview.NewLLMInterviewer(llm.NewMockGenerator(), cfg.Interview, 0.7, logger)
	r.dictation = dict
	r.hub = newHub(logger)
	r.ready.Store(true)

	srv := httptest.NewServer(r.routes())
	t.Cleanup(srv.Close)
	return r, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthAndReady(t *testing.T) {
	r, srv := newTestRuntime(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health %v %v", resp, err)
	}
	resp.Body.Close()

	resp, _ = http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	r.ready.Store(false)
	resp, _ = http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}
}

func TestGenerateEmailStreamsAndStoresDraft(t *testing.T) {
	r, srv := newTestRuntime(t)
	resp := postJSON(t, srv.URL+"/api/generate-email", map[string]string{
		"transcript": "tell the team lunch is at noon",
		"tone":       "friendly",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Subject: Lunch\n\nHi team,\nLunch is at noon." {
		t.Fatalf("unexpected body %q", body)
	}

	drafts, err := r.store.ListDrafts(context.Background(), 10)
	if err != nil || len(drafts) != 1 {
		t.Fatalf("expected stored draft, got %v %v", drafts, err)
	}
	if drafts[0].Subject != "Lunch" || drafts[0].Tone != "friendly" || drafts[0].Source != "compose" {
		t.Fatalf("unexpected draft %+v", drafts[0])
	}
}

func TestGenerateEmailRejectsBadInput(t *testing.T) {
	_, srv := newTestRuntime(t)
	resp := postJSON(t, srv.URL+"/api/generate-email", map[string]string{"transcript": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank transcript, got %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] != compose.ErrEmptyTranscript.Error() {
		t.Fatalf("unexpected error body %v", body)
	}

	resp = postJSON(t, srv.URL+"/api/generate-email", map[string]string{"transcript": "hi", "tone": "sarcastic"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tone, got %d", resp.StatusCode)
	}
}

func TestInterviewEndpoint(t *testing.T) {
	_, srv := newTestRuntime(t)
	resp := postJSON(t, srv.URL+"/api/interview", map[string]any{"action": "start"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var reply interview.Reply
	decode(t, resp, &reply)
	if reply.Message == "" || reply.Complete {
		t.Fatalf("expected an opening question, got %+v", reply)
	}

	resp = postJSON(t, srv.URL+"/api/interview", map[string]any{"action": "dance"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	r, srv := newTestRuntime(t)
	d, err := r.store.SaveDraft(context.Background(), history.Draft{
		Transcript: "x",
		Subject:    "Q3 & plans",
		Body:       "Line one\nLine two",
		Source:     "compose",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	resp, _ := http.Get(srv.URL + "/api/history")
	var drafts []history.Draft
	decode(t, resp, &drafts)
	resp.Body.Close()
	if len(drafts) != 1 || drafts[0].ID != d.ID {
		t.Fatalf("unexpected list %+v", drafts)
	}

	resp, _ = http.Get(srv.URL + "/api/history/" + d.ID + "/mailto?to=bob@example.com")
	var mailto map[string]string
	decode(t, resp, &mailto)
	resp.Body.Close()
	want := "mailto:bob@example.com?subject=Q3%20%26%20plans&body=Line%20one%0D%0ALine%20two"
	if mailto["url"] != want {
		t.Fatalf("unexpected mailto %q", mailto["url"])
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/history/"+d.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected delete response %v %v", resp, err)
	}
	resp.Body.Close()

	resp, _ = http.Get(srv.URL + "/api/history/" + d.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestCaptureEndpoints(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp := postJSON(t, srv.URL+"/api/capture/simulate", simulateRequest{Text: "early", Final: true})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while idle, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/capture/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d", resp.StatusCode)
	}
	postJSON(t, srv.URL+"/api/capture/simulate", simulateRequest{Text: "book the room", Final: true})
	resp = postJSON(t, srv.URL+"/api/capture/simulate", simulateRequest{Text: "for", Final: false})
	var st dictation.Status
	decode(t, resp, &st)
	if !st.Listening || st.Final != "book the room" || st.Interim != "for" {
		t.Fatalf("unexpected status %+v", st)
	}

	resp = postJSON(t, srv.URL+"/api/capture/commit", nil)
	var committed map[string]string
	decode(t, resp, &committed)
	if committed["text"] != "book the room for" {
		t.Fatalf("unexpected commit %v", committed)
	}

	resp = postJSON(t, srv.URL+"/api/capture/commit", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for empty commit, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/capture/stop", nil)
	decode(t, resp, &st)
	if st.Listening {
		t.Fatal("expected capture stopped")
	}
}

func TestWebsocketReceivesBroadcast(t *testing.T) {
	r, srv := newTestRuntime(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for r.hub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.hub.broadcast("capture.commit", []byte(`{"text":"hello"}`))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Subject != "capture.commit" || string(env.Data) != `{"text":"hello"}` {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
