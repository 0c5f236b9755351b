package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-mail/internal/compose"
	"github.com/loqalabs/loqa-mail/internal/dictation"
	"github.com/loqalabs/loqa-mail/internal/export"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/interview"
	"github.com/loqalabs/loqa-mail/internal/router"
)

func (r *Runtime) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(r.accessLog)

	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	if r.hub != nil {
		mux.Handle("/ws", r.hub)
	}

	mux.Route("/api", func(api chi.Router) {
		api.Post("/generate-email", r.handleGenerateEmail)
		api.Post("/interview", r.handleInterview)

		api.Route("/interview/sessions", func(s chi.Router) {
			s.Post("/", r.handleBeginInterview)
			s.Get("/{id}", r.handleGetInterview)
			s.Post("/{id}/generate", r.handleInterviewGenerate)
			s.Delete("/{id}", r.handleForgetInterview)
		})

		api.Route("/history", func(h chi.Router) {
			h.Get("/", r.handleListDrafts)
			h.Get("/{id}", r.handleGetDraft)
			h.Get("/{id}/mailto", r.handleDraftMailto)
			h.Delete("/{id}", r.handleDeleteDraft)
			h.Get("/sessions/{id}/events", r.handleSessionEvents)
		})

		api.Route("/capture", func(c chi.Router) {
			c.Get("/", r.handleCaptureStatus)
			c.Post("/start", r.handleCaptureStart)
			c.Post("/stop", r.handleCaptureStop)
			c.Post("/reset", r.handleCaptureReset)
			c.Post("/commit", r.handleCaptureCommit)
			c.Post("/simulate", r.handleCaptureSimulate)
			c.Post("/simulate/end", r.handleCaptureSimulateEnd)
		})
	})
	return mux
}

func (r *Runtime) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		r.logger.Debug("http request",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(req.Context())))
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleGenerateEmail streams the generated email as plain text.
func (r *Runtime) handleGenerateEmail(w http.ResponseWriter, req *http.Request) {
	if r.composer == nil {
		writeError(w, http.StatusServiceUnavailable, "email generation unavailable")
		return
	}
	var body compose.Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	body.Source = "compose"
	if _, err := r.composer.Normalize(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	_, err := r.composer.Generate(req.Context(), body, func(chunk string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("generate email failed", slogError(err))
		if !started {
			writeError(w, http.StatusInternalServerError, "Failed to generate email")
		}
	}
}

// handleInterview answers one stateless interview turn.
func (r *Runtime) handleInterview(w http.ResponseWriter, req *http.Request) {
	if r.interviewer == nil {
		writeError(w, http.StatusServiceUnavailable, "interview unavailable")
		return
	}
	var turn interview.TurnRequest
	if err := json.NewDecoder(req.Body).Decode(&turn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if _, _, err := interview.BuildMessages(turn); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := r.interviewer.Turn(req.Context(), turn)
	if err != nil {
		r.logger.Warn("interview turn failed", slogError(err))
		reply = interview.Reply{Message: interview.BackendFallback}
	}
	writeJSON(w, http.StatusOK, reply)
}

type beginInterviewRequest struct {
	SessionID     string `json:"session_id"`
	Transcript    string `json:"transcript"`
	ExistingEmail string `json:"existingEmail"`
}

// handleBeginInterview enrolls a capture session in a bus-driven interview.
// Without a session id the daemon's own capture session is used.
func (r *Runtime) handleBeginInterview(w http.ResponseWriter, req *http.Request) {
	if r.router == nil {
		writeError(w, http.StatusServiceUnavailable, "interview unavailable")
		return
	}
	var body beginInterviewRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.SessionID == "" && r.dictation != nil {
		body.SessionID = r.dictation.SessionID()
	}
	if err := r.router.Begin(body.SessionID, body.Transcript, body.ExistingEmail); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": body.SessionID})
}

func (r *Runtime) handleGetInterview(w http.ResponseWriter, req *http.Request) {
	if r.router == nil {
		writeError(w, http.StatusServiceUnavailable, "interview unavailable")
		return
	}
	msgs, ok := r.router.Conversation(chi.URLParam(req, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "interview not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (r *Runtime) handleInterviewGenerate(w http.ResponseWriter, req *http.Request) {
	if r.router == nil {
		writeError(w, http.StatusServiceUnavailable, "interview unavailable")
		return
	}
	err := r.router.GenerateNow(chi.URLParam(req, "id"))
	switch {
	case errors.Is(err, router.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, router.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (r *Runtime) handleForgetInterview(w http.ResponseWriter, req *http.Request) {
	if r.router != nil {
		r.router.Forget(chi.URLParam(req, "id"))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleListDrafts(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, []history.Draft{})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	drafts, err := r.store.ListDrafts(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list drafts failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to list drafts")
		return
	}
	if drafts == nil {
		drafts = []history.Draft{}
	}
	writeJSON(w, http.StatusOK, drafts)
}

func (r *Runtime) lookupDraft(w http.ResponseWriter, req *http.Request) (history.Draft, bool) {
	if r.store == nil {
		writeError(w, http.StatusNotFound, "draft not found")
		return history.Draft{}, false
	}
	d, err := r.store.GetDraft(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "draft not found")
		return d, false
	}
	if err != nil {
		r.logger.Warn("get draft failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to load draft")
		return d, false
	}
	return d, true
}

func (r *Runtime) handleGetDraft(w http.ResponseWriter, req *http.Request) {
	if d, ok := r.lookupDraft(w, req); ok {
		writeJSON(w, http.StatusOK, d)
	}
}

func (r *Runtime) handleDraftMailto(w http.ResponseWriter, req *http.Request) {
	d, ok := r.lookupDraft(w, req)
	if !ok {
		return
	}
	to := strings.TrimSpace(req.URL.Query().Get("to"))
	writeJSON(w, http.StatusOK, map[string]string{"url": export.BuildMailtoURL(to, d.Subject, d.Body)})
}

func (r *Runtime) handleDeleteDraft(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	err := r.store.DeleteDraft(req.Context(), chi.URLParam(req, "id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "draft not found")
	case err != nil:
		r.logger.Warn("delete draft failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to delete draft")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListSessionEvents(req.Context(), chi.URLParam(req, "id"), limit)
	if err != nil {
		r.logger.Warn("list session events failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	type eventView struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		payload := e.Payload
		if !json.Valid(payload) {
			payload, _ = json.Marshal(string(e.Payload))
		}
		out = append(out, eventView{Type: e.Type, Payload: payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleCaptureStatus(w http.ResponseWriter, _ *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	writeJSON(w, http.StatusOK, r.dictation.Status())
}

func (r *Runtime) handleCaptureStart(w http.ResponseWriter, _ *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	if err := r.dictation.Listen(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.dictation.Status())
}

func (r *Runtime) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	r.dictation.Stop()
	writeJSON(w, http.StatusOK, r.dictation.Status())
}

func (r *Runtime) handleCaptureReset(w http.ResponseWriter, _ *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	r.dictation.Reset()
	writeJSON(w, http.StatusOK, r.dictation.Status())
}

func (r *Runtime) handleCaptureCommit(w http.ResponseWriter, _ *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	text, err := r.dictation.Commit()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

type simulateRequest struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func (r *Runtime) handleCaptureSimulate(w http.ResponseWriter, req *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	var body simulateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := r.dictation.Simulate(body.Text, body.Final); err != nil {
		writeError(w, simulateStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.dictation.Status())
}

func (r *Runtime) handleCaptureSimulateEnd(w http.ResponseWriter, _ *http.Request) {
	if r.dictation == nil {
		writeError(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	if err := r.dictation.SimulateEnd(); err != nil {
		writeError(w, simulateStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.dictation.Status())
}

func simulateStatus(err error) int {
	if errors.Is(err, dictation.ErrNotSimulated) {
		return http.StatusNotImplemented
	}
	return http.StatusConflict
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
