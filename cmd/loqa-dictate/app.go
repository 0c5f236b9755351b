package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mail/internal/capture"
	"github.com/loqalabs/loqa-mail/internal/compose"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/dictation"
	"github.com/loqalabs/loqa-mail/internal/export"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/interview"
	"github.com/loqalabs/loqa-mail/internal/llm"
)

const helpText = `commands:
  /mic       toggle the microphone
  /send      dictation: write the email; interview: send the current answer
  /generate  interview: write the email now
  /reset     clear the transcript
  /end       mock mode: end the recognition stream as a platform timeout would
  /quit      exit
In mock capture mode other lines are spoken while the microphone is on.`

type options struct {
	interview     bool
	existingEmail string
	to            string
	tone          string
	style         string
	length        string
	recipient     string
	copy          bool
}

type app struct {
	cfg       config.Config
	opts      options
	logger    *slog.Logger
	store     *history.Store
	composer  *compose.Composer
	backend   dictation.Backend
	session   *capture.Session
	flow      *interview.Flow
	clipboard *export.Clipboard

	outMu     sync.Mutex
	out       io.Writer
	shown     int
	delivered bool
	lastFinal string
}

func newApp(ctx context.Context, cfg config.Config, opts options, out io.Writer, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		out:       out,
		clipboard: export.NewClipboard(),
	}

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.store = store

	gen, err := llm.New(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.composer, err = compose.NewComposer(gen, store, cfg.Compose, cfg.LLM.Temperature, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.backend, err = dictation.NewBackend(cfg.Capture, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.session = capture.NewSession(a.backend.Recognizer, a.backend.Probe,
		capture.WithLogger(logger),
		capture.WithRestartLimit(cfg.Capture.MaxRestartsPerMinute),
		capture.WithRecognizerConfig(dictation.RecognizerConfig(cfg.Capture)),
		capture.WithHooks(capture.Hooks{OnTerminalError: a.onTerminalError}),
	)

	if opts.interview {
		interviewer := interview.NewLLMInterviewer(gen, cfg.Interview, cfg.LLM.Temperature, logger)
		a.flow = interview.NewFlow(ctx, a.session, interviewer, interview.FlowConfig{
			ExistingEmail: opts.existingEmail,
			Quiet:         time.Duration(cfg.Capture.QuietMS) * time.Millisecond,
			AutoCommit:    cfg.Interview.AutoCommit,
			OnUpdate:      a.render,
		}, logger)
	} else {
		a.session.OnTranscriptChange(a.showTranscript)
	}
	return a, nil
}

func (a *app) close() {
	if a.flow != nil {
		a.flow.Close()
	} else {
		a.session.Dispose()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("history close failed", slog.String("error", err.Error()))
	}
}

// run reads commands until /quit, end of input or cancellation.
func (a *app) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.printf("%s\n", helpText)
	if !a.session.Supported() {
		a.printf("speech recognition is unavailable; type your text instead\n")
	}
	if a.flow != nil {
		if err := a.flow.Open(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				a.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) handle(ctx context.Context, line string) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/help":
		a.printf("%s\n", helpText)
	case "/mic":
		a.toggleMic()
	case "/reset":
		a.session.Reset()
	case "/end":
		if a.backend.Fake == nil || a.backend.Fake.Last() == nil {
			return false, errors.New("/end needs mock capture mode and an open stream")
		}
		a.backend.Fake.Last().End()
	case "/send":
		if a.flow != nil {
			return false, a.flow.Send(ctx, "")
		}
		return false, a.writeEmail(ctx, a.session.Snapshot().Text())
	case "/generate":
		if a.flow == nil {
			return false, errors.New("/generate is only available in interview mode")
		}
		return false, a.flow.GenerateNow(ctx)
	default:
		if a.backend.Fake != nil && a.session.Listening() {
			if stream := a.backend.Fake.Last(); stream != nil {
				stream.Say(line, true)
				return false, nil
			}
		}
		if a.flow != nil {
			return false, a.flow.Send(ctx, line)
		}
		return false, a.writeEmail(ctx, line)
	}
	return false, nil
}

func (a *app) toggleMic() {
	if a.flow != nil {
		a.flow.ToggleVoice()
	} else if a.session.Listening() {
		a.session.Stop()
	} else {
		a.session.Start()
	}
	if a.session.Listening() {
		a.printf("[listening]\n")
	} else {
		a.printf("[microphone off]\n")
	}
}

// writeEmail stops the microphone and streams the email for transcript.
func (a *app) writeEmail(ctx context.Context, transcript string) error {
	a.session.Stop()
	a.printf("\n")
	draft, err := a.composer.Generate(ctx, compose.Request{
		Transcript: transcript,
		Tone:       a.opts.tone,
		Style:      a.opts.style,
		Length:     a.opts.length,
		Recipient:  a.opts.recipient,
		Source:     "dictate",
	}, func(chunk string) error {
		a.printf("%s", chunk)
		return nil
	})
	if err != nil {
		return err
	}
	a.printf("\n\n")
	a.session.Reset()
	a.deliver(draft.Subject, draft.Body)
	return nil
}

func (a *app) deliver(subject, body string) {
	if a.opts.copy {
		if err := a.clipboard.CopyEmail(subject, body); err != nil {
			a.printf("! clipboard: %v\n", err)
		} else {
			a.printf("[copied to clipboard]\n")
		}
	}
	a.printf("%s\n", export.BuildMailtoURL(a.opts.to, subject, body))
}

func (a *app) showTranscript(snap capture.Snapshot) {
	a.outMu.Lock()
	changed := snap.Final != a.lastFinal
	a.lastFinal = snap.Final
	a.outMu.Unlock()
	if changed && snap.Final != "" {
		a.printf("> %s\n", snap.Final)
	}
}

// render prints conversation messages that have not been shown yet and hands
// the finished email off once.
func (a *app) render(st interview.FlowState) {
	a.outMu.Lock()
	if len(st.Messages) < a.shown {
		a.shown = 0
	}
	fresh := st.Messages[a.shown:]
	a.shown = len(st.Messages)
	deliver := st.Complete && !a.delivered
	if deliver {
		a.delivered = true
	}
	a.outMu.Unlock()

	for _, m := range fresh {
		if m.Role == "assistant" {
			a.printf("assistant: %s\n", m.Content)
		} else {
			a.printf("you: %s\n", m.Content)
		}
	}
	if !deliver {
		return
	}
	a.printf("\n%s\n\n", st.Email)
	subject, body := compose.ParseEmail(st.Email)
	if _, err := a.store.SaveDraft(context.Background(), history.Draft{
		Subject: subject,
		Body:    body,
		Source:  "interview",
	}); err != nil {
		a.logger.Warn("failed to save draft", slog.String("error", err.Error()))
	}
	a.deliver(subject, body)
}

func (a *app) onTerminalError(kind capture.ErrorKind, code string) {
	a.printf("[microphone stopped: %s %s]\n", kind, code)
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
