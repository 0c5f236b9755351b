package interview

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Action string

const (
	ActionStart    Action = "start"
	ActionContinue Action = "continue"
	ActionGenerate Action = "generate"
)

type Message = llm.Message

// TurnRequest is one round trip of the interview.
type TurnRequest struct {
	Action        Action    `json:"action"`
	Transcript    string    `json:"transcript"`
	Messages      []Message `json:"messages"`
	ExistingEmail string    `json:"existingEmail,omitempty"`
}

// Reply is either the next question or the finished email.
type Reply struct {
	Message  string `json:"message,omitempty"`
	Complete bool   `json:"isComplete,omitempty"`
	Email    string `json:"finalEmail,omitempty"`
}

// Interviewer answers interview turns.
type Interviewer interface {
	Turn(ctx context.Context, req TurnRequest) (Reply, error)
}

// BuildMessages returns the system prompt and conversation for req.
func BuildMessages(req TurnRequest) (string, []Message, error) {
	enhance := strings.TrimSpace(req.ExistingEmail) != ""
	system := systemPromptNew
	if enhance {
		system = systemPromptEnhance
	}

	switch req.Action {
	case ActionStart:
		user := req.Transcript
		if user == "" {
			user = defaultStartMessage
		}
		if enhance {
			user = fmt.Sprintf("Here's my current email:\n\n%s\n\nI'd like to improve it. %s", req.ExistingEmail, req.Transcript)
		}
		return system, []Message{{Role: "user", Content: user}}, nil
	case ActionContinue, ActionGenerate:
		msgs := make([]Message, 0, len(req.Messages)+1)
		msgs = append(msgs, req.Messages...)
		if req.Action == ActionGenerate {
			msgs = append(msgs, Message{Role: "user", Content: generateInstruction})
		}
		return system, msgs, nil
	default:
		return "", nil, fmt.Errorf("unknown interview action %q", req.Action)
	}
}

var completePattern = regexp.MustCompile(`(?s)\[COMPLETE\](.*?)\[/COMPLETE\]`)

// ParseCompletion extracts the email between completion markers.
func ParseCompletion(text string) (string, bool) {
	m := completePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ReplyFromText classifies raw model output.
func ReplyFromText(text string) Reply {
	if email, ok := ParseCompletion(text); ok {
		return Reply{Complete: true, Email: email}
	}
	return Reply{Message: text}
}

// LLMInterviewer runs interview turns against a language model.
type LLMInterviewer struct {
	gen         llm.Generator
	cfg         config.InterviewConfig
	temperature float64
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewLLMInterviewer(gen llm.Generator, cfg config.InterviewConfig, temperature float64, logger *slog.Logger) *LLMInterviewer {
	return &LLMInterviewer{
		gen:         gen,
		cfg:         cfg,
		temperature: temperature,
		logger:      logger.With(slog.String("component", "interview")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-mail/internal/interview"),
	}
}

// Turn returns the model's reply. Backend failures degrade to a generic
// follow-up question instead of an error.
func (i *LLMInterviewer) Turn(ctx context.Context, req TurnRequest) (Reply, error) {
	system, msgs, err := BuildMessages(req)
	if err != nil {
		return Reply{}, err
	}
	ctx, span := i.tracer.Start(ctx, "interview.turn", trace.WithAttributes(
		attribute.String("action", string(req.Action)),
		attribute.Int("messages", len(msgs)),
	))
	defer span.End()

	text, err := llm.Collect(ctx, i.gen, RequestFor(i.cfg, i.temperature, system, msgs))
	if err != nil {
		span.RecordError(err)
		i.logger.Warn("interview turn failed", slog.String("action", string(req.Action)), slogError(err))
		return Reply{Message: BackendFallback}, nil
	}
	return ReplyFromText(text), nil
}

// RequestFor builds an interview llm.Request from configuration.
func RequestFor(cfg config.InterviewConfig, temperature float64, system string, msgs []Message) llm.Request {
	return llm.Request{
		System:      system,
		Messages:    msgs,
		Tier:        cfg.Tier,
		MaxTokens:   cfg.MaxTokens,
		Temperature: temperature,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
