package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/history"
	"github.com/loqalabs/loqa-mail/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyTranscript = errors.New("transcript is required")
	ErrInvalidOption   = errors.New("invalid tone, style or length")
)

// Request selects what to write and how.
type Request struct {
	SessionID  string `json:"session_id,omitempty"`
	Transcript string `json:"transcript"`
	Tone       string `json:"tone"`
	Style      string `json:"style"`
	Length     string `json:"length"`
	Recipient  string `json:"recipientContext"`
	Source     string `json:"-"`
}

// Composer turns transcripts into email drafts through an llm.Generator.
type Composer struct {
	gen         llm.Generator
	store       *history.Store
	cfg         config.ComposeConfig
	temperature float64
	logger      *slog.Logger
	tracer      trace.Tracer
	latency     metric.Float64Histogram
}

func NewComposer(gen llm.Generator, store *history.Store, cfg config.ComposeConfig, temperature float64, logger *slog.Logger) (*Composer, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-mail/internal/compose")
	latency, err := meter.Float64Histogram("loqa.compose.latency_ms",
		metric.WithDescription("Email generation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create compose latency histogram: %w", err)
	}
	return &Composer{
		gen:         gen,
		store:       store,
		cfg:         cfg,
		temperature: temperature,
		logger:      logger.With(slog.String("component", "compose")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-mail/internal/compose"),
		latency:     latency,
	}, nil
}

// Normalize fills defaults and validates the selected options.
func (c *Composer) Normalize(req Request) (Request, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return req, ErrEmptyTranscript
	}
	if req.Tone == "" {
		req.Tone = c.cfg.DefaultTone
	}
	if req.Style == "" {
		req.Style = c.cfg.DefaultStyle
	}
	if req.Length == "" {
		req.Length = c.cfg.DefaultLength
	}
	if !validTone(req.Tone) || !validStyle(req.Style) || !validLength(req.Length) {
		return req, fmt.Errorf("%w: %s/%s/%s", ErrInvalidOption, req.Tone, req.Style, req.Length)
	}
	if req.Source == "" {
		req.Source = "compose"
	}
	return req, nil
}

// Generate streams the email to onChunk as it is produced and stores the
// finished draft in history.
func (c *Composer) Generate(ctx context.Context, req Request, onChunk func(string) error) (history.Draft, error) {
	req, err := c.Normalize(req)
	if err != nil {
		return history.Draft{}, err
	}

	ctx, span := c.tracer.Start(ctx, "compose.generate", trace.WithAttributes(
		attribute.String("tone", req.Tone),
		attribute.String("style", req.Style),
		attribute.String("length", req.Length),
	))
	defer span.End()

	start := time.Now()
	var text strings.Builder
	err = c.gen.Generate(ctx, llm.Request{
		SessionID:   req.SessionID,
		Prompt:      BuildPrompt(req.Transcript, req.Tone, req.Style, req.Length, req.Recipient),
		Tier:        c.cfg.Tier,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.temperature,
		TraceID:     span.SpanContext().TraceID().String(),
	}, func(chunk llm.Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		text.WriteString(chunk.Content)
		if onChunk != nil {
			return onChunk(chunk.Content)
		}
		return nil
	})
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		c.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("status", "error")))
		return history.Draft{}, fmt.Errorf("generate email: %w", err)
	}
	c.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("status", "ok")))

	subject, body := ParseEmail(text.String())
	draft := history.Draft{
		SessionID:  req.SessionID,
		Transcript: req.Transcript,
		Subject:    subject,
		Body:       body,
		Tone:       req.Tone,
		Style:      req.Style,
		Length:     req.Length,
		Source:     req.Source,
	}
	if c.store != nil {
		saved, err := c.store.SaveDraft(ctx, draft)
		if err != nil {
			c.logger.Warn("failed to save draft", slogError(err))
		} else {
			draft = saved
		}
	}
	c.logger.Info("email generated",
		slog.String("tone", req.Tone),
		slog.Int("transcript_chars", len(req.Transcript)),
		slog.Float64("latency_ms", elapsed))
	return draft, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
