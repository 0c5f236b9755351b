package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mail/internal/bus"
	"github.com/loqalabs/loqa-mail/internal/config"
	"github.com/loqalabs/loqa-mail/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers llm.request messages on the bus. Partial deltas go out on
// llm.response.partial; the final message carries the whole completion.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
		defer cancel()

		options, err := RequestFromMessage(s.cfg, req)
		if err != nil {
			s.logger.Warn("invalid LLM options", slogError(err))
			s.publishFailure(req, err)
			return
		}

		start := time.Now()
		var full strings.Builder
		var last Chunk
		err = s.generator.Generate(ctx, options, func(chunk Chunk) error {
			full.WriteString(chunk.Content)
			last = chunk
			if chunk.Partial && chunk.Content != "" {
				return s.publish(protocol.SubjectLLMResponsePartial, responseFromChunk(chunk, chunk.Content, true))
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("llm generation failed", slogError(err))
			s.publishFailure(req, err)
			return
		}
		last.SessionID = req.SessionID
		last.TraceID = req.TraceID
		if err := s.publish(protocol.SubjectLLMResponseFinal, responseFromChunk(last, full.String(), false)); err != nil {
			return
		}
		s.logger.Info("llm generation complete", slog.String("session_id", req.SessionID), slog.Duration("latency", time.Since(start)))
	}()
}

// RequestFromMessage merges a bus request over configured defaults.
func RequestFromMessage(cfg config.LLMConfig, req protocol.LLMRequest) (Request, error) {
	options, err := OptionsFromConfig(cfg, req.Tier)
	if err != nil {
		return options, err
	}
	options.SessionID = req.SessionID
	options.Prompt = req.Prompt
	options.System = req.System
	for _, m := range req.Messages {
		options.Messages = append(options.Messages, Message{Role: m.Role, Content: m.Content})
	}
	options.MaxTokens = coalesceInt(req.MaxTokens, cfg.MaxTokens)
	if req.Temperature != 0 {
		options.Temperature = req.Temperature
	}
	options.TraceID = req.TraceID
	return options, nil
}

func responseFromChunk(chunk Chunk, content string, partial bool) protocol.LLMResponse {
	return protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		Content:          content,
		Partial:          partial,
		TraceID:          chunk.TraceID,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
}

func (s *Service) publishFailure(req protocol.LLMRequest, cause error) {
	_ = s.publish(protocol.SubjectLLMResponseFinal, protocol.LLMResponse{
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, msg protocol.LLMResponse) error {
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	return nil
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
