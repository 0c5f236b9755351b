package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator drafts through a local helper command, one process per
// request. The helper reads an execPrompt from stdin and writes one JSON
// object per line to stdout. A helper that prints a single object with the
// whole reply is a one-chunk stream.
type execGenerator struct {
	argv []string
}

type execPrompt struct {
	SessionID   string    `json:"session_id,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type execDelta struct {
	Content          string `json:"content"`
	Done             bool   `json:"done,omitempty"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.NewParser().Parse(strings.TrimSpace(command))
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execPrompt{
		SessionID:   req.SessionID,
		Tier:        req.Tier,
		Messages:    conversation(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm helper: %w", err)
	}

	streamErr := g.relay(stdout, req, start, consumer)
	// Wait must not run before stdout is fully read.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm helper failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("llm helper failed: %w", waitErr)
	}
	return streamErr
}

// relay decodes helper output and forwards it as chunks. The final chunk is
// always sent with Partial unset, even when the helper never marks done.
func (g *execGenerator) relay(r io.Reader, req Request, start time.Time, consumer func(Chunk) error) error {
	dec := json.NewDecoder(r)
	var last *execDelta
	emit := func(d execDelta, partial bool) error {
		return consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          d.Content,
			Partial:          partial,
			PromptTokens:     d.PromptTokens,
			CompletionTokens: d.CompletionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		})
	}
	for {
		var d execDelta
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode llm helper output: %w", err)
		}
		if d.Error != "" {
			return fmt.Errorf("llm helper: %s", d.Error)
		}
		if last != nil {
			if err := emit(*last, true); err != nil {
				return err
			}
		}
		if d.Done {
			return emit(d, false)
		}
		last = &d
	}
	if last == nil {
		return errors.New("llm helper produced no output")
	}
	return emit(*last, false)
}
