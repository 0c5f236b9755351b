package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

// Generate streams a canned reply word by word. Interview-style requests get
// a question until the conversation asks for the final email.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	content := mockReply(req)
	words := strings.SplitAfter(content, " ")
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   m.delay,
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func mockReply(req Request) string {
	msgs := conversation(req)
	last := strings.TrimSpace(msgs[len(msgs)-1].Content)
	if strings.Contains(req.System, "[COMPLETE]") {
		if strings.Contains(last, "final email now") || len(msgs) > 6 {
			return "[COMPLETE]\nSubject: Mock draft\n\nHi [Recipient],\n\n" + userSummary(msgs) + "\n\nBest regards,\n[Your Name]\n[/COMPLETE]"
		}
		return "Who is this email going to?"
	}
	return "[mock completion for " + last + "]"
}

func userSummary(msgs []Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == "user" && !strings.Contains(m.Content, "final email now") {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	return strings.Join(parts, " ")
}
