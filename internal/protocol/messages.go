package protocol

import "time"

// Transcript is the capture session state broadcast after every change.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Final      string    `json:"final"`
	Interim    string    `json:"interim"`
	Listening  bool      `json:"listening"`
	Generation uint64    `json:"generation"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
}

// CaptureState announces listening transitions and terminal capture errors.
type CaptureState struct {
	SessionID string    `json:"session_id"`
	Listening bool      `json:"listening"`
	Supported bool      `json:"supported"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

// Commit carries an utterance submitted by silence or by the user.
type Commit struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest asks the language model service for a completion.
type LLMRequest struct {
	SessionID   string       `json:"session_id"`
	Prompt      string       `json:"prompt,omitempty"`
	System      string       `json:"system,omitempty"`
	Messages    []LLMMessage `json:"messages,omitempty"`
	Tier        string       `json:"tier,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	TraceID     string       `json:"trace_id,omitempty"`
}

// LLMResponse is one streamed chunk. The final message carries the full content.
type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// InterviewReply is the assistant's answer to one interview turn.
type InterviewReply struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Complete  bool      `json:"complete"`
	Email     string    `json:"email,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial  = "capture.transcript.partial"
	SubjectTranscriptFinal    = "capture.transcript.final"
	SubjectCaptureState       = "capture.state"
	SubjectCommit             = "capture.commit"
	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"
	SubjectInterviewReply     = "interview.reply"
)
