package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecRecognizer runs an external speech helper per stream. The helper
// writes one JSON event per line on stdout:
//
//	{"event":"result","results":[{"transcript":"hello","is_final":true}]}
//	{"event":"error","error":"no-speech"}
//	{"event":"end"}
//
// Closing its stdin asks it to finish; process exit counts as an end event.
type ExecRecognizer struct {
	cmd    []string
	logger *slog.Logger
}

type execEvent struct {
	Event   string           `json:"event"`
	Results []execHypothesis `json:"results"`
	Error   string           `json:"error"`
}

type execHypothesis struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return args, nil
}

func NewExecRecognizer(command string, logger *slog.Logger) (*ExecRecognizer, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRecognizer{cmd: args, logger: logger}, nil
}

// ExecAvailable reports whether the helper binary named by command resolves.
func ExecAvailable(command string) bool {
	args, err := parseCommand(command)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(args[0])
	return err == nil
}

func (r *ExecRecognizer) Open(cfg RecognizerConfig, h Handlers) (Stream, error) {
	args := append([]string{}, r.cmd[1:]...)
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}
	args = append(args, "--continuous="+strconv.FormatBool(cfg.Continuous))
	args = append(args, "--interim="+strconv.FormatBool(cfg.InterimResults))
	return &execStream{
		base:     r.cmd[0],
		args:     args,
		handlers: h,
		logger:   r.logger,
	}, nil
}

type execStream struct {
	base     string
	args     []string
	handlers Handlers
	logger   *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	endOnce sync.Once
}

func (s *execStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("capture stream already started")
	}
	cmd := exec.Command(s.base, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("capture stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	go func() {
		s.consume(stdout)
		if err := cmd.Wait(); err != nil {
			s.logger.Debug("capture helper exited", slogError(err))
		}
		s.end()
	}()
	return nil
}

func (s *execStream) Stop() {
	s.mu.Lock()
	stdin := s.stdin
	s.stdin = nil
	s.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
}

func (s *execStream) Abort() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// consume dispatches helper events until r is exhausted or an end event arrives.
func (s *execStream) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("invalid capture event", slogError(err))
			continue
		}
		switch ev.Event {
		case "result":
			batch := make([]Hypothesis, 0, len(ev.Results))
			for _, res := range ev.Results {
				batch = append(batch, Hypothesis{Text: res.Transcript, IsFinal: res.IsFinal})
			}
			if s.handlers.OnResult != nil {
				s.handlers.OnResult(batch)
			}
		case "error":
			if s.handlers.OnError != nil {
				s.handlers.OnError(ev.Error)
			}
		case "end":
			s.end()
			// Discard trailing output until the helper exits.
			_, _ = io.Copy(io.Discard, r)
			return
		default:
			s.logger.Debug("ignoring capture event", slog.String("event", ev.Event))
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("capture stream read failed", slogError(err))
	}
}

func (s *execStream) end() {
	s.endOnce.Do(func() {
		if s.handlers.OnEnd != nil {
			s.handlers.OnEnd()
		}
	})
}
