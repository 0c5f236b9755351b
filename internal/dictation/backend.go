package dictation

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-mail/internal/capture"
	"github.com/loqalabs/loqa-mail/internal/config"
)

// Backend is the recognizer selected by the capture mode. Fake is set only in
// mock mode, where phrases are fed by hand.
type Backend struct {
	Recognizer capture.Recognizer
	Probe      *capture.Probe
	Fake       *capture.FakeRecognizer
}

func NewBackend(cfg config.CaptureConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Mode {
	case "", "mock":
		fake := capture.NewFakeRecognizer()
		return Backend{Recognizer: fake, Probe: capture.StaticProbe(true), Fake: fake}, nil
	case "exec":
		rec, err := capture.NewExecRecognizer(cfg.Command, logger)
		if err != nil {
			return Backend{}, err
		}
		command := cfg.Command
		return Backend{
			Recognizer: rec,
			Probe:      capture.NewProbe(func() bool { return capture.ExecAvailable(command) }),
		}, nil
	case "none":
		return Backend{Probe: capture.StaticProbe(false)}, nil
	default:
		return Backend{}, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// RecognizerConfig maps capture settings onto the recognizer configuration.
// Recognition is always continuous.
func RecognizerConfig(cfg config.CaptureConfig) capture.RecognizerConfig {
	return capture.RecognizerConfig{
		Language:       cfg.Language,
		Continuous:     true,
		InterimResults: cfg.InterimResults,
	}
}
