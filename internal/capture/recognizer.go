package capture

// Hypothesis is one candidate transcription of an utterance.
type Hypothesis struct {
	Text    string
	IsFinal bool
}

// RecognizerConfig is passed to the platform on every acquisition.
type RecognizerConfig struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// DefaultRecognizerConfig mirrors the settings used by the dictation UI.
func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{Language: "en-US", Continuous: true, InterimResults: true}
}

// Handlers are the three event slots a Stream delivers to.
//
// OnResult receives the complete hypothesis list accumulated since the
// stream was opened, not a delta. Handlers must never be invoked
// synchronously from Start, Stop or Abort.
type Handlers struct {
	OnResult func(batch []Hypothesis)
	OnEnd    func()
	OnError  func(code string)
}

// Stream is a single-use live recognition resource.
type Stream interface {
	Start() error
	Stop()
	Abort()
}

// Recognizer opens recognition streams on the host platform.
type Recognizer interface {
	Open(cfg RecognizerConfig, h Handlers) (Stream, error)
}
