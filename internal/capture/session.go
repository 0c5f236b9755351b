package capture

import (
	"log/slog"
	"sync"
	"time"
)

// State is the listening state of a Session.
type State int

const (
	StateIdle State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "idle"
}

// Snapshot is the observable state of a Session after a change. Stopped is
// set only on the notification produced by an explicit Stop.
type Snapshot struct {
	Listening  bool
	Stopped    bool
	Final      string
	Interim    string
	Generation uint64
	Seq        uint64
}

// Text is the final transcript followed by the in-flight utterance.
func (s Snapshot) Text() string {
	return joinText(s.Final, s.Interim)
}

// Hooks observe lifecycle events that are not transcript changes.
type Hooks struct {
	OnRestart       func(generation uint64)
	OnTerminalError func(kind ErrorKind, code string)
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecognizerConfig(cfg RecognizerConfig) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithRestartLimit caps automatic restarts per rolling minute. Zero disables the cap.
func WithRestartLimit(n int) Option {
	return func(s *Session) { s.restartLimit = n }
}

func WithClock(clock Clock) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

type subscriber struct {
	id uint64
	fn func(Snapshot)
}

// Session owns one live recognition stream at a time and keeps listening
// across platform-initiated terminations until stopped.
type Session struct {
	recognizer   Recognizer
	probe        *Probe
	cfg          RecognizerConfig
	logger       *slog.Logger
	clock        Clock
	hooks        Hooks
	restartLimit int

	mu         sync.Mutex
	state      State
	generation uint64
	nextGen    uint64
	stream     Stream
	restart    bool
	retained   string
	final      string
	interim    string
	masked     int
	lastFinals int
	restarts   []time.Time
	seq        uint64
	disposed   bool

	subs     []subscriber
	nextSub  uint64
	queue    []Snapshot
	draining bool
}

// NewSession builds a Session over recognizer. A nil probe means the
// recognizer is considered available whenever it is non-nil.
func NewSession(recognizer Recognizer, probe *Probe, opts ...Option) *Session {
	if probe == nil {
		probe = StaticProbe(recognizer != nil)
	}
	s := &Session{
		recognizer: recognizer,
		probe:      probe,
		cfg:        DefaultRecognizerConfig(),
		logger:     slog.Default(),
		clock:      SystemClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "capture"))
	return s
}

func (s *Session) Supported() bool {
	return s.recognizer != nil && s.probe.Supported()
}

// Start begins listening. It does nothing when recognition is unsupported,
// the session is disposed, or a stream is already live.
func (s *Session) Start() {
	if !s.Supported() {
		return
	}
	s.mu.Lock()
	if s.disposed || s.state == StateListening {
		s.mu.Unlock()
		return
	}
	s.restart = true
	s.restarts = nil
	s.state = StateListening
	gen := s.reserveLocked()
	s.notifyLocked()
	s.mu.Unlock()
	s.drain()

	s.acquire(gen)
}

// Stop ends listening and keeps the final transcript. Calling it while idle is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.restart = false
	stream := s.stream
	s.stream = nil
	s.generation = 0
	changed := s.state == StateListening || s.interim != ""
	s.state = StateIdle
	s.interim = ""
	s.retained = s.final
	s.masked, s.lastFinals = 0, 0
	if changed {
		s.enqueueLocked(true)
	}
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	s.drain()
}

// Dispose aborts the live stream and detaches all subscribers. The session
// emits nothing afterwards.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.restart = false
	stream := s.stream
	s.stream = nil
	s.generation = 0
	s.state = StateIdle
	s.interim = ""
	s.subs = nil
	s.queue = nil
	s.mu.Unlock()

	if stream != nil {
		stream.Abort()
	}
}

// Reset clears the transcript. Finals the live stream has already delivered
// stay hidden when the platform redelivers them.
func (s *Session) Reset() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.generation != 0 {
		s.masked = s.lastFinals
	}
	changed := s.final != "" || s.interim != ""
	s.final, s.interim, s.retained = "", "", ""
	if changed {
		s.notifyLocked()
	}
	s.mu.Unlock()
	s.drain()
}

func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) FinalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

func (s *Session) InterimText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interim
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Seq is the sequence number of the most recent notification.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// OnTranscriptChange registers fn for every state or transcript change.
// Notifications are delivered one at a time in the order they occurred.
func (s *Session) OnTranscriptChange(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return func() {}
	}
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) acquire(gen uint64) {
	stream, err := s.recognizer.Open(s.cfg, s.handlersFor(gen))
	if err == nil {
		err = stream.Start()
		if err != nil {
			stream = nil
		}
	}

	s.mu.Lock()
	if s.disposed || gen != s.generation {
		s.mu.Unlock()
		if stream != nil {
			stream.Abort()
		}
		return
	}
	if err != nil {
		s.haltLocked()
		s.mu.Unlock()
		s.logger.Warn("speech recognition failed to start", slogError(err))
		s.terminalHook(ErrorUnknown, err.Error())
		s.drain()
		return
	}
	s.stream = stream
	s.mu.Unlock()
}

func (s *Session) handlersFor(gen uint64) Handlers {
	return Handlers{
		OnResult: func(batch []Hypothesis) { s.handleResult(gen, batch) },
		OnEnd:    func() { s.handleEnd(gen) },
		OnError:  func(code string) { s.handleError(gen, code) },
	}
}

func (s *Session) handleResult(gen uint64, batch []Hypothesis) {
	s.mu.Lock()
	if s.disposed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.lastFinals = countFinals(batch)
	next := Reduce(dropFinals(batch, s.masked))
	final := joinText(s.retained, next.Final)
	if final == s.final && next.Interim == s.interim {
		s.mu.Unlock()
		return
	}
	s.final, s.interim = final, next.Interim
	s.notifyLocked()
	s.mu.Unlock()
	s.drain()
}

func (s *Session) handleEnd(gen uint64) {
	s.mu.Lock()
	if s.disposed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.stream = nil
	if !s.restart {
		s.haltLocked()
		s.mu.Unlock()
		s.drain()
		return
	}
	if !s.allowRestartLocked() {
		s.haltLocked()
		s.mu.Unlock()
		s.logger.Warn("speech recognition restart limit reached", slog.Int("limit_per_minute", s.restartLimit))
		s.terminalHook(ErrorUnknown, "restart-limit")
		s.drain()
		return
	}

	s.retained = s.final
	s.masked, s.lastFinals = 0, 0
	changed := s.interim != ""
	s.interim = ""
	next := s.reserveLocked()
	if changed {
		s.notifyLocked()
	}
	s.mu.Unlock()
	s.drain()

	s.logger.Debug("speech recognition stream renewed", slog.Uint64("generation", next))
	if s.hooks.OnRestart != nil {
		s.hooks.OnRestart(next)
	}
	s.acquire(next)
}

func (s *Session) handleError(gen uint64, code string) {
	kind := ClassifyError(code)
	if !kind.Terminal() {
		return
	}
	s.mu.Lock()
	if s.disposed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.stream = nil
	s.haltLocked()
	s.mu.Unlock()

	s.logger.Warn("speech recognition stopped", slog.String("kind", kind.String()), slog.String("code", code))
	if stream != nil {
		stream.Abort()
	}
	s.terminalHook(kind, code)
	s.drain()
}

func (s *Session) terminalHook(kind ErrorKind, code string) {
	if s.hooks.OnTerminalError != nil {
		s.hooks.OnTerminalError(kind, code)
	}
}

// reserveLocked assigns the next generation as the active one.
func (s *Session) reserveLocked() uint64 {
	s.nextGen++
	s.generation = s.nextGen
	s.stream = nil
	s.masked, s.lastFinals = 0, 0
	return s.generation
}

// haltLocked moves to Idle without restarting. The caller owns any live stream.
func (s *Session) haltLocked() {
	s.restart = false
	s.generation = 0
	s.state = StateIdle
	s.interim = ""
	s.retained = s.final
	s.masked, s.lastFinals = 0, 0
	s.notifyLocked()
}

func (s *Session) allowRestartLocked() bool {
	if s.restartLimit <= 0 {
		return true
	}
	now := s.clock.Now()
	cutoff := now.Add(-time.Minute)
	kept := s.restarts[:0]
	for _, ts := range s.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.restarts = kept
	if len(s.restarts) >= s.restartLimit {
		return false
	}
	s.restarts = append(s.restarts, now)
	return true
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Listening:  s.state == StateListening,
		Final:      s.final,
		Interim:    s.interim,
		Generation: s.generation,
		Seq:        s.seq,
	}
}

func (s *Session) notifyLocked() { s.enqueueLocked(false) }

func (s *Session) enqueueLocked(stopped bool) {
	if s.disposed {
		return
	}
	s.seq++
	snap := s.snapshotLocked()
	snap.Stopped = stopped
	s.queue = append(s.queue, snap)
}

// drain delivers queued snapshots outside the lock. Only one caller drains
// at a time; reentrant calls from subscribers return immediately.
func (s *Session) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 && !s.disposed {
		snap := s.queue[0]
		s.queue = s.queue[1:]
		subs := append([]subscriber(nil), s.subs...)
		s.mu.Unlock()
		for _, sub := range subs {
			sub.fn(snap)
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
