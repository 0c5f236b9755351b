package capture

import (
	"sort"
	"sync"
	"time"
)

// FakeRecognizer records every opened stream and lets callers drive
// platform events by hand. It backs the mock capture mode.
type FakeRecognizer struct {
	mu       sync.Mutex
	OpenErr  error
	StartErr error
	streams  []*FakeStream
}

func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{}
}

func (r *FakeRecognizer) Open(cfg RecognizerConfig, h Handlers) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	stream := &FakeStream{Config: cfg, handlers: h, startErr: r.StartErr}
	r.streams = append(r.streams, stream)
	return stream, nil
}

func (r *FakeRecognizer) Streams() []*FakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeStream(nil), r.streams...)
}

// Last returns the most recently opened stream, or nil.
func (r *FakeRecognizer) Last() *FakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

func (r *FakeRecognizer) Opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

type FakeStream struct {
	Config   RecognizerConfig
	handlers Handlers
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	aborted bool
	batch   []Hypothesis
}

func (s *FakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *FakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *FakeStream) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
}

// Emit delivers batch as one result event.
func (s *FakeStream) Emit(batch ...Hypothesis) {
	if s.handlers.OnResult != nil {
		s.handlers.OnResult(append([]Hypothesis(nil), batch...))
	}
}

// Say extends the accumulated hypothesis list the way a platform does and
// delivers the whole list. An interim tail is replaced by the next phrase.
func (s *FakeStream) Say(text string, final bool) {
	s.mu.Lock()
	if n := len(s.batch); n > 0 && !s.batch[n-1].IsFinal {
		s.batch = s.batch[:n-1]
	}
	s.batch = append(s.batch, Hypothesis{Text: text, IsFinal: final})
	batch := append([]Hypothesis(nil), s.batch...)
	s.mu.Unlock()
	s.Emit(batch...)
}

func (s *FakeStream) End() {
	if s.handlers.OnEnd != nil {
		s.handlers.OnEnd()
	}
}

func (s *FakeStream) Fail(code string) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(code)
	}
}

func (s *FakeStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *FakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *FakeStream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// FakeClock is a manually advanced Clock.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	nextID int
}

type fakeTimer struct {
	clock *FakeClock
	id    int
	when  time.Time
	fn    func()
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, when: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, running due callbacks in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		sort.SliceStable(c.timers, func(i, j int) bool {
			return c.timers[i].when.Before(c.timers[j].when)
		})
		if len(c.timers) == 0 || c.timers[0].when.After(target) {
			break
		}
		next := c.timers[0]
		c.timers = c.timers[1:]
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending returns the number of scheduled callbacks.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.timers {
		if other.id == t.id {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
