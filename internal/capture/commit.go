package capture

import (
	"strings"
	"sync"
	"time"
)

type TimerOption func(*CommitTimer)

func WithTimerClock(clock Clock) TimerOption {
	return func(t *CommitTimer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// CommitTimer calls onCommit once the session transcript has stayed
// unchanged for the quiet period. It fires at most once per distinct text.
type CommitTimer struct {
	session  *Session
	quiet    time.Duration
	onCommit func(text string)
	clock    Clock

	mu          sync.Mutex
	armed       string
	fired       bool
	pending     Timer
	epoch       uint64
	floor       uint64
	disposed    bool
	unsubscribe func()
}

func NewCommitTimer(session *Session, quiet time.Duration, onCommit func(text string), opts ...TimerOption) *CommitTimer {
	t := &CommitTimer{
		session:  session,
		quiet:    quiet,
		onCommit: onCommit,
		clock:    SystemClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.unsubscribe = session.OnTranscriptChange(t.observe)
	return t
}

// Cancel drops the pending deadline and forgets the armed text. Owners call
// it on a manual commit.
func (t *CommitTimer) Cancel() {
	floor := t.session.Seq()
	t.mu.Lock()
	defer t.mu.Unlock()
	if floor > t.floor {
		t.floor = floor
	}
	t.cancelLocked()
	t.armed = ""
	t.fired = false
}

// CommitNow cancels the pending deadline and returns the transcript for a
// manual commit. It returns "" when there is nothing to send or when the
// automatic commit has already claimed the same text.
func (t *CommitTimer) CommitNow() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.session.Snapshot()
	text := snap.Text()
	claimed := t.fired && text == t.armed
	if snap.Seq > t.floor {
		t.floor = snap.Seq
	}
	t.cancelLocked()
	t.armed = ""
	t.fired = false
	if claimed {
		return ""
	}
	return strings.TrimSpace(text)
}

func (t *CommitTimer) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.cancelLocked()
	t.armed = ""
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Pending reports whether a deadline is armed.
func (t *CommitTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *CommitTimer) observe(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || snap.Seq <= t.floor {
		return
	}
	text := snap.Text()
	if snap.Stopped {
		// Stopping the microphone ends the utterance cycle without a commit.
		t.cancelLocked()
		t.armed = text
		t.fired = false
		return
	}
	if text == t.armed {
		return
	}
	if !snap.Listening && t.fired {
		// An error halt dropped the interim tail of text already committed.
		t.armed = text
		return
	}
	t.cancelLocked()
	t.armed = text
	t.fired = false
	if text == "" {
		return
	}
	epoch := t.epoch
	t.pending = t.clock.AfterFunc(t.quiet, func() { t.expire(epoch) })
}

func (t *CommitTimer) expire(epoch uint64) {
	t.mu.Lock()
	if t.disposed || epoch != t.epoch || t.armed == "" || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.pending = nil
	text := t.armed
	t.mu.Unlock()

	t.onCommit(text)
}

func (t *CommitTimer) cancelLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.epoch++
}
