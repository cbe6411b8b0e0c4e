package sync

import (
	"sync"
	"time"
)

// typingDebouncer owns the quiet-window timer for one (conversation, user)
// pair. Raw input events coalesce into at most one true write per quiet
// window; a trailing false is written when the window elapses, on explicit
// send and on handle close. The store never sees the keystroke rate.
type typingDebouncer struct {
	mu       sync.Mutex
	quiet    time.Duration
	write    func(bool)
	timer    *time.Timer
	lastTrue time.Time
	active   bool
}

func newTypingDebouncer(quiet time.Duration, write func(bool)) *typingDebouncer {
	return &typingDebouncer{quiet: quiet, write: write}
}

// Input registers one keystroke-ish event from the owner.
func (d *typingDebouncer) Input() {
	d.mu.Lock()
	now := time.Now()
	shouldWrite := !d.active || now.Sub(d.lastTrue) >= d.quiet
	if shouldWrite {
		d.lastTrue = now
	}
	d.active = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.expire)
	d.mu.Unlock()

	if shouldWrite {
		d.write(true)
	}
}

func (d *typingDebouncer) expire() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.write(false)
}

// Flush writes an immediate false if a true is outstanding. Called on send
// and on every handle exit path; an abandoned typing signal visible to the
// other party is a correctness bug.
func (d *typingDebouncer) Flush() {
	d.mu.Lock()
	wasActive := d.active
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if wasActive {
		d.write(false)
	}
}
