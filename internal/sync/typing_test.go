package sync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writeRecorder struct {
	mu     sync.Mutex
	writes []bool
}

func (r *writeRecorder) record(v bool) {
	r.mu.Lock()
	r.writes = append(r.writes, v)
	r.mu.Unlock()
}

func (r *writeRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.writes))
	copy(out, r.writes)
	return out
}

func TestDebouncerCoalescesBurstIntoOneWrite(t *testing.T) {
	rec := &writeRecorder{}
	d := newTypingDebouncer(80*time.Millisecond, rec.record)

	for i := 0; i < 10; i++ {
		d.Input()
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, []bool{true}, rec.snapshot(), "a burst within one quiet window is one write")
}

func TestDebouncerWritesTrailingFalseAfterQuietWindow(t *testing.T) {
	rec := &writeRecorder{}
	d := newTypingDebouncer(50*time.Millisecond, rec.record)

	d.Input()
	require.Eventually(t, func() bool {
		w := rec.snapshot()
		return len(w) == 2 && w[0] && !w[1]
	}, time.Second, 5*time.Millisecond, "expected true then trailing false")
}

func TestDebouncerContinuedInputDelaysTrailingFalse(t *testing.T) {
	rec := &writeRecorder{}
	d := newTypingDebouncer(60*time.Millisecond, rec.record)

	// Keep refreshing inside the window; no false may appear while input
	// keeps arriving.
	for i := 0; i < 4; i++ {
		d.Input()
		time.Sleep(20 * time.Millisecond)
	}
	for _, w := range rec.snapshot() {
		assert.True(t, w, "no false write while input is still arriving")
	}

	require.Eventually(t, func() bool {
		w := rec.snapshot()
		return len(w) > 0 && !w[len(w)-1]
	}, time.Second, 5*time.Millisecond, "trailing false after input stops")
}

func TestDebouncerFlushWritesImmediateFalse(t *testing.T) {
	rec := &writeRecorder{}
	d := newTypingDebouncer(time.Hour, rec.record)

	d.Input()
	d.Flush()
	assert.Equal(t, []bool{true, false}, rec.snapshot())

	// Nothing outstanding: flush again writes nothing.
	d.Flush()
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestDebouncerFlushWithoutInputIsNoop(t *testing.T) {
	rec := &writeRecorder{}
	d := newTypingDebouncer(time.Hour, rec.record)

	d.Flush()
	assert.Empty(t, rec.snapshot())
}
