// Package activity classifies agent workers as active, waiting for
// input, or idle by watching their output stream.
package activity

import (
	"regexp"
	"sync"
	"time"
)

// State is a worker activity classification.
type State string

const (
	StateUnknown State = "unknown"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateWaiting State = "waiting"
)

const (
	// DefaultIdleTimeout is the silence window after which a worker is
	// considered idle.
	DefaultIdleTimeout = 10 * time.Second

	// DefaultActiveWindow is the granularity of idle tracking: the
	// timer is re-armed at most once per window, and silence is
	// measured from the last byte when it fires.
	DefaultActiveWindow = time.Second

	// tailSize is how many trailing output bytes the asking patterns
	// are evaluated against. Escape-sequence-heavy frames routinely
	// repaint the prompt, so the window has to cover a full redraw.
	tailSize = 2048
)

// ChangeFunc receives state transitions. It is never called twice in a
// row with the same state.
type ChangeFunc func(sessionID, workerID string, state State, at time.Time)

// Detector tracks one worker's activity state.
type Detector struct {
	sessionID    string
	workerID     string
	idleTimeout  time.Duration
	activeWindow time.Duration
	asking       []*regexp.Regexp
	onChange     ChangeFunc

	mu       sync.Mutex
	state    State
	tail     []byte
	timer    *time.Timer
	armedAt  time.Time
	lastByte time.Time
	closed   bool
}

// NewDetector creates a Detector in the unknown state. asking holds the
// agent's compiled prompt-detection patterns; it may be empty, in which
// case the waiting state is never produced.
func NewDetector(sessionID, workerID string, asking []*regexp.Regexp, idleTimeout, activeWindow time.Duration, onChange ChangeFunc) *Detector {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	return &Detector{
		sessionID:    sessionID,
		workerID:     workerID,
		idleTimeout:  idleTimeout,
		activeWindow: activeWindow,
		asking:       asking,
		onChange:     onChange,
		state:        StateUnknown,
	}
}

// Feed processes an output chunk: the tail window slides and asking
// patterns decide waiting vs active. Silence is tracked against the
// last byte; the idle timer is re-armed at most once per activeWindow
// so a chatty PTY does not churn timers on every chunk.
func (d *Detector) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	now := time.Now()
	d.lastByte = now

	d.tail = append(d.tail, data...)
	if len(d.tail) > tailSize {
		d.tail = d.tail[len(d.tail)-tailSize:]
	}

	next := StateActive
	for _, re := range d.asking {
		if re.Match(d.tail) {
			next = StateWaiting
			break
		}
	}
	d.setStateLocked(next)

	if d.timer == nil || now.Sub(d.armedAt) >= d.activeWindow {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(d.idleTimeout, d.idleFired)
		d.armedAt = now
	}
}

func (d *Detector) idleFired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	// Bytes may have arrived since the timer was armed; idle only holds
	// once the full timeout has passed since the last byte.
	if silence := time.Since(d.lastByte); silence < d.idleTimeout {
		d.timer = time.AfterFunc(d.idleTimeout-silence, d.idleFired)
		d.armedAt = time.Now()
		return
	}
	d.timer = nil
	d.setStateLocked(StateIdle)
}

// setStateLocked records a transition and emits it. Same-state feeds
// are swallowed here, which is what keeps the event stream quiet while
// an agent produces continuous output.
func (d *Detector) setStateLocked(next State) {
	if next == d.state {
		return
	}
	d.state = next
	if d.onChange != nil {
		d.onChange(d.sessionID, d.workerID, next, time.Now())
	}
}

// State returns the current classification.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close stops the idle timer and releases the tail buffer. Further
// Feed calls are ignored.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.tail = nil
}
