// Package transcript accumulates incremental transcription fragments into a
// display buffer that is cleared a short while after each turn ends.
package transcript

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultGrace is how long a finished turn stays visible before clearing.
const DefaultGrace = 1000 * time.Millisecond

// Config configures an Aggregator.
type Config struct {
	// Grace is the delay between a turn ending and the buffer clearing.
	// Zero uses DefaultGrace.
	Grace time.Duration

	// OnChange is called with the buffer text after every append and clear.
	// It runs outside the aggregator's lock.
	OnChange func(text string)
}

// Aggregator is an append-only text buffer with a delayed whole-buffer
// clear. A fragment appended while a clear is pending cancels that clear
// and starts a fresh buffer.
type Aggregator struct {
	grace    time.Duration
	onChange func(string)

	mu      sync.Mutex
	buf     strings.Builder
	timer   *time.Timer
	pending bool
	gen     uint64
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Aggregator{grace: grace, onChange: cfg.OnChange}
}

// Append adds fragment to the end of the buffer.
func (a *Aggregator) Append(fragment string) {
	if a == nil || fragment == "" {
		return
	}
	a.mu.Lock()
	if a.pending {
		a.cancelLocked()
		a.buf.Reset()
	}
	a.buf.WriteString(fragment)
	text := a.buf.String()
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil {
		cb(norm.NFC.String(text))
	}
}

// ScheduleClear clears the whole buffer after the grace delay. Calling it
// again while a clear is pending restarts the delay.
func (a *Aggregator) ScheduleClear() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelLocked()
	a.pending = true
	gen := a.gen
	a.timer = time.AfterFunc(a.grace, func() { a.clear(gen) })
}

// Reset cancels any pending clear and empties the buffer immediately.
func (a *Aggregator) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.cancelLocked()
	hadText := a.buf.Len() > 0
	a.buf.Reset()
	cb := a.onChange
	a.mu.Unlock()

	if hadText && cb != nil {
		cb("")
	}
}

// Text returns the NFC-normalized buffer contents.
func (a *Aggregator) Text() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return norm.NFC.String(a.buf.String())
}

func (a *Aggregator) clear(gen uint64) {
	a.mu.Lock()
	// A timer that fired after being superseded must not clear.
	if !a.pending || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.pending = false
	a.timer = nil
	a.buf.Reset()
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil {
		cb("")
	}
}

func (a *Aggregator) cancelLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = false
	a.gen++
}
