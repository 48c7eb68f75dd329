// Package playback schedules decoded audio chunks back to back on an output
// device clock so consecutive chunks play with no gap and no overlap.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

// ErrClosed is returned by Enqueue after Reset released the device.
var ErrClosed = errors.New("playback: scheduler is closed")

// OutputDevice is the speaker collaborator. Now is the device clock in
// seconds. Schedule starts buf at device time at (or immediately if at has
// passed) and calls onEnded from its own goroutine once the buffer finished
// playing naturally; onEnded is not called for stopped voices and is never
// called from within Schedule.
type OutputDevice interface {
	Now() float64
	Schedule(buf wire.PlaybackBuffer, at float64, onEnded func()) (Voice, error)
	Close() error
}

// Voice is one scheduled buffer on the device.
type Voice interface {
	Stop() error
}

// Unit describes one scheduled chunk.
type Unit struct {
	ID       uint64
	Start    float64
	Duration float64
}

// End returns the device time the unit finishes.
func (u Unit) End() float64 { return u.Start + u.Duration }

type activeUnit struct {
	Unit
	voice Voice
}

// Config configures a Scheduler.
type Config struct {
	Device     OutputDevice
	SampleRate int
	Channels   int
	Logger     *slog.Logger
}

// Scheduler owns the output device and the set of pending units. The cursor
// and the active set are only touched with mu held.
type Scheduler struct {
	device     OutputDevice
	sampleRate int
	channels   int
	logger     *slog.Logger

	mu            sync.Mutex
	nextStartTime float64
	active        map[uint64]*activeUnit
	nextID        uint64
	closed        bool
}

// New creates a Scheduler on cfg.Device.
func New(cfg Config) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = wire.PlaybackSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		device:     cfg.Device,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		logger:     cfg.Logger,
		active:     make(map[uint64]*activeUnit),
	}
}

// Enqueue decodes chunk and schedules it to start where the previous unit
// ends, or now if the cursor is in the past. A malformed chunk is dropped
// and its error returned; later chunks are unaffected.
func (s *Scheduler) Enqueue(chunk []byte) (Unit, error) {
	buf, err := wire.DecodeChunk(chunk, s.sampleRate, s.channels)
	if err != nil {
		return Unit{}, err
	}
	if buf.Frames() == 0 {
		return Unit{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.device == nil {
		return Unit{}, ErrClosed
	}

	startAt := max(s.nextStartTime, s.device.Now())
	s.nextID++
	id := s.nextID
	voice, err := s.device.Schedule(buf, startAt, func() { s.ended(id) })
	if err != nil {
		return Unit{}, fmt.Errorf("schedule playback: %w", err)
	}

	u := Unit{ID: id, Start: startAt, Duration: buf.Duration()}
	s.active[id] = &activeUnit{Unit: u, voice: voice}
	s.nextStartTime = u.End()
	return u, nil
}

// Interrupt force-stops every pending unit and rewinds the cursor to 0.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	for id, u := range s.active {
		if u.voice != nil {
			// A voice that already finished may refuse to stop.
			if err := u.voice.Stop(); err != nil {
				s.logger.Debug("stop playback unit", "unit", id, "error", err)
			}
		}
		delete(s.active, id)
	}
	s.nextStartTime = 0
}

// Reset interrupts playback and releases the output device. Enqueue fails
// with ErrClosed afterwards.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
	if s.closed {
		return
	}
	s.closed = true
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			s.logger.Warn("close output device", "error", err)
		}
	}
}

// NextStartTime returns the cursor.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartTime
}

// Active returns the pending units ordered by start time.
func (s *Scheduler) Active() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Unit, 0, len(s.active))
	for _, u := range s.active {
		out = append(out, u.Unit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// BufferedSeconds returns how far the cursor runs ahead of the device clock.
func (s *Scheduler) BufferedSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.device == nil {
		return 0
	}
	return max(0, s.nextStartTime-s.device.Now())
}

// Closed reports whether Reset has released the device.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
