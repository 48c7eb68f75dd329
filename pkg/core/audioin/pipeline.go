// Package audioin captures microphone audio and delivers it as fixed-size
// PCM16 frames.
package audioin

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

const (
	// DefaultSampleRate is the capture rate handed to the device.
	DefaultSampleRate = wire.CaptureSampleRate

	// DefaultFrameSize is the number of samples per emitted frame.
	DefaultFrameSize = 1024
)

// FrameHandler receives each encoded frame. It runs inside the device's
// real-time callback and must not block.
type FrameHandler func(chunk wire.EncodedAudioChunk)

// Device is the microphone collaborator.
//
// Init acquires the processing context at sampleRate. Open requests access
// to the microphone and starts delivering mono float samples to onSamples
// from a single goroutine, in capture order. Close releases the context.
type Device interface {
	Init(ctx context.Context, sampleRate int) error
	Open(ctx context.Context, onSamples func(samples []float32)) (Stream, error)
	Close() error
}

// Stream is an open microphone. Close stops delivery before returning.
type Stream interface {
	Close() error
}

// State is the pipeline lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Pipeline.
type Config struct {
	Device     Device
	SampleRate int
	FrameSize  int
	Logger     *slog.Logger
}

// Pipeline slices the microphone sample stream into fixed-size frames and
// hands each encoded frame to the current FrameHandler.
type Pipeline struct {
	device     Device
	sampleRate int
	logger     *slog.Logger

	mu     sync.Mutex
	state  State
	stream Stream

	handler atomic.Pointer[FrameHandler]
	slicer  *frameSlicer
}

// New creates an idle Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		device:     cfg.Device,
		sampleRate: cfg.SampleRate,
		logger:     cfg.Logger,
		slicer:     newFrameSlicer(cfg.FrameSize),
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Init acquires the audio context. It is a no-op once initialized.
func (p *Pipeline) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initLocked(ctx)
}

func (p *Pipeline) initLocked(ctx context.Context) error {
	if p.state != StateIdle {
		return nil
	}
	if p.device == nil {
		return core.NewDeviceUnavailableError("microphone", nil)
	}
	if err := p.device.Init(ctx, p.sampleRate); err != nil {
		return asDeviceError(err)
	}
	p.state = StateArmed
	return nil
}

// Start opens the microphone and begins emitting frames to onFrame. It is a
// no-op while already streaming. A failed start leaves the pipeline idle.
func (p *Pipeline) Start(ctx context.Context, onFrame FrameHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStreaming {
		return nil
	}
	if err := p.initLocked(ctx); err != nil {
		return err
	}

	p.slicer.reset()
	p.handler.Store(&onFrame)

	stream, err := p.device.Open(ctx, p.process)
	if err != nil {
		p.stopLocked()
		return asDeviceError(err)
	}
	p.stream = stream
	p.state = StateStreaming
	return nil
}

// Stop closes the microphone, clears the frame handler and releases the
// audio context. It is safe to call repeatedly and never fails.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	p.handler.Store(nil)
	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			p.logger.Warn("close microphone stream", "error", err)
		}
		p.stream = nil
	}
	if p.state != StateIdle && p.device != nil {
		if err := p.device.Close(); err != nil {
			p.logger.Warn("close audio context", "error", err)
		}
	}
	p.state = StateIdle
}

// process runs on the device callback goroutine.
func (p *Pipeline) process(samples []float32) {
	h := p.handler.Load()
	if h == nil || *h == nil {
		return
	}
	p.slicer.push(samples, func(frame []float32) {
		(*h)(wire.EncodeSamples(frame))
	})
}

func asDeviceError(err error) error {
	if core.IsDeviceError(err) {
		return err
	}
	return core.NewDeviceUnavailableError("microphone", err)
}

// frameSlicer accumulates samples into frames of a fixed size. It is owned
// by the device callback goroutine.
type frameSlicer struct {
	frame []float32
	n     int
}

func newFrameSlicer(size int) *frameSlicer {
	return &frameSlicer{frame: make([]float32, size)}
}

func (s *frameSlicer) reset() {
	s.n = 0
}

// push copies samples into the pending frame and calls emit for every frame
// completed. The slice passed to emit is reused after emit returns.
func (s *frameSlicer) push(samples []float32, emit func(frame []float32)) {
	for len(samples) > 0 {
		c := copy(s.frame[s.n:], samples)
		s.n += c
		samples = samples[c:]
		if s.n == len(s.frame) {
			emit(s.frame)
			s.n = 0
		}
	}
}
