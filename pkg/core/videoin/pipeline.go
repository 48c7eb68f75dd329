// Package videoin samples a camera at display rate and emits JPEG frames at a
// much lower, throttled rate.
package videoin

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

const (
	DefaultEmitInterval   = 1000 * time.Millisecond
	DefaultSampleInterval = time.Second / 30
	DefaultQuality        = 80
	DefaultReadyTimeout   = 2 * time.Second
)

// Constraints describe the preferred capture format.
type Constraints struct {
	Width      int
	Height     int
	FrameRate  int
	FacingUser bool
}

// DefaultConstraints asks for 1280x720 at 30fps from the user-facing camera.
func DefaultConstraints() Constraints {
	return Constraints{Width: 1280, Height: 720, FrameRate: 30, FacingUser: true}
}

// Camera is the camera collaborator.
type Camera interface {
	Open(ctx context.Context, c Constraints) (Source, error)
}

// Source is a live camera stream. Frame returns the most recent frame, or
// nil before the first one arrives. It is also the handle used for local
// preview.
type Source interface {
	Frame() image.Image
	Close() error
}

// FrameHandler receives each encoded frame on the encoder goroutine.
type FrameHandler func(frame wire.EncodedVideoFrame)

// Config configures a Pipeline.
type Config struct {
	Camera         Camera
	Constraints    Constraints
	EmitInterval   time.Duration
	SampleInterval time.Duration
	Quality        int
	ReadyTimeout   time.Duration
	Logger         *slog.Logger

	// Now overrides the clock used for throttling.
	Now func() time.Time
}

// Pipeline owns one camera stream while started.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	source   Source
	cancel   context.CancelFunc
	done     chan struct{}
	throttle throttle
	encodeCh chan image.Image
	onFrame  FrameHandler
}

// New creates a stopped Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.EmitInterval <= 0 {
		cfg.EmitInterval = DefaultEmitInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = DefaultConstraints()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger, now: now}
}

// Preview returns the live camera source, or nil when stopped.
func (p *Pipeline) Preview() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// Start opens the camera and begins sampling. It is a no-op while running.
func (p *Pipeline) Start(ctx context.Context, onFrame FrameHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != nil {
		return nil
	}
	if p.cfg.Camera == nil {
		return core.NewDeviceUnavailableError("camera", nil)
	}

	src, err := p.cfg.Camera.Open(ctx, p.cfg.Constraints)
	if err != nil {
		if core.IsDeviceError(err) {
			return err
		}
		return core.NewDeviceUnavailableError("camera", err)
	}
	waitReady(ctx, src, p.cfg.ReadyTimeout)

	loopCtx, cancel := context.WithCancel(context.Background())
	p.source = src
	p.cancel = cancel
	p.done = make(chan struct{})
	p.onFrame = onFrame
	p.encodeCh = make(chan image.Image, 1)
	p.throttle = throttle{interval: p.cfg.EmitInterval, last: p.now()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.sampleLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		p.encodeLoop(loopCtx, p.encodeCh, onFrame)
	}()
	done := p.done
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Stop cancels sampling, waits for in-flight encoding, and closes the
// camera. It is safe to call repeatedly.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	src, cancel, done := p.source, p.cancel, p.done
	p.source, p.cancel, p.done, p.onFrame = nil, nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if src != nil {
		if err := src.Close(); err != nil {
			p.logger.Warn("close camera", "error", err)
		}
	}
}

func (p *Pipeline) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample(p.now())
		}
	}
}

// sample runs one display tick. It reports whether a frame was handed to
// the encoder.
func (p *Pipeline) sample(now time.Time) bool {
	p.mu.Lock()
	src, ch := p.source, p.encodeCh
	if src == nil || !p.throttle.allow(now) {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	img := src.Frame()
	if img == nil {
		return false
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return false
	}
	select {
	case ch <- img:
		return true
	default:
		// encoder still busy with the previous frame
		return false
	}
}

func (p *Pipeline) encodeLoop(ctx context.Context, in <-chan image.Image, onFrame FrameHandler) {
	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case img := <-in:
			buf.Reset()
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
				p.logger.Warn("encode video frame", "error", err)
				continue
			}
			if onFrame == nil {
				continue
			}
			data := make([]byte, buf.Len())
			copy(data, buf.Bytes())
			onFrame(wire.EncodedVideoFrame{Data: data, MIMEType: wire.MIMETypeJPEG})
		}
	}
}

// waitReady blocks until src produces a non-empty frame, timeout elapses or
// ctx ends. Frames that are still empty afterwards are skipped by sample.
func waitReady(ctx context.Context, src Source, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		if img := src.Frame(); img != nil && !img.Bounds().Empty() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
		}
	}
}

// throttle admits at most one event per interval. The first event is
// admitted one interval after last.
type throttle struct {
	interval time.Duration
	last     time.Time
}

func (t *throttle) allow(now time.Time) bool {
	if now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
