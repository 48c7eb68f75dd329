package videoin

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

type fakeSource struct {
	mu     sync.Mutex
	img    image.Image
	closes int
}

func (s *fakeSource) Frame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeCamera struct {
	opens   int
	cons    Constraints
	source  *fakeSource
	openErr error
}

func (c *fakeCamera) Open(_ context.Context, cons Constraints) (Source, error) {
	c.opens++
	c.cons = cons
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.source, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 200, 40, 40, 255
	}
	return img
}

func newTestPipeline(cam Camera, clock *fakeClock) *Pipeline {
	return New(Config{
		Camera: cam,
		// Keep the real sampling loop out of the way; tests drive sample().
		SampleInterval: time.Hour,
		ReadyTimeout:   10 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            clock.Now,
	})
}

func TestThrottle_AllowsOncePerInterval(t *testing.T) {
	start := time.Unix(0, 0)
	th := throttle{interval: time.Second, last: start}

	emitted := 0
	for ms := 0; ms <= 3000; ms += 16 {
		if th.allow(start.Add(time.Duration(ms) * time.Millisecond)) {
			emitted++
		}
	}

	if emitted < 2 || emitted > 3 {
		t.Fatalf("emitted=%d over 3000ms, want 3 (+-1)", emitted)
	}
}

func TestPipeline_EmissionThrottledToOnePerSecond(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := &fakeClock{now: start}
	cam := &fakeCamera{source: &fakeSource{img: solid(32, 24)}}
	p := newTestPipeline(cam, clock)

	var mu sync.Mutex
	var frames []wire.EncodedVideoFrame
	if err := p.Start(context.Background(), func(f wire.EncodedVideoFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer p.Stop()

	var emitTimes []time.Duration
	for ms := 0; ms <= 3000; ms += 16 {
		at := time.Duration(ms) * time.Millisecond
		if p.sample(start.Add(at)) {
			emitTimes = append(emitTimes, at)
			// let the encoder drain so the next admitted frame is not dropped
			waitFor(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(frames) == len(emitTimes)
			})
		}
	}

	if len(emitTimes) < 2 || len(emitTimes) > 4 {
		t.Fatalf("emissions=%d, want 3 (+-1)", len(emitTimes))
	}
	for i := 1; i < len(emitTimes); i++ {
		if gap := emitTimes[i] - emitTimes[i-1]; gap < time.Second {
			t.Fatalf("emissions %d and %d only %v apart", i-1, i, gap)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, f := range frames {
		if f.MIMEType != "image/jpeg" {
			t.Fatalf("MIMEType=%q, want image/jpeg", f.MIMEType)
		}
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			t.Fatalf("decode emitted jpeg: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
			t.Fatalf("emitted size=%dx%d, want 32x24", b.Dx(), b.Dy())
		}
	}
}

func TestPipeline_SkipsZeroDimensionFrames(t *testing.T) {
	start := time.Unix(0, 0)
	clock := &fakeClock{now: start}
	src := &fakeSource{img: image.NewRGBA(image.Rectangle{})}
	p := newTestPipeline(&fakeCamera{source: src}, clock)

	calls := 0
	if err := p.Start(context.Background(), func(wire.EncodedVideoFrame) { calls++ }); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer p.Stop()

	if p.sample(start.Add(1500 * time.Millisecond)) {
		t.Fatal("zero-dimension frame should not be emitted")
	}

	src.mu.Lock()
	src.img = nil
	src.mu.Unlock()
	if p.sample(start.Add(3 * time.Second)) {
		t.Fatal("missing frame should not be emitted")
	}
}

func TestPipeline_StartUsesPreferredConstraints(t *testing.T) {
	cam := &fakeCamera{source: &fakeSource{img: solid(2, 2)}}
	p := newTestPipeline(cam, &fakeClock{now: time.Unix(0, 0)})

	if err := p.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer p.Stop()

	if cam.cons != DefaultConstraints() {
		t.Fatalf("constraints=%+v, want %+v", cam.cons, DefaultConstraints())
	}
	if p.Preview() == nil {
		t.Fatal("expected preview source while running")
	}
}

func TestPipeline_StartTwiceOpensOnce(t *testing.T) {
	cam := &fakeCamera{source: &fakeSource{img: solid(2, 2)}}
	p := newTestPipeline(cam, &fakeClock{now: time.Unix(0, 0)})

	_ = p.Start(context.Background(), nil)
	_ = p.Start(context.Background(), nil)
	defer p.Stop()

	if cam.opens != 1 {
		t.Fatalf("opens=%d, want 1", cam.opens)
	}
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	src := &fakeSource{img: solid(2, 2)}
	p := newTestPipeline(&fakeCamera{source: src}, &fakeClock{now: time.Unix(0, 0)})
	if err := p.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	p.Stop()
	p.Stop()

	if src.closes != 1 {
		t.Fatalf("source closes=%d, want 1", src.closes)
	}
	if p.Preview() != nil {
		t.Fatal("expected pipeline to be stopped")
	}
	if p.sample(time.Unix(100, 0)) {
		t.Fatal("stopped pipeline should not emit")
	}
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	p := newTestPipeline(&fakeCamera{}, &fakeClock{})
	p.Stop()
}

func TestPipeline_OpenErrors(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    core.ErrorType
	}{
		{"permission passes through", core.NewDevicePermissionError("camera", nil), core.ErrDevicePermission},
		{"untyped becomes unavailable", errors.New("busy"), core.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(&fakeCamera{openErr: tt.openErr}, &fakeClock{})
			err := p.Start(context.Background(), nil)
			if !core.IsType(err, tt.want) {
				t.Fatalf("err=%v, want %s", err, tt.want)
			}
			if p.Preview() != nil {
				t.Fatal("pipeline should not be running after failed start")
			}
		})
	}
}

func TestPipeline_NoCamera(t *testing.T) {
	p := New(Config{})
	if err := p.Start(context.Background(), nil); !core.IsType(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want unavailable error", err)
	}
}

func TestCameraFFmpegArgs(t *testing.T) {
	args, err := cameraFFmpegArgs("linux", "", DefaultConstraints())
	if err != nil {
		t.Fatalf("cameraFFmpegArgs error: %v", err)
	}
	want := map[string]string{"-f": "v4l2", "-i": "/dev/video0", "-video_size": "1280x720", "-framerate": "30", "-pix_fmt": "rgba"}
	for i := 0; i+1 < len(args); i++ {
		if v, ok := want[args[i]]; ok && args[i+1] == v {
			delete(want, args[i])
		}
	}
	if len(want) != 0 {
		t.Fatalf("args=%v missing %v", args, want)
	}

	if _, err := cameraFFmpegArgs("plan9", "", DefaultConstraints()); err == nil {
		t.Fatal("expected unsupported platform error")
	}
	if _, err := cameraFFmpegArgs("linux", "", Constraints{}); err == nil {
		t.Fatal("expected size error")
	}
}

func TestFFmpegSource_FrameNilBeforeData(t *testing.T) {
	s := &ffmpegSource{done: make(chan struct{})}
	if s.Frame() != nil {
		t.Fatal("expected nil frame before first read")
	}
	s.latest = image.NewRGBA(image.Rect(0, 0, 1, 1))
	s.latest.Set(0, 0, color.White)
	if s.Frame() == nil {
		t.Fatal("expected frame after data")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
