package videoin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-duplex/internal/ffmpeg"
	"github.com/vango-go/vai-duplex/pkg/core"
)

// FFmpegCamera reads raw RGBA frames from an ffmpeg capture process.
type FFmpegCamera struct {
	// Device overrides the platform default ("/dev/video0" on linux, "0"
	// on darwin).
	Device string

	// StartTimeout bounds the wait for the first frame. Default:
	// ffmpeg.DefaultStartTimeout.
	StartTimeout time.Duration

	Logger *slog.Logger

	goos     string
	lookPath func(string) (string, error)
}

// NewFFmpegCamera returns an ffmpeg-backed camera for the running OS.
func NewFFmpegCamera(device string) *FFmpegCamera {
	return &FFmpegCamera{Device: device, goos: runtime.GOOS, lookPath: exec.LookPath}
}

// Open starts ffmpeg and waits for the first frame. A process that exits
// first is reported as a device error carrying ffmpeg's stderr. The process
// outlives ctx and runs until the source is closed.
func (c *FFmpegCamera) Open(ctx context.Context, cons Constraints) (Source, error) {
	if _, err := c.lookPath("ffmpeg"); err != nil {
		return nil, core.NewDeviceUnavailableError("camera", errors.New("ffmpeg is required for camera capture (install ffmpeg and ensure it is in PATH)"))
	}
	args, err := cameraFFmpegArgs(c.goos, c.Device, cons)
	if err != nil {
		return nil, core.NewDeviceUnavailableError("camera", err)
	}

	proc, stdout, err := ffmpeg.Start(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, core.NewDeviceUnavailableError("camera", err)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ffmpegSource{proc: proc, logger: logger, first: make(chan struct{}), done: make(chan struct{})}
	go s.pump(stdout, cons.Width, cons.Height)

	if err := ffmpeg.AwaitOutput(ctx, s.first, s.done, c.StartTimeout); err != nil {
		s.Close()
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, ffmpeg.DeviceError("camera", proc, err)
	}
	return s, nil
}

func cameraFFmpegArgs(goos, device string, c Constraints) ([]string, error) {
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("camera size must be positive, got %dx%d", c.Width, c.Height)
	}
	fps := c.FrameRate
	if fps <= 0 {
		fps = 30
	}
	var format string
	switch goos {
	case "darwin":
		format = "avfoundation"
		if device == "" {
			device = "0"
		}
	case "linux":
		format = "v4l2"
		if device == "" {
			device = "/dev/video0"
		}
	default:
		return nil, fmt.Errorf("ffmpeg camera capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	size := strconv.Itoa(c.Width) + "x" + strconv.Itoa(c.Height)
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-framerate", strconv.Itoa(fps), "-video_size", size,
		"-i", device,
		"-vf", "scale=" + strconv.Itoa(c.Width) + ":" + strconv.Itoa(c.Height),
		"-pix_fmt", "rgba", "-f", "rawvideo", "-",
	}, nil
}

type ffmpegSource struct {
	proc   *ffmpeg.Process
	logger *slog.Logger

	closing   atomic.Bool
	firstOnce sync.Once
	first     chan struct{}
	once      sync.Once
	done      chan struct{}

	mu     sync.RWMutex
	latest *image.RGBA
}

func (s *ffmpegSource) pump(r io.Reader, w, h int) {
	defer close(s.done)
	for {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		if _, err := io.ReadFull(r, img.Pix); err != nil {
			// An exit before any output is reported by Open.
			if !s.closing.Load() && s.started() {
				s.logger.Error("ffmpeg camera exited", "error", err, "stderr", s.proc.Stderr())
			}
			return
		}
		s.mu.Lock()
		s.latest = img
		s.mu.Unlock()
		s.firstOnce.Do(func() { close(s.first) })
	}
}

func (s *ffmpegSource) Frame() image.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	return s.latest
}

func (s *ffmpegSource) started() bool {
	select {
	case <-s.first:
		return true
	default:
		return false
	}
}

func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.proc.Kill()
		<-s.done
	})
	return nil
}
