package audioin

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
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

// FFmpegDevice captures microphone audio by running ffmpeg and reading
// s16le samples from its stdout. It needs no cgo audio stack.
type FFmpegDevice struct {
	// Input overrides the platform default input ("default" on pulse, ":0"
	// on avfoundation).
	Input string

	// StartTimeout bounds the wait for the first samples. Default:
	// ffmpeg.DefaultStartTimeout.
	StartTimeout time.Duration

	Logger *slog.Logger

	goos       string
	lookPath   func(string) (string, error)
	sampleRate int
}

// NewFFmpegDevice returns an ffmpeg-backed microphone for the running OS.
func NewFFmpegDevice(input string) *FFmpegDevice {
	return &FFmpegDevice{Input: input, goos: runtime.GOOS, lookPath: exec.LookPath}
}

func (d *FFmpegDevice) Init(_ context.Context, sampleRate int) error {
	if _, err := d.lookPath("ffmpeg"); err != nil {
		return core.NewDeviceUnavailableError("microphone", errors.New("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)"))
	}
	if _, err := micFFmpegArgs(d.goos, d.Input, sampleRate); err != nil {
		return core.NewDeviceUnavailableError("microphone", err)
	}
	d.sampleRate = sampleRate
	return nil
}

// Open starts ffmpeg and waits for the first samples. The process outlives
// ctx and runs until the returned stream is closed.
func (d *FFmpegDevice) Open(ctx context.Context, onSamples func(samples []float32)) (Stream, error) {
	args, err := micFFmpegArgs(d.goos, d.Input, d.sampleRate)
	if err != nil {
		return nil, core.NewDeviceUnavailableError("microphone", err)
	}
	proc, stdout, err := ffmpeg.Start(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, core.NewDeviceUnavailableError("microphone", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ffmpegStream{proc: proc, logger: logger, first: make(chan struct{}), done: make(chan struct{})}
	go s.pump(stdout, d.sampleRate/50, onSamples)

	if err := ffmpeg.AwaitOutput(ctx, s.first, s.done, d.StartTimeout); err != nil {
		s.Close()
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, ffmpeg.DeviceError("microphone", proc, err)
	}
	return s, nil
}

func (d *FFmpegDevice) Close() error { return nil }

func micFFmpegArgs(goos, input string, sampleRate int) ([]string, error) {
	var format string
	switch goos {
	case "darwin":
		format = "avfoundation"
		if input == "" {
			input = ":0"
		}
	case "linux":
		format = "pulse"
		if input == "" {
			input = "default"
		}
	default:
		return nil, fmt.Errorf("ffmpeg mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", input,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le", "-",
	}, nil
}

type ffmpegStream struct {
	proc   *ffmpeg.Process
	logger *slog.Logger

	closing   atomic.Bool
	firstOnce sync.Once
	first     chan struct{}
	once      sync.Once
	done      chan struct{}
}

func (s *ffmpegStream) pump(r io.Reader, samplesPerRead int, onSamples func([]float32)) {
	defer close(s.done)
	if samplesPerRead <= 0 {
		samplesPerRead = 320
	}
	raw := make([]byte, samplesPerRead*2)
	samples := make([]float32, 0, samplesPerRead)
	for {
		n, err := io.ReadFull(r, raw)
		if n >= 2 {
			s.firstOnce.Do(func() { close(s.first) })
			samples = samples[:0]
			for i := 0; i+1 < n; i += 2 {
				samples = append(samples, float32(int16(binary.LittleEndian.Uint16(raw[i:])))/32768)
			}
			onSamples(samples)
		}
		if err != nil {
			// An exit before any output is reported by Open.
			if !s.closing.Load() && s.started() {
				s.logger.Error("ffmpeg microphone exited", "error", err, "stderr", s.proc.Stderr())
			}
			return
		}
	}
}

func (s *ffmpegStream) started() bool {
	select {
	case <-s.first:
		return true
	default:
		return false
	}
}

// Close kills ffmpeg and waits for the reader to stop delivering samples.
func (s *ffmpegStream) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.proc.Kill()
		<-s.done
	})
	return nil
}
