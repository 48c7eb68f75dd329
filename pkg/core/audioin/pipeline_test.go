package audioin

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

type fakeStream struct {
	closes int
	err    error
}

func (s *fakeStream) Close() error {
	s.closes++
	return s.err
}

type fakeDevice struct {
	mu        sync.Mutex
	inits     int
	opens     int
	closes    int
	rate      int
	initErr   error
	openErr   error
	closeErr  error
	stream    *fakeStream
	onSamples func([]float32)
}

func (d *fakeDevice) Init(_ context.Context, sampleRate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	d.rate = sampleRate
	return d.initErr
}

func (d *fakeDevice) Open(_ context.Context, onSamples func([]float32)) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.onSamples = onSamples
	d.stream = &fakeStream{}
	return d.stream, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return d.closeErr
}

func (d *fakeDevice) feed(samples []float32) {
	d.mu.Lock()
	cb := d.onSamples
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func newTestPipeline(dev Device) *Pipeline {
	return New(Config{
		Device: dev,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i) / 32768
	}
	return out
}

func firstSample(chunk wire.EncodedAudioChunk) int16 {
	return int16(binary.LittleEndian.Uint16(chunk.Data))
}

func TestPipeline_InitIsIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)

	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("second Init error: %v", err)
	}

	if dev.inits != 1 {
		t.Fatalf("device inits=%d, want 1", dev.inits)
	}
	if dev.rate != 16000 {
		t.Fatalf("device rate=%d, want 16000", dev.rate)
	}
	if p.State() != StateArmed {
		t.Fatalf("state=%v, want ARMED", p.State())
	}
}

func TestPipeline_SlicesFramesInOrder(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)

	var frames []wire.EncodedAudioChunk
	if err := p.Start(context.Background(), func(c wire.EncodedAudioChunk) {
		frames = append(frames, c)
	}); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Deliver 3000 samples in uneven callback sizes.
	sizes := []int{100, 700, 1024, 1, 1175}
	next := 0
	for _, n := range sizes {
		dev.feed(ramp(next, n))
		next += n
	}

	if len(frames) != 2 {
		t.Fatalf("frames=%d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != DefaultFrameSize*wire.BytesPerSample {
			t.Fatalf("frame %d len=%d, want %d", i, len(f.Data), DefaultFrameSize*wire.BytesPerSample)
		}
		if f.MIMEType != "audio/pcm;rate=16000" {
			t.Fatalf("frame %d mime=%q", i, f.MIMEType)
		}
		if got, want := firstSample(f), int16(i*DefaultFrameSize); got != want {
			t.Fatalf("frame %d first sample=%d, want %d", i, got, want)
		}
	}
}

func TestPipeline_StartWhileStreamingIsNoop(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)
	noop := func(wire.EncodedAudioChunk) {}

	if err := p.Start(context.Background(), noop); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := p.Start(context.Background(), noop); err != nil {
		t.Fatalf("second Start error: %v", err)
	}

	if dev.opens != 1 {
		t.Fatalf("opens=%d, want 1", dev.opens)
	}
	if p.State() != StateStreaming {
		t.Fatalf("state=%v, want STREAMING", p.State())
	}
}

func TestPipeline_StopIsIdempotentAndClearsHandler(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)
	calls := 0
	if err := p.Start(context.Background(), func(wire.EncodedAudioChunk) { calls++ }); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	stream := dev.stream

	p.Stop()
	p.Stop()

	dev.feed(ramp(0, DefaultFrameSize))
	if calls != 0 {
		t.Fatalf("handler calls after Stop=%d, want 0", calls)
	}
	if stream.closes != 1 {
		t.Fatalf("stream closes=%d, want 1", stream.closes)
	}
	if dev.closes != 1 {
		t.Fatalf("device closes=%d, want 1", dev.closes)
	}
	if p.State() != StateIdle {
		t.Fatalf("state=%v, want IDLE", p.State())
	}
}

func TestPipeline_StopSwallowsCloseErrors(t *testing.T) {
	dev := &fakeDevice{closeErr: errors.New("already gone")}
	p := newTestPipeline(dev)
	if err := p.Start(context.Background(), func(wire.EncodedAudioChunk) {}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	dev.stream.err = errors.New("disconnect failed")

	p.Stop()

	if p.State() != StateIdle {
		t.Fatalf("state=%v, want IDLE", p.State())
	}
}

func TestPipeline_StartFailureReleasesContext(t *testing.T) {
	denied := core.NewDevicePermissionError("microphone", errors.New("user said no"))
	dev := &fakeDevice{openErr: denied}
	p := newTestPipeline(dev)

	err := p.Start(context.Background(), func(wire.EncodedAudioChunk) {})
	if !core.IsType(err, core.ErrDevicePermission) {
		t.Fatalf("err=%v, want permission error", err)
	}
	if dev.closes != 1 {
		t.Fatalf("device closes=%d, want 1", dev.closes)
	}
	if p.State() != StateIdle {
		t.Fatalf("state=%v, want IDLE", p.State())
	}
}

func TestPipeline_UntypedDeviceErrorBecomesUnavailable(t *testing.T) {
	dev := &fakeDevice{initErr: errors.New("no such device")}
	p := newTestPipeline(dev)

	err := p.Start(context.Background(), func(wire.EncodedAudioChunk) {})
	if !core.IsType(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want unavailable error", err)
	}
	if dev.opens != 0 {
		t.Fatalf("opens=%d, want 0", dev.opens)
	}
}

func TestPipeline_NoDevice(t *testing.T) {
	p := newTestPipeline(nil)
	if err := p.Init(context.Background()); !core.IsType(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want unavailable error", err)
	}
	p.Stop()
}

func TestPipeline_RestartResetsPartialFrame(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)
	var frames []wire.EncodedAudioChunk
	handler := func(c wire.EncodedAudioChunk) { frames = append(frames, c) }

	if err := p.Start(context.Background(), handler); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	dev.feed(ramp(5000, 500))
	p.Stop()

	if err := p.Start(context.Background(), handler); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	dev.feed(ramp(0, DefaultFrameSize))

	if len(frames) != 1 {
		t.Fatalf("frames=%d, want 1", len(frames))
	}
	if got := firstSample(frames[0]); got != 0 {
		t.Fatalf("first sample=%d, want 0 (stale samples leaked)", got)
	}
}

func TestMicFFmpegArgs(t *testing.T) {
	tests := []struct {
		goos      string
		input     string
		wantInput string
		wantErr   bool
	}{
		{goos: "linux", wantInput: "default"},
		{goos: "darwin", wantInput: ":0"},
		{goos: "linux", input: "alsa_input.usb", wantInput: "alsa_input.usb"},
		{goos: "windows", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.goos+tt.input, func(t *testing.T) {
			args, err := micFFmpegArgs(tt.goos, tt.input, 16000)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("micFFmpegArgs error: %v", err)
			}
			found := false
			for i := 0; i+1 < len(args); i++ {
				if args[i] == "-i" && args[i+1] == tt.wantInput {
					found = true
				}
				if args[i] == "-ar" && args[i+1] != "16000" {
					t.Fatalf("-ar %s, want 16000", args[i+1])
				}
			}
			if !found {
				t.Fatalf("args=%v missing -i %s", args, tt.wantInput)
			}
		})
	}
}

func TestFFmpegDevice_InitWithoutBinary(t *testing.T) {
	d := &FFmpegDevice{goos: "linux", lookPath: func(string) (string, error) {
		return "", errors.New("not found")
	}}
	if err := d.Init(context.Background(), 16000); !core.IsType(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want unavailable error", err)
	}
}

func TestDecodeF32(t *testing.T) {
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:], 0x3f000000) // 0.5
	binary.LittleEndian.PutUint32(raw[4:], 0xbf800000) // -1
	binary.LittleEndian.PutUint32(raw[8:], 0x00000000) // 0

	got := decodeF32(nil, raw, 5)
	want := []float32{0.5, -1, 0}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%v, want %v", i, got[i], want[i])
		}
	}
}
