package audioin

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-duplex/pkg/core"
)

// MalgoDevice captures mono float32 audio through miniaudio.
type MalgoDevice struct {
	// PeriodMs is the device callback period. Zero uses 20ms.
	PeriodMs uint32

	mu         sync.Mutex
	ctx        *malgo.AllocatedContext
	sampleRate int
}

// NewMalgoDevice returns a microphone backed by the default capture device.
func NewMalgoDevice() *MalgoDevice {
	return &MalgoDevice{}
}

func (d *MalgoDevice) Init(_ context.Context, sampleRate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return nil
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return core.NewDeviceUnavailableError("microphone", fmt.Errorf("init audio context: %w", err))
	}
	d.ctx = mctx
	d.sampleRate = sampleRate
	return nil
}

func (d *MalgoDevice) Open(ctx context.Context, onSamples func(samples []float32)) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, core.NewDeviceUnavailableError("microphone", errors.New("audio context is not initialized"))
	}

	period := d.PeriodMs
	if period == 0 {
		period = 20
	}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(d.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = period

	s := &malgoStream{}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, frameCount uint32) {
			s.samples = decodeF32(s.samples[:0], pInputSamples, int(frameCount))
			onSamples(s.samples)
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, core.NewDeviceUnavailableError("microphone", fmt.Errorf("init capture device: %w", err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, core.NewDeviceUnavailableError("microphone", fmt.Errorf("start capture device: %w", err))
	}
	s.device = device
	return s, nil
}

func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

type malgoStream struct {
	once   sync.Once
	device *malgo.Device

	// callback scratch, only touched on the device thread
	samples []float32
}

func (s *malgoStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.device.Stop()
		s.device.Uninit()
	})
	return err
}

func decodeF32(dst []float32, raw []byte, frames int) []float32 {
	if n := len(raw) / 4; frames > n {
		frames = n
	}
	for i := 0; i < frames; i++ {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return dst
}
