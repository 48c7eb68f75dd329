package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

const bytesPerFloat = 4

// oto allows a single context per process.
var (
	otoMu       sync.Mutex
	otoCtx      *oto.Context
	otoRate     int
	otoChannels int
)

func sharedOtoContext(sampleRate, channels int) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()
	if otoCtx != nil {
		if otoRate != sampleRate || otoChannels != channels {
			return nil, fmt.Errorf("speaker already opened at %dHz/%dch, cannot reopen at %dHz/%dch", otoRate, otoChannels, sampleRate, channels)
		}
		return otoCtx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   50 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	<-ready
	otoCtx, otoRate, otoChannels = ctx, sampleRate, channels
	return ctx, nil
}

// OtoDevice is an OutputDevice that mixes scheduled voices into one oto
// player. Its clock counts the frames the player has pulled.
type OtoDevice struct {
	sampleRate int
	channels   int
	player     *oto.Player

	mu       sync.Mutex
	rendered int64
	voices   []*mixVoice
	closed   bool
}

type mixVoice struct {
	dev     *OtoDevice
	start   int64
	samples [][]float32
	onEnded func()
}

// OpenOtoDevice opens the default speaker at sampleRate.
func OpenOtoDevice(sampleRate, channels int) (*OtoDevice, error) {
	ctx, err := sharedOtoContext(sampleRate, channels)
	if err != nil {
		return nil, core.NewDeviceUnavailableError("speaker", err)
	}
	d := newMixer(sampleRate, channels)
	d.player = ctx.NewPlayer(d)
	d.player.SetBufferSize(sampleRate * channels * bytesPerFloat / 20)
	d.player.Play()
	return d, nil
}

func newMixer(sampleRate, channels int) *OtoDevice {
	return &OtoDevice{sampleRate: sampleRate, channels: channels}
}

func (d *OtoDevice) Now() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.rendered) / float64(d.sampleRate)
}

func (d *OtoDevice) Schedule(buf wire.PlaybackBuffer, at float64, onEnded func()) (Voice, error) {
	if buf.SampleRate != d.sampleRate {
		return nil, fmt.Errorf("buffer rate %d does not match speaker rate %d", buf.SampleRate, d.sampleRate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("speaker is closed")
	}
	start := int64(math.Round(at * float64(d.sampleRate)))
	if start < d.rendered {
		start = d.rendered
	}
	v := &mixVoice{dev: d, start: start, samples: buf.Channels, onEnded: onEnded}
	d.voices = append(d.voices, v)
	return v, nil
}

func (v *mixVoice) Stop() error {
	v.dev.mu.Lock()
	defer v.dev.mu.Unlock()
	if !v.dev.removeLocked(v) {
		return errors.New("voice already finished")
	}
	return nil
}

func (v *mixVoice) frames() int64 {
	if len(v.samples) == 0 {
		return 0
	}
	return int64(len(v.samples[0]))
}

func (d *OtoDevice) removeLocked(v *mixVoice) bool {
	for i, cur := range d.voices {
		if cur == v {
			d.voices = append(d.voices[:i], d.voices[i+1:]...)
			return true
		}
	}
	return false
}

// Read renders the next block of float32 little-endian interleaved audio.
// Voices that finish inside the block are removed and their end callbacks
// run on separate goroutines.
func (d *OtoDevice) Read(p []byte) (int, error) {
	frameBytes := bytesPerFloat * d.channels
	n := len(p) / frameBytes
	if n == 0 {
		return 0, nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.EOF
	}
	mix := make([]float32, n*d.channels)
	base := d.rendered
	end := base + int64(n)
	var finished []func()
	kept := d.voices[:0]
	for _, v := range d.voices {
		vEnd := v.start + v.frames()
		from, to := max(v.start, base), min(vEnd, end)
		for f := from; f < to; f++ {
			src := v.samples
			for ch := 0; ch < d.channels; ch++ {
				in := src[min(ch, len(src)-1)]
				mix[int(f-base)*d.channels+ch] += in[f-v.start]
			}
		}
		if vEnd <= end {
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(d.voices[len(kept):])
	d.voices = kept
	d.rendered = end
	d.mu.Unlock()

	for i, s := range mix {
		s = max(-1, min(1, s))
		binary.LittleEndian.PutUint32(p[i*bytesPerFloat:], math.Float32bits(s))
	}
	for _, fn := range finished {
		go fn()
	}
	return n * frameBytes, nil
}

// Close stops the player. Pending voices are discarded without end
// callbacks.
func (d *OtoDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.voices = nil
	player := d.player
	d.mu.Unlock()

	if player == nil {
		return nil
	}
	player.Pause()
	return player.Close()
}
