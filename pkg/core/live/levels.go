package live

import (
	"math"
	"sync"
	"time"
)

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// Level is one measurement of an audio stream.
type Level struct {
	RMS  float64   `json:"rms"`
	Peak float64   `json:"peak"`
	At   time.Time `json:"at"`
}

// LevelTap is a read-only view of an audio stream's loudness for the
// presentation layer. Observe is called from the audio path; Latest and the
// OnLevel subscriber are how readers see it.
type LevelTap struct {
	name string
	now  func() time.Time

	mu      sync.RWMutex
	latest  Level
	onLevel func(name string, l Level)
}

// NewLevelTap creates a tap labelled name ("input" or "output").
func NewLevelTap(name string, onLevel func(name string, l Level)) *LevelTap {
	return &LevelTap{name: name, now: time.Now, onLevel: onLevel}
}

// Observe measures one PCM16 chunk.
func (t *LevelTap) Observe(pcm []byte) {
	if t == nil || len(pcm) < 2 {
		return
	}
	l := Level{
		RMS:  CalculateRMSEnergy(pcm),
		Peak: CalculatePeakAmplitude(pcm),
		At:   t.now(),
	}
	t.mu.Lock()
	t.latest = l
	cb := t.onLevel
	t.mu.Unlock()
	if cb != nil {
		cb(t.name, l)
	}
}

// Latest returns the most recent measurement.
func (t *LevelTap) Latest() Level {
	if t == nil {
		return Level{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Silence resets the tap to zero, e.g. after playback was cut.
func (t *LevelTap) Silence() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.latest = Level{At: t.now()}
	l, cb := t.latest, t.onLevel
	t.mu.Unlock()
	if cb != nil {
		cb(t.name, l)
	}
}
