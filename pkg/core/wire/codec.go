// Package wire converts audio between normalized float samples, 16-bit PCM
// and the base64 transport encoding used on the wire.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/vango-go/vai-duplex/pkg/core"
)

const (
	// CaptureSampleRate is the fixed rate of outbound microphone audio.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of inbound agent audio.
	PlaybackSampleRate = 24000

	// BytesPerSample is the size of one PCM16 sample.
	BytesPerSample = 2

	MIMETypeJPEG = "image/jpeg"

	// base64BlockSize stays a multiple of 3 so block encodings concatenate
	// without interior padding.
	base64BlockSize = 0x8000 - 0x8000%3
)

// PCMMIMEType returns the transport tag for PCM16 audio at sampleRate.
func PCMMIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// EncodedAudioChunk is one transport-ready PCM16 little-endian payload.
type EncodedAudioChunk struct {
	Data     []byte
	MIMEType string
}

// EncodedVideoFrame is one compressed image payload.
type EncodedVideoFrame struct {
	Data     []byte
	MIMEType string
}

// PlaybackBuffer is decoded audio ready for an output device, one sample
// slice per channel.
type PlaybackBuffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the per-channel length.
func (b PlaybackBuffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length in seconds.
func (b PlaybackBuffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// EncodeSamples quantizes samples to PCM16 little-endian at the capture rate.
func EncodeSamples(samples []float32) EncodedAudioChunk {
	return EncodedAudioChunk{
		Data:     AppendPCM16(make([]byte, 0, len(samples)*BytesPerSample), samples),
		MIMEType: PCMMIMEType(CaptureSampleRate),
	}
}

// AppendPCM16 appends the PCM16 little-endian form of samples to dst.
func AppendPCM16(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(QuantizeSample(s)))
	}
	return dst
}

// QuantizeSample clamps s to [-1, 1] and scales it to int16. Negative values
// scale by 32768 and non-negative values by 32767, rounding half away from
// zero. NaN maps to 0.
func QuantizeSample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// DecodeChunk interprets data as interleaved PCM16 little-endian audio. It
// fails with a malformed audio error when data does not hold whole frames.
func DecodeChunk(data []byte, sampleRate, channels int) (PlaybackBuffer, error) {
	if channels < 1 {
		return PlaybackBuffer{}, core.NewMalformedAudioError(fmt.Sprintf("invalid channel count %d", channels))
	}
	if len(data)%(BytesPerSample*channels) != 0 {
		return PlaybackBuffer{}, core.NewMalformedAudioError(fmt.Sprintf("%d bytes is not a whole number of %d-channel pcm16 frames", len(data), channels))
	}
	frames := len(data) / (BytesPerSample * channels)
	out := PlaybackBuffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for ch := range out.Channels {
		out.Channels[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * BytesPerSample
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			out.Channels[ch][i] = float32(v) / 32768
		}
	}
	return out, nil
}

// EncodeBase64 encodes data in fixed-size blocks into one standard base64
// string.
func EncodeBase64(data []byte) string {
	enc := base64.StdEncoding
	dst := make([]byte, enc.EncodedLen(len(data)))
	n := 0
	for start := 0; start < len(data); start += base64BlockSize {
		end := min(start+base64BlockSize, len(data))
		block := data[start:end]
		enc.Encode(dst[n:], block)
		n += enc.EncodedLen(len(block))
	}
	return string(dst[:n])
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return out, nil
}
