package live

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vango-go/vai-duplex/pkg/core/audioin"
	"github.com/vango-go/vai-duplex/pkg/core/playback"
	"github.com/vango-go/vai-duplex/pkg/core/videoin"
	"github.com/vango-go/vai-duplex/pkg/metrics"
)

// SessionState represents the current state of the duplex session.
type SessionState int

const (
	// StateUninitialized is the initial state, and the state after a
	// failed initialization.
	StateUninitialized SessionState = iota
	// StateInitializing is while devices are acquired and the remote
	// session is opening.
	StateInitializing
	// StateReady is when the remote session is open and capture is idle.
	StateReady
	// StateRecording is when capture pipelines are streaming.
	StateRecording
	// StateInterrupted is after the remote agent signalled a barge-in.
	StateInterrupted
	// StateClosed is after Reset or Close tore the session down.
	StateClosed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateRecording:
		return "RECORDING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// open reports whether a remote session is live in this state.
func (s SessionState) open() bool {
	return s == StateReady || s == StateRecording || s == StateInterrupted
}

// Mode selects which capture pipelines a session uses.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
	ModeBoth  Mode = "both"
)

// ParseMode accepts "audio", "video" or "both", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAudio, ModeVideo, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want audio, video or both)", s)
	}
}

// Audio reports whether the mode captures and plays audio.
func (m Mode) Audio() bool { return m == ModeAudio || m == ModeBoth }

// Video reports whether the mode captures video.
func (m Mode) Video() bool { return m == ModeVideo || m == ModeBoth }

// CredentialSource supplies the API key used to open the remote session. An
// empty key means no credential is available.
type CredentialSource func() string

// StaticCredential returns a CredentialSource for a fixed key.
func StaticCredential(key string) CredentialSource {
	return func() string { return key }
}

// EnvCredential returns a CredentialSource that reads the first non-empty
// variable among names on every call.
func EnvCredential(names ...string) CredentialSource {
	return func() string {
		for _, name := range names {
			if v := strings.TrimSpace(os.Getenv(name)); v != "" {
				return v
			}
		}
		return ""
	}
}

// Config configures a Session.
type Config struct {
	// Mode selects the capture pipelines. Default: ModeBoth.
	Mode Mode

	Credentials CredentialSource
	Connector   Connector

	// Microphone and Camera are the device collaborators. They are only
	// touched when Mode requires them.
	Microphone        audioin.Device
	Camera            videoin.Camera
	CameraConstraints videoin.Constraints

	// FrameInterval and JPEGQuality tune the video pipeline. Zero values
	// use the videoin defaults.
	FrameInterval time.Duration
	JPEGQuality   int

	// OpenOutput opens the speaker for a new remote session.
	OpenOutput func() (playback.OutputDevice, error)

	// OutboundQueueSize bounds frames waiting for the network. Default: 64.
	OutboundQueueSize int

	// TranscriptGrace is how long a finished turn stays visible. Default: 1s.
	TranscriptGrace time.Duration

	// OpenTimeout bounds the wait for the remote open callback. Default: 15s.
	OpenTimeout time.Duration

	// EventBuffer sizes the Events channel. Default: 256.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const (
	DefaultOutboundQueueSize = 64
	DefaultOpenTimeout       = 15 * time.Second
	DefaultEventBuffer       = 256
)

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeBoth
	}
	if c.Credentials == nil {
		c.Credentials = StaticCredential("")
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
