package live

import (
	"context"

	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

// Message is one inbound event from the remote agent.
type Message struct {
	// Audio holds PCM16 24kHz mono chunks in arrival order.
	Audio [][]byte

	// OutputTranscript is a fragment of the agent's speech transcript.
	OutputTranscript string

	// InputTranscript is a fragment of the user's speech transcript.
	InputTranscript string

	TurnComplete bool
	Interrupted  bool
}

// Callbacks receive the remote session's lifecycle and message stream.
// OnMessage is called sequentially in arrival order.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func(reason string)
}

// ConnectConfig is passed to a Connector for each new remote session.
type ConnectConfig struct {
	APIKey    string
	SessionID string
	Mode      Mode
}

// Connector opens remote sessions.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectConfig, cb Callbacks) (RemoteSession, error)
}

// RemoteSession is an open connection to the remote agent.
type RemoteSession interface {
	SendAudio(ctx context.Context, chunk wire.EncodedAudioChunk) error
	SendVideo(ctx context.Context, frame wire.EncodedVideoFrame) error
	Close() error
}

// Event is the interface for all session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// StatusEvent carries the human-readable status line.
type StatusEvent struct {
	Status string `json:"status"`
}

func (e *StatusEvent) EventType() string { return "status" }

// LevelEvent is emitted for each input or output level measurement.
type LevelEvent struct {
	Source string `json:"source"`
	Level  Level  `json:"level"`
}

func (e *LevelEvent) EventType() string { return "level" }

// TranscriptEvent carries the current transcript buffer for a role
// ("input" for the user, "output" for the agent).
type TranscriptEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (e *TranscriptEvent) EventType() string { return "transcript" }

// VideoFrameEvent carries an encoded frame sent to the remote agent.
type VideoFrameEvent struct {
	Frame wire.EncodedVideoFrame `json:"-"`
}

func (e *VideoFrameEvent) EventType() string { return "video_frame" }

// ErrorEvent is emitted when the remote session reports an error.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }
