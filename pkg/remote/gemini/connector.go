// Package gemini connects duplex sessions to the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/live"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

const (
	DefaultModel        = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice        = "Orus"
	DefaultLanguageCode = "kh-khm"

	// DefaultCompressionTokens is both the compression trigger and the
	// sliding window target.
	DefaultCompressionTokens = 32000

	DefaultSystemInstruction = "You are a helpful companion talking with the user in real time. " +
		"When the user refers to \"this\" or \"that\", they mean what is visible in their video; use it as context. " +
		"Only search the web when the user asks you to."
)

// Config configures the Gemini Live connection.
type Config struct {
	Model             string
	Voice             string
	LanguageCode      string
	SystemInstruction string

	// CompressionTokens enables context window compression. Zero uses
	// DefaultCompressionTokens; negative disables it.
	CompressionTokens int64

	// DisableSearch removes the Google Search tool.
	DisableSearch bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.LanguageCode == "" {
		c.LanguageCode = DefaultLanguageCode
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	if c.CompressionTokens == 0 {
		c.CompressionTokens = DefaultCompressionTokens
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// liveSession is the subset of *genai.Session the connector drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Connector implements live.Connector on the Gemini Live API.
type Connector struct {
	cfg  Config
	dial dialFunc
}

// NewConnector creates a Connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg.withDefaults(), dial: dialGenAI}
}

func dialGenAI(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	session, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect live model %s: %w", model, err)
	}
	return session, nil
}

// LiveConfig returns the session setup sent to the API.
func (c *Connector) LiveConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.cfg.Voice},
			},
			LanguageCode: c.cfg.LanguageCode,
		},
		SystemInstruction: &genai.Content{
			Role:  "system",
			Parts: []*genai.Part{{Text: c.cfg.SystemInstruction}},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		MediaResolution:          genai.MediaResolutionMedium,
	}
	if c.cfg.CompressionTokens > 0 {
		cfg.ContextWindowCompression = &genai.ContextWindowCompressionConfig{
			TriggerTokens: genai.Ptr(c.cfg.CompressionTokens),
			SlidingWindow: &genai.SlidingWindow{TargetTokens: genai.Ptr(c.cfg.CompressionTokens)},
		}
	}
	if !c.cfg.DisableSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

// Connect opens a Live session, fires OnOpen and starts delivering
// messages on a background goroutine.
func (c *Connector) Connect(ctx context.Context, cfg live.ConnectConfig, cb live.Callbacks) (live.RemoteSession, error) {
	if cfg.APIKey == "" {
		return nil, core.NewCredentialMissingError("gemini connect")
	}
	sess, err := c.dial(ctx, cfg.APIKey, c.cfg.Model, c.LiveConfig())
	if err != nil {
		return nil, err
	}

	r := &remote{
		sess:   sess,
		cb:     cb,
		logger: c.cfg.Logger.With("session_id", cfg.SessionID, "model", c.cfg.Model),
	}
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	go r.receiveLoop()
	return r, nil
}

// remote adapts a Live session to live.RemoteSession.
type remote struct {
	sess   liveSession
	cb     live.Callbacks
	logger *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	endOnce   sync.Once
	closeErr  error
}

func (r *remote) SendAudio(ctx context.Context, chunk wire.EncodedAudioChunk) error {
	return r.send(ctx, "audio", genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk.Data, MIMEType: chunk.MIMEType},
	})
}

func (r *remote) SendVideo(ctx context.Context, frame wire.EncodedVideoFrame) error {
	return r.send(ctx, "video", genai.LiveRealtimeInput{
		Video: &genai.Blob{Data: frame.Data, MIMEType: frame.MIMEType},
	})
}

func (r *remote) send(ctx context.Context, kind string, input genai.LiveRealtimeInput) error {
	if err := ctx.Err(); err != nil {
		return core.NewTransportSendError(kind, err)
	}
	if r.closed.Load() {
		return core.NewTransportSendError(kind, errors.New("session is closed"))
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.sess.SendRealtimeInput(input); err != nil {
		return core.NewTransportSendError(kind, err)
	}
	return nil
}

// Close closes the Live session without waiting for an in-flight send; the
// send fails once the socket is gone. OnClose fires once the receive loop
// ends.
func (r *remote) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.sess.Close()
	})
	return r.closeErr
}

func (r *remote) receiveLoop() {
	for {
		msg, err := r.sess.Receive()
		if err != nil {
			r.end(err)
			return
		}
		if msg.GoAway != nil {
			r.logger.Warn("gemini live server is going away")
		}
		m, ok := toMessage(msg)
		if !ok || r.closed.Load() {
			continue
		}
		if r.cb.OnMessage != nil {
			r.cb.OnMessage(m)
		}
	}
}

// end reports the end of the stream. Errors after a local Close and normal
// websocket closures are not reported through OnError.
func (r *remote) end(err error) {
	r.endOnce.Do(func() {
		reason := closeReason(err)
		if !r.closed.Load() && !isNormalClose(err) {
			r.logger.Error("gemini live receive failed", "error", err)
			if r.cb.OnError != nil {
				r.cb.OnError(err)
			}
		}
		if r.cb.OnClose != nil {
			r.cb.OnClose(reason)
		}
	})
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(errors.Unwrap(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("code %d", ce.Code)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// toMessage maps server content to a live.Message. It reports false for
// messages that carry nothing the session routes (setup acks, tool calls).
func toMessage(msg *genai.LiveServerMessage) (live.Message, bool) {
	if msg == nil || msg.ServerContent == nil {
		return live.Message{}, false
	}
	sc := msg.ServerContent
	var m live.Message
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if mt := part.InlineData.MIMEType; mt != "" && !strings.HasPrefix(mt, "audio/") {
				continue
			}
			m.Audio = append(m.Audio, part.InlineData.Data)
		}
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	m.TurnComplete = sc.TurnComplete
	m.Interrupted = sc.Interrupted
	return m, true
}
