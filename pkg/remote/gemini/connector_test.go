package gemini

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/live"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

type fakeLive struct {
	mu      sync.Mutex
	sent    []genai.LiveRealtimeInput
	sendErr error
	closed  bool

	// stall makes SendRealtimeInput block until Close, like a write on a
	// socket whose peer stopped reading.
	stall   bool
	sending chan struct{}
	gone    chan struct{}

	msgs chan *genai.LiveServerMessage
	errs chan error
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		msgs:    make(chan *genai.LiveServerMessage, 8),
		errs:    make(chan error, 1),
		sending: make(chan struct{}, 1),
		gone:    make(chan struct{}),
	}
}

func (f *fakeLive) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall {
		f.sending <- struct{}{}
		<-f.gone
		return errors.New("use of closed network connection")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, input)
	return nil
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errs:
		return nil, err
	}
}

func (f *fakeLive) Close() error {
	f.mu.Lock()
	if !f.closed {
		close(f.gone)
	}
	f.closed = true
	f.mu.Unlock()
	select {
	case f.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}:
	default:
	}
	return nil
}

type recorder struct {
	mu       sync.Mutex
	opened   int
	messages []live.Message
	errs     []error
	closes   []string
	closed   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opened++
			r.mu.Unlock()
		},
		OnMessage: func(m live.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func(reason string) {
			r.mu.Lock()
			r.closes = append(r.closes, reason)
			r.mu.Unlock()
			close(r.closed)
		},
	}
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not called")
	}
}

func newTestConnector(fake *fakeLive, dialErr error) (*Connector, *genai.LiveConnectConfig) {
	c := NewConnector(Config{})
	var got genai.LiveConnectConfig
	c.dial = func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		got = *cfg
		return fake, nil
	}
	return c, &got
}

func TestLiveConfig_Defaults(t *testing.T) {
	cfg := NewConnector(Config{}).LiveConfig()

	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("ResponseModalities = %v, want [AUDIO]", cfg.ResponseModalities)
	}
	if got := cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != DefaultVoice {
		t.Errorf("voice = %q, want %q", got, DefaultVoice)
	}
	if got := cfg.SpeechConfig.LanguageCode; got != DefaultLanguageCode {
		t.Errorf("language = %q, want %q", got, DefaultLanguageCode)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Error("both transcriptions should be enabled")
	}
	if cfg.MediaResolution != genai.MediaResolutionMedium {
		t.Errorf("MediaResolution = %v", cfg.MediaResolution)
	}
	if cfg.ContextWindowCompression == nil || *cfg.ContextWindowCompression.TriggerTokens != DefaultCompressionTokens {
		t.Errorf("compression not configured: %+v", cfg.ContextWindowCompression)
	}
	if *cfg.ContextWindowCompression.SlidingWindow.TargetTokens != DefaultCompressionTokens {
		t.Error("sliding window target should match trigger")
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].GoogleSearch == nil {
		t.Error("google search tool should be enabled")
	}
	if cfg.SystemInstruction.Parts[0].Text != DefaultSystemInstruction {
		t.Error("system instruction not set")
	}
}

func TestLiveConfig_Overrides(t *testing.T) {
	cfg := NewConnector(Config{
		Voice:             "Puck",
		LanguageCode:      "en-US",
		SystemInstruction: "be brief",
		CompressionTokens: -1,
		DisableSearch:     true,
	}).LiveConfig()

	if cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Error("voice override ignored")
	}
	if cfg.SpeechConfig.LanguageCode != "en-US" {
		t.Error("language override ignored")
	}
	if cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("instruction override ignored")
	}
	if cfg.ContextWindowCompression != nil {
		t.Error("compression should be disabled")
	}
	if len(cfg.Tools) != 0 {
		t.Error("tools should be empty")
	}
}

func TestToMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *genai.LiveServerMessage
		want live.Message
		ok   bool
	}{
		{name: "nil", msg: nil, ok: false},
		{name: "setup complete", msg: &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}, ok: false},
		{
			name: "all audio parts in order",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
					{Text: "thinking"},
					{InlineData: &genai.Blob{Data: []byte{3, 4}, MIMEType: "audio/pcm;rate=24000"}},
					{InlineData: &genai.Blob{Data: []byte{9}, MIMEType: "image/png"}},
				}},
			}},
			want: live.Message{Audio: [][]byte{{1, 2}, {3, 4}}},
			ok:   true,
		},
		{
			name: "transcripts and flags",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				OutputTranscription: &genai.Transcription{Text: "hello"},
				InputTranscription:  &genai.Transcription{Text: "hi"},
				TurnComplete:        true,
			}},
			want: live.Message{OutputTranscript: "hello", InputTranscript: "hi", TurnComplete: true},
			ok:   true,
		},
		{
			name: "interrupted",
			msg:  &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}},
			want: live.Message{Interrupted: true},
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toMessage(tt.msg)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if len(got.Audio) != len(tt.want.Audio) {
				t.Fatalf("audio chunks = %d, want %d", len(got.Audio), len(tt.want.Audio))
			}
			for i := range got.Audio {
				if string(got.Audio[i]) != string(tt.want.Audio[i]) {
					t.Errorf("chunk %d = %v, want %v", i, got.Audio[i], tt.want.Audio[i])
				}
			}
			if got.OutputTranscript != tt.want.OutputTranscript || got.InputTranscript != tt.want.InputTranscript {
				t.Errorf("transcripts = %q/%q", got.OutputTranscript, got.InputTranscript)
			}
			if got.TurnComplete != tt.want.TurnComplete || got.Interrupted != tt.want.Interrupted {
				t.Errorf("flags = %v/%v", got.TurnComplete, got.Interrupted)
			}
		})
	}
}

func TestConnect_MissingKey(t *testing.T) {
	c, _ := newTestConnector(newFakeLive(), nil)
	_, err := c.Connect(context.Background(), live.ConnectConfig{}, live.Callbacks{})
	if !core.IsType(err, core.ErrCredentialMissing) {
		t.Fatalf("err = %v, want credential missing", err)
	}
}

func TestConnect_DialError(t *testing.T) {
	rec := newRecorder()
	c, _ := newTestConnector(nil, errors.New("handshake failed"))
	_, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k"}, rec.callbacks())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if rec.opened != 0 {
		t.Error("OnOpen must not fire on dial failure")
	}
}

func TestConnect_DeliversMessagesAndCloses(t *testing.T) {
	fake := newFakeLive()
	rec := newRecorder()
	c, _ := newTestConnector(fake, nil)

	rs, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k", SessionID: "s1"}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rec.opened != 1 {
		t.Fatalf("opened = %d, want 1", rec.opened)
	}

	fake.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "one"},
	}}
	fake.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.messages)
		rec.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("messages = %d, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := rs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	rec.waitClosed(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.messages[0].OutputTranscript != "one" || !rec.messages[1].TurnComplete {
		t.Errorf("messages out of order: %+v", rec.messages)
	}
	if len(rec.errs) != 0 {
		t.Errorf("local close reported errors: %v", rec.errs)
	}
	if len(rec.closes) != 1 {
		t.Errorf("OnClose calls = %d, want 1", len(rec.closes))
	}
}

func TestConnect_ReceiveErrorReported(t *testing.T) {
	fake := newFakeLive()
	rec := newRecorder()
	c, _ := newTestConnector(fake, nil)

	if _, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k"}, rec.callbacks()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fake.errs <- &websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "quota exceeded"}
	rec.waitClosed(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(rec.errs))
	}
	if rec.closes[0] != "quota exceeded" {
		t.Errorf("reason = %q, want %q", rec.closes[0], "quota exceeded")
	}
}

func TestConnect_RemoteNormalCloseIsNotAnError(t *testing.T) {
	fake := newFakeLive()
	rec := newRecorder()
	c, _ := newTestConnector(fake, nil)

	if _, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k"}, rec.callbacks()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fake.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	rec.waitClosed(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 {
		t.Errorf("normal close reported as error: %v", rec.errs)
	}
	if rec.closes[0] != "bye" {
		t.Errorf("reason = %q", rec.closes[0])
	}
}

func TestRemote_Send(t *testing.T) {
	fake := newFakeLive()
	c, _ := newTestConnector(fake, nil)
	rs, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rs.Close()

	ctx := context.Background()
	if err := rs.SendAudio(ctx, wire.EncodedAudioChunk{Data: []byte{1}, MIMEType: wire.PCMMIMEType(wire.CaptureSampleRate)}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := rs.SendVideo(ctx, wire.EncodedVideoFrame{Data: []byte{2}, MIMEType: wire.MIMETypeJPEG}); err != nil {
		t.Fatalf("SendVideo: %v", err)
	}

	fake.mu.Lock()
	if len(fake.sent) != 2 || fake.sent[0].Audio == nil || fake.sent[1].Video == nil {
		t.Fatalf("sent = %+v", fake.sent)
	}
	if fake.sent[0].Audio.MIMEType != wire.PCMMIMEType(wire.CaptureSampleRate) {
		t.Errorf("audio mime = %q", fake.sent[0].Audio.MIMEType)
	}
	fake.sendErr = errors.New("broken pipe")
	fake.mu.Unlock()

	err = rs.SendAudio(ctx, wire.EncodedAudioChunk{Data: []byte{1}})
	if !core.IsType(err, core.ErrTransportSend) {
		t.Fatalf("err = %v, want transport send error", err)
	}
}

func TestRemote_SendAfterClose(t *testing.T) {
	fake := newFakeLive()
	c, _ := newTestConnector(fake, nil)
	rs, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rs.Close()

	err = rs.SendVideo(context.Background(), wire.EncodedVideoFrame{Data: []byte{1}})
	if !core.IsType(err, core.ErrTransportSend) {
		t.Fatalf("err = %v, want transport send error", err)
	}
}

func TestRemote_CloseDoesNotWaitForStalledSend(t *testing.T) {
	fake := newFakeLive()
	fake.stall = true
	c, _ := newTestConnector(fake, nil)
	rs, err := c.Connect(context.Background(), live.ConnectConfig{APIKey: "k"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- rs.SendAudio(context.Background(), wire.EncodedAudioChunk{Data: []byte{1}})
	}()
	<-fake.sending

	closed := make(chan struct{})
	go func() {
		rs.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a stalled send")
	}

	select {
	case err := <-sendErr:
		if !core.IsType(err, core.ErrTransportSend) {
			t.Fatalf("err = %v, want transport send error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled send did not fail after Close")
	}
}
