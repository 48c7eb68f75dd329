package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/audioin"
	"github.com/vango-go/vai-duplex/pkg/core/playback"
	"github.com/vango-go/vai-duplex/pkg/core/transcript"
	"github.com/vango-go/vai-duplex/pkg/core/videoin"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
	"github.com/vango-go/vai-duplex/pkg/metrics"
)

// Status lines surfaced to the presentation layer.
const (
	StatusConnecting = "Connecting..."
	StatusConnected  = "Connected"
	StatusRecording  = "Recording..."
	StatusStopped    = "Stopped"
	StatusInterrupt  = "Interrupted"
	StatusClosed     = "Session closed"
)

// outbound is one frame waiting for the network.
type outbound struct {
	audio *wire.EncodedAudioChunk
	video *wire.EncodedVideoFrame
}

func (o outbound) kind() string {
	if o.video != nil {
		return "video"
	}
	return "audio"
}

// Session is the duplex media session. It owns the capture pipelines, the
// playback scheduler and the remote session for one generation at a time;
// Reset and SetMode swap the generation in place.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  chan Event

	inputLevel  *LevelTap
	outputLevel *LevelTap
	inputText   *transcript.Aggregator
	outputText  *transcript.Aggregator

	// initMu serializes InitClient, StartRecording, Reset, SetMode and Close.
	initMu sync.Mutex

	mu          sync.RWMutex
	state       SessionState
	mode        Mode
	status      string
	id          string
	gen         uint64
	initialized bool
	capturing   bool
	remote      RemoteSession
	mic         *audioin.Pipeline
	cam         *videoin.Pipeline
	player      *playback.Scheduler
	queue       chan outbound
	stopSender  context.CancelFunc
	senderDone  chan struct{}
}

// NewSession creates an uninitialized session.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		events:  make(chan Event, cfg.EventBuffer),
		mode:    cfg.Mode,
		state:   StateUninitialized,
	}
	s.inputLevel = NewLevelTap("input", s.onLevel)
	s.outputLevel = NewLevelTap("output", s.onLevel)
	s.inputText = transcript.New(transcript.Config{
		Grace:    cfg.TranscriptGrace,
		OnChange: func(text string) { s.emit(&TranscriptEvent{Role: "input", Text: text}) },
	})
	s.outputText = transcript.New(transcript.Config{
		Grace:    cfg.TranscriptGrace,
		OnChange: func(text string) { s.emit(&TranscriptEvent{Role: "output", Text: text}) },
	})
	return s
}

// ID returns the identifier of the current remote session, or "" before
// the first initialization.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsInitialized reports whether a remote session is open.
func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Mode returns the capture mode.
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Status returns the latest status line.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Events returns the channel for receiving session events. Events are
// dropped when the channel is full.
func (s *Session) Events() <-chan Event {
	return s.events
}

// InputLevel returns the microphone level tap.
func (s *Session) InputLevel() *LevelTap { return s.inputLevel }

// OutputLevel returns the playback level tap.
func (s *Session) OutputLevel() *LevelTap { return s.outputLevel }

// InputTranscript returns the user's transcript for the current turn.
func (s *Session) InputTranscript() string { return s.inputText.Text() }

// OutputTranscript returns the agent's transcript for the current turn.
func (s *Session) OutputTranscript() string { return s.outputText.Text() }

// Preview returns the live camera source while video capture runs.
func (s *Session) Preview() videoin.Source {
	s.mu.RLock()
	cam := s.cam
	s.mu.RUnlock()
	if cam == nil {
		return nil
	}
	return cam.Preview()
}

// InitClient acquires the devices the mode needs and opens the remote
// session, returning once it is open. It is a no-op while a session is
// open. On failure every device acquired so far is released and the state
// returns to UNINITIALIZED.
func (s *Session) InitClient(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initLocked(ctx)
}

func (s *Session) initLocked(ctx context.Context) error {
	s.mu.RLock()
	state, mode := s.state, s.mode
	s.mu.RUnlock()
	if state.open() {
		return nil
	}

	key := s.cfg.Credentials()
	if key == "" {
		err := core.NewCredentialMissingError("init client")
		s.setStatus(err.Message)
		return err
	}

	started := time.Now()
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.id = uuid.NewString()
	id := s.id
	s.transitionLocked(StateInitializing)
	s.mu.Unlock()
	s.setStatus(StatusConnecting)

	if s.cfg.Connector == nil {
		return s.failInit(gen, nil, started, core.NewSessionInitError(errors.New("no connector configured")))
	}

	mic, cam, player, err := s.acquire(ctx, mode)
	if err != nil {
		return s.failInit(gen, nil, started, err)
	}
	s.mu.Lock()
	s.mic, s.cam, s.player = mic, cam, player
	s.mu.Unlock()

	opened := make(chan struct{})
	failed := make(chan error, 1)
	var openOnce sync.Once
	cb := Callbacks{
		OnOpen: func() {
			s.handleOpen(gen)
			openOnce.Do(func() { close(opened) })
		},
		OnMessage: func(m Message) { s.handleMessage(gen, m) },
		OnError: func(err error) {
			s.handleError(gen, err)
			notify(failed, err)
		},
		OnClose: func(reason string) {
			s.handleClose(gen, reason)
			notify(failed, errors.New("remote session closed: "+reason))
		},
	}

	remote, err := s.cfg.Connector.Connect(ctx, ConnectConfig{APIKey: key, SessionID: id, Mode: mode}, cb)
	if err != nil {
		return s.failInit(gen, nil, started, core.NewSessionInitError(err))
	}

	timeout := time.NewTimer(s.cfg.OpenTimeout)
	defer timeout.Stop()
	select {
	case <-opened:
	case err := <-failed:
		return s.failInit(gen, remote, started, core.NewSessionInitError(err))
	case <-ctx.Done():
		return s.failInit(gen, remote, started, core.NewSessionInitError(ctx.Err()))
	case <-timeout.C:
		return s.failInit(gen, remote, started, core.NewSessionInitError(errors.New("timed out waiting for remote session to open")))
	}

	senderCtx, stop := context.WithCancel(context.Background())
	queue := make(chan outbound, s.cfg.OutboundQueueSize)
	done := make(chan struct{})

	s.mu.Lock()
	s.remote = remote
	s.queue = queue
	s.stopSender = stop
	s.senderDone = done
	s.initialized = true
	s.mu.Unlock()

	go s.runSender(senderCtx, id, remote, queue, done)

	s.metrics.RecordSessionInit("ok", time.Since(started))
	s.logger.Info("session initialized", "session_id", id, "mode", string(mode))
	return nil
}

// acquire creates the pipelines and output device the mode needs. On error
// everything it acquired is released.
func (s *Session) acquire(ctx context.Context, mode Mode) (*audioin.Pipeline, *videoin.Pipeline, *playback.Scheduler, error) {
	var (
		mic    *audioin.Pipeline
		cam    *videoin.Pipeline
		player *playback.Scheduler
	)
	if mode.Audio() {
		mic = audioin.New(audioin.Config{Device: s.cfg.Microphone, Logger: s.logger})
		if err := mic.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		if s.cfg.OpenOutput != nil {
			dev, err := s.cfg.OpenOutput()
			if err != nil {
				mic.Stop()
				if !core.IsDeviceError(err) {
					err = core.NewDeviceUnavailableError("speaker", err)
				}
				return nil, nil, nil, err
			}
			player = playback.New(playback.Config{Device: dev, Logger: s.logger})
		}
	}
	if mode.Video() {
		cam = videoin.New(videoin.Config{
			Camera:       s.cfg.Camera,
			Constraints:  s.cfg.CameraConstraints,
			EmitInterval: s.cfg.FrameInterval,
			Quality:      s.cfg.JPEGQuality,
			Logger:       s.logger,
		})
	}
	return mic, cam, player, nil
}

func (s *Session) failInit(gen uint64, remote RemoteSession, started time.Time, err error) error {
	s.mu.Lock()
	var (
		mic    *audioin.Pipeline
		cam    *videoin.Pipeline
		player *playback.Scheduler
	)
	if gen == s.gen {
		s.gen++
		mic, cam, player = s.mic, s.cam, s.player
		s.mic, s.cam, s.player = nil, nil, nil
		s.transitionLocked(StateUninitialized)
	}
	s.mu.Unlock()

	if remote != nil {
		if cerr := remote.Close(); cerr != nil {
			s.logger.Warn("close remote session", "error", cerr)
		}
	}
	releaseDevices(mic, cam, player)

	result := "error"
	var ce *core.Error
	if errors.As(err, &ce) {
		result = string(ce.Type)
	}
	s.metrics.RecordSessionInit(result, time.Since(started))
	s.logger.Error("session init failed", "error", err)
	s.setStatus(err.Error())
	return err
}

// StartRecording starts the capture pipelines the mode requires,
// initializing the session first when needed. In ModeBoth a pipeline that
// fails to start does not stop the other one; the failure is returned and
// the session records with whatever started.
func (s *Session) StartRecording(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if err := s.initLocked(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	state, gen := s.state, s.gen
	mic, cam, queue := s.mic, s.cam, s.queue
	s.mu.RUnlock()
	if state == StateRecording {
		return nil
	}

	var errs []error
	started := false
	if mic != nil {
		if err := mic.Start(ctx, s.audioSink(queue)); err != nil {
			errs = append(errs, err)
		} else {
			started = true
		}
	}
	if cam != nil {
		if err := cam.Start(ctx, s.videoSink(queue)); err != nil {
			errs = append(errs, err)
		} else {
			started = true
		}
	}
	err := errors.Join(errs...)
	if !started {
		if err != nil {
			s.logger.Error("start recording", "error", err)
			s.setStatus(err.Error())
		}
		return err
	}

	s.mu.Lock()
	current := gen == s.gen
	if current {
		s.capturing = true
		s.transitionLocked(StateRecording)
	}
	s.mu.Unlock()
	if !current {
		// The remote side closed the session while capture was starting.
		releaseDevices(mic, cam, nil)
		return core.NewSessionInitError(errors.New("remote session closed while recording started"))
	}
	s.setStatus(StatusRecording)
	if err != nil {
		s.logger.Warn("recording started partially", "error", err)
	}
	return err
}

// StopRecording stops every capture pipeline. It is safe in any state.
func (s *Session) StopRecording() {
	s.mu.Lock()
	mic, cam := s.mic, s.cam
	wasCapturing := s.capturing
	s.capturing = false
	if s.state == StateRecording || s.state == StateInterrupted {
		s.transitionLocked(StateReady)
	}
	s.mu.Unlock()

	if mic != nil {
		mic.Stop()
	}
	if cam != nil {
		cam.Stop()
	}
	if wasCapturing {
		s.setStatus(StatusStopped)
	}
}

// Reset closes the remote session, releases all devices and, when a
// credential is still available, initializes a fresh session. Teardown
// never fails; only the re-initialization can return an error.
func (s *Session) Reset(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.teardownLocked()
	if s.cfg.Credentials() == "" {
		return nil
	}
	return s.initLocked(ctx)
}

// SetMode switches the capture mode. An open session is reset so the new
// mode's devices are acquired.
func (s *Session) SetMode(ctx context.Context, mode Mode) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return nil
	}
	s.mode = mode
	wasInitialized := s.initialized
	s.mu.Unlock()

	s.logger.Info("session mode changed", "mode", string(mode))
	if !wasInitialized {
		return nil
	}
	s.teardownLocked()
	return s.initLocked(ctx)
}

// Close tears the session down without re-initializing. It always returns
// nil.
func (s *Session) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.teardownLocked()
	return nil
}

func (s *Session) teardownLocked() {
	s.mu.Lock()
	g := s.detachLocked()
	s.mu.Unlock()

	s.release(g)
	s.setStatus(StatusClosed)
}

// generation is everything one remote session owns.
type generation struct {
	id          string
	remote      RemoteSession
	mic         *audioin.Pipeline
	cam         *videoin.Pipeline
	player      *playback.Scheduler
	stop        context.CancelFunc
	done        chan struct{}
	initialized bool
}

// detachLocked retires the current generation and moves to CLOSED. Callbacks
// still in flight for it are ignored from here on. s.mu must be held.
func (s *Session) detachLocked() generation {
	s.gen++
	g := generation{
		id:          s.id,
		remote:      s.remote,
		mic:         s.mic,
		cam:         s.cam,
		player:      s.player,
		stop:        s.stopSender,
		done:        s.senderDone,
		initialized: s.initialized,
	}
	s.remote, s.mic, s.cam, s.player = nil, nil, nil, nil
	s.queue, s.stopSender, s.senderDone = nil, nil, nil
	s.initialized = false
	s.capturing = false
	s.transitionLocked(StateClosed)
	return g
}

// release stops the sender, closes the remote session and frees every device
// of a detached generation.
func (s *Session) release(g generation) {
	if g.stop != nil {
		g.stop()
	}
	if g.remote != nil {
		if err := g.remote.Close(); err != nil {
			s.logger.Warn("close remote session", "session_id", g.id, "error", err)
		}
	}
	if g.done != nil {
		<-g.done
	}
	releaseDevices(g.mic, g.cam, g.player)

	s.inputText.Reset()
	s.outputText.Reset()
	s.inputLevel.Silence()
	s.outputLevel.Silence()

	if g.initialized {
		s.metrics.RecordSessionEnd()
	}
}

func releaseDevices(mic *audioin.Pipeline, cam *videoin.Pipeline, player *playback.Scheduler) {
	if mic != nil {
		mic.Stop()
	}
	if cam != nil {
		cam.Stop()
	}
	if player != nil {
		player.Reset()
	}
}

func (s *Session) handleOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateInitializing {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateReady)
	id := s.id
	s.mu.Unlock()

	s.logger.Info("remote session opened", "session_id", id)
	s.setStatus(StatusConnected)
}

// handleMessage routes one inbound message: audio to playback, transcript
// fragments to the aggregators, then turn-end and interruption handling.
func (s *Session) handleMessage(gen uint64, m Message) {
	s.mu.RLock()
	if gen != s.gen || s.state == StateClosed || s.state == StateUninitialized {
		s.mu.RUnlock()
		return
	}
	player := s.player
	s.mu.RUnlock()

	for _, chunk := range m.Audio {
		if player == nil {
			break
		}
		if _, err := player.Enqueue(chunk); err != nil {
			if core.IsType(err, core.ErrMalformedAudio) {
				s.metrics.RecordMalformedChunk()
				s.logger.Warn("dropped inbound audio chunk", "bytes", len(chunk), "error", err)
			} else {
				s.logger.Debug("playback enqueue", "error", err)
			}
			continue
		}
		s.metrics.RecordChunkScheduled(player.BufferedSeconds())
		s.outputLevel.Observe(chunk)
	}

	if m.OutputTranscript != "" {
		s.outputText.Append(m.OutputTranscript)
	}
	if m.InputTranscript != "" {
		s.inputText.Append(m.InputTranscript)
	}
	if m.Interrupted || m.TurnComplete {
		s.outputText.ScheduleClear()
		s.inputText.ScheduleClear()
	}

	if m.Interrupted {
		if player != nil {
			player.Interrupt()
		}
		s.outputLevel.Silence()
		s.metrics.RecordInterrupt()

		s.mu.Lock()
		if gen == s.gen && s.state != StateClosed {
			s.transitionLocked(StateInterrupted)
		}
		s.mu.Unlock()
		s.setStatus(StatusInterrupt)
		return
	}

	if len(m.Audio) > 0 || m.TurnComplete {
		s.mu.Lock()
		if gen == s.gen && s.state == StateInterrupted {
			if s.capturing {
				s.transitionLocked(StateRecording)
			} else {
				s.transitionLocked(StateReady)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Session) handleError(gen uint64, err error) {
	s.mu.RLock()
	current, id := gen == s.gen, s.id
	s.mu.RUnlock()
	if !current {
		return
	}
	s.logger.Error("remote session error", "session_id", id, "error", err)
	s.emit(&ErrorEvent{Code: "remote_error", Message: err.Error()})
	s.dropRemote(gen)
	s.setStatus(err.Error())
}

func (s *Session) handleClose(gen uint64, reason string) {
	s.mu.RLock()
	current, id := gen == s.gen, s.id
	s.mu.RUnlock()
	if !current {
		return
	}
	s.logger.Info("remote session closed", "session_id", id, "reason", reason)
	s.dropRemote(gen)
	status := StatusClosed
	if reason != "" {
		status += ": " + reason
	}
	s.setStatus(status)
}

// dropRemote retires an open generation that the remote side ended, so the
// next InitClient or StartRecording reconnects. A session still
// initializing is left to failInit.
func (s *Session) dropRemote(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.initialized {
		s.mu.Unlock()
		return
	}
	g := s.detachLocked()
	s.mu.Unlock()

	s.release(g)
}

// audioSink runs on the microphone callback; it must not block.
func (s *Session) audioSink(queue chan<- outbound) audioin.FrameHandler {
	return func(chunk wire.EncodedAudioChunk) {
		s.inputLevel.Observe(chunk.Data)
		s.offer(queue, outbound{audio: &chunk})
	}
}

func (s *Session) videoSink(queue chan<- outbound) videoin.FrameHandler {
	return func(frame wire.EncodedVideoFrame) {
		s.emit(&VideoFrameEvent{Frame: frame})
		s.offer(queue, outbound{video: &frame})
	}
}

func (s *Session) offer(queue chan<- outbound, item outbound) {
	if queue == nil {
		return
	}
	select {
	case queue <- item:
	default:
		s.metrics.RecordFrameDropped(item.kind(), "queue_full")
		s.logger.Debug("outbound queue full, frame dropped", "kind", item.kind())
	}
}

func (s *Session) runSender(ctx context.Context, id string, remote RemoteSession, queue <-chan outbound, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			s.send(ctx, id, remote, item)
		}
	}
}

// send delivers one frame. Failures are logged and the frame is lost.
func (s *Session) send(ctx context.Context, id string, remote RemoteSession, item outbound) {
	var (
		err error
		n   int
	)
	switch {
	case item.audio != nil:
		n = len(item.audio.Data)
		err = remote.SendAudio(ctx, *item.audio)
	case item.video != nil:
		n = len(item.video.Data)
		err = remote.SendVideo(ctx, *item.video)
	default:
		return
	}
	kind := item.kind()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !core.IsType(err, core.ErrTransportSend) {
			err = core.NewTransportSendError(kind, err)
		}
		s.metrics.RecordFrameDropped(kind, "send_error")
		s.logger.Warn("send frame", "session_id", id, "kind", kind, "error", err)
		return
	}
	s.metrics.RecordFrameSent(kind, n)
}

// transitionLocked moves to state to. s.mu must be held.
func (s *Session) transitionLocked(to SessionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("session state", "session_id", s.id, "from", from.String(), "to", to.String())
	s.metrics.RecordStateTransition(from.String(), to.String())
	s.emit(&StateChangedEvent{From: from, To: to})
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.emit(&StatusEvent{Status: status})
}

func (s *Session) onLevel(name string, l Level) {
	s.emit(&LevelEvent{Source: name, Level: l})
}

// emit sends an event to the events channel.
func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		// Channel full, drop event
	}
}

func notify(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
