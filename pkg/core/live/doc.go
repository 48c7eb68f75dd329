// Package live runs a real-time duplex media session with a remote
// conversational agent.
//
// A Session streams microphone PCM and throttled camera JPEG frames out,
// plays the agent's audio back gaplessly and cuts it the moment the agent
// reports an interruption. Mode selects which capture pipelines run.
//
// # State Machine
//
//	UNINITIALIZED → INITIALIZING → READY ⇄ RECORDING
//	                                 ↑          │
//	                                 └── INTERRUPTED ←┘ (remote barge-in)
//
// Reset and Close move any state to CLOSED; Reset then initializes a fresh
// remote session when a credential is still available.
//
// # Usage
//
//	s := live.NewSession(live.Config{
//	    Mode:        live.ModeAudio,
//	    Credentials: live.EnvCredential("GEMINI_API_KEY"),
//	    Connector:   gemini.NewConnector(gemini.Config{}),
//	    Microphone:  audioin.NewMalgoDevice(),
//	    OpenOutput: func() (playback.OutputDevice, error) {
//	        return playback.OpenOtoDevice(wire.PlaybackSampleRate, 1)
//	    },
//	})
//	if err := s.StartRecording(ctx); err != nil {
//	    return err
//	}
//	for event := range s.Events() {
//	    switch e := event.(type) {
//	    case *live.TranscriptEvent:
//	        fmt.Println(e.Role, e.Text)
//	    }
//	}
package live
