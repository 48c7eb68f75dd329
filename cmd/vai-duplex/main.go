package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vango-go/vai-duplex/internal/dotenv"
	"github.com/vango-go/vai-duplex/pkg/core/audioin"
	"github.com/vango-go/vai-duplex/pkg/core/live"
	"github.com/vango-go/vai-duplex/pkg/core/playback"
	"github.com/vango-go/vai-duplex/pkg/core/videoin"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
	"github.com/vango-go/vai-duplex/pkg/gateway/config"
	"github.com/vango-go/vai-duplex/pkg/gateway/feed"
	gatewayserver "github.com/vango-go/vai-duplex/pkg/gateway/server"
	"github.com/vango-go/vai-duplex/pkg/metrics"
	"github.com/vango-go/vai-duplex/pkg/remote/gemini"
)

// duplexSession is what the command needs from *live.Session.
type duplexSession interface {
	feed.Controller
	IsInitialized() bool
	InitClient(ctx context.Context) error
	Events() <-chan live.Event
	Close() error
}

type duplexDeps struct {
	loadConfig   func() (config.Config, error)
	newSession   func(config.Config, *metrics.Metrics, *slog.Logger) duplexSession
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	stdin        io.Reader
	stdout       io.Writer
	interactive  bool
}

func defaultDuplexDeps() duplexDeps {
	return duplexDeps{
		loadConfig: config.LoadFromEnv,
		newSession: newLiveSession,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop:  signal.Stop,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func newLiveSession(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) duplexSession {
	mode, _ := live.ParseMode(cfg.Mode)

	creds := live.EnvCredential("VAI_DUPLEX_API_KEY", "GEMINI_API_KEY")
	if cfg.APIKey != "" {
		creds = live.StaticCredential(cfg.APIKey)
	}

	var mic audioin.Device = audioin.NewMalgoDevice()
	if cfg.MicBackend == config.MicBackendFFmpeg {
		mic = audioin.NewFFmpegDevice(cfg.MicInput)
	}

	cons := videoin.DefaultConstraints()
	cons.Width, cons.Height = cfg.CameraWidth, cfg.CameraHeight

	return live.NewSession(live.Config{
		Mode:        mode,
		Credentials: creds,
		Connector: gemini.NewConnector(gemini.Config{
			Model:             cfg.Model,
			Voice:             cfg.Voice,
			LanguageCode:      cfg.LanguageCode,
			SystemInstruction: cfg.SystemInstruction,
			CompressionTokens: cfg.CompressionTokens,
			DisableSearch:     cfg.DisableSearch,
			Logger:            logger,
		}),
		Microphone:        mic,
		Camera:            videoin.NewFFmpegCamera(cfg.CameraDevice),
		CameraConstraints: cons,
		FrameInterval:     cfg.FrameInterval,
		JPEGQuality:       cfg.JPEGQuality,
		OpenOutput: func() (playback.OutputDevice, error) {
			return playback.OpenOtoDevice(wire.PlaybackSampleRate, 1)
		},
		OutboundQueueSize: cfg.OutboundQueueSize,
		TranscriptGrace:   cfg.TranscriptGrace,
		OpenTimeout:       cfg.OpenTimeout,
		Logger:            logger,
		Metrics:           m,
	})
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runDuplex(ctx context.Context, logger *slog.Logger, cfg config.Config, deps duplexDeps) error {
	if deps.newSession == nil {
		return errors.New("missing newSession dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if deps.stdout == nil {
		deps.stdout = io.Discard
	}

	m := metrics.New(cfg.MetricsNamespace)
	session := deps.newSession(cfg, m, logger)
	defer session.Close()

	hub := feed.NewHub(feed.Config{
		Controller:     session,
		Logger:         logger,
		Metrics:        m,
		AllowedOrigins: cfg.AllowedOrigins(),
		ClientBuffer:   cfg.FeedClientBuffer,
		PingInterval:   cfg.FeedPingInterval,
		WriteTimeout:   cfg.FeedWriteTimeout,
	})
	gw := gatewayserver.New(cfg, gatewayserver.Deps{Session: session, Feed: hub, Metrics: m}, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	logger.Info("starting duplex session", "addr", cfg.Addr, "mode", cfg.Mode)

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	feedEvents := make(chan live.Event, 256)
	g.Go(func() error {
		return hub.Run(gctx, feedEvents)
	})
	g.Go(func() error {
		printEvents(gctx, deps.stdout, session.Events(), feedEvents)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return runCommands(gctx, scanLines(deps.stdin), deps.stdout, session, deps.interactive)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		}
		gw.SetDraining()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	// The session opens as soon as a credential is available so the first
	// /start does not pay for the handshake.
	if cfg.APIKey != "" {
		g.Go(func() error {
			if err := session.InitClient(gctx); err != nil {
				logger.Warn("initial connect failed", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("duplex session stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps duplexDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "vai-duplex: missing loadConfig dependency")
		return 1
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-duplex: %v\n", err)
		return 1
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "vai-duplex: load config: %v\n", err)
		return 1
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		fmt.Fprintf(stderr, "vai-duplex: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := runDuplex(ctx, logger, cfg, deps); err != nil {
		fmt.Fprintf(stderr, "vai-duplex: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDuplexDeps()))
}
