package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

const (
	MicBackendMalgo  = "malgo"
	MicBackendFFmpeg = "ffmpeg"
)

type Config struct {
	// APIKey is the Gemini API key. Empty leaves the session without a
	// credential until one is provided through the environment.
	APIKey string `yaml:"api_key" json:"api_key"`

	Model             string `yaml:"model" json:"model"`
	Voice             string `yaml:"voice" json:"voice"`
	LanguageCode      string `yaml:"language_code" json:"language_code"`
	SystemInstruction string `yaml:"system_instruction" json:"system_instruction"`
	CompressionTokens int64  `yaml:"compression_tokens" json:"compression_tokens"`
	DisableSearch     bool   `yaml:"disable_search" json:"disable_search"`

	// Mode is audio, video or both.
	Mode string `yaml:"mode" json:"mode"`

	// Addr is the feed and metrics listen address. Empty disables the
	// HTTP server.
	Addr             string   `yaml:"addr" json:"addr"`
	FeedToken        string   `yaml:"feed_token" json:"feed_token"`
	CORSOrigins      []string `yaml:"cors_origins" json:"cors_origins"`
	MetricsNamespace string   `yaml:"metrics_namespace" json:"metrics_namespace"`

	MicBackend    string        `yaml:"mic_backend" json:"mic_backend"`
	MicInput      string        `yaml:"mic_input" json:"mic_input"`
	CameraDevice  string        `yaml:"camera_device" json:"camera_device"`
	CameraWidth   int           `yaml:"camera_width" json:"camera_width"`
	CameraHeight  int           `yaml:"camera_height" json:"camera_height"`
	FrameInterval time.Duration `yaml:"frame_interval" json:"frame_interval"`
	JPEGQuality   int           `yaml:"jpeg_quality" json:"jpeg_quality"`

	OutboundQueueSize int           `yaml:"outbound_queue_size" json:"outbound_queue_size"`
	TranscriptGrace   time.Duration `yaml:"transcript_grace" json:"transcript_grace"`
	OpenTimeout       time.Duration `yaml:"open_timeout" json:"open_timeout"`

	FeedPingInterval  time.Duration `yaml:"feed_ping_interval" json:"feed_ping_interval"`
	FeedWriteTimeout  time.Duration `yaml:"feed_write_timeout" json:"feed_write_timeout"`
	FeedClientBuffer  int           `yaml:"feed_client_buffer" json:"feed_client_buffer"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`

	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" json:"shutdown_grace_period"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Mode:                "audio",
		Addr:                "127.0.0.1:8787",
		MetricsNamespace:    "vai_duplex",
		MicBackend:          MicBackendMalgo,
		CameraWidth:         1280,
		CameraHeight:        720,
		FrameInterval:       time.Second,
		JPEGQuality:         80,
		OutboundQueueSize:   64,
		TranscriptGrace:     time.Second,
		OpenTimeout:         15 * time.Second,
		FeedPingInterval:    20 * time.Second,
		FeedWriteTimeout:    5 * time.Second,
		FeedClientBuffer:    64,
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
		LogLevel:            "info",
	}
}

// LoadFromEnv loads the file named by VAI_DUPLEX_CONFIG, if any, and then
// applies VAI_DUPLEX_* environment overrides.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv("VAI_DUPLEX_CONFIG"))
}

// Load reads the YAML or JSON file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.APIKey = envOr("VAI_DUPLEX_API_KEY", envOr("GEMINI_API_KEY", cfg.APIKey))
	cfg.Model = envOr("VAI_DUPLEX_MODEL", cfg.Model)
	cfg.Voice = envOr("VAI_DUPLEX_VOICE", cfg.Voice)
	cfg.LanguageCode = envOr("VAI_DUPLEX_LANGUAGE_CODE", cfg.LanguageCode)
	cfg.SystemInstruction = envOr("VAI_DUPLEX_SYSTEM_INSTRUCTION", cfg.SystemInstruction)
	cfg.CompressionTokens = envInt64Or("VAI_DUPLEX_COMPRESSION_TOKENS", cfg.CompressionTokens)
	cfg.DisableSearch = envBoolOr("VAI_DUPLEX_DISABLE_SEARCH", cfg.DisableSearch)
	cfg.Mode = strings.ToLower(envOr("VAI_DUPLEX_MODE", cfg.Mode))
	cfg.Addr = envOr("VAI_DUPLEX_ADDR", cfg.Addr)
	cfg.FeedToken = envOr("VAI_DUPLEX_FEED_TOKEN", cfg.FeedToken)
	if origins := splitCSV(os.Getenv("VAI_DUPLEX_CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	cfg.MetricsNamespace = envOr("VAI_DUPLEX_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.MicBackend = strings.ToLower(envOr("VAI_DUPLEX_MIC_BACKEND", cfg.MicBackend))
	cfg.MicInput = envOr("VAI_DUPLEX_MIC_INPUT", cfg.MicInput)
	cfg.CameraDevice = envOr("VAI_DUPLEX_CAMERA_DEVICE", cfg.CameraDevice)
	cfg.CameraWidth = envIntOr("VAI_DUPLEX_CAMERA_WIDTH", cfg.CameraWidth)
	cfg.CameraHeight = envIntOr("VAI_DUPLEX_CAMERA_HEIGHT", cfg.CameraHeight)
	cfg.FrameInterval = envDurationOr("VAI_DUPLEX_FRAME_INTERVAL", cfg.FrameInterval)
	cfg.JPEGQuality = envIntOr("VAI_DUPLEX_JPEG_QUALITY", cfg.JPEGQuality)
	cfg.OutboundQueueSize = envIntOr("VAI_DUPLEX_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	cfg.TranscriptGrace = envDurationOr("VAI_DUPLEX_TRANSCRIPT_GRACE", cfg.TranscriptGrace)
	cfg.OpenTimeout = envDurationOr("VAI_DUPLEX_OPEN_TIMEOUT", cfg.OpenTimeout)
	cfg.FeedPingInterval = envDurationOr("VAI_DUPLEX_FEED_PING_INTERVAL", cfg.FeedPingInterval)
	cfg.FeedWriteTimeout = envDurationOr("VAI_DUPLEX_FEED_WRITE_TIMEOUT", cfg.FeedWriteTimeout)
	cfg.FeedClientBuffer = envIntOr("VAI_DUPLEX_FEED_CLIENT_BUFFER", cfg.FeedClientBuffer)
	cfg.ReadHeaderTimeout = envDurationOr("VAI_DUPLEX_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("VAI_DUPLEX_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
	cfg.LogLevel = strings.ToLower(envOr("VAI_DUPLEX_LOG_LEVEL", cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch c.Mode {
	case "audio", "video", "both":
	default:
		return fmt.Errorf("VAI_DUPLEX_MODE must be one of audio|video|both")
	}
	switch c.MicBackend {
	case MicBackendMalgo, MicBackendFFmpeg:
	default:
		return fmt.Errorf("VAI_DUPLEX_MIC_BACKEND must be one of malgo|ffmpeg")
	}
	if c.CameraWidth <= 0 || c.CameraHeight <= 0 {
		return fmt.Errorf("VAI_DUPLEX_CAMERA_WIDTH and VAI_DUPLEX_CAMERA_HEIGHT must be > 0")
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("VAI_DUPLEX_FRAME_INTERVAL must be > 0")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("VAI_DUPLEX_JPEG_QUALITY must be between 1 and 100")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("VAI_DUPLEX_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.TranscriptGrace <= 0 {
		return fmt.Errorf("VAI_DUPLEX_TRANSCRIPT_GRACE must be > 0")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("VAI_DUPLEX_OPEN_TIMEOUT must be > 0")
	}
	if c.FeedPingInterval <= 0 {
		return fmt.Errorf("VAI_DUPLEX_FEED_PING_INTERVAL must be > 0")
	}
	if c.FeedWriteTimeout <= 0 {
		return fmt.Errorf("VAI_DUPLEX_FEED_WRITE_TIMEOUT must be > 0")
	}
	if c.FeedClientBuffer <= 0 {
		return fmt.Errorf("VAI_DUPLEX_FEED_CLIENT_BUFFER must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_DUPLEX_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_DUPLEX_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// AllowedOrigins returns CORSOrigins as a set.
func (c Config) AllowedOrigins() map[string]struct{} {
	out := make(map[string]struct{}, len(c.CORSOrigins))
	for _, origin := range c.CORSOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			out[origin] = struct{}{}
		}
	}
	return out
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("VAI_DUPLEX_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
		return nil
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
