package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
)

type Backend string

const (
	BackendGemini  Backend = "gemini"
	BackendGateway Backend = "gateway"
)

type Config struct {
	Backend Backend
	Session live.SessionConfig

	// Gemini Live
	GeminiAPIKey     string
	UseVertex        bool
	GoogleProject    string
	GoogleLocation   string
	LiveModel        string
	ImageModel       string
	Voice            string
	Language         string
	ImageAspectRatio string

	// Relay gateway
	GatewayURL    string
	GatewayAPIKey string

	// Audio
	InputSampleRate  int
	OutputSampleRate int
	FrameDuration    time.Duration
	// RecordPath, when set, writes the tutor's speech to a WAV file.
	RecordPath string

	// Lifecycle
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	SnapshotInterval     time.Duration
	SnapshotFormat       string
	OpenTimeout          time.Duration
	ImageTimeout         time.Duration
	ShutdownGracePeriod  time.Duration

	// Surfaces and persistence
	StatusAddr        string
	DatabaseURL       string
	BoardDir          string
	NATSURL           string
	NATSSubjectPrefix string
	MetricsNamespace  string

	LogLevel slog.Level
}

// FrameSize is the capture frame length in samples.
func (c Config) FrameSize() int {
	return int(int64(c.InputSampleRate) * c.FrameDuration.Milliseconds() / 1000)
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Backend: Backend(strings.ToLower(envOr("VOICE2LEARN_BACKEND", string(BackendGemini)))),
		Session: live.SessionConfig{
			Level: live.GradeLevel(strings.ToLower(envOr("VOICE2LEARN_LEVEL", string(live.GradeMiddle)))),
			Topic: live.Subject(strings.ToLower(envOr("VOICE2LEARN_TOPIC", string(live.SubjectScience)))),
		},
		GeminiAPIKey:         envOr("GEMINI_API_KEY", os.Getenv("GOOGLE_API_KEY")),
		UseVertex:            envBoolOr("VOICE2LEARN_USE_VERTEX", false),
		GoogleProject:        envOr("GOOGLE_CLOUD_PROJECT", ""),
		GoogleLocation:       envOr("GOOGLE_CLOUD_LOCATION", "us-central1"),
		LiveModel:            envOr("VOICE2LEARN_LIVE_MODEL", ""),
		ImageModel:           envOr("VOICE2LEARN_IMAGE_MODEL", ""),
		Voice:                envOr("VOICE2LEARN_VOICE", ""),
		Language:             envOr("VOICE2LEARN_LANGUAGE", ""),
		ImageAspectRatio:     envOr("VOICE2LEARN_IMAGE_ASPECT_RATIO", "16:9"),
		GatewayURL:           envOr("VOICE2LEARN_GATEWAY_URL", ""),
		GatewayAPIKey:        envOr("VOICE2LEARN_GATEWAY_API_KEY", ""),
		InputSampleRate:      envIntOr("VOICE2LEARN_INPUT_SAMPLE_RATE", live.InputSampleRate),
		OutputSampleRate:     envIntOr("VOICE2LEARN_OUTPUT_SAMPLE_RATE", live.OutputSampleRate),
		FrameDuration:        envDurationOr("VOICE2LEARN_FRAME_DURATION", 256*time.Millisecond),
		RecordPath:           envOr("VOICE2LEARN_RECORD_WAV", ""),
		MaxReconnectAttempts: envIntOr("VOICE2LEARN_MAX_RECONNECT_ATTEMPTS", 5),
		BackoffBase:          envDurationOr("VOICE2LEARN_BACKOFF_BASE", time.Second),
		SnapshotInterval:     envDurationOr("VOICE2LEARN_SNAPSHOT_INTERVAL", 2*time.Second),
		SnapshotFormat:       strings.ToLower(envOr("VOICE2LEARN_SNAPSHOT_FORMAT", "jpeg")),
		OpenTimeout:          envDurationOr("VOICE2LEARN_OPEN_TIMEOUT", 15*time.Second),
		ImageTimeout:         envDurationOr("VOICE2LEARN_IMAGE_TIMEOUT", 60*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOICE2LEARN_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		StatusAddr:           envOr("VOICE2LEARN_STATUS_ADDR", "127.0.0.1:8765"),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		BoardDir:             envOr("VOICE2LEARN_BOARD_DIR", ""),
		NATSURL:              envOr("NATS_URL", ""),
		NATSSubjectPrefix:    envOr("VOICE2LEARN_NATS_SUBJECT_PREFIX", "voice2learn"),
		MetricsNamespace:     envOr("VOICE2LEARN_METRICS_NAMESPACE", "voice2learn"),
	}

	level, err := parseLogLevel(envOr("VOICE2LEARN_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks bounds. It is called by LoadFromEnv and again by the CLI
// after flags override fields.
func (cfg Config) Validate() error {
	switch cfg.Backend {
	case BackendGemini:
		if cfg.UseVertex {
			if cfg.GoogleProject == "" || cfg.GoogleLocation == "" {
				return fmt.Errorf("GOOGLE_CLOUD_PROJECT and GOOGLE_CLOUD_LOCATION must be set when VOICE2LEARN_USE_VERTEX=true")
			}
		} else if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY must be set when VOICE2LEARN_BACKEND=gemini")
		}
	case BackendGateway:
		if cfg.GatewayURL == "" {
			return fmt.Errorf("VOICE2LEARN_GATEWAY_URL must be set when VOICE2LEARN_BACKEND=gateway")
		}
	default:
		return fmt.Errorf("VOICE2LEARN_BACKEND must be one of gemini|gateway")
	}

	if err := cfg.Session.Validate(); err != nil {
		return fmt.Errorf("VOICE2LEARN_LEVEL/VOICE2LEARN_TOPIC: %w", err)
	}
	if cfg.InputSampleRate <= 0 {
		return fmt.Errorf("VOICE2LEARN_INPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.OutputSampleRate <= 0 {
		return fmt.Errorf("VOICE2LEARN_OUTPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.FrameDuration <= 0 || cfg.FrameSize() <= 0 {
		return fmt.Errorf("VOICE2LEARN_FRAME_DURATION must be > 0")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("VOICE2LEARN_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if cfg.BackoffBase <= 0 {
		return fmt.Errorf("VOICE2LEARN_BACKOFF_BASE must be > 0")
	}
	if cfg.SnapshotInterval <= 0 {
		return fmt.Errorf("VOICE2LEARN_SNAPSHOT_INTERVAL must be > 0")
	}
	switch cfg.SnapshotFormat {
	case "jpeg", "png":
	default:
		return fmt.Errorf("VOICE2LEARN_SNAPSHOT_FORMAT must be one of jpeg|png")
	}
	if cfg.OpenTimeout <= 0 {
		return fmt.Errorf("VOICE2LEARN_OPEN_TIMEOUT must be > 0")
	}
	if cfg.ImageTimeout <= 0 {
		return fmt.Errorf("VOICE2LEARN_IMAGE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICE2LEARN_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.NATSURL) != "" && strings.TrimSpace(cfg.NATSSubjectPrefix) == "" {
		return fmt.Errorf("VOICE2LEARN_NATS_SUBJECT_PREFIX must not be empty when NATS_URL is set")
	}
	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("VOICE2LEARN_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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
