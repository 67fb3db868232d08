package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

const (
	DefaultMaxAttempts      = 5
	DefaultBaseDelay        = time.Second
	DefaultSnapshotInterval = 2 * time.Second
	DefaultOpenTimeout      = 15 * time.Second
	DefaultSendTimeout      = 5 * time.Second

	loopQueueSize = 64
	sinkTimeout   = 5 * time.Second
)

var (
	ErrNotReady         = errors.New("session is not ready to start")
	ErrRetryNotAllowed  = errors.New("retry is only allowed while reconnecting or errored")
	ErrEnded            = errors.New("session has ended")
	ErrAlreadyRunning   = errors.New("session is already running")
	errMissingTransport = errors.New("session transport is required")
)

// Transport opens one stream to the tutoring backend.
type Transport interface {
	Open(ctx context.Context, cfg live.SessionConfig) (Conn, error)
}

// Conn is one open stream. Events is closed when the stream ends, after
// which Err reports why (nil for a clean close).
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	// SendText sends a complete user turn.
	SendText(ctx context.Context, text string) error
	SendImage(ctx context.Context, mimeType string, data []byte) error
	SendToolResults(ctx context.Context, results []live.ToolResult) error
	Events() <-chan live.Event
	Err() error
	Close() error
}

// Capture is the microphone. Start delivers fixed-size mono frames at
// live.InputSampleRate on a device goroutine until Stop. Stop must tolerate
// being called when not started.
type Capture interface {
	Start(onFrame func(samples []float32)) error
	Stop() error
}

// Whiteboard is the drawing surface as seen by the session: tools draw on it
// and its snapshot is forwarded periodically.
type Whiteboard interface {
	tools.Surface
	Snapshot(format whiteboard.Format) ([]byte, error)
}

// Stopper cancels a pending timer.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Stopper

// Metrics receives session telemetry. All methods must be cheap and safe for
// concurrent use.
type Metrics interface {
	RecordStateTransition(from, to string)
	RecordReconnect(attempt int, delay time.Duration)
	RecordFrame(outcome string)
	RecordToolCall(tool, outcome string)
	RecordTurn(speaker string)
	RecordSnapshot(bytes int, err error)
	RecordDecodeError()
	RecordPlayback(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordStateTransition(string, string) {}
func (nopMetrics) RecordReconnect(int, time.Duration)   {}
func (nopMetrics) RecordFrame(string)                   {}
func (nopMetrics) RecordToolCall(string, string)        {}
func (nopMetrics) RecordTurn(string)                    {}
func (nopMetrics) RecordSnapshot(int, error)            {}
func (nopMetrics) RecordDecodeError()                   {}
func (nopMetrics) RecordPlayback(time.Duration)         {}

type Dependencies struct {
	// ID defaults to a random UUID.
	ID        string
	Config    live.SessionConfig
	Transport Transport
	Capture   Capture
	// Speaker defaults to a playback.VirtualSpeaker.
	Speaker   playback.Speaker
	Board     Whiteboard
	Materials tools.MaterialDisplay
	Sinks     []transcript.Sink
	Metrics   Metrics
	Logger    *slog.Logger

	MaxAttempts      int
	BaseDelay        time.Duration
	SnapshotInterval time.Duration
	// SnapshotFormat defaults to JPEG.
	SnapshotFormat whiteboard.Format
	OpenTimeout    time.Duration
	SendTimeout    time.Duration

	AfterFunc AfterFunc
	Now       func() time.Time
}
