// Package export publishes session activity (finalized turns and state
// changes) to NATS JetStream so downstream consumers can archive or analyse
// lessons.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
)

const (
	DefaultSubjectPrefix = "voice2learn"
	DefaultStreamName    = "VOICE2LEARN"
)

// PublishFunc sends one message. msgID is used for broker-side
// de-duplication and may be empty.
type PublishFunc func(ctx context.Context, subject string, data []byte, msgID string) error

type TurnMessage struct {
	SessionID string          `json:"session_id"`
	Turn      transcript.Turn `json:"turn"`
}

type StateMessage struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	Attempt   int           `json:"attempt"`
	RetryIn   time.Duration `json:"retry_in,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Exporter maps session activity to subjects under a prefix:
//
//	<prefix>.session.<id>.turn
//	<prefix>.session.<id>.state
type Exporter struct {
	publish PublishFunc
	prefix  string
	logger  *slog.Logger
	closeFn func()
}

func NewExporter(publish PublishFunc, prefix string, logger *slog.Logger) *Exporter {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{publish: publish, prefix: prefix, logger: logger}
}

// Connect dials NATS, makes sure the JetStream stream covering prefix.>
// exists, and returns an Exporter publishing through it.
func Connect(ctx context.Context, natsURL, prefix string, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(natsURL,
		nats.Name("voice2learn"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	e := NewExporter(func(ctx context.Context, subject string, data []byte, msgID string) error {
		var opts []jetstream.PublishOpt
		if msgID != "" {
			opts = append(opts, jetstream.WithMsgID(msgID))
		}
		_, err := js.Publish(ctx, subject, data, opts...)
		return err
	}, prefix, logger)
	e.closeFn = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}

	if err := ensureStream(ctx, js, DefaultStreamName, e.prefix+".>"); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, name, subject string) error {
	if _, err := js.Stream(ctx, name); err == nil {
		return nil
	}
	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

func (e *Exporter) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

func (e *Exporter) subject(sessionID, kind string) string {
	return e.prefix + ".session." + sanitizeToken(sessionID) + "." + kind
}

// AppendTurn publishes a finalized turn. It satisfies transcript.Sink.
func (e *Exporter) AppendTurn(ctx context.Context, sessionID string, turn transcript.Turn) error {
	data, err := json.Marshal(TurnMessage{SessionID: sessionID, Turn: turn})
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	msgID := sessionID + "-turn-" + strconv.FormatInt(turn.ID, 10)
	if err := e.publish(ctx, e.subject(sessionID, "turn"), data, msgID); err != nil {
		return fmt.Errorf("publish turn: %w", err)
	}
	return nil
}

func (e *Exporter) PublishState(ctx context.Context, st session.Status) error {
	msg := StateMessage{
		SessionID: st.SessionID,
		State:     st.State,
		Attempt:   st.Attempt,
		RetryIn:   st.RetryIn,
		Error:     st.LastError,
		At:        st.UpdatedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := e.publish(ctx, e.subject(st.SessionID, "state"), data, ""); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	return nil
}

// Follow publishes every distinct (state, attempt) pair seen on updates until
// the channel closes or ctx is done. Publish failures are logged.
func (e *Exporter) Follow(ctx context.Context, updates <-chan session.Status) {
	var (
		last    session.State
		attempt = -1
	)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.State == last && st.Attempt == attempt {
				continue
			}
			last, attempt = st.State, st.Attempt
			if err := e.PublishState(ctx, st); err != nil {
				e.logger.Warn("state export failed", "session_id", st.SessionID, "error", err)
			}
		}
	}
}

// sanitizeToken makes s usable as a single subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

var _ transcript.Sink = (*Exporter)(nil)
