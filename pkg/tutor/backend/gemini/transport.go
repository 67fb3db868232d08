package gemini

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
)

const eventBufferSize = 256

var errSessionClosed = errors.New("live session is closed")

// Transport opens Gemini Live sessions. It satisfies session.Transport.
type Transport struct {
	client *genai.Client
	cfg    Config
	logger *slog.Logger
}

func NewTransport(client *genai.Client, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{client: client, cfg: cfg.withDefaults(), logger: logger}
}

// ConnectConfig builds the live setup for a tutoring session: audio replies
// in the configured voice, both transcriptions, and the tutor tools.
func (t *Transport) ConnectConfig(sc live.SessionConfig) *genai.LiveConnectConfig {
	speech := &genai.SpeechConfig{
		VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: t.cfg.Voice},
		},
		LanguageCode: t.cfg.Language,
	}
	return &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SpeechConfig:             speech,
		SystemInstruction:        genai.NewContentFromText(sc.SystemInstruction(), genai.RoleUser),
		Tools:                    []*genai.Tool{{FunctionDeclarations: FunctionDeclarations(tools.Declarations())}},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}

func (t *Transport) Open(ctx context.Context, sc live.SessionConfig) (session.Conn, error) {
	if t.client == nil {
		return nil, &live.TransportError{Op: "connect", URL: t.cfg.LiveModel, Err: errors.New("genai client is nil")}
	}
	sess, err := t.client.Live.Connect(ctx, t.cfg.LiveModel, t.ConnectConfig(sc))
	if err != nil {
		return nil, &live.TransportError{Op: "connect", URL: t.cfg.LiveModel, Err: err}
	}
	c := newConn(sess, t.logger)
	go c.readLoop()
	return c, nil
}

// stream is the subset of *genai.Session the connection uses.
type stream interface {
	SendClientContent(genai.LiveClientContentInput) error
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type conn struct {
	sess   stream
	logger *slog.Logger

	events  chan live.Event
	done    chan struct{}
	closing chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func newConn(sess stream, logger *slog.Logger) *conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &conn{
		sess:    sess,
		logger:  logger,
		events:  make(chan live.Event, eventBufferSize),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (c *conn) Events() <-chan live.Event { return c.events }

func (c *conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.send(ctx, "realtime_audio", func() error {
		return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: pcmMIME(live.InputSampleRate), Data: pcm},
		})
	})
}

func (c *conn) SendText(ctx context.Context, text string) error {
	return c.send(ctx, "client_content", func() error {
		return c.sess.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

func (c *conn) SendImage(ctx context.Context, mimeType string, data []byte) error {
	return c.send(ctx, "realtime_video", func() error {
		return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{MIMEType: mimeType, Data: data},
		})
	})
}

func (c *conn) SendToolResults(ctx context.Context, results []live.ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	return c.send(ctx, "tool_response", func() error {
		return c.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: functionResponses(results)})
	})
}

// send runs fn on its own goroutine so the caller is bound by ctx even when
// the socket write stalls. A write that misses its deadline closes the
// session; the stuck writer is released by the underlying Close.
func (c *conn) send(ctx context.Context, op string, fn func() error) error {
	if c.closed.Load() {
		return &live.TransportError{Op: op, Err: errSessionClosed}
	}
	result := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		result <- fn()
	}()
	select {
	case err := <-result:
		if err != nil {
			return &live.TransportError{Op: op, Err: err}
		}
		return nil
	case <-ctx.Done():
		c.logger.Warn("gemini live write timed out", "op", op, "error", ctx.Err())
		c.shutdown()
		return &live.TransportError{Op: op, Err: ctx.Err()}
	case <-c.closing:
		return &live.TransportError{Op: op, Err: errSessionClosed}
	}
}

// shutdown closes the session without waiting on writers. Close on the
// websocket is safe to call concurrently with a pending write.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		_ = c.sess.Close()
	})
}

func (c *conn) Close() error {
	c.shutdown()
	<-c.done
	return nil
}

// Err returns the terminal error once the event stream has ended.
func (c *conn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			c.setErr(&live.TransportError{Op: "receive", Err: err})
			return
		}
		if msg.SetupComplete != nil {
			c.logger.Debug("gemini live setup complete")
		}
		for _, ev := range Events(msg) {
			select {
			case c.events <- ev:
			case <-c.closing:
				return
			}
		}
	}
}

var _ session.Transport = (*Transport)(nil)
