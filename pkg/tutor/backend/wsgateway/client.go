package wsgateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	eventBufferSize       = 256
)

type Options struct {
	// URL is the relay endpoint, e.g. wss://tutor.example.com/v1/tutor/live.
	URL            string
	APIKey         string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Transport dials the relay. It satisfies session.Transport.
type Transport struct {
	opts Options
}

func NewTransport(opts Options) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{opts: opts}
}

func (t *Transport) Open(ctx context.Context, sc live.SessionConfig) (session.Conn, error) {
	wsURL := strings.TrimSpace(t.opts.URL)
	if wsURL == "" {
		return nil, &live.TransportError{Op: "GET", Err: errors.New("gateway url is empty")}
	}

	headers := make(http.Header)
	if t.opts.APIKey != "" {
		headers.Set("Authorization", "Bearer "+t.opts.APIKey)
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	ws, resp, err := t.opts.Dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &live.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &live.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	hello := ClientHello{
		Type:              "hello",
		ProtocolVersion:   ProtocolVersion,
		Session:           sc,
		SystemInstruction: sc.SystemInstruction(),
		Tools:             tools.Declarations(),
		AudioIn:           AudioFormat{Encoding: "pcm_s16le", SampleRateHz: live.InputSampleRate, Channels: 1},
		AudioOut:          AudioFormat{Encoding: "pcm_s16le", SampleRateHz: live.OutputSampleRate, Channels: 1},
	}
	_ = ws.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := ws.WriteJSON(hello); err != nil {
		_ = ws.Close()
		return nil, &live.TransportError{Op: "hello", URL: wsURL, Err: err}
	}
	_ = ws.SetWriteDeadline(time.Time{})

	_ = ws.SetReadDeadline(time.Now().Add(t.opts.ConnectTimeout))
	messageType, payload, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, &live.TransportError{Op: "hello_ack", URL: wsURL, Err: err}
	}
	_ = ws.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = ws.Close()
		return nil, &live.TransportError{Op: "hello_ack", URL: wsURL, Err: fmt.Errorf("unexpected first frame type %d", messageType)}
	}

	var ack ServerHelloAck
	if err := json.Unmarshal(payload, &ack); err != nil || ack.Type != "hello_ack" {
		_ = ws.Close()
		if _, ferr := decodeTextFrame(payload); ferr != nil {
			return nil, &live.TransportError{Op: "hello_ack", URL: wsURL, Err: ferr}
		}
		return nil, &live.TransportError{Op: "hello_ack", URL: wsURL, Err: fmt.Errorf("unexpected first frame %q", ack.Type)}
	}

	c := &Conn{
		ws:           ws,
		url:          wsURL,
		sessionID:    ack.SessionID,
		writeTimeout: t.opts.WriteTimeout,
		logger:       t.opts.Logger.With("gateway_session", ack.SessionID),
		events:       make(chan live.Event, eventBufferSize),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Conn is one relay session.
type Conn struct {
	ws           *websocket.Conn
	url          string
	sessionID    string
	writeTimeout time.Duration
	logger       *slog.Logger

	events  chan live.Event
	done    chan struct{}
	closing chan struct{}
	seq     atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// SessionID is the relay-assigned id from hello_ack.
func (c *Conn) SessionID() string { return c.sessionID }

func (c *Conn) Events() <-chan live.Event { return c.events }

func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.sendJSON(ctx, "audio_frame", ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     c.seq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.sendJSON(ctx, "text", ClientText{Type: "text", Text: text, TurnComplete: true})
}

func (c *Conn) SendImage(ctx context.Context, mimeType string, data []byte) error {
	return c.sendJSON(ctx, "image", ClientImage{
		Type:     "image",
		MIMEType: mimeType,
		DataB64:  base64.StdEncoding.EncodeToString(data),
	})
}

func (c *Conn) SendToolResults(ctx context.Context, results []live.ToolResult) error {
	for _, r := range results {
		msg := ClientToolResult{Type: "tool_result", ID: r.ID, Name: r.Name, Response: r.Response, IsError: r.IsError}
		if err := c.sendJSON(ctx, "tool_result", msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendJSON(ctx context.Context, op string, v any) error {
	if c.closed.Load() {
		return &live.TransportError{Op: op, URL: c.url, Err: errors.New("gateway session is closed")}
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(v); err != nil {
		return &live.TransportError{Op: op, URL: c.url, Err: err}
	}
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal error once the event stream has ended.
func (c *Conn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(&live.TransportError{Op: "read", URL: c.url, Err: err})
			return
		}

		var ev live.Event
		switch messageType {
		case websocket.TextMessage:
			ev, err = decodeTextFrame(data)
			if err != nil {
				var rejected *ServerRejectedError
				if errors.As(err, &rejected) {
					c.setErr(&live.TransportError{Op: "read", URL: c.url, Err: err})
					return
				}
				c.logger.Warn("gateway frame dropped", "error", err)
				continue
			}
		case websocket.BinaryMessage:
			ev = live.AudioEvent{Data: append([]byte(nil), data...), SampleRate: live.OutputSampleRate, Channels: 1}
		}
		if ev == nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

var _ session.Transport = (*Transport)(nil)
