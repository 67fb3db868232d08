package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeConn struct {
	log *callLog

	events    chan live.Event
	closeOnce sync.Once

	mu      sync.Mutex
	audio   [][]byte
	texts   []string
	images  []string
	results []live.ToolResult
	err     error
	closed  bool
	sendErr error

	// audioGate, when set, holds SendAudio until it is closed.
	audioGate    chan struct{}
	audioEntered chan struct{}
}

func newFakeConn(log *callLog) *fakeConn {
	return &fakeConn{log: log, events: make(chan live.Event, 32)}
}

func (c *fakeConn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	gate, entered := c.audioGate, c.audioEntered
	c.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeConn) SendImage(_ context.Context, mimeType string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = append(c.images, mimeType)
	return nil
}

func (c *fakeConn) SendToolResults(_ context.Context, results []live.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, results...)
	return nil
}

func (c *fakeConn) Events() <-chan live.Event { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.log != nil {
			c.log.add("transport.close")
		}
		close(c.events)
	})
	return nil
}

// drop simulates the backend going away.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
}

func (c *fakeConn) emit(ev live.Event) { c.events <- ev }

func (c *fakeConn) gateAudio(gate, entered chan struct{}) {
	c.mu.Lock()
	c.audioGate, c.audioEntered = gate, entered
	c.mu.Unlock()
}

func (c *fakeConn) counts() (audio, texts, images, results int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio), len(c.texts), len(c.images), len(c.results)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	log *callLog

	mu       sync.Mutex
	failures int
	opens    int
	conns    []*fakeConn
}

func (t *fakeTransport) Open(context.Context, live.SessionConfig) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("dial tcp: connection refused")
	}
	c := newFakeConn(t.log)
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) failNext(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeCapture struct {
	log      *callLog
	startErr error

	mu      sync.Mutex
	onFrame func([]float32)
	starts  int
}

func (c *fakeCapture) Start(onFrame func([]float32)) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.onFrame = onFrame
	c.starts++
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Stop() error {
	c.log.add("capture.stop")
	c.mu.Lock()
	c.onFrame = nil
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) push(samples []float32) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

type fakeTimer struct {
	log     *callLog
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.log.add("timer.stop")
	return true
}

type fakeTimers struct {
	log *callLog

	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Stopper {
	t := &fakeTimer{log: f.log, delay: d, fn: fn}
	f.mu.Lock()
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	return t
}

func (f *fakeTimers) delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.timers))
	for i, t := range f.timers {
		out[i] = t.delay
	}
	return out
}

func (f *fakeTimers) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		t.mu.Lock()
		if !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// fire runs timer i as if its delay elapsed.
func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	t := f.timers[i]
	f.mu.Unlock()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.fn()
}

func (f *fakeTimers) fireLast() {
	f.mu.Lock()
	i := len(f.timers) - 1
	f.mu.Unlock()
	f.fire(i)
}

// stuckBoardStore never finishes a save until release is closed.
type stuckBoardStore struct {
	release chan struct{}
}

func (s *stuckBoardStore) LoadBoard(context.Context, string) ([]whiteboard.Command, error) {
	return nil, nil
}

func (s *stuckBoardStore) SaveBoard(ctx context.Context, _ string, _ []whiteboard.Command) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type scheduledBuf struct {
	at   time.Duration
	dur  time.Duration
	done func()
}

type fakeSpeaker struct {
	log *callLog

	mu    sync.Mutex
	bufs  []scheduledBuf
	clock time.Duration
}

func (s *fakeSpeaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *fakeSpeaker) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) playback.Handle {
	s.mu.Lock()
	s.bufs = append(s.bufs, scheduledBuf{at: at, dur: buf.Duration, done: done})
	s.mu.Unlock()
	return speakerHandle{log: s.log}
}

func (s *fakeSpeaker) scheduled() []scheduledBuf {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledBuf(nil), s.bufs...)
}

func (s *fakeSpeaker) finish(i int) {
	s.scheduled()[i].done()
}

type speakerHandle struct{ log *callLog }

func (h speakerHandle) Stop() { h.log.add("playback.stop") }

type harness struct {
	m         *Manager
	transport *fakeTransport
	capture   *fakeCapture
	timers    *fakeTimers
	speaker   *fakeSpeaker
	board     *whiteboard.Board
	log       *callLog
	runErr    chan error
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		transport: &fakeTransport{log: log},
		capture:   &fakeCapture{log: log},
		timers:    &fakeTimers{log: log},
		speaker:   &fakeSpeaker{log: log},
		board:     whiteboard.NewBoard(whiteboard.Options{Width: 100, Height: 100}),
		log:       log,
		runErr:    make(chan error, 1),
	}
	deps := Dependencies{
		Config:           live.SessionConfig{Level: live.GradeMiddle, Topic: live.SubjectMath},
		Transport:        h.transport,
		Capture:          h.capture,
		Speaker:          h.speaker,
		Board:            h.board,
		AfterFunc:        h.timers.AfterFunc,
		SnapshotInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&deps)
	}
	m, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() { h.runErr <- h.m.Run(context.Background()) }()
	t.Cleanup(func() {
		h.m.End()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Errorf("Run did not return after End")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.m.Status().State == want })
	return h.m.Status()
}

func (h *harness) activate(t *testing.T) *fakeConn {
	t.Helper()
	h.waitState(t, StateReadyToStart)
	if err := h.m.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return h.transport.last()
}

// pcmOf returns mono 24 kHz PCM16 lasting d.
func pcmOf(d time.Duration) []byte {
	frames := int(int64(d) * live.OutputSampleRate / int64(time.Second))
	return make([]byte, frames*2)
}

func (c *fakeConn) text(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.texts[i]
}

func (c *fakeConn) audioAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio[i]
}

func (c *fakeConn) image(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.images[i]
}

func (c *fakeConn) result(i int) live.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[i]
}
