// Package session owns one live tutoring session: it opens the backend
// stream, feeds it microphone audio, routes inbound events to the whiteboard,
// learning material, transcript and playback components, and reconnects with
// bounded exponential backoff.
//
// Every external stimulus (stream events, open results, capture frames, timer
// firings, user requests) is delivered to a single run loop through one
// channel; the loop is the only place the connection state changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

type Manager struct {
	id        string
	cfg       live.SessionConfig
	transport Transport
	capture   Capture
	board     Whiteboard
	sink      transcript.Sink
	metrics   Metrics
	logger    *slog.Logger

	scheduler  *playback.Scheduler
	dispatcher *tools.Dispatcher
	assembler  *transcript.Assembler

	maxAttempts      int
	baseDelay        time.Duration
	snapshotInterval time.Duration
	snapshotFormat   whiteboard.Format
	openTimeout      time.Duration
	sendTimeout      time.Duration
	afterFunc        AfterFunc
	now              func() time.Time

	events  chan loopEvent
	endCh   chan struct{}
	endOnce sync.Once
	done    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	bg      sync.WaitGroup

	// framePending is set from hand-over until the loop has finished with
	// the frame; it bounds capture to one frame in flight.
	framePending atomic.Bool

	// Finalized turns waiting for the sinks, delivered in order by a single
	// drainer goroutine.
	sinkMu    sync.Mutex
	sinkQueue []transcript.Turn
	sinkBusy  bool

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64

	status statusBox

	// Owned by the run loop.
	ctx          context.Context
	state        State
	attempt      int
	activated    bool
	captureArmed bool
	conn         Conn
	connGen      uint64
	openGen      uint64
	timer        Stopper
	timerGen     uint64
	retryIn      time.Duration
}

func New(deps Dependencies) (*Manager, error) {
	if deps.Transport == nil {
		return nil, errMissingTransport
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Speaker == nil {
		deps.Speaker = playback.NewVirtualSpeaker()
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = DefaultMaxAttempts
	}
	if deps.BaseDelay <= 0 {
		deps.BaseDelay = DefaultBaseDelay
	}
	if deps.SnapshotInterval <= 0 {
		deps.SnapshotInterval = DefaultSnapshotInterval
	}
	if deps.SnapshotFormat == "" {
		deps.SnapshotFormat = whiteboard.FormatJPEG
	}
	if deps.OpenTimeout <= 0 {
		deps.OpenTimeout = DefaultOpenTimeout
	}
	if deps.SendTimeout <= 0 {
		deps.SendTimeout = DefaultSendTimeout
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	logger := deps.Logger.With("session_id", deps.ID)
	m := &Manager{
		id:               deps.ID,
		cfg:              deps.Config,
		transport:        deps.Transport,
		capture:          deps.Capture,
		board:            deps.Board,
		sink:             transcript.MultiSink(deps.Sinks),
		metrics:          deps.Metrics,
		logger:           logger,
		assembler:        transcript.NewAssembler(deps.Now),
		maxAttempts:      deps.MaxAttempts,
		baseDelay:        deps.BaseDelay,
		snapshotInterval: deps.SnapshotInterval,
		snapshotFormat:   deps.SnapshotFormat,
		openTimeout:      deps.OpenTimeout,
		sendTimeout:      deps.SendTimeout,
		afterFunc:        deps.AfterFunc,
		now:              deps.Now,
		events:           make(chan loopEvent, loopQueueSize),
		endCh:            make(chan struct{}),
		done:             make(chan struct{}),
		stopped:          make(chan struct{}),
		ctx:              context.Background(),
		state:            StateConnecting,
	}
	m.scheduler = playback.NewScheduler(deps.Speaker, playback.Hooks{
		OnSpeaking: func(epoch uint64) { m.status.setSpeaking(true, epoch, m.now()) },
		OnIdle:     func(epoch uint64) { m.status.setSpeaking(false, epoch, m.now()) },
	}, logger)
	var board tools.Surface
	if deps.Board != nil {
		board = deps.Board
	}
	m.dispatcher = tools.NewDispatcher(tools.Options{
		Board:      board,
		Materials:  deps.Materials,
		Logger:     logger,
		OnDispatch: m.metrics.RecordToolCall,
	})
	m.status.update(false, func(s *Status) {
		s.SessionID = m.id
		s.State = StateConnecting
		s.UpdatedAt = m.now()
	})
	return m, nil
}

func (m *Manager) ID() string                     { return m.id }
func (m *Manager) Config() live.SessionConfig     { return m.cfg }
func (m *Manager) Status() Status                 { return m.status.get() }
func (m *Manager) Transcript() []transcript.Turn  { return m.assembler.Turns() }
func (m *Manager) Scheduler() *playback.Scheduler { return m.scheduler }

// Subscribe streams status changes. The channel always holds the latest
// status; cancel closes it.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	return m.status.subscribe()
}

// Done is closed once the session has been torn down.
func (m *Manager) Done() <-chan struct{} { return m.stopped }

// Run drives the session until End is called or ctx is cancelled. The first
// open is attempted immediately.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		select {
		case <-m.endCh:
			return ErrEnded
		default:
			return ErrAlreadyRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.ctx = ctx

	defer func() {
		cancel()
		close(m.done)
		m.bg.Wait()
		close(m.stopped)
	}()

	select {
	case <-m.endCh:
		m.teardown()
		return nil
	default:
	}

	m.logger.Info("session starting", "level", m.cfg.Level, "topic", m.cfg.Topic)
	m.beginOpen()

	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return ctx.Err()
		case <-m.endCh:
			m.teardown()
			return nil
		case <-ticker.C:
			m.sendSnapshot()
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// End tears the session down: capture stops, playback is interrupted, any
// pending reconnect timer is cancelled and the transport is closed, in that
// order. It blocks until teardown completes and is safe to call repeatedly.
func (m *Manager) End() {
	m.endOnce.Do(func() { close(m.endCh) })
	if m.started.CompareAndSwap(false, true) {
		m.teardown()
		close(m.done)
		close(m.stopped)
		return
	}
	<-m.stopped
}

// Activate moves a ready session to Connected and sends the greeting turn.
func (m *Manager) Activate(ctx context.Context) error {
	return m.request(ctx, reqActivate)
}

// Retry abandons any pending backoff, resets the attempt counter and opens a
// fresh stream.
func (m *Manager) Retry(ctx context.Context) error {
	return m.request(ctx, reqRetry)
}

func (m *Manager) request(ctx context.Context, kind requestKind) error {
	reply := make(chan error, 1)
	select {
	case m.events <- userRequest{kind: kind, reply: reply}:
	case <-m.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers ev to the run loop unless the session is finished.
func (m *Manager) post(ev loopEvent) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) handle(ev loopEvent) {
	switch ev := ev.(type) {
	case openResult:
		m.onOpenResult(ev)
	case connEvent:
		if ev.gen != m.connGen || m.conn == nil {
			return
		}
		m.route(ev.ev)
	case connClosed:
		if ev.gen != m.connGen || m.conn == nil {
			return
		}
		err := ev.err
		if err == nil {
			err = errors.New("stream closed by backend")
		}
		m.connectionLost(err)
	case timerFired:
		m.onTimer(ev)
	case captureFrame:
		m.onFrame(ev.samples)
		m.framePending.Store(false)
	case userRequest:
		ev.reply <- m.onRequest(ev.kind)
	}
}

func (m *Manager) transition(to State, err error) {
	from := m.state
	if from == to && err == nil {
		return
	}
	m.state = to
	if from != to {
		m.metrics.RecordStateTransition(from.String(), to.String())
		m.logger.Info("session state changed", "from", from.String(), "to", to.String(), "attempt", m.attempt)
	}
	m.status.update(true, func(s *Status) {
		s.State = to
		s.Attempt = m.attempt
		s.Activated = m.activated
		s.RetryIn = 0
		if to == StateReconnecting {
			s.RetryIn = m.retryIn
		}
		if err != nil {
			s.Err = err
			s.LastError = err.Error()
		} else if to == StateConnected || to == StateReadyToStart {
			s.Err = nil
			s.LastError = ""
		}
		s.UpdatedAt = m.now()
	})
}

func (m *Manager) beginOpen() {
	m.transition(StateConnecting, nil)
	m.openGen++
	gen := m.openGen
	ctx, cancel := context.WithTimeout(m.ctx, m.openTimeout)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer cancel()
		conn, err := m.transport.Open(ctx, m.cfg)
		if !m.post(openResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) onOpenResult(ev openResult) {
	if ev.gen != m.openGen || m.state != StateConnecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		m.openFailed(asTransportError("open", ev.err))
		return
	}

	if !m.captureArmed && m.capture != nil {
		if err := m.capture.Start(m.onCaptureFrame); err != nil {
			_ = ev.conn.Close()
			var dev *live.DeviceAcquisitionError
			if !errors.As(err, &dev) {
				err = &live.DeviceAcquisitionError{Device: "microphone", Err: err}
			}
			m.logger.Error("microphone unavailable", "error", err)
			m.attempt = 0
			m.transition(StateErrored, err)
			return
		}
		m.captureArmed = true
	}

	m.attempt = 0
	m.conn = ev.conn
	m.connGen++
	gen := m.connGen
	m.bg.Add(1)
	go m.pump(gen, ev.conn)

	if m.activated {
		m.transition(StateConnected, nil)
	} else {
		m.transition(StateReadyToStart, nil)
	}
}

func (m *Manager) pump(gen uint64, conn Conn) {
	defer m.bg.Done()
	for ev := range conn.Events() {
		if !m.post(connEvent{gen: gen, ev: ev}) {
			return
		}
	}
	m.post(connClosed{gen: gen, err: conn.Err()})
}

// openFailed handles a failed open: back off again, or give up once the
// attempt budget is spent.
func (m *Manager) openFailed(err error) {
	m.logger.Warn("open failed", "attempt", m.attempt, "error", err)
	if m.attempt >= m.maxAttempts {
		m.transition(StateErrored, fmt.Errorf("%w: %w", live.ErrReconnectExhausted, err))
		return
	}
	m.scheduleReconnect(err)
}

// connectionLost drops the current stream and starts backing off.
func (m *Manager) connectionLost(err error) {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connGen++
	if m.state.Terminal() {
		return
	}
	err = asTransportError("stream", err)
	m.logger.Warn("connection lost", "state", m.state.String(), "error", err)
	m.attempt = 0
	m.scheduleReconnect(err)
}

func (m *Manager) backoff() time.Duration {
	return m.baseDelay * time.Duration(1<<uint(m.attempt))
}

func (m *Manager) scheduleReconnect(err error) {
	m.cancelTimer()
	delay := m.backoff()
	m.timerGen++
	gen := m.timerGen
	m.timer = m.afterFunc(delay, func() { m.post(timerFired{gen: gen}) })
	m.retryIn = delay
	m.metrics.RecordReconnect(m.attempt, delay)
	m.transition(StateReconnecting, err)
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) onTimer(ev timerFired) {
	if ev.gen != m.timerGen || m.state != StateReconnecting {
		return
	}
	m.timer = nil
	m.attempt++
	m.beginOpen()
}

func (m *Manager) onRequest(kind requestKind) error {
	switch kind {
	case reqActivate:
		if m.state != StateReadyToStart {
			return fmt.Errorf("%w (state %s)", ErrNotReady, m.state)
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.sendTimeout)
		defer cancel()
		if err := m.conn.SendText(ctx, m.cfg.Greeting()); err != nil {
			m.connectionLost(err)
			return err
		}
		m.activated = true
		m.transition(StateConnected, nil)
		return nil
	case reqRetry:
		if m.state != StateErrored && m.state != StateReconnecting {
			return fmt.Errorf("%w (state %s)", ErrRetryNotAllowed, m.state)
		}
		m.cancelTimer()
		m.attempt = 0
		m.beginOpen()
		return nil
	}
	return fmt.Errorf("unknown request %d", kind)
}

// onCaptureFrame runs on the capture device goroutine. At most one frame is
// in flight; a frame that arrives while the previous one is still being
// handled is dropped.
func (m *Manager) onCaptureFrame(samples []float32) {
	if !m.framePending.CompareAndSwap(false, true) {
		m.dropFrame("backpressure")
		return
	}
	frame := make([]float32, len(samples))
	copy(frame, samples)
	select {
	case m.events <- captureFrame{samples: frame}:
	default:
		m.framePending.Store(false)
		m.dropFrame("backpressure")
	}
}

func (m *Manager) dropFrame(reason string) {
	m.framesDropped.Add(1)
	m.metrics.RecordFrame("dropped_" + reason)
}

func (m *Manager) onFrame(samples []float32) {
	level := audio.RMSLevel(samples)
	if m.state != StateConnected || m.conn == nil {
		m.dropFrame("state")
		m.status.update(false, func(s *Status) {
			s.MicLevel = level
			s.FramesDropped = m.framesDropped.Load()
		})
		return
	}
	pcm, err := audio.EncodeCaptureFrame(samples)
	if err != nil {
		m.dropFrame("empty")
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.sendTimeout)
	err = m.conn.SendAudio(ctx, pcm)
	cancel()
	if err != nil {
		m.metrics.RecordFrame("send_error")
		m.connectionLost(err)
		return
	}
	m.framesSent.Add(1)
	m.metrics.RecordFrame("sent")
	m.status.update(false, func(s *Status) {
		s.MicLevel = level
		s.FramesSent = m.framesSent.Load()
		s.FramesDropped = m.framesDropped.Load()
	})
}

func (m *Manager) route(ev live.Event) {
	switch ev := ev.(type) {
	case live.ToolCallEvent:
		res, ok := m.dispatcher.Dispatch(m.ctx, ev)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.sendTimeout)
		err := m.conn.SendToolResults(ctx, []live.ToolResult{res})
		cancel()
		if err != nil {
			m.logger.Warn("tool ack failed", "tool", ev.Name, "call_id", ev.ID, "error", err)
			m.connectionLost(err)
		}
	case live.ToolCancelEvent:
		if n := m.dispatcher.Cancel(ev.IDs); n > 0 {
			m.logger.Debug("tool calls cancelled", "count", n)
		}
	case live.TranscriptionEvent:
		switch ev.Role {
		case live.RoleUser:
			m.assembler.AppendUserFragment(ev.Text)
		default:
			m.assembler.AppendModelFragment(ev.Text)
		}
	case live.TurnCompleteEvent:
		m.finalizeTurn()
	case live.AudioEvent:
		m.playAudio(ev)
	case live.InterruptedEvent:
		if n := m.scheduler.Interrupt(); n > 0 {
			m.logger.Debug("tutor interrupted", "stopped", n)
		}
	case live.GoAwayEvent:
		m.logger.Info("backend going away", "reason", ev.Reason)
	}
}

func (m *Manager) playAudio(ev live.AudioEvent) {
	rate, channels := ev.SampleRate, ev.Channels
	if rate <= 0 {
		rate = live.OutputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	buf, err := audio.DecodePlaybackChunk(ev.Data, rate, channels)
	if err != nil {
		m.metrics.RecordDecodeError()
		m.logger.Warn("audio chunk dropped", "error", err)
		return
	}
	m.scheduler.Enqueue(buf)
	m.metrics.RecordPlayback(buf.Duration)
}

func (m *Manager) finalizeTurn() {
	turns := m.assembler.FinalizeTurn()
	if len(turns) == 0 {
		return
	}
	m.status.update(true, func(s *Status) { s.Turns = m.assembler.Len() })
	for _, turn := range turns {
		m.metrics.RecordTurn(string(turn.Speaker))
		m.logger.Debug("turn finalized", "speaker", turn.Speaker, "turn_id", turn.ID)
	}
	m.deliver(turns)
}

func (m *Manager) deliver(turns []transcript.Turn) {
	m.sinkMu.Lock()
	m.sinkQueue = append(m.sinkQueue, turns...)
	if m.sinkBusy {
		m.sinkMu.Unlock()
		return
	}
	m.sinkBusy = true
	m.sinkMu.Unlock()

	m.bg.Add(1)
	go m.drainSinks(context.WithoutCancel(m.ctx))
}

func (m *Manager) drainSinks(parent context.Context) {
	defer m.bg.Done()
	for {
		m.sinkMu.Lock()
		if len(m.sinkQueue) == 0 {
			m.sinkBusy = false
			m.sinkMu.Unlock()
			return
		}
		turn := m.sinkQueue[0]
		m.sinkQueue = m.sinkQueue[1:]
		m.sinkMu.Unlock()

		ctx, cancel := context.WithTimeout(parent, sinkTimeout)
		err := m.sink.AppendTurn(ctx, m.id, turn)
		cancel()
		if err != nil {
			m.logger.Warn("transcript sink failed", "turn_id", turn.ID, "error", err)
		}
	}
}

func (m *Manager) sendSnapshot() {
	if m.board == nil || m.state != StateConnected || m.conn == nil {
		return
	}
	img, err := m.board.Snapshot(m.snapshotFormat)
	if err != nil {
		m.metrics.RecordSnapshot(0, err)
		m.logger.Warn("whiteboard snapshot failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.sendTimeout)
	err = m.conn.SendImage(ctx, string(m.snapshotFormat), img)
	cancel()
	m.metrics.RecordSnapshot(len(img), err)
	if err != nil {
		m.connectionLost(err)
	}
}

func (m *Manager) teardown() {
	if m.state == StateDisconnected {
		return
	}
	if m.captureArmed && m.capture != nil {
		if err := m.capture.Stop(); err != nil {
			m.logger.Warn("capture stop failed", "error", err)
		}
	}
	m.captureArmed = false
	m.scheduler.Interrupt()
	m.cancelTimer()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
		m.conn = nil
	}
	m.connGen++
	m.openGen++
	m.dispatcher.Close()
	m.finalizeTurn()
	m.transition(StateDisconnected, nil)
	m.logger.Info("session ended", "frames_sent", m.framesSent.Load(), "frames_dropped", m.framesDropped.Load())
}

func asTransportError(op string, err error) error {
	var te *live.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &live.TransportError{Op: op, Err: err}
}

type loopEvent interface{}

type openResult struct {
	gen  uint64
	conn Conn
	err  error
}

type connEvent struct {
	gen uint64
	ev  live.Event
}

type connClosed struct {
	gen uint64
	err error
}

type timerFired struct {
	gen uint64
}

type captureFrame struct {
	samples []float32
}

type requestKind int

const (
	reqActivate requestKind = iota + 1
	reqRetry
)

type userRequest struct {
	kind  requestKind
	reply chan error
}
