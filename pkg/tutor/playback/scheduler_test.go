package playback

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
)

type fakeSpeaker struct {
	mu    sync.Mutex
	now   time.Duration
	slots []fakeSlot
}

type fakeSlot struct {
	at      time.Duration
	buf     audio.PlaybackBuffer
	done    func()
	stopped *atomic.Bool
}

type fakeHandle struct{ stopped *atomic.Bool }

func (h fakeHandle) Stop() { h.stopped.Store(true) }

func (f *fakeSpeaker) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeSpeaker) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	stopped := &atomic.Bool{}
	f.slots = append(f.slots, fakeSlot{at: at, buf: buf, done: done, stopped: stopped})
	return fakeHandle{stopped: stopped}
}

func (f *fakeSpeaker) finish(i int) {
	f.mu.Lock()
	slot := f.slots[i]
	f.mu.Unlock()
	slot.done()
}

func bufferOf(d time.Duration) audio.PlaybackBuffer {
	frames := int(d * 24000 / time.Second)
	return audio.PlaybackBuffer{PCM: make([]byte, frames*2), SampleRate: 24000, Channels: 1, Frames: frames, Duration: d}
}

func TestScheduler_GaplessStartTimes(t *testing.T) {
	sp := &fakeSpeaker{}
	s := NewScheduler(sp, Hooks{}, nil)

	d1, d2, d3 := 300*time.Millisecond, 120*time.Millisecond, 500*time.Millisecond
	got := []time.Duration{
		s.Enqueue(bufferOf(d1)).Start,
		s.Enqueue(bufferOf(d2)).Start,
		s.Enqueue(bufferOf(d3)).Start,
	}
	want := []time.Duration{0, d1, d1 + d2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start[%d]=%v, want %v", i, got[i], want[i])
		}
	}
	if s.NextStart() != d1+d2+d3 {
		t.Fatalf("next=%v", s.NextStart())
	}
}

func TestScheduler_StartsAtClockWhenTimelineIsBehind(t *testing.T) {
	sp := &fakeSpeaker{now: 2 * time.Second}
	s := NewScheduler(sp, Hooks{}, nil)

	first := s.Enqueue(bufferOf(100 * time.Millisecond))
	if first.Start != 2*time.Second {
		t.Fatalf("start=%v, want clock 2s", first.Start)
	}
	sp.mu.Lock()
	sp.now = 2050 * time.Millisecond
	sp.mu.Unlock()
	second := s.Enqueue(bufferOf(100 * time.Millisecond))
	if second.Start != 2100*time.Millisecond {
		t.Fatalf("second start=%v, want 2.1s (timeline ahead of clock)", second.Start)
	}
}

func TestScheduler_InterruptResetsTimeline(t *testing.T) {
	sp := &fakeSpeaker{}
	var idle atomic.Int32
	s := NewScheduler(sp, Hooks{OnIdle: func(uint64) { idle.Add(1) }}, nil)

	s.Enqueue(bufferOf(time.Second))
	s.Enqueue(bufferOf(time.Second))
	if stopped := s.Interrupt(); stopped != 2 {
		t.Fatalf("stopped=%d, want 2", stopped)
	}
	if idle.Load() != 1 {
		t.Fatalf("idle hook=%d after interrupt, want 1", idle.Load())
	}
	if s.Active() != 0 || s.Speaking() {
		t.Fatalf("active set not empty after interrupt")
	}
	if s.NextStart() != 0 {
		t.Fatalf("next=%v after interrupt, want 0", s.NextStart())
	}
	for i, slot := range sp.slots {
		if !slot.stopped.Load() {
			t.Fatalf("slot %d not stopped", i)
		}
	}

	// Late completions for interrupted buffers are ignored.
	sp.finish(0)
	sp.finish(1)
	if idle.Load() != 1 {
		t.Fatalf("idle fired for interrupted buffers")
	}
	if s.Interrupt() != 0 || idle.Load() != 1 {
		t.Fatalf("idle fired for an empty interrupt")
	}

	if got := s.Enqueue(bufferOf(time.Second)).Start; got != 0 {
		t.Fatalf("start after interrupt=%v, want 0", got)
	}
}

func TestScheduler_SpeakingUntilAllBuffersComplete(t *testing.T) {
	sp := &fakeSpeaker{}
	var speaking, idle atomic.Int32
	s := NewScheduler(sp, Hooks{
		OnSpeaking: func(uint64) { speaking.Add(1) },
		OnIdle:     func(uint64) { idle.Add(1) },
	}, nil)

	if !s.Enqueue(bufferOf(500 * time.Millisecond)).First {
		t.Fatalf("first buffer not flagged")
	}
	if s.Enqueue(bufferOf(300 * time.Millisecond)).First {
		t.Fatalf("second buffer flagged as first")
	}
	if speaking.Load() != 1 {
		t.Fatalf("speaking hook=%d, want 1", speaking.Load())
	}
	if total := s.ScheduledTotal(); total != 800*time.Millisecond {
		t.Fatalf("scheduled total=%v, want 800ms", total)
	}

	sp.finish(0)
	if !s.Speaking() || idle.Load() != 0 {
		t.Fatalf("went idle after first buffer")
	}
	sp.finish(1)
	if s.Speaking() || idle.Load() != 1 {
		t.Fatalf("speaking=%v idle=%d after both buffers", s.Speaking(), idle.Load())
	}
}

// latestFlag keeps the speaking value carrying the highest epoch.
type latestFlag struct {
	mu    sync.Mutex
	epoch uint64
	on    bool
}

func (f *latestFlag) set(on bool, epoch uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch < f.epoch {
		return
	}
	f.epoch, f.on = epoch, on
}

func (f *latestFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func TestScheduler_LateIdleHookLosesToNewerSpeaking(t *testing.T) {
	sp := &fakeSpeaker{}
	flag := &latestFlag{}
	idleEntered := make(chan struct{})
	releaseIdle := make(chan struct{})
	var epochs []uint64
	var epochsMu sync.Mutex
	record := func(e uint64) {
		epochsMu.Lock()
		epochs = append(epochs, e)
		epochsMu.Unlock()
	}
	s := NewScheduler(sp, Hooks{
		OnSpeaking: func(e uint64) { record(e); flag.set(true, e) },
		OnIdle: func(e uint64) {
			record(e)
			close(idleEntered)
			<-releaseIdle
			flag.set(false, e)
		},
	}, nil)

	s.Enqueue(bufferOf(100 * time.Millisecond))
	finished := make(chan struct{})
	go func() {
		sp.finish(0)
		close(finished)
	}()
	<-idleEntered

	// A new run starts while the previous idle report is still in flight.
	s.Enqueue(bufferOf(100 * time.Millisecond))
	close(releaseIdle)
	<-finished

	if !s.Speaking() || !flag.get() {
		t.Fatalf("speaking=%v flag=%v, want both true", s.Speaking(), flag.get())
	}
	epochsMu.Lock()
	defer epochsMu.Unlock()
	if len(epochs) != 3 || !(epochs[0] < epochs[1] && epochs[1] < epochs[2]) {
		t.Fatalf("epochs=%v, want three increasing values", epochs)
	}
}

func TestVirtualSpeaker_FiresCompletion(t *testing.T) {
	vs := NewVirtualSpeaker()
	done := make(chan struct{})
	vs.Schedule(bufferOf(10*time.Millisecond), vs.Now(), func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("completion did not fire")
	}

	stopped := make(chan struct{}, 1)
	h := vs.Schedule(bufferOf(200*time.Millisecond), vs.Now(), func() { stopped <- struct{}{} })
	h.Stop()
	select {
	case <-stopped:
		t.Fatalf("completion fired after Stop")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRecorder_WritesScheduledAudio(t *testing.T) {
	rec := NewRecorder(&fakeSpeaker{})
	s := NewScheduler(rec, Hooks{}, nil)
	s.Enqueue(bufferOf(100 * time.Millisecond))
	s.Enqueue(bufferOf(50 * time.Millisecond))

	if rec.Bytes() != (2400+1200)*2 {
		t.Fatalf("recorded bytes=%d", rec.Bytes())
	}
	var out bytes.Buffer
	if err := rec.WriteWAV(&out); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	if out.Len() != 44+rec.Bytes() {
		t.Fatalf("wav len=%d", out.Len())
	}
}
