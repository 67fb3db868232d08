// Package playback schedules decoded tutor speech onto a single gapless
// output timeline and supports immediate interruption.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
)

// Clock reports the output device's playback position.
type Clock interface {
	Now() time.Duration
}

// Handle stops one scheduled buffer. Stop must be safe to call more than once
// and after the buffer has finished.
type Handle interface {
	Stop()
}

// Speaker plays buffers at absolute offsets on its own clock and calls done
// once each buffer finishes naturally. done must not be called synchronously
// from Schedule.
type Speaker interface {
	Clock
	Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) Handle
}

// Hooks observe speaking transitions. They run without the scheduler lock
// held, so a completion on a device goroutine can deliver its hook after a
// later transition's. The epoch is assigned under the lock and increases with
// every transition; observers keep the value with the highest epoch.
type Hooks struct {
	OnSpeaking func(epoch uint64)
	OnIdle     func(epoch uint64)
}

// Scheduled describes where a buffer landed on the timeline.
type Scheduled struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
	// First is true when the buffer started a new speaking run.
	First bool
}

// Scheduler keeps one contiguous, non-overlapping playback timeline. It is
// safe for concurrent use: completions arrive on device goroutines.
type Scheduler struct {
	speaker Speaker
	logger  *slog.Logger
	hooks   Hooks

	mu        sync.Mutex
	next      time.Duration
	seq       uint64
	epoch     uint64
	active    map[uint64]Handle
	scheduled time.Duration
}

func NewScheduler(speaker Speaker, hooks Hooks, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		speaker: speaker,
		logger:  logger,
		hooks:   hooks,
		active:  make(map[uint64]Handle),
	}
}

// Enqueue schedules buf at max(next start, clock) and advances the next start
// by the buffer's duration.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) Scheduled {
	s.mu.Lock()
	start := s.next
	if now := s.speaker.Now(); now > start {
		start = now
	}
	s.seq++
	id := s.seq
	first := len(s.active) == 0
	var epoch uint64
	if first {
		s.epoch++
		epoch = s.epoch
	}
	handle := s.speaker.Schedule(buf, start, func() { s.complete(id) })
	s.active[id] = handle
	s.next = start + buf.Duration
	s.scheduled += buf.Duration
	s.mu.Unlock()

	if first && s.hooks.OnSpeaking != nil {
		s.hooks.OnSpeaking(epoch)
	}
	return Scheduled{ID: id, Start: start, End: start + buf.Duration, First: first}
}

func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		// Stopped by Interrupt; the device reported late.
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	idle := len(s.active) == 0
	var epoch uint64
	if idle {
		s.epoch++
		epoch = s.epoch
	}
	s.mu.Unlock()

	if idle && s.hooks.OnIdle != nil {
		s.hooks.OnIdle(epoch)
	}
}

// Interrupt stops every active buffer, clears the active set and resets the
// next start offset to zero. It reports how many buffers were cut. OnIdle
// fires when anything was playing.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.active))
	for id, h := range s.active {
		handles = append(handles, h)
		delete(s.active, id)
	}
	s.next = 0
	var epoch uint64
	if len(handles) > 0 {
		s.epoch++
		epoch = s.epoch
	}
	s.mu.Unlock()

	if len(handles) > 0 && s.hooks.OnIdle != nil {
		s.hooks.OnIdle(epoch)
	}

	for _, h := range handles {
		if h != nil {
			h.Stop()
		}
	}
	if len(handles) > 0 {
		s.logger.Debug("playback interrupted", "stopped", len(handles))
	}
	return len(handles)
}

// Speaking reports whether any buffer is still playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Active returns the number of buffers in flight.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the offset at which the next buffer would begin if the
// clock has not passed it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// ScheduledTotal is the cumulative duration of everything ever enqueued.
func (s *Scheduler) ScheduledTotal() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}
