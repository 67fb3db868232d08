package session

import (
	"sync"
	"time"
)

// Status is a point-in-time view of a session for UIs and the status API.
type Status struct {
	SessionID     string        `json:"session_id"`
	State         State         `json:"state"`
	Badge         string        `json:"badge"`
	Attempt       int           `json:"attempt"`
	RetryIn       time.Duration `json:"retry_in,omitempty"`
	Activated     bool          `json:"activated"`
	Speaking      bool          `json:"speaking"`
	MicLevel      float64       `json:"mic_level"`
	FramesSent    uint64        `json:"frames_sent"`
	FramesDropped uint64        `json:"frames_dropped"`
	Turns         int           `json:"turns"`
	LastError     string        `json:"last_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`

	Err error `json:"-"`
}

// statusBox guards the published Status and fans changes out to subscribers.
// Subscribers get the latest value; intermediate values may be skipped.
type statusBox struct {
	mu   sync.Mutex
	cur  Status
	subs map[int]chan Status
	next int

	speakingEpoch uint64
}

func (b *statusBox) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// update applies fn and, when notify is set, pushes the result to subscribers.
func (b *statusBox) update(notify bool, fn func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.cur)
	b.cur.Badge = b.cur.State.Badge()
	if notify {
		b.publishLocked()
	}
}

// setSpeaking stores the flag unless a report with a newer epoch has already
// been applied.
func (b *statusBox) setSpeaking(speaking bool, epoch uint64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if epoch < b.speakingEpoch {
		return
	}
	b.speakingEpoch = epoch
	if b.cur.Speaking == speaking {
		return
	}
	b.cur.Speaking = speaking
	b.cur.UpdatedAt = at
	b.publishLocked()
}

func (b *statusBox) publishLocked() {
	st := b.cur
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (b *statusBox) subscribe() (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Status)
	}
	id := b.next
	b.next++
	ch := make(chan Status, 1)
	ch <- b.cur
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
