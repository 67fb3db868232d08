package playback

import (
	"io"
	"sync"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
)

// VirtualSpeaker plays nothing: it tracks wall time and fires completions
// when each buffer's slot on the timeline has elapsed. Used headless and as
// the fallback when no output device is available.
type VirtualSpeaker struct {
	start time.Time
	now   func() time.Time
}

func NewVirtualSpeaker() *VirtualSpeaker {
	return &VirtualSpeaker{start: time.Now(), now: time.Now}
}

func (v *VirtualSpeaker) Now() time.Duration {
	return v.now().Sub(v.start)
}

func (v *VirtualSpeaker) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) Handle {
	delay := at + buf.Duration - v.Now()
	if delay < 0 {
		delay = 0
	}
	return timerHandle{t: time.AfterFunc(delay, done)}
}

type timerHandle struct {
	t *time.Timer
}

func (h timerHandle) Stop() {
	if h.t != nil {
		h.t.Stop()
	}
}

// Recorder tees every scheduled buffer into memory so a session's tutor
// speech can be saved as WAV afterwards.
type Recorder struct {
	Speaker

	mu         sync.Mutex
	pcm        []byte
	sampleRate int
	channels   int
}

func NewRecorder(inner Speaker) *Recorder {
	return &Recorder{Speaker: inner}
}

func (r *Recorder) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) Handle {
	r.mu.Lock()
	r.pcm = append(r.pcm, buf.PCM...)
	if r.sampleRate == 0 {
		r.sampleRate = buf.SampleRate
		r.channels = buf.Channels
	}
	r.mu.Unlock()
	return r.Speaker.Schedule(buf, at, done)
}

// Bytes returns the number of PCM bytes captured so far.
func (r *Recorder) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm)
}

func (r *Recorder) WriteWAV(w io.Writer) error {
	r.mu.Lock()
	pcm := append([]byte(nil), r.pcm...)
	rate, channels := r.sampleRate, r.channels
	r.mu.Unlock()
	if rate == 0 {
		rate, channels = 24000, 1
	}
	return audio.WriteWAV(w, pcm, rate, channels)
}
