package device

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
)

// Timeline is a pull-model PCM16 source with an absolute sample clock. The
// audio sink drains it through Read; scheduled buffers are mixed in at their
// start offsets and everything else is silence. The clock is the number of
// frames read so far, so it advances exactly as fast as the device consumes.
//
// Timeline satisfies playback.Speaker and io.Reader.
type Timeline struct {
	rate     int
	channels int

	mu       sync.Mutex
	pos      int64 // frames handed to the sink
	segments []*segment
	closed   bool
}

type segment struct {
	start int64
	pcm   []byte
	done  func()
}

func (s *segment) end(frameBytes int) int64 {
	return s.start + int64(len(s.pcm)/frameBytes)
}

func NewTimeline(sampleRate, channels int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &Timeline{rate: sampleRate, channels: channels}
}

func (t *Timeline) frameBytes() int { return 2 * t.channels }

func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.FramesDuration(int(t.pos), t.rate)
}

// Schedule places buf at offset at. Offsets in the past are clipped: the part
// of the buffer that should already have played is skipped.
func (t *Timeline) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) playback.Handle {
	pcm := conform(buf, t.rate, t.channels)
	start := int64(math.Round(at.Seconds() * float64(t.rate)))
	seg := &segment{start: start, pcm: pcm, done: done}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return segmentHandle{}
	}
	t.segments = append(t.segments, seg)
	t.mu.Unlock()
	return segmentHandle{t: t, seg: seg}
}

type segmentHandle struct {
	t   *Timeline
	seg *segment
}

func (h segmentHandle) Stop() {
	if h.t == nil {
		return
	}
	h.t.remove(h.seg)
}

func (t *Timeline) remove(seg *segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.segments {
		if s == seg {
			t.segments = append(t.segments[:i], t.segments[i+1:]...)
			return
		}
	}
}

// Read fills p with the next whole frames of mixed output. It never blocks.
// Completion callbacks for segments that end inside the window run on their
// own goroutine after the lock is released.
func (t *Timeline) Read(p []byte) (int, error) {
	fb := t.frameBytes()
	n := len(p) / fb * fb
	if n == 0 {
		return 0, nil
	}
	out := p[:n]
	clear(out)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return n, nil
	}
	from := t.pos
	to := from + int64(n/fb)
	var finished []func()
	kept := t.segments[:0]
	for _, s := range t.segments {
		end := s.end(fb)
		if s.start < to && end > from {
			lo := max(s.start, from)
			hi := min(end, to)
			mix(out[(lo-from)*int64(fb):(hi-from)*int64(fb)], s.pcm[(lo-s.start)*int64(fb):(hi-s.start)*int64(fb)])
		}
		if end <= to {
			if s.done != nil {
				finished = append(finished, s.done)
			}
			continue
		}
		kept = append(kept, s)
	}
	clear(t.segments[len(kept):])
	t.segments = kept
	t.pos = to
	t.mu.Unlock()

	if len(finished) > 0 {
		go func() {
			for _, fn := range finished {
				fn()
			}
		}()
	}
	return n, nil
}

// Pending reports the number of scheduled segments that have not finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

// Close drops every pending segment without completing it. Reads after Close
// return silence.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.segments = nil
}

// mix adds src into dst sample by sample with saturation.
func mix(dst, src []byte) {
	for i := 0; i+1 < len(dst) && i+1 < len(src); i += 2 {
		a := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
		b := int32(int16(binary.LittleEndian.Uint16(src[i:])))
		s := a + b
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(s)))
	}
}

// conform returns buf's PCM at the given rate and channel count. Rate changes
// use nearest-neighbour selection; channel changes average down or duplicate
// up.
func conform(buf audio.PlaybackBuffer, rate, channels int) []byte {
	if buf.SampleRate == rate && buf.Channels == channels {
		return buf.PCM
	}
	inCh := max(buf.Channels, 1)
	inFrames := len(buf.PCM) / (2 * inCh)
	if inFrames == 0 || buf.SampleRate <= 0 {
		return nil
	}
	outFrames := int(int64(inFrames) * int64(rate) / int64(buf.SampleRate))
	out := make([]byte, outFrames*2*channels)
	for f := 0; f < outFrames; f++ {
		src := int(int64(f) * int64(buf.SampleRate) / int64(rate))
		if src >= inFrames {
			src = inFrames - 1
		}
		var sum int32
		for c := 0; c < inCh; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(buf.PCM[(src*inCh+c)*2:])))
		}
		mono := int16(sum / int32(inCh))
		for c := 0; c < channels; c++ {
			v := mono
			if inCh == channels {
				v = int16(binary.LittleEndian.Uint16(buf.PCM[(src*inCh+c)*2:]))
			}
			binary.LittleEndian.PutUint16(out[(f*channels+c)*2:], uint16(v))
		}
	}
	return out
}

var _ playback.Speaker = (*Timeline)(nil)
