package device

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
)

func constBuffer(t *testing.T, frames int, value int16, rate int) audio.PlaybackBuffer {
	t.Helper()
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(value))
	}
	buf, err := audio.DecodePlaybackChunk(pcm, rate, 1)
	if err != nil {
		t.Fatalf("DecodePlaybackChunk: %v", err)
	}
	return buf
}

func sampleAt(p []byte, frame int) int16 {
	return int16(binary.LittleEndian.Uint16(p[frame*2:]))
}

func waitCount(t *testing.T, c *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Load() != want {
		if time.Now().After(deadline) {
			t.Fatalf("count=%d, want %d", c.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTimeline_PlacesBuffersAtAbsoluteOffsets(t *testing.T) {
	tl := NewTimeline(1000, 1)
	var done atomic.Int32
	tl.Schedule(constBuffer(t, 10, 100, 1000), 5*time.Millisecond, func() { done.Add(1) })
	tl.Schedule(constBuffer(t, 10, 200, 1000), 15*time.Millisecond, func() { done.Add(1) })

	out := make([]byte, 40*2)
	n, err := tl.Read(out)
	if err != nil || n != len(out) {
		t.Fatalf("Read n=%d err=%v", n, err)
	}
	checks := map[int]int16{0: 0, 4: 0, 5: 100, 14: 100, 15: 200, 24: 200, 25: 0, 39: 0}
	for frame, want := range checks {
		if got := sampleAt(out, frame); got != want {
			t.Fatalf("frame %d = %d, want %d", frame, got, want)
		}
	}
	if got := tl.Now(); got != 40*time.Millisecond {
		t.Fatalf("Now=%v, want 40ms", got)
	}
	waitCount(t, &done, 2)
	if tl.Pending() != 0 {
		t.Fatalf("pending=%d", tl.Pending())
	}
}

func TestTimeline_SegmentSpanningReads(t *testing.T) {
	tl := NewTimeline(1000, 1)
	var done atomic.Int32
	tl.Schedule(constBuffer(t, 10, 7, 1000), 0, func() { done.Add(1) })

	first := make([]byte, 6*2)
	tl.Read(first)
	if done.Load() != 0 || tl.Pending() != 1 {
		t.Fatalf("finished early")
	}
	second := make([]byte, 6*2)
	tl.Read(second)
	if sampleAt(second, 3) != 7 || sampleAt(second, 4) != 0 {
		t.Fatalf("tail=%d,%d", sampleAt(second, 3), sampleAt(second, 4))
	}
	waitCount(t, &done, 1)
}

func TestTimeline_StopSkipsDone(t *testing.T) {
	tl := NewTimeline(1000, 1)
	var done atomic.Int32
	h := tl.Schedule(constBuffer(t, 10, 50, 1000), 0, func() { done.Add(1) })
	h.Stop()
	h.Stop()

	out := make([]byte, 20*2)
	tl.Read(out)
	if sampleAt(out, 0) != 0 {
		t.Fatalf("stopped segment was played")
	}
	time.Sleep(20 * time.Millisecond)
	if done.Load() != 0 {
		t.Fatalf("done ran for a stopped segment")
	}
}

func TestTimeline_MixSaturates(t *testing.T) {
	tl := NewTimeline(1000, 1)
	tl.Schedule(constBuffer(t, 4, 30000, 1000), 0, nil)
	tl.Schedule(constBuffer(t, 4, 30000, 1000), 0, nil)
	out := make([]byte, 4*2)
	tl.Read(out)
	if got := sampleAt(out, 0); got != 32767 {
		t.Fatalf("mixed=%d, want clipped 32767", got)
	}
}

func TestTimeline_PartialFrameAndClose(t *testing.T) {
	tl := NewTimeline(1000, 2)
	if n, _ := tl.Read(make([]byte, 3)); n != 0 {
		t.Fatalf("partial frame read n=%d", n)
	}
	var done atomic.Int32
	tl.Schedule(constBuffer(t, 4, 1, 1000), 0, func() { done.Add(1) })
	tl.Close()
	tl.Read(make([]byte, 64))
	if tl.Pending() != 0 || tl.Now() != 0 {
		t.Fatalf("closed timeline advanced: pending=%d now=%v", tl.Pending(), tl.Now())
	}
	time.Sleep(10 * time.Millisecond)
	if done.Load() != 0 {
		t.Fatalf("done ran after close")
	}
}

func TestConform_ResamplesAndUpmixes(t *testing.T) {
	buf := constBuffer(t, 8, 1000, 8000)
	out := conform(buf, 16000, 2)
	if len(out) != 16*2*2 {
		t.Fatalf("len=%d", len(out))
	}
	for i := 0; i < 32; i++ {
		if got := int16(binary.LittleEndian.Uint16(out[i*2:])); got != 1000 {
			t.Fatalf("sample %d = %d", i, got)
		}
	}
	if same := conform(buf, 8000, 1); &same[0] != &buf.PCM[0] {
		t.Fatalf("matching format should not copy")
	}
}

func TestFramer_RegroupsPeriods(t *testing.T) {
	f := newFramer(4)
	var frames [][]float32
	emit := func(s []float32) { frames = append(frames, append([]float32(nil), s...)) }

	pcm := make([]byte, 10*2)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*1000)))
	}
	f.push(pcm[:3], emit) // odd split leaves a carried byte
	f.push(pcm[3:11], emit)
	f.push(pcm[11:], emit)

	if len(frames) != 2 {
		t.Fatalf("frames=%d, want 2", len(frames))
	}
	if got := frames[1][0]; got < 0.12 || got > 0.13 {
		t.Fatalf("frame[1][0]=%v, want ~4000/32768", got)
	}
	if len(f.pending) != 2 {
		t.Fatalf("pending=%d, want 2", len(f.pending))
	}
	f.reset()
	if len(f.pending) != 0 || f.carry != nil {
		t.Fatalf("reset left state")
	}
}
