package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
)

func TestEncodeCaptureFrame_PCM16LittleEndian(t *testing.T) {
	got, err := EncodeCaptureFrame([]float32{0, 1, -1, 0.5, 2, -3})
	if err != nil {
		t.Fatalf("EncodeCaptureFrame: %v", err)
	}
	want := []int16{0, math.MaxInt16, math.MinInt16, 16383, math.MaxInt16, math.MinInt16}
	if len(got) != len(want)*2 {
		t.Fatalf("len=%d, want %d", len(got), len(want)*2)
	}
	for i, w := range want {
		if s := int16(binary.LittleEndian.Uint16(got[i*2:])); s != w {
			t.Fatalf("sample[%d]=%d, want %d", i, s, w)
		}
	}
}

func TestEncodeCaptureFrame_RejectsEmpty(t *testing.T) {
	if _, err := EncodeCaptureFrame(nil); err == nil {
		t.Fatalf("expected error for empty frame")
	}
}

func TestDecodePlaybackChunk_Duration(t *testing.T) {
	pcm := make([]byte, 24000/2*2) // 0.5s mono at 24kHz
	buf, err := DecodePlaybackChunk(pcm, 24000, 1)
	if err != nil {
		t.Fatalf("DecodePlaybackChunk: %v", err)
	}
	if buf.Duration != 500*time.Millisecond {
		t.Fatalf("duration=%v, want 500ms", buf.Duration)
	}
	if buf.Frames != 12000 {
		t.Fatalf("frames=%d", buf.Frames)
	}
	pcm[0] = 0x7f
	if buf.PCM[0] == 0x7f {
		t.Fatalf("buffer aliases caller memory")
	}
}

func TestDecodePlaybackChunk_Malformed(t *testing.T) {
	cases := []struct {
		name     string
		data     []byte
		rate     int
		channels int
	}{
		{name: "empty", data: nil, rate: 24000, channels: 1},
		{name: "odd length", data: []byte{1, 2, 3}, rate: 24000, channels: 1},
		{name: "partial stereo frame", data: []byte{1, 2, 3, 4, 5, 6}, rate: 24000, channels: 2},
		{name: "zero rate", data: []byte{1, 2}, rate: 0, channels: 1},
		{name: "zero channels", data: []byte{1, 2}, rate: 24000, channels: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePlaybackChunk(tc.data, tc.rate, tc.channels)
			var de *live.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%v, want *live.DecodeError", err)
			}
		})
	}
}

func TestRoundTripThroughFloat(t *testing.T) {
	in := []float32{0.25, -0.25, 0.75}
	pcm, err := EncodeCaptureFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := DecodePlaybackChunk(pcm, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	out := buf.Samples()
	for i := range in {
		if math.Abs(float64(in[i]-out[i])) > 1.0/16384 {
			t.Fatalf("sample[%d]=%v, want ~%v", i, out[i], in[i])
		}
	}
}

func TestLevels(t *testing.T) {
	if got := RMSLevel(nil); got != 0 {
		t.Fatalf("rms(nil)=%v", got)
	}
	if got := RMSLevel([]float32{0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("rms=%v, want 0.5", got)
	}
	if got := PeakLevel([]float32{0.1, -0.8, 0.3}); math.Abs(got-0.8) > 1e-6 {
		t.Fatalf("peak=%v, want 0.8", got)
	}
}

func TestWriteWAV_Header(t *testing.T) {
	var b bytes.Buffer
	if err := WriteWAV(&b, make([]byte, 100), 24000, 1); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	out := b.Bytes()
	if len(out) != 144 {
		t.Fatalf("len=%d, want 144", len(out))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[36:40]) != "data" {
		t.Fatalf("bad header %q", out[:44])
	}
	if rate := binary.LittleEndian.Uint32(out[24:28]); rate != 24000 {
		t.Fatalf("rate=%d", rate)
	}
}
