// Package audio converts between captured float samples, the PCM16 LE wire
// format the backends speak, and buffers the output scheduler can play.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
)

const bytesPerSample = 2

// PlaybackBuffer is decoded speech ready to be scheduled. PCM holds
// interleaved signed 16-bit little-endian samples.
type PlaybackBuffer struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Frames     int
	Duration   time.Duration
}

// Samples returns the buffer as normalized float samples.
func (b PlaybackBuffer) Samples() []float32 {
	return PCM16ToFloat32(b.PCM)
}

// EncodeCaptureFrame converts normalized float samples to PCM16 LE. Samples
// outside [-1, 1] are clamped. No resampling happens here: the caller must
// capture at the backend's input rate.
func EncodeCaptureFrame(samples []float32) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("capture frame must not be empty")
	}
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out, nil
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// DecodePlaybackChunk validates a PCM16 LE payload and wraps it as a
// PlaybackBuffer. Malformed input yields *live.DecodeError; callers drop the
// chunk and keep the session running.
func DecodePlaybackChunk(data []byte, sampleRate, channels int) (PlaybackBuffer, error) {
	switch {
	case len(data) == 0:
		return PlaybackBuffer{}, &live.DecodeError{Reason: "empty payload"}
	case sampleRate <= 0:
		return PlaybackBuffer{}, &live.DecodeError{Reason: fmt.Sprintf("invalid sample rate %d", sampleRate), Bytes: len(data)}
	case channels <= 0:
		return PlaybackBuffer{}, &live.DecodeError{Reason: fmt.Sprintf("invalid channel count %d", channels), Bytes: len(data)}
	case len(data)%(bytesPerSample*channels) != 0:
		return PlaybackBuffer{}, &live.DecodeError{Reason: "payload is not a whole number of frames", Bytes: len(data)}
	}

	pcm := make([]byte, len(data))
	copy(pcm, data)
	frames := len(pcm) / (bytesPerSample * channels)
	return PlaybackBuffer{
		PCM:        pcm,
		SampleRate: sampleRate,
		Channels:   channels,
		Frames:     frames,
		Duration:   FramesDuration(frames, sampleRate),
	}, nil
}

// FramesDuration converts a frame count at sampleRate to wall time.
func FramesDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}

// PCM16ToFloat32 converts PCM16 LE bytes to normalized float samples. A
// trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(sample) / 32768.0
	}
	return out
}
