// Package device binds the session to real audio hardware: a malgo capture
// device for the microphone and an oto player driving a sample-accurate
// playback timeline.
package device

import "github.com/yuhaousa/voice2learn/pkg/tutor/audio"

// DefaultFrameSize is the number of mono samples handed to the session per
// capture callback (256ms at 16 kHz).
const DefaultFrameSize = 4096

// framer regroups arbitrary-sized PCM16 device periods into fixed-size float
// frames. It is not safe for concurrent use; the capture callback is its only
// caller.
type framer struct {
	size    int
	pending []float32
	carry   []byte
}

func newFramer(size int) *framer {
	if size <= 0 {
		size = DefaultFrameSize
	}
	return &framer{size: size, pending: make([]float32, 0, size)}
}

// push appends raw PCM16 LE bytes and calls emit once per completed frame.
// The slice passed to emit is reused after emit returns.
func (f *framer) push(pcm []byte, emit func([]float32)) {
	if len(f.carry) > 0 {
		pcm = append(f.carry, pcm...)
		f.carry = nil
	}
	if len(pcm)%2 == 1 {
		f.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	for _, s := range audio.PCM16ToFloat32(pcm) {
		f.pending = append(f.pending, s)
		if len(f.pending) == f.size {
			emit(f.pending)
			f.pending = f.pending[:0]
		}
	}
}

func (f *framer) reset() {
	f.pending = f.pending[:0]
	f.carry = nil
}
