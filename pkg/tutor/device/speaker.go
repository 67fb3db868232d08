package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/yuhaousa/voice2learn/pkg/tutor/audio"
	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
)

type SpeakerOptions struct {
	SampleRate int
	Channels   int
	// BufferSize is the device-side buffer; zero lets oto choose.
	BufferSize time.Duration
	Logger     *slog.Logger
}

// Speaker plays a Timeline through the default output device. oto allows a
// single context per process, so a program should open one Speaker and share
// it.
type Speaker struct {
	timeline *Timeline
	player   *oto.Player
	logger   *slog.Logger

	closeOnce sync.Once
}

// OpenSpeaker acquires the output device. Failures are
// *live.DeviceAcquisitionError.
func OpenSpeaker(opts SpeakerOptions) (*Speaker, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = live.OutputSampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   opts.SampleRate,
		ChannelCount: opts.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   opts.BufferSize,
	})
	if err != nil {
		return nil, &live.DeviceAcquisitionError{Device: "speaker", Err: fmt.Errorf("oto init: %w", err)}
	}
	<-ready

	tl := NewTimeline(opts.SampleRate, opts.Channels)
	player := ctx.NewPlayer(tl)
	player.Play()
	opts.Logger.Info("speaker opened", "sample_rate", opts.SampleRate, "channels", opts.Channels)
	return &Speaker{timeline: tl, player: player, logger: opts.Logger}, nil
}

// Now is the timeline position minus what is still queued in the device.
func (s *Speaker) Now() time.Duration {
	now := s.timeline.Now()
	queued := audio.FramesDuration(s.player.BufferedSize()/s.timeline.frameBytes(), s.timeline.rate)
	if queued > now {
		return 0
	}
	return now - queued
}

func (s *Speaker) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) playback.Handle {
	// Compensate for device latency: the timeline clock runs ahead of what
	// is audible by the queued amount.
	lead := s.timeline.Now() - s.Now()
	return s.timeline.Schedule(buf, at+lead, done)
}

func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.timeline.Close()
		err = s.player.Close()
		s.logger.Info("speaker closed")
	})
	return err
}

var _ playback.Speaker = (*Speaker)(nil)
