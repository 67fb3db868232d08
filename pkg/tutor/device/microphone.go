package device

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
)

type MicrophoneOptions struct {
	SampleRate int
	FrameSize  int
	// PeriodMS is the device callback period.
	PeriodMS int
	Logger   *slog.Logger
}

// Microphone captures mono PCM16 with malgo and delivers fixed-size float
// frames. It satisfies session.Capture.
type Microphone struct {
	opts MicrophoneOptions

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	framer *framer
}

func NewMicrophone(opts MicrophoneOptions) *Microphone {
	if opts.SampleRate <= 0 {
		opts.SampleRate = live.InputSampleRate
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}
	if opts.PeriodMS <= 0 {
		opts.PeriodMS = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Microphone{opts: opts}
}

// Start opens the default capture device. Any failure is a
// *live.DeviceAcquisitionError.
func (m *Microphone) Start(onFrame func([]float32)) error {
	if onFrame == nil {
		return &live.DeviceAcquisitionError{Device: "microphone", Err: errors.New("frame callback is nil")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return &live.DeviceAcquisitionError{Device: "microphone", Err: err}
	}

	fr := newFramer(m.opts.FrameSize)
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.opts.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.opts.PeriodMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			fr.push(input, onFrame)
		},
	}
	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return &live.DeviceAcquisitionError{Device: "microphone", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return &live.DeviceAcquisitionError{Device: "microphone", Err: err}
	}

	m.ctx = ctx
	m.device = device
	m.framer = fr
	m.opts.Logger.Info("microphone started", "sample_rate", m.opts.SampleRate, "frame_size", m.opts.FrameSize)
	return nil
}

// Stop releases the device. It is a no-op when not started.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	if m.ctx != nil {
		if uerr := m.ctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		m.ctx.Free()
		m.ctx = nil
	}
	m.framer.reset()
	m.opts.Logger.Info("microphone stopped")
	return err
}
