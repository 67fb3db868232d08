package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yuhaousa/voice2learn/pkg/tutor/backend/gemini"
	"github.com/yuhaousa/voice2learn/pkg/tutor/backend/wsgateway"
	"github.com/yuhaousa/voice2learn/pkg/tutor/config"
	"github.com/yuhaousa/voice2learn/pkg/tutor/device"
	"github.com/yuhaousa/voice2learn/pkg/tutor/material"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
)

// backend is the model side of a session. images is nil when the backend
// cannot generate illustrations.
type backend struct {
	transport session.Transport
	images    material.ImageGenerator
}

// devices are the local audio endpoints. close releases the output device.
type devices struct {
	capture session.Capture
	speaker playback.Speaker
	close   func() error
}

func geminiConfig(cfg config.Config) gemini.Config {
	return gemini.Config{
		APIKey:      cfg.GeminiAPIKey,
		Vertex:      cfg.UseVertex,
		Project:     cfg.GoogleProject,
		Location:    cfg.GoogleLocation,
		LiveModel:   cfg.LiveModel,
		ImageModel:  cfg.ImageModel,
		Voice:       cfg.Voice,
		Language:    cfg.Language,
		AspectRatio: cfg.ImageAspectRatio,
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Backend {
	case config.BackendGateway:
		return backend{transport: wsgateway.NewTransport(wsgateway.Options{
			URL:            cfg.GatewayURL,
			APIKey:         cfg.GatewayAPIKey,
			ConnectTimeout: cfg.OpenTimeout,
			Logger:         logger,
		})}, nil
	case config.BackendGemini:
		gcfg := geminiConfig(cfg)
		client, err := gemini.NewClient(ctx, gcfg)
		if err != nil {
			return backend{}, fmt.Errorf("gemini client: %w", err)
		}
		return backend{
			transport: gemini.NewTransport(client, gcfg, logger),
			images:    gemini.NewImageGenerator(client, gcfg),
		}, nil
	default:
		return backend{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func openDevices(cfg config.Config, logger *slog.Logger) (devices, error) {
	spk, err := device.OpenSpeaker(device.SpeakerOptions{
		SampleRate: cfg.OutputSampleRate,
		Channels:   1,
		Logger:     logger,
	})
	if err != nil {
		return devices{}, err
	}
	mic := device.NewMicrophone(device.MicrophoneOptions{
		SampleRate: cfg.InputSampleRate,
		FrameSize:  cfg.FrameSize(),
		Logger:     logger,
	})
	return devices{capture: mic, speaker: spk, close: spk.Close}, nil
}
