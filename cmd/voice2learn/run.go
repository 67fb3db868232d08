package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yuhaousa/voice2learn/pkg/tutor/config"
	"github.com/yuhaousa/voice2learn/pkg/tutor/export"
	"github.com/yuhaousa/voice2learn/pkg/tutor/material"
	"github.com/yuhaousa/voice2learn/pkg/tutor/metrics"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/sessions"
	"github.com/yuhaousa/voice2learn/pkg/tutor/statusapi"
	"github.com/yuhaousa/voice2learn/pkg/tutor/store"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

const storeTimeout = 5 * time.Second

func snapshotFormat(name string) whiteboard.Format {
	if name == "png" {
		return whiteboard.FormatPNG
	}
	return whiteboard.FormatJPEG
}

func runSession(ctx context.Context, c *cli, cfg config.Config, boardID string) error {
	deps := c.deps
	if deps.openBackend == nil || deps.openDevices == nil {
		return errors.New("missing backend or device dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	logger := c.logger(cfg.LogLevel)
	m := metrics.NewMetrics(cfg.MetricsNamespace)

	var (
		db    *store.Store
		sinks []transcript.Sink
		err   error
	)
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL, store.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, db)
	}

	var exporter *export.Exporter
	if cfg.NATSURL != "" {
		exporter, err = export.Connect(ctx, cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer exporter.Close()
		sinks = append(sinks, exporter)
	}

	be, err := deps.openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dev, err := deps.openDevices(cfg, logger)
	if err != nil {
		return err
	}
	if dev.close != nil {
		defer func() {
			if err := dev.close(); err != nil {
				logger.Warn("close speaker", "error", err)
			}
		}()
	}

	speaker := dev.speaker
	var recorder *playback.Recorder
	if cfg.RecordPath != "" {
		if speaker == nil {
			speaker = playback.NewVirtualSpeaker()
		}
		recorder = playback.NewRecorder(speaker)
		speaker = recorder
		defer writeRecording(cfg.RecordPath, recorder, logger)
	}

	sessionID := uuid.NewString()
	if boardID == "" {
		boardID = sessionID
	}
	var boardStore whiteboard.Store
	switch {
	case db != nil:
		boardStore = db
	case cfg.BoardDir != "":
		fsStore, err := whiteboard.NewFileStore(cfg.BoardDir)
		if err != nil {
			return err
		}
		boardStore = fsStore
	}
	board := whiteboard.NewBoard(whiteboard.Options{BoardID: boardID, Store: boardStore, Logger: logger})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := board.Close(closeCtx); err != nil {
			logger.Warn("whiteboard final save failed", "board_id", boardID, "error", err)
		}
	}()
	if err := board.Restore(ctx); err != nil {
		logger.Warn("whiteboard restore failed", "board_id", boardID, "error", err)
	}

	presenter := material.NewPresenter(material.Options{
		Generator: be.images,
		Timeout:   cfg.ImageTimeout,
		Logger:    logger,
		OnImage:   m.RecordImageGeneration,
		OnChange: func(mat material.Material) {
			if mat.Visible() {
				logger.Info("learning material", "title", mat.Title, "image_pending", mat.ImageGenerationInFlight)
			}
		},
	})
	defer presenter.Wait()

	mgr, err := session.New(session.Dependencies{
		ID:               sessionID,
		Config:           cfg.Session,
		Transport:        be.transport,
		Capture:          dev.capture,
		Speaker:          speaker,
		Board:            board,
		Materials:        presenter,
		Sinks:            sinks,
		Metrics:          m,
		Logger:           logger,
		MaxAttempts:      cfg.MaxReconnectAttempts,
		BaseDelay:        cfg.BackoffBase,
		SnapshotInterval: cfg.SnapshotInterval,
		SnapshotFormat:   snapshotFormat(cfg.SnapshotFormat),
		OpenTimeout:      cfg.OpenTimeout,
	})
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if db != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := db.StartSession(storeCtx, sessionID, cfg.Session, startedAt)
		cancel()
		if err != nil {
			return err
		}
	}

	reg := sessions.NewRegistry(sessions.Hooks{
		OnRemove: func(e sessions.Entry) {
			final := e.Session.Status().State.String()
			m.RecordSessionEnd(final, time.Since(startedAt))
			if db == nil {
				return
			}
			storeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := db.EndSession(storeCtx, e.Session.ID(), final, time.Now()); err != nil {
				logger.Error("record session end", "session_id", e.Session.ID(), "error", err)
			}
		},
	})
	if err := reg.Add(sessions.Entry{Session: mgr, Board: board, Materials: presenter}); err != nil {
		return err
	}
	m.RecordSessionStart()

	apiOpts := statusapi.Options{
		Registry: reg,
		Metrics:  m.Handler(),
		Recorder: m,
		Logger:   logger,
	}
	if db != nil {
		apiOpts.Ready = db.Ping
		apiOpts.Transcripts = db
	}
	api := statusapi.NewServer(apiOpts)

	restore, err := rawTerminal(deps.stdin)
	if err != nil {
		logger.Warn("keyboard controls unavailable", "error", err)
		restore = func() {}
	}
	defer restore()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	logger.Info("session created", "session_id", sessionID, "level", cfg.Session.Level, "topic", cfg.Session.Topic, "backend", cfg.Backend)

	g.Go(func() error {
		err := mgr.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrEnded) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := api.Serve(gctx, cfg.StatusAddr); err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	})

	updates, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	g.Go(func() error {
		printStatus(gctx, c.stdout, updates)
		return nil
	})
	if exporter != nil {
		// Follow outlives the group so the final state is exported; closing
		// the subscription ends it once that state is drained.
		exportUpdates, stop := mgr.Subscribe()
		followed := make(chan struct{})
		go func() {
			defer close(followed)
			exporter.Follow(context.WithoutCancel(ctx), exportUpdates)
		}()
		defer func() {
			stop()
			<-followed
		}()
	}
	if deps.stdin != nil {
		keys := readKeys(deps.stdin)
		g.Go(func() error {
			runKeys(gctx, keys, mgr, logger)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-mgr.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		reg.SetDraining(true)
		reg.EndAll()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer waitCancel()
		if !reg.Wait(waitCtx) {
			logger.Warn("sessions still running after grace period")
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("session stopped", "session_id", sessionID, "state", mgr.Status().State.String())
	return nil
}

func writeRecording(path string, rec *playback.Recorder, logger *slog.Logger) {
	f, err := os.Create(path)
	if err != nil {
		logger.Error("create recording", "path", path, "error", err)
		return
	}
	if err := rec.WriteWAV(f); err != nil {
		logger.Error("write recording", "path", path, "error", err)
	}
	if err := f.Close(); err != nil {
		logger.Error("close recording", "path", path, "error", err)
		return
	}
	logger.Info("recording written", "path", path, "bytes", rec.Bytes())
}
