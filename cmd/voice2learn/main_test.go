package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuhaousa/voice2learn/pkg/tutor/config"
	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/playback"
	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
)

// stallTransport never completes an open; it returns when the session gives up.
type stallTransport struct {
	opens atomic.Int32
}

func (s *stallTransport) Open(ctx context.Context, _ live.SessionConfig) (session.Conn, error) {
	s.opens.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func testConfig() config.Config {
	return config.Config{
		Backend:              config.BackendGateway,
		GatewayURL:           "ws://127.0.0.1:1/unused",
		Session:              live.SessionConfig{Level: live.GradeMiddle, Topic: live.SubjectMath},
		InputSampleRate:      live.InputSampleRate,
		OutputSampleRate:     live.OutputSampleRate,
		FrameDuration:        256 * time.Millisecond,
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Second,
		SnapshotInterval:     time.Hour,
		SnapshotFormat:       "png",
		OpenTimeout:          30 * time.Second,
		ImageTimeout:         time.Second,
		ShutdownGracePeriod:  2 * time.Second,
		StatusAddr:           "127.0.0.1:0",
		LogLevel:             slog.LevelError,
	}
}

func fakeDeps(transport session.Transport, stdin io.Reader, sigCh *chan<- os.Signal, mu *sync.Mutex) cliDeps {
	return cliDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		openBackend: func(context.Context, config.Config, *slog.Logger) (backend, error) {
			return backend{transport: transport}, nil
		},
		openDevices: func(config.Config, *slog.Logger) (devices, error) {
			return devices{speaker: playback.NewVirtualSpeaker()}, nil
		},
		signalNotify: func(c chan<- os.Signal, _ ...os.Signal) {
			if sigCh != nil {
				mu.Lock()
				*sigCh = c
				mu.Unlock()
			}
		},
		signalStop: func(chan<- os.Signal) {},
		stdin:      stdin,
	}
}

func runAsync(t *testing.T, ctx context.Context, args []string, deps cliDeps) (<-chan int, *bytes.Buffer) {
	t.Helper()
	var stderr bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- runMain(ctx, args, io.Discard, &stderr, deps)
	}()
	return done, &stderr
}

func waitExit(t *testing.T, done <-chan int, stderr *bytes.Buffer) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not exit; stderr=%s", stderr.String())
		return -1
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	deps := fakeDeps(&stallTransport{}, nil, nil, nil)
	deps.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("boom") }
	deps.openBackend = func(context.Context, config.Config, *slog.Logger) (backend, error) {
		t.Fatalf("openBackend should not be called when config load fails")
		return backend{}, nil
	}

	if code := runMain(context.Background(), []string{"run"}, io.Discard, &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_RejectsInvalidFlag(t *testing.T) {
	var stderr bytes.Buffer
	deps := fakeDeps(&stallTransport{}, nil, nil, nil)
	code := runMain(context.Background(), []string{"run", "--level", "kindergarten"}, io.Discard, &stderr, deps)
	if code != 1 || !strings.Contains(stderr.String(), "VOICE2LEARN_LEVEL") {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
}

func TestRun_QuitKeyEndsSession(t *testing.T) {
	transport := &stallTransport{}
	deps := fakeDeps(transport, strings.NewReader("q"), nil, nil)

	done, stderr := runAsync(t, context.Background(), []string{"run"}, deps)
	if code := waitExit(t, done, stderr); code != 0 {
		t.Fatalf("exitCode=%d stderr=%s", code, stderr.String())
	}
}

func TestRun_SignalDrainsAndExits(t *testing.T) {
	var (
		mu    sync.Mutex
		sigCh chan<- os.Signal
	)
	transport := &stallTransport{}
	stdin, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	deps := fakeDeps(transport, stdin, &sigCh, &mu)

	done, stderr := runAsync(t, context.Background(), []string{"run"}, deps)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		ch := sigCh
		mu.Unlock()
		if ch != nil && transport.opens.Load() > 0 {
			ch <- os.Interrupt
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never started opening; stderr=%s", stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code := waitExit(t, done, stderr); code != 0 {
		t.Fatalf("exitCode=%d stderr=%s", code, stderr.String())
	}
}

func TestRun_ContextCancelExits(t *testing.T) {
	transport := &stallTransport{}
	stdin, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	done, stderr := runAsync(t, ctx, []string{"run"}, fakeDeps(transport, stdin, nil, nil))

	time.Sleep(50 * time.Millisecond)
	cancel()
	if code := waitExit(t, done, stderr); code != 0 {
		t.Fatalf("exitCode=%d stderr=%s", code, stderr.String())
	}
}

func TestRunFlags_Apply(t *testing.T) {
	cfg, err := runFlags{level: "High", topic: "history", statusAddr: "127.0.0.1:9999"}.apply(testConfig())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Session.Level != live.GradeHigh || cfg.Session.Topic != live.SubjectHistory || cfg.StatusAddr != "127.0.0.1:9999" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if _, err := (runFlags{backend: "carrier-pigeon"}).apply(testConfig()); err == nil {
		t.Fatalf("expected backend validation error")
	}
}

func TestToolsCommand_PrintsDeclarations(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"tools"}, &stdout, &stderr, cliDeps{}); code != 0 {
		t.Fatalf("exitCode=%d stderr=%s", code, stderr.String())
	}
	var decls []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &decls); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	names := map[string]bool{}
	for _, d := range decls {
		names[d.Name] = true
	}
	if !names["draw_on_whiteboard"] || !names["show_learning_material"] {
		t.Fatalf("names=%v", names)
	}
}

func TestTranscriptCommand_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"transcript", "abc"}, io.Discard, &stderr, cliDeps{})
	if code != 1 || !strings.Contains(stderr.String(), "DATABASE_URL") {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
}

func TestWriteTranscript(t *testing.T) {
	turns := []transcript.Turn{
		{ID: 1, Speaker: transcript.SpeakerUser, Text: "why is the sky blue"},
		{ID: 2, Speaker: transcript.SpeakerTutor, Text: "Great question!"},
	}
	var buf bytes.Buffer
	if err := writeTranscript(&buf, turns, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "user") || !strings.HasSuffix(lines[1], "Great question!") {
		t.Fatalf("lines=%q", lines)
	}

	buf.Reset()
	if err := writeTranscript(&buf, turns, true); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var decoded []transcript.Turn
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || len(decoded) != 2 {
		t.Fatalf("decoded=%v err=%v", decoded, err)
	}
}
