package whiteboard

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name   string
		action string
		params map[string]any
		want   Command
	}{
		{
			name:   "rect with long names",
			action: "rect",
			params: map[string]any{"x": 10.0, "y": 20.0, "width": 30.0, "height": 40.0, "color": "red"},
			want:   Rect{X: 10, Y: 20, W: 30, H: 40, Color: "red"},
		},
		{
			name:   "circle with string numbers",
			action: "Circle",
			params: map[string]any{"x": "50", "y": "50%", "radius": 5},
			want:   Circle{X: 50, Y: 50, R: 5},
		},
		{
			name:   "line clamps out of range",
			action: "line",
			params: map[string]any{"x1": -5.0, "y1": 0.0, "x2": 120.0, "y2": 100.0, "color": "#00f"},
			want:   Line{X1: 0, Y1: 0, X2: 100, Y2: 100, Color: "#00f"},
		},
		{
			name:   "text",
			action: "text",
			params: map[string]any{"x": 1.0, "y": 2.0, "text": "E = mc²"},
			want:   Text{X: 1, Y: 2, Text: "E = mc²"},
		},
		{
			name:   "clear ignores params",
			action: "clear",
			params: nil,
			want:   Clear{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCommand(tc.action, tc.params)
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	cases := map[string]struct {
		action string
		params map[string]any
	}{
		"unknown action": {action: "triangle", params: map[string]any{"x": 1.0}},
		"missing coord":  {action: "rect", params: map[string]any{"x": 1.0, "y": 1.0, "width": 1.0}},
		"non numeric":    {action: "circle", params: map[string]any{"x": "left", "y": 1.0, "radius": 1.0}},
		"empty text":     {action: "text", params: map[string]any{"x": 1.0, "y": 1.0, "text": "  "}},
		"wrong type":     {action: "line", params: map[string]any{"x1": true, "y1": 1.0, "x2": 1.0, "y2": 1.0}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if cmd, err := ParseCommand(tc.action, tc.params); err == nil {
				t.Fatalf("expected error, got %#v", cmd)
			}
		})
	}
}

type memStore struct {
	mu    sync.Mutex
	saved map[string][]Command
	saves int
	err   error
}

func (m *memStore) LoadBoard(_ context.Context, id string) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id], nil
}

func (m *memStore) SaveBoard(_ context.Context, id string, cmds []Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[string][]Command)
	}
	m.saved[id] = cmds
	return nil
}

func (m *memStore) get(id string) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id]
}

// hangingStore blocks every save until its context expires or release is
// closed.
type hangingStore struct {
	release chan struct{}
	entered chan struct{}
}

func (h *hangingStore) LoadBoard(context.Context, string) ([]Command, error) { return nil, nil }

func (h *hangingStore) SaveBoard(ctx context.Context, _ string, _ []Command) error {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBoard_SavesInBackgroundAndClear(t *testing.T) {
	store := &memStore{}
	b := NewBoard(Options{BoardID: "lesson", Store: store})
	ctx := context.Background()
	defer b.Close(ctx)

	if err := b.Apply(Rect{X: 1, Y: 1, W: 10, H: 10}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := b.Apply(Text{X: 5, Y: 5, Text: "hi"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(store.get("lesson")) != 2 {
		t.Fatalf("saved=%d, want 2", len(store.get("lesson")))
	}
	if err := b.Apply(Clear{}); err != nil {
		t.Fatalf("Apply clear: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(b.Commands()) != 0 || len(store.get("lesson")) != 0 {
		t.Fatalf("clear did not empty board/store")
	}
	if b.Version() != 3 {
		t.Fatalf("version=%d, want 3", b.Version())
	}
}

func TestBoard_PersistFailureStillDraws(t *testing.T) {
	b := NewBoard(Options{Store: &memStore{err: errors.New("disk full")}})
	defer b.Close(context.Background())
	if err := b.Apply(Line{X1: 0, Y1: 0, X2: 10, Y2: 10}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := b.Flush(context.Background()); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Flush err=%v, want persist error", err)
	}
	if len(b.Commands()) != 1 {
		t.Fatalf("command lost on persist failure")
	}
}

func TestBoard_ApplyDoesNotWaitForStore(t *testing.T) {
	store := &hangingStore{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	defer close(store.release)
	b := NewBoard(Options{Store: store, SaveTimeout: time.Minute})

	if err := b.Apply(Clear{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatalf("save never started")
	}

	applied := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Apply(Line{X1: float64(i), Y1: 0, X2: 10, Y2: 10})
		}
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(time.Second):
		t.Fatalf("Apply blocked behind a hung store")
	}
	if len(b.Commands()) != 10 {
		t.Fatalf("commands=%d, want 10", len(b.Commands()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush err=%v, want deadline", err)
	}
}

func TestBoard_SaveTimeoutReleasesWriter(t *testing.T) {
	store := &hangingStore{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	defer close(store.release)
	b := NewBoard(Options{Store: store, SaveTimeout: 10 * time.Millisecond})

	_ = b.Apply(Text{X: 1, Y: 1, Text: "x"})
	if err := b.Flush(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush err=%v, want save deadline", err)
	}
	closed := make(chan error, 1)
	go func() { closed <- b.Close(context.Background()) }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("writer still stuck after its save deadline")
	}
}

func TestBoard_CoalescesSaves(t *testing.T) {
	store := &memStore{}
	b := NewBoard(Options{Store: store})
	for i := 0; i < 50; i++ {
		_ = b.Apply(Line{X1: float64(i), Y1: 0, X2: 10, Y2: 10})
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	if saves == 0 || saves > 50 {
		t.Fatalf("saves=%d", saves)
	}
	if got := len(store.get("default")); got != 50 {
		t.Fatalf("persisted=%d, want 50", got)
	}
}

func TestBoard_RestoreFromFileStore(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	first := NewBoard(Options{BoardID: "b1", Store: fs})
	_ = first.Apply(Circle{X: 50, Y: 50, R: 10, Color: "blue"})
	_ = first.Apply(Text{X: 10, Y: 10, Text: "atom"})
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := NewBoard(Options{BoardID: "b1", Store: fs})
	defer second.Close(ctx)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := second.Commands()
	if len(got) != 2 {
		t.Fatalf("restored %d commands, want 2", len(got))
	}
	if c, ok := got[0].(Circle); !ok || c.Color != "blue" {
		t.Fatalf("restored[0]=%#v", got[0])
	}
}

func TestBoard_SnapshotRendersStrokes(t *testing.T) {
	b := NewBoard(Options{Width: 200, Height: 100})
	_ = b.Apply(Line{X1: 0, Y1: 50, X2: 100, Y2: 50, Color: "red"})

	data, err := b.Snapshot(FormatPNG)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 100 {
		t.Fatalf("bounds=%v", img.Bounds())
	}
	r, g, bl, _ := img.At(100, 50).RGBA()
	want := ParseColor("red")
	if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(bl>>8) != want.B {
		t.Fatalf("pixel at midline=%v, want red", img.At(100, 50))
	}
	if c := color.RGBAModel.Convert(img.At(100, 10)).(color.RGBA); c != (color.RGBA{255, 255, 255, 255}) {
		t.Fatalf("background pixel=%v, want white", c)
	}

	if _, err := b.Snapshot(FormatJPEG); err != nil {
		t.Fatalf("jpeg snapshot: %v", err)
	}
}

func TestParseColor(t *testing.T) {
	if got := ParseColor("#ff8000"); got != (color.RGBA{255, 128, 0, 255}) {
		t.Fatalf("hex=%v", got)
	}
	if got := ParseColor("#0f0"); got != (color.RGBA{0, 255, 0, 255}) {
		t.Fatalf("short hex=%v", got)
	}
	if got := ParseColor("chartreuse-ish"); got != (color.RGBA{0, 0, 0, 255}) {
		t.Fatalf("fallback=%v", got)
	}
}
