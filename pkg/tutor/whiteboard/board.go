package whiteboard

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	defaultWidth       = 960
	defaultHeight      = 540
	strokeWidth        = 3
	DefaultSaveTimeout = 5 * time.Second
)

// Store persists the board between runs. Save receives the full command list
// since the last Clear.
type Store interface {
	LoadBoard(ctx context.Context, boardID string) ([]Command, error)
	SaveBoard(ctx context.Context, boardID string, cmds []Command) error
}

type Options struct {
	BoardID string
	Width   int
	Height  int
	Store   Store
	// SaveTimeout bounds each store write. Defaults to DefaultSaveTimeout.
	SaveTimeout time.Duration
	Logger      *slog.Logger
}

// Board accumulates draw commands and rasterizes them on demand. Writes come
// only from the tool dispatcher; reads (snapshots, listings) may come from
// anywhere. With a Store attached, a single writer goroutine persists the
// latest state; saves coalesce while one is in progress.
type Board struct {
	id          string
	width       int
	height      int
	store       Store
	saveTimeout time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	cmds    []Command
	version uint64
	saved   uint64
	saveErr error
	savedCh chan struct{}

	dirty      chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func NewBoard(opts Options) *Board {
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = defaultHeight
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if strings.TrimSpace(opts.BoardID) == "" {
		opts.BoardID = "default"
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	b := &Board{
		id:          opts.BoardID,
		width:       opts.Width,
		height:      opts.Height,
		store:       opts.Store,
		saveTimeout: opts.SaveTimeout,
		logger:      opts.Logger,
		savedCh:     make(chan struct{}),
		dirty:       make(chan struct{}, 1),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	if b.store != nil {
		go b.writeLoop()
	} else {
		close(b.writerDone)
	}
	return b
}

func (b *Board) ID() string { return b.id }

// Restore loads persisted commands. Call once at startup.
func (b *Board) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	cmds, err := b.store.LoadBoard(ctx, b.id)
	if err != nil {
		return fmt.Errorf("restore board %s: %w", b.id, err)
	}
	b.mu.Lock()
	b.cmds = compact(cmds)
	b.version++
	b.saved = b.version
	b.mu.Unlock()
	b.logger.Info("whiteboard restored", "board_id", b.id, "commands", len(cmds))
	return nil
}

// Apply draws cmd and schedules a save. It never waits on the store.
func (b *Board) Apply(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("nil command")
	}
	b.mu.Lock()
	if cmd.Kind() == KindClear {
		b.cmds = nil
	} else {
		b.cmds = append(b.cmds, cmd)
	}
	b.version++
	b.mu.Unlock()

	if b.store != nil {
		select {
		case b.dirty <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Board) writeLoop() {
	defer close(b.writerDone)
	for {
		select {
		case <-b.dirty:
			b.persist()
		case <-b.closing:
			b.persist()
			return
		}
	}
}

// persist saves the current state if it is newer than the last save.
func (b *Board) persist() {
	b.mu.RLock()
	version, saved := b.version, b.saved
	cmds := append([]Command(nil), b.cmds...)
	b.mu.RUnlock()
	if version == saved {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.saveTimeout)
	err := b.store.SaveBoard(ctx, b.id, cmds)
	cancel()
	if err != nil {
		err = fmt.Errorf("persist board %s: %w", b.id, err)
		b.logger.Warn("whiteboard persist failed", "board_id", b.id, "version", version, "error", err)
	}

	b.mu.Lock()
	b.saved = version
	b.saveErr = err
	notify := b.savedCh
	b.savedCh = make(chan struct{})
	b.mu.Unlock()
	close(notify)
}

// Flush waits until everything applied before the call has been saved and
// returns the outcome of the latest save.
func (b *Board) Flush(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	b.mu.RLock()
	target := b.version
	b.mu.RUnlock()
	for {
		b.mu.RLock()
		saved, err, ch := b.saved, b.saveErr, b.savedCh
		b.mu.RUnlock()
		if saved >= target {
			return err
		}
		select {
		case <-ch:
		case <-b.writerDone:
			b.mu.RLock()
			saved, err = b.saved, b.saveErr
			b.mu.RUnlock()
			if saved >= target {
				return err
			}
			return fmt.Errorf("board %s closed with unsaved changes", b.id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close performs a final save and stops the writer. Later Applies still
// draw but are no longer persisted.
func (b *Board) Close(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.closing) })
	select {
	case <-b.writerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.saveErr
}

// Commands returns the commands drawn since the last Clear.
func (b *Board) Commands() []Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Command(nil), b.cmds...)
}

// Version increments on every mutation.
func (b *Board) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func compact(cmds []Command) []Command {
	last := -1
	for i, c := range cmds {
		if c != nil && c.Kind() == KindClear {
			last = i
		}
	}
	out := make([]Command, 0, len(cmds)-last-1)
	for _, c := range cmds[last+1:] {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

type Format string

const (
	FormatPNG  Format = "image/png"
	FormatJPEG Format = "image/jpeg"
)

// Snapshot renders the board and encodes it.
func (b *Board) Snapshot(format Format) ([]byte, error) {
	img := b.Render()
	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG, "":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}
	return buf.Bytes(), nil
}

// Render rasterizes the current commands onto a white canvas.
func (b *Board) Render() *image.RGBA {
	cmds := b.Commands()
	img := image.NewRGBA(image.Rect(0, 0, b.width, b.height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	for _, c := range cmds {
		b.rasterize(img, c)
	}
	return img
}

func (b *Board) px(pct float64) int { return int(math.Round(pct * float64(b.width) / 100)) }
func (b *Board) py(pct float64) int { return int(math.Round(pct * float64(b.height) / 100)) }

func (b *Board) rasterize(img *image.RGBA, c Command) {
	switch cmd := c.(type) {
	case Rect:
		col := ParseColor(cmd.Color)
		x0, y0 := b.px(cmd.X), b.py(cmd.Y)
		x1, y1 := b.px(cmd.X+cmd.W), b.py(cmd.Y+cmd.H)
		strokeLine(img, x0, y0, x1, y0, col)
		strokeLine(img, x1, y0, x1, y1, col)
		strokeLine(img, x1, y1, x0, y1, col)
		strokeLine(img, x0, y1, x0, y0, col)
	case Circle:
		col := ParseColor(cmd.Color)
		cx, cy := b.px(cmd.X), b.py(cmd.Y)
		// Radius is a percentage of the board width.
		r := float64(b.px(cmd.R))
		steps := int(math.Max(24, 2*math.Pi*r/2))
		for i := 0; i < steps; i++ {
			a0 := 2 * math.Pi * float64(i) / float64(steps)
			a1 := 2 * math.Pi * float64(i+1) / float64(steps)
			strokeLine(img,
				cx+int(math.Round(r*math.Cos(a0))), cy+int(math.Round(r*math.Sin(a0))),
				cx+int(math.Round(r*math.Cos(a1))), cy+int(math.Round(r*math.Sin(a1))),
				col)
		}
	case Line:
		strokeLine(img, b.px(cmd.X1), b.py(cmd.Y1), b.px(cmd.X2), b.py(cmd.Y2), ParseColor(cmd.Color))
	case Text:
		d := font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(ParseColor(cmd.Color)),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(b.px(cmd.X), b.py(cmd.Y)+basicfont.Face7x13.Ascent),
		}
		d.DrawString(cmd.Text)
	}
}

// strokeLine draws a thick line with Bresenham's algorithm.
func strokeLine(img *image.RGBA, x0, y0, x1, y1 int, col color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		dot(img, x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func dot(img *image.RGBA, x, y int, col color.Color) {
	half := strokeWidth / 2
	for oy := -half; oy <= half; oy++ {
		for ox := -half; ox <= half; ox++ {
			if (image.Point{X: x + ox, Y: y + oy}).In(img.Rect) {
				img.Set(x+ox, y+oy, col)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

var namedColors = map[string]color.RGBA{
	"black":  {0, 0, 0, 255},
	"white":  {255, 255, 255, 255},
	"red":    {220, 38, 38, 255},
	"green":  {22, 163, 74, 255},
	"blue":   {37, 99, 235, 255},
	"yellow": {234, 179, 8, 255},
	"orange": {249, 115, 22, 255},
	"purple": {147, 51, 234, 255},
	"pink":   {236, 72, 153, 255},
	"gray":   {107, 114, 128, 255},
	"grey":   {107, 114, 128, 255},
	"brown":  {146, 64, 14, 255},
}

// ParseColor accepts CSS-style names and #rgb / #rrggbb hex. Anything else is
// black.
func ParseColor(s string) color.RGBA {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return namedColors["black"]
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return namedColors["black"]
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
