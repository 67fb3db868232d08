// Package material holds the single learning card the tutor can show, and
// patches in illustrations that arrive after the card is already visible.
package material

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
)

// Material is the visible learning card. A zero Material means nothing is
// shown.
type Material struct {
	ID                      string    `json:"id"`
	Title                   string    `json:"title"`
	Body                    string    `json:"body"`
	ImageURL                string    `json:"image_url,omitempty"`
	ImageGenerationInFlight bool      `json:"image_generation_in_flight"`
	ShownAt                 time.Time `json:"shown_at"`
}

func (m Material) Visible() bool { return m.ID != "" }

// ImageGenerator turns a prompt into an image reference (URL or data URI).
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Options struct {
	Generator ImageGenerator
	Timeout   time.Duration
	Logger    *slog.Logger
	// OnChange is called after every mutation with the new state, outside the lock.
	OnChange func(Material)
	// OnImage reports each finished generation attempt.
	OnImage func(d time.Duration, err error)
	Now     func() time.Time
}

// Presenter owns the current Material. Each Show bumps a generation token;
// late image results carrying an older token are dropped.
type Presenter struct {
	gen     ImageGenerator
	timeout time.Duration
	logger  *slog.Logger
	change  func(Material)
	onImage func(time.Duration, error)
	now     func() time.Time

	mu      sync.Mutex
	current Material
	token   uint64

	wg sync.WaitGroup
}

func NewPresenter(opts Options) *Presenter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Presenter{
		gen:     opts.Generator,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		change:  opts.OnChange,
		onImage: opts.OnImage,
		now:     opts.Now,
	}
}

// ShowRequest is the textual content of a card plus optional image inputs.
type ShowRequest struct {
	Title       string
	Body        string
	ImageURL    string
	ImagePrompt string
}

// Show replaces the current card immediately. When an image prompt is given
// and no URL, generation starts in the background under ctx; ctx cancellation
// abandons it.
func (p *Presenter) Show(ctx context.Context, req ShowRequest) Material {
	prompt := strings.TrimSpace(req.ImagePrompt)
	wantImage := prompt != "" && strings.TrimSpace(req.ImageURL) == "" && p.gen != nil

	p.mu.Lock()
	p.token++
	token := p.token
	p.current = Material{
		ID:                      uuid.NewString(),
		Title:                   strings.TrimSpace(req.Title),
		Body:                    strings.TrimSpace(req.Body),
		ImageURL:                strings.TrimSpace(req.ImageURL),
		ImageGenerationInFlight: wantImage,
		ShownAt:                 p.now(),
	}
	shown := p.current
	p.mu.Unlock()
	p.notify(shown)

	if wantImage {
		p.wg.Add(1)
		go p.generate(ctx, token, prompt)
	}
	return shown
}

// Hide removes the card and invalidates any pending image.
func (p *Presenter) Hide() {
	p.mu.Lock()
	p.token++
	p.current = Material{}
	p.mu.Unlock()
	p.notify(Material{})
}

// Current returns a copy of the visible card.
func (p *Presenter) Current() Material {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Wait blocks until in-flight generations have finished or been abandoned.
func (p *Presenter) Wait() {
	p.wg.Wait()
}

func (p *Presenter) generate(ctx context.Context, token uint64, prompt string) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := p.now()
	url, err := p.gen.Generate(ctx, prompt)
	if err == nil && strings.TrimSpace(url) == "" {
		err = errors.New("generator returned no image")
	}
	if err != nil {
		err = &live.ImageGenerationError{Prompt: prompt, Err: err}
	}
	if p.onImage != nil {
		p.onImage(p.now().Sub(started), err)
	}

	p.mu.Lock()
	if token != p.token {
		p.mu.Unlock()
		p.logger.Debug("dropping superseded image result", "token", token)
		return
	}
	if err != nil {
		p.current.ImageGenerationInFlight = false
	} else {
		p.current.ImageURL = url
		p.current.ImageGenerationInFlight = false
	}
	updated := p.current
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("image generation failed", "material_id", updated.ID, "error", err)
	}
	p.notify(updated)
}

func (p *Presenter) notify(m Material) {
	if p.change != nil {
		p.change(m)
	}
}
