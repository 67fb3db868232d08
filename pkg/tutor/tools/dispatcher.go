// Package tools maps the tutor's remote tool invocations onto local effects
// and produces exactly one acknowledgment per invocation.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/material"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

const (
	DrawOnWhiteboard     = "draw_on_whiteboard"
	ShowLearningMaterial = "show_learning_material"

	maxRememberedCallIDs = 256
)

// Surface receives validated draw commands. Apply runs on the session loop
// and must not block on I/O.
type Surface interface {
	Apply(cmd whiteboard.Command) error
}

// MaterialDisplay shows and hides the learning card.
type MaterialDisplay interface {
	Show(ctx context.Context, req material.ShowRequest) material.Material
	Hide()
}

type Options struct {
	Board     Surface
	Materials MaterialDisplay
	Logger    *slog.Logger
	// OnDispatch observes every acknowledged call with its outcome
	// ("ok", "error", "panic", "unknown").
	OnDispatch func(tool, outcome string)
}

type Dispatcher struct {
	board      Surface
	materials  MaterialDisplay
	logger     *slog.Logger
	onDispatch func(tool, outcome string)

	mu       sync.Mutex
	acked    map[string]struct{}
	ackOrder []string
	inflight map[string]context.CancelFunc
	order    []string
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		board:      opts.Board,
		materials:  opts.Materials,
		logger:     opts.Logger,
		onDispatch: opts.OnDispatch,
		acked:      make(map[string]struct{}),
		inflight:   make(map[string]context.CancelFunc),
	}
}

// Dispatch runs call and returns its acknowledgment. ok is false only when
// the call ID was already acknowledged, in which case nothing runs and no
// second ack must be sent.
func (d *Dispatcher) Dispatch(ctx context.Context, call live.ToolCallEvent) (res live.ToolResult, ok bool) {
	if !d.claim(call.ID) {
		d.logger.Warn("duplicate tool call ignored", "tool", call.Name, "call_id", call.ID)
		return live.ToolResult{}, false
	}

	res = live.ToolResult{ID: call.ID, Name: call.Name}
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", "tool", call.Name, "call_id", call.ID, "panic", r)
			res.Response = map[string]any{"error": "internal error"}
			res.IsError = true
			ok = true
			outcome = "panic"
		}
		if d.onDispatch != nil {
			d.onDispatch(call.Name, outcome)
		}
	}()

	var err error
	switch call.Name {
	case DrawOnWhiteboard:
		res.Response, err = d.draw(call)
	case ShowLearningMaterial:
		res.Response, err = d.showMaterial(ctx, call)
	default:
		err = &live.ToolDispatchError{Tool: call.Name, Reason: "unknown tool"}
		outcome = "unknown"
	}
	if err != nil {
		d.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		res.Response = map[string]any{"error": err.Error()}
		res.IsError = true
		if outcome == "ok" {
			outcome = "error"
		}
	}
	return res, true
}

// Cancel abandons background work started by the given calls. Their
// acknowledgments have already been produced.
func (d *Dispatcher) Cancel(ids []string) int {
	d.mu.Lock()
	var cancels []context.CancelFunc
	for _, id := range ids {
		if cancel, ok := d.inflight[id]; ok {
			cancels = append(cancels, cancel)
			delete(d.inflight, id)
		}
	}
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Close cancels every outstanding background task.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.inflight))
	for id, cancel := range d.inflight {
		cancels = append(cancels, cancel)
		delete(d.inflight, id)
	}
	d.order = nil
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Dispatcher) claim(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.acked[id]; seen {
		return false
	}
	d.acked[id] = struct{}{}
	d.ackOrder = append(d.ackOrder, id)
	if len(d.ackOrder) > maxRememberedCallIDs {
		delete(d.acked, d.ackOrder[0])
		d.ackOrder = d.ackOrder[1:]
	}
	return true
}

func (d *Dispatcher) draw(call live.ToolCallEvent) (map[string]any, error) {
	if d.board == nil {
		return nil, &live.ToolDispatchError{Tool: call.Name, Reason: "no whiteboard attached"}
	}
	action := stringArg(call.Args, "action")
	params, _ := call.Args["params"].(map[string]any)
	if params == nil {
		// Some models flatten parameters next to the action.
		params = call.Args
	}
	cmd, err := whiteboard.ParseCommand(action, params)
	if err != nil {
		return nil, &live.ToolDispatchError{Tool: call.Name, Reason: err.Error()}
	}
	if err := d.board.Apply(cmd); err != nil {
		return nil, &live.ToolDispatchError{Tool: call.Name, Reason: err.Error()}
	}
	return map[string]any{"output": fmt.Sprintf("drew %s", cmd.Kind())}, nil
}

func (d *Dispatcher) showMaterial(ctx context.Context, call live.ToolCallEvent) (map[string]any, error) {
	if d.materials == nil {
		return nil, &live.ToolDispatchError{Tool: call.Name, Reason: "no material display attached"}
	}
	action := strings.ToLower(stringArg(call.Args, "action"))
	switch action {
	case "", "show":
		title := stringArg(call.Args, "title")
		content := stringArg(call.Args, "content")
		if title == "" && content == "" {
			return nil, &live.ToolDispatchError{Tool: call.Name, Reason: "title or content is required"}
		}
		genCtx := d.track(ctx, call.ID)
		shown := d.materials.Show(genCtx, material.ShowRequest{
			Title:       title,
			Body:        content,
			ImageURL:    stringArg(call.Args, "imageUrl", "image_url"),
			ImagePrompt: stringArg(call.Args, "imagePrompt", "image_prompt"),
		})
		out := map[string]any{"output": "material shown", "material_id": shown.ID}
		if shown.ImageGenerationInFlight {
			out["image"] = "generating"
		}
		return out, nil
	case "hide", "close", "clear":
		d.materials.Hide()
		return map[string]any{"output": "material hidden"}, nil
	default:
		return nil, &live.ToolDispatchError{Tool: call.Name, Reason: fmt.Sprintf("unknown action %q", action)}
	}
}

// track derives a cancellable context for background work tied to a call.
func (d *Dispatcher) track(parent context.Context, id string) context.Context {
	if id == "" {
		return parent
	}
	ctx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.inflight[id] = cancel
	d.order = append(d.order, id)
	var expired []context.CancelFunc
	for len(d.order) > maxRememberedCallIDs {
		old := d.order[0]
		d.order = d.order[1:]
		if c, ok := d.inflight[old]; ok {
			expired = append(expired, c)
			delete(d.inflight, old)
		}
	}
	d.mu.Unlock()
	for _, c := range expired {
		c()
	}
	return ctx
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ""
}
