// Package whiteboard is the drawing surface the tutor writes to. Commands use
// percentage coordinates (0-100) of the board; the board maps them to pixels.
package whiteboard

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind string

const (
	KindRect   Kind = "rect"
	KindCircle Kind = "circle"
	KindLine   Kind = "line"
	KindText   Kind = "text"
	KindClear  Kind = "clear"
)

// Command is one programmatic draw operation.
type Command interface {
	Kind() Kind
}

type Rect struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Color string  `json:"color,omitempty"`
}

type Circle struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	R     float64 `json:"r"`
	Color string  `json:"color,omitempty"`
}

type Line struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Color string  `json:"color,omitempty"`
}

type Text struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Text  string  `json:"text"`
	Color string  `json:"color,omitempty"`
}

type Clear struct{}

func (Rect) Kind() Kind   { return KindRect }
func (Circle) Kind() Kind { return KindCircle }
func (Line) Kind() Kind   { return KindLine }
func (Text) Kind() Kind   { return KindText }
func (Clear) Kind() Kind  { return KindClear }

// ParseCommand builds a Command from a tool action and its parameters.
// Numbers may arrive as JSON numbers or numeric strings. Coordinates are
// clamped into [0, 100].
func ParseCommand(action string, params map[string]any) (Command, error) {
	p := paramReader{params: params}
	switch Kind(strings.ToLower(strings.TrimSpace(action))) {
	case KindRect:
		cmd := Rect{
			X:     p.coord("x"),
			Y:     p.coord("y"),
			W:     p.coord("width", "w"),
			H:     p.coord("height", "h"),
			Color: p.str("color"),
		}
		return p.result(cmd)
	case KindCircle:
		cmd := Circle{
			X:     p.coord("x", "cx"),
			Y:     p.coord("y", "cy"),
			R:     p.coord("radius", "r"),
			Color: p.str("color"),
		}
		return p.result(cmd)
	case KindLine:
		cmd := Line{
			X1:    p.coord("x1"),
			Y1:    p.coord("y1"),
			X2:    p.coord("x2"),
			Y2:    p.coord("y2"),
			Color: p.str("color"),
		}
		return p.result(cmd)
	case KindText:
		cmd := Text{
			X:     p.coord("x"),
			Y:     p.coord("y"),
			Text:  p.str("text", "content", "label"),
			Color: p.str("color"),
		}
		if p.err == nil && strings.TrimSpace(cmd.Text) == "" {
			p.err = fmt.Errorf("text must not be empty")
		}
		return p.result(cmd)
	case KindClear:
		return Clear{}, nil
	default:
		return nil, fmt.Errorf("unknown draw action %q", action)
	}
}

type paramReader struct {
	params map[string]any
	err    error
}

func (p *paramReader) result(cmd Command) (Command, error) {
	if p.err != nil {
		return nil, p.err
	}
	return cmd, nil
}

func (p *paramReader) lookup(keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := p.params[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, keys[0], false
}

func (p *paramReader) coord(keys ...string) float64 {
	if p.err != nil {
		return 0
	}
	raw, key, ok := p.lookup(keys...)
	if !ok {
		p.err = fmt.Errorf("missing parameter %q", key)
		return 0
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			p.err = fmt.Errorf("parameter %q: %w", key, err)
			return 0
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		if err != nil {
			p.err = fmt.Errorf("parameter %q is not a number", key)
			return 0
		}
		v = f
	default:
		p.err = fmt.Errorf("parameter %q has type %T, want number", key, raw)
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		p.err = fmt.Errorf("parameter %q is not finite", key)
		return 0
	}
	return math.Min(100, math.Max(0, v))
}

func (p *paramReader) str(keys ...string) string {
	raw, _, ok := p.lookup(keys...)
	if !ok {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalCommands encodes a command list for persistence.
func MarshalCommands(cmds []Command) ([]byte, error) {
	out := make([]envelope, 0, len(cmds))
	for _, c := range cmds {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", c.Kind(), err)
		}
		out = append(out, envelope{Kind: c.Kind(), Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalCommands decodes a list written by MarshalCommands.
func UnmarshalCommands(data []byte) ([]Command, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var in []envelope
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	cmds := make([]Command, 0, len(in))
	for i, e := range in {
		var (
			cmd Command
			err error
		)
		switch e.Kind {
		case KindRect:
			var c Rect
			err = json.Unmarshal(e.Data, &c)
			cmd = c
		case KindCircle:
			var c Circle
			err = json.Unmarshal(e.Data, &c)
			cmd = c
		case KindLine:
			var c Line
			err = json.Unmarshal(e.Data, &c)
			cmd = c
		case KindText:
			var c Text
			err = json.Unmarshal(e.Data, &c)
			cmd = c
		case KindClear:
			cmd = Clear{}
		default:
			err = fmt.Errorf("unknown kind %q", e.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("decode command %d: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}
