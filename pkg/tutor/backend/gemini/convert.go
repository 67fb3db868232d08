package gemini

import (
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
)

// Events flattens one server message into session events in the order a
// client must apply them: tool traffic, transcriptions, audio, then the
// interruption and turn markers.
func Events(msg *genai.LiveServerMessage) []live.Event {
	if msg == nil {
		return nil
	}
	var out []live.Event
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			out = append(out, live.ToolCallEvent{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if msg.ToolCallCancellation != nil && len(msg.ToolCallCancellation.IDs) > 0 {
		out = append(out, live.ToolCancelEvent{IDs: append([]string(nil), msg.ToolCallCancellation.IDs...)})
	}
	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			out = append(out, live.TranscriptionEvent{Role: live.RoleUser, Text: t.Text})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			out = append(out, live.TranscriptionEvent{Role: live.RoleModel, Text: t.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				out = append(out, live.AudioEvent{
					Data:       part.InlineData.Data,
					SampleRate: sampleRateFromMIME(part.InlineData.MIMEType, live.OutputSampleRate),
					Channels:   1,
				})
			}
		}
		if sc.Interrupted {
			out = append(out, live.InterruptedEvent{})
		}
		if sc.TurnComplete {
			out = append(out, live.TurnCompleteEvent{})
		}
	}
	if msg.GoAway != nil {
		reason := "server going away"
		if msg.GoAway.TimeLeft > 0 {
			reason += " in " + msg.GoAway.TimeLeft.String()
		}
		out = append(out, live.GoAwayEvent{Reason: reason})
	}
	return out
}

// sampleRateFromMIME reads the rate parameter of e.g. "audio/pcm;rate=24000".
func sampleRateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func pcmMIME(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// FunctionDeclarations converts the tutor tool set to genai declarations.
func FunctionDeclarations(decls []tools.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema(d.Parameters),
		})
	}
	return out
}

func schema(s *tools.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        schemaType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = schema(p)
		}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "object":
		return genai.TypeObject
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}

func functionResponses(results []live.ToolResult) []*genai.FunctionResponse {
	out := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		resp := r.Response
		if resp == nil {
			resp = map[string]any{"output": "ok"}
		}
		out = append(out, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: resp})
	}
	return out
}
