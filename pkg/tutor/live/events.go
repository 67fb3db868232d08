package live

// Event is one inbound message from the streaming backend, already decoded
// from the transport's wire format.
type Event interface {
	liveEventType() string
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ToolCallEvent asks the client to run a named tool and acknowledge it by ID.
type ToolCallEvent struct {
	ID   string
	Name string
	Args map[string]any
}

func (ToolCallEvent) liveEventType() string { return "tool_call" }

// ToolCancelEvent withdraws previously issued tool calls.
type ToolCancelEvent struct {
	IDs []string
}

func (ToolCancelEvent) liveEventType() string { return "tool_cancel" }

// TranscriptionEvent carries a role-tagged transcription fragment.
type TranscriptionEvent struct {
	Role Role
	Text string
}

func (TranscriptionEvent) liveEventType() string { return "transcription" }

// TurnCompleteEvent marks a turn boundary.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) liveEventType() string { return "turn_complete" }

// AudioEvent carries raw PCM16 LE speech from the model.
type AudioEvent struct {
	Data       []byte
	SampleRate int
	Channels   int
}

func (AudioEvent) liveEventType() string { return "audio" }

// InterruptedEvent signals that the user barged in over the tutor.
type InterruptedEvent struct{}

func (InterruptedEvent) liveEventType() string { return "interrupted" }

// GoAwayEvent is an advisory that the backend will close the stream soon.
type GoAwayEvent struct {
	Reason string
}

func (GoAwayEvent) liveEventType() string { return "go_away" }

// EventType returns a stable name for logging and metrics.
func EventType(e Event) string {
	if e == nil {
		return ""
	}
	return e.liveEventType()
}

// ToolResult acknowledges exactly one ToolCallEvent.
type ToolResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`
}
