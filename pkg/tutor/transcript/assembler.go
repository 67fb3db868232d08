// Package transcript rebuilds a turn-based conversation log from the
// incremental, role-tagged text fragments a live backend streams.
package transcript

import (
	"strings"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerTutor Speaker = "tutor"
)

// Turn is one finalized utterance. Turns are immutable once emitted.
type Turn struct {
	ID        int64     `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Assembler holds the pending per-speaker accumulators and the append-only
// log. It is safe for concurrent use.
type Assembler struct {
	now func() time.Time

	mu     sync.Mutex
	user   strings.Builder
	model  strings.Builder
	log    []Turn
	lastID int64
}

func NewAssembler(now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{now: now}
}

func (a *Assembler) AppendUserFragment(text string) {
	a.mu.Lock()
	a.user.WriteString(text)
	a.mu.Unlock()
}

func (a *Assembler) AppendModelFragment(text string) {
	a.mu.Lock()
	a.model.WriteString(text)
	a.mu.Unlock()
}

// FinalizeTurn emits the pending user turn then the pending tutor turn, each
// only if non-blank, appends them to the log and clears both accumulators.
// With nothing pending it returns nil.
func (a *Assembler) FinalizeTurn() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	userText := clean(a.user.String())
	modelText := clean(a.model.String())
	a.user.Reset()
	a.model.Reset()

	var out []Turn
	if userText != "" {
		out = append(out, a.emit(SpeakerUser, userText))
	}
	if modelText != "" {
		out = append(out, a.emit(SpeakerTutor, modelText))
	}
	a.log = append(a.log, out...)
	return out
}

func (a *Assembler) emit(speaker Speaker, text string) Turn {
	now := a.now()
	id := now.UnixMilli()
	if id <= a.lastID {
		id = a.lastID + 1
	}
	a.lastID = id
	return Turn{ID: id, Speaker: speaker, Text: text, CreatedAt: now}
}

func clean(s string) string {
	return strings.TrimSpace(NormalizeLogographic(s))
}

// Pending returns the normalized, not yet finalized text per speaker.
func (a *Assembler) Pending() (user, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clean(a.user.String()), clean(a.model.String())
}

// Turns returns a copy of the log.
func (a *Assembler) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn(nil), a.log...)
}

func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.log)
}
