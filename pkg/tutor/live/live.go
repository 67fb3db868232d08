// Package live holds the backend-neutral vocabulary shared by the tutoring
// session: inbound events, tool results, session configuration, and the error
// taxonomy. Transports translate their wire formats into these types.
package live

import (
	"fmt"
	"strings"
)

const (
	// InputSampleRate is the capture rate the backends expect (mono PCM16).
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized speech (mono PCM16).
	OutputSampleRate = 24000
)

type GradeLevel string

const (
	GradeElementary GradeLevel = "elementary"
	GradeMiddle     GradeLevel = "middle"
	GradeHigh       GradeLevel = "high"
	GradeUniversity GradeLevel = "university"
)

type Subject string

const (
	SubjectMath      Subject = "math"
	SubjectScience   Subject = "science"
	SubjectLanguage  Subject = "language"
	SubjectHistory   Subject = "history"
	SubjectGeography Subject = "geography"
	SubjectArt       Subject = "art"
)

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	Level GradeLevel `json:"level"`
	Topic Subject    `json:"topic"`
}

func (c SessionConfig) Validate() error {
	switch c.Level {
	case GradeElementary, GradeMiddle, GradeHigh, GradeUniversity:
	default:
		return fmt.Errorf("unknown grade level %q", c.Level)
	}
	if strings.TrimSpace(string(c.Topic)) == "" {
		return fmt.Errorf("topic must not be empty")
	}
	return nil
}

// SystemInstruction renders the tutor persona for the configured level and topic.
func (c SessionConfig) SystemInstruction() string {
	var b strings.Builder
	b.WriteString("You are a friendly, patient voice tutor. ")
	fmt.Fprintf(&b, "The student is at the %s level and wants to study %s. ", c.Level, c.Topic)
	b.WriteString("Keep spoken answers short and conversational, check understanding often, and ask one question at a time. ")
	b.WriteString("Use draw_on_whiteboard to sketch diagrams with coordinates given as percentages (0-100) of the board. ")
	b.WriteString("Use show_learning_material to present a concise card when a concept deserves a written summary; ")
	b.WriteString("include an imagePrompt when an illustration would help. ")
	b.WriteString("You receive periodic snapshots of the whiteboard; refer to what the student has drawn when relevant.")
	return b.String()
}

// Greeting is the synthetic first user turn that makes the tutor speak first.
func (c SessionConfig) Greeting() string {
	return fmt.Sprintf("Hello! I'm ready to start our %s lesson. Please greet me and suggest where to begin.", c.Topic)
}
