// Package types defines the transcript types shared by the voice adapters,
// the session runtime and the persistence layers.
//
// They live here to avoid circular imports between pkg/voice and the internal
// packages that consume its events.
package types

import (
	"strings"
	"time"
)

// Role identifies who produced a transcript line.
type Role string

const (
	// RoleExaminer is the remote voice model acting as the IELTS examiner.
	RoleExaminer Role = "examiner"

	// RoleUser is the candidate speaking into the microphone.
	RoleUser Role = "user"

	// RoleSystem marks instructions injected by the runtime itself, such as the
	// wind-down prompt. System lines are never part of a graded transcript.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleExaminer, RoleUser, RoleSystem:
		return true
	}
	return false
}

// Message is one finalized transcript line.
//
// Timestamp is serialised as an RFC 3339 string by encoding/json.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the ordered, append-only list of messages of one session.
type Transcript []Message

// Count returns the number of messages with the given role. An empty role
// counts every message.
func (t Transcript) Count(role Role) int {
	if role == "" {
		return len(t)
	}
	n := 0
	for _, m := range t {
		if m.Role == role {
			n++
		}
	}
	return n
}

// Text renders the transcript as "role: content" lines, oldest first.
func (t Transcript) Text() string {
	var b strings.Builder
	for i, m := range t {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Clone returns a copy of t that shares no backing array with it.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}
