package thread

import (
	"fmt"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

type InteractionKind string

const (
	InteractionResponse InteractionKind = "response"
	InteractionError    InteractionKind = "error"
	InteractionCommand  InteractionKind = "command"
)

func ParseInteractionKind(raw string) (InteractionKind, error) {
	switch kind := InteractionKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case InteractionResponse, InteractionError, InteractionCommand:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown interaction kind %q", raw)
	}
}

// Session groups the threads a user works in and keeps what they asked
// and what came back. Requests and Interactions only ever grow.
type Session struct {
	SessionID      string            `json:"session_id"`
	Title          string            `json:"title"`
	Status         SessionStatus     `json:"status"`
	ThreadIDs      []string          `json:"thread_ids"`
	ActiveThreadID string            `json:"active_thread_id,omitempty"`
	Requests       []UserRequest     `json:"requests"`
	Interactions   []UserInteraction `json:"interactions"`
	Metadata       map[string]any    `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type UserRequest struct {
	RequestID string    `json:"request_id"`
	ThreadID  string    `json:"thread_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type UserInteraction struct {
	InteractionID string          `json:"interaction_id"`
	RequestID     string          `json:"request_id,omitempty"`
	ThreadID      string          `json:"thread_id"`
	Kind          InteractionKind `json:"kind"`
	Content       string          `json:"content"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s Session) Clone() Session {
	out := s
	out.ThreadIDs = append([]string(nil), s.ThreadIDs...)
	out.Requests = append([]UserRequest(nil), s.Requests...)
	out.Interactions = append([]UserInteraction(nil), s.Interactions...)
	out.Metadata = CopyMap(s.Metadata)
	return out
}

func (s Session) HasThread(threadID string) bool {
	for _, id := range s.ThreadIDs {
		if id == threadID {
			return true
		}
	}
	return false
}

func (s Session) IsClosed() bool {
	return s.Status == SessionClosed
}
