package session

import (
	"time"

	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/voice"
)

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	InstallationID string `json:"installation_id"`
}

// CreateResponse returns session metadata together with the visible transcript.
type CreateResponse struct {
	SessionID       string            `json:"session_id"`
	InstallationID  string            `json:"installation_id"`
	Status          Status            `json:"status"`
	Resumed         bool              `json:"resumed"`
	StartedAt       time.Time         `json:"started_at"`
	LastActivityAt  time.Time         `json:"last_activity_at"`
	InactivityTTLMS int64             `json:"inactivity_ttl_ms"`
	Messages        []chatlog.Message `json:"messages"`
	Composing       bool              `json:"composing"`
	VoiceState      voice.State       `json:"voice_state"`
}
