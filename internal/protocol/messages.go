package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/chatsession/internal/chatlog"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSendText          MessageType = "send_text"
	TypeQuickReply        MessageType = "quick_reply"
	TypeVoiceToggle       MessageType = "voice_toggle"
	TypeVoiceStop         MessageType = "voice_stop"
	TypeVoiceCancel       MessageType = "voice_cancel"
	TypeSTTEvent          MessageType = "stt_event"
	TypeSurfaceVisibility MessageType = "surface_visibility"

	TypeTranscript        MessageType = "transcript"
	TypeVoiceState        MessageType = "voice_state"
	TypeRecognizerCommand MessageType = "recognizer_command"
	TypeSurfaceCommand    MessageType = "surface_command"
	TypeSpeak             MessageType = "speak"
	TypeErrorEvent        MessageType = "error_event"
)

// Recognizer event names carried by stt_event.
const (
	STTStart   = "start"
	STTEnd     = "end"
	STTPartial = "partial"
	STTError   = "error"
)

// Commands carried by recognizer_command and surface_command.
const (
	CommandStart = "start"
	CommandStop  = "stop"
	CommandOpen  = "open"
	CommandClose = "close"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SendText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type QuickReply struct {
	Type  MessageType `json:"type"`
	Title string      `json:"title"`
	Value string      `json:"value"`
}

// VoiceControl covers voice_toggle, voice_stop and voice_cancel.
type VoiceControl struct {
	Type MessageType `json:"type"`
}

type STTEvent struct {
	Type   MessageType `json:"type"`
	Event  string      `json:"event"`
	Text   string      `json:"text,omitempty"`
	Code   string      `json:"code,omitempty"`
	Detail string      `json:"detail,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

type SurfaceVisibility struct {
	Type MessageType `json:"type"`
	Open bool        `json:"open"`
}

type Transcript struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Messages  []chatlog.Message `json:"messages"`
	Composing bool              `json:"composing"`
}

type VoiceState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Hints     []string    `json:"hints,omitempty"`
}

type RecognizerCommand struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Command   string      `json:"command"`
	Locale    string      `json:"locale,omitempty"`
}

type SurfaceCommand struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Command   string      `json:"command"`
}

type Speak struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Locale    string      `json:"locale"`
	Rate      float64     `json:"rate"`
	Pitch     float64     `json:"pitch"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSendText:
		var msg SendText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid send_text")
		}
		return msg, nil
	case TypeQuickReply:
		var msg QuickReply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Title) == "" {
			return nil, errors.New("invalid quick_reply")
		}
		return msg, nil
	case TypeVoiceToggle, TypeVoiceStop, TypeVoiceCancel:
		return VoiceControl{Type: env.Type}, nil
	case TypeSTTEvent:
		var msg STTEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Event {
		case STTStart, STTEnd, STTPartial, STTError:
		default:
			return nil, fmt.Errorf("invalid stt_event %q", msg.Event)
		}
		return msg, nil
	case TypeSurfaceVisibility:
		var msg SurfaceVisibility
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the type of a parsed or outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case SendText:
		return m.Type, true
	case QuickReply:
		return m.Type, true
	case VoiceControl:
		return m.Type, true
	case STTEvent:
		return m.Type, true
	case SurfaceVisibility:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case VoiceState:
		return m.Type, true
	case RecognizerCommand:
		return m.Type, true
	case SurfaceCommand:
		return m.Type, true
	case Speak:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
