package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/chatsession/internal/protocol"
	"github.com/ent0n29/chatsession/internal/voice"
)

var errBridgeClosed = errors.New("device bridge closed")

// bridge makes the connected client act as recognizer, synthesizer and
// capture surface. Commands go out as websocket messages and stt_event
// messages come back through deliver.
type bridge struct {
	sessionID string
	send      func(any) bool

	mu     sync.Mutex
	events chan voice.RecognizerEvent
	closed bool
}

func newBridge(sessionID string, send func(any) bool) *bridge {
	return &bridge{sessionID: sessionID, send: send}
}

func (b *bridge) Start(_ context.Context, locale string) (<-chan voice.RecognizerEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBridgeClosed
	}
	b.closeEventsLocked()
	if !b.send(protocol.RecognizerCommand{
		Type:      protocol.TypeRecognizerCommand,
		SessionID: b.sessionID,
		Command:   protocol.CommandStart,
		Locale:    locale,
	}) {
		return nil, errBridgeClosed
	}
	b.events = make(chan voice.RecognizerEvent, 64)
	return b.events, nil
}

func (b *bridge) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		return nil
	}
	b.closeEventsLocked()
	if !b.send(protocol.RecognizerCommand{
		Type:      protocol.TypeRecognizerCommand,
		SessionID: b.sessionID,
		Command:   protocol.CommandStop,
	}) {
		return errBridgeClosed
	}
	return nil
}

func (b *bridge) Speak(_ context.Context, u voice.Utterance) error {
	if !b.send(protocol.Speak{
		Type:      protocol.TypeSpeak,
		SessionID: b.sessionID,
		Text:      u.Text,
		Locale:    u.Locale,
		Rate:      u.Rate,
		Pitch:     u.Pitch,
	}) {
		return errBridgeClosed
	}
	return nil
}

func (b *bridge) Open(context.Context) error {
	return b.surface(protocol.CommandOpen)
}

func (b *bridge) Close(context.Context) error {
	return b.surface(protocol.CommandClose)
}

func (b *bridge) surface(command string) error {
	if !b.send(protocol.SurfaceCommand{
		Type:      protocol.TypeSurfaceCommand,
		SessionID: b.sessionID,
		Command:   command,
	}) {
		return errBridgeClosed
	}
	return nil
}

// deliver forwards a recognizer callback from the client. Events arriving
// while no recognition is running are dropped.
func (b *bridge) deliver(msg protocol.STTEvent) bool {
	ev := voice.RecognizerEvent{
		Type:      voice.RecognizerEventType(msg.Event),
		Text:      msg.Text,
		Code:      msg.Code,
		Detail:    msg.Detail,
		Timestamp: msg.TSMs,
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		return false
	}
	select {
	case b.events <- ev:
		return true
	default:
		return false
	}
}

func (b *bridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.closeEventsLocked()
}

func (b *bridge) closeEventsLocked() {
	if b.events != nil {
		close(b.events)
		b.events = nil
	}
}
