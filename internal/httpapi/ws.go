package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/engine"
	"github.com/ent0n29/chatsession/internal/protocol"
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	eng, err := s.sessions.Engine(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.IncSessionEvent("ws_connected")
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case outbound <- msg:
			return true
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.IncWSMessage("dropped", string(t))
			}
			return false
		}
	}

	dev := newBridge(sessionID, send)
	detach := eng.Attach(engine.Devices{Recognizer: dev, Synthesizer: dev, Surface: dev})
	updates, unsubscribe := eng.Subscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-outbound:
			case u := <-updates:
				msg = updateMessage(sessionID, u)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.IncWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(errorEvent(sessionID, "invalid_client_message", err))
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.IncWSMessage("inbound", string(t))
		}
		_ = s.sessions.Touch(sessionID)
		if errEv, failed := handleClientMessage(ctx, logger, eng, dev, sessionID, parsed); failed {
			send(errEv)
		}
	}

	cancel()
	unsubscribe()
	detach()
	dev.shutdown()
	<-writerDone
	s.metrics.IncSessionEvent("ws_disconnected")
}

func handleClientMessage(ctx context.Context, logger zerolog.Logger, eng *engine.Engine, dev *bridge, sessionID string, msg any) (protocol.ErrorEvent, bool) {
	switch m := msg.(type) {
	case protocol.SendText:
		if _, err := eng.Submit(ctx, m.Text); err != nil {
			return errorEvent(sessionID, "dispatch_rejected", err), true
		}
	case protocol.QuickReply:
		if _, err := eng.QuickReply(ctx, content.QuickReply{Title: m.Title, Value: m.Value}); err != nil {
			return errorEvent(sessionID, "dispatch_rejected", err), true
		}
	case protocol.VoiceControl:
		switch m.Type {
		case protocol.TypeVoiceToggle:
			if err := eng.ToggleVoice(ctx); err != nil {
				return errorEvent(sessionID, "voice_unavailable", err), true
			}
		case protocol.TypeVoiceStop:
			eng.StopVoice(ctx)
		case protocol.TypeVoiceCancel:
			eng.CancelVoice(ctx)
		}
	case protocol.STTEvent:
		if !dev.deliver(m) {
			logger.Debug().Str("event", m.Event).Msg("recognizer event without active recording dropped")
		}
	case protocol.SurfaceVisibility:
		eng.SurfaceVisibility(ctx, m.Open)
	}
	return protocol.ErrorEvent{}, false
}

func updateMessage(sessionID string, u engine.Update) any {
	if u.Kind == engine.UpdateVoiceState {
		return protocol.VoiceState{
			Type:      protocol.TypeVoiceState,
			SessionID: sessionID,
			State:     string(u.VoiceState),
			Hints:     u.Hints,
		}
	}
	return protocol.Transcript{
		Type:      protocol.TypeTranscript,
		SessionID: sessionID,
		Messages:  u.Messages,
		Composing: u.Composing,
	}
}

func errorEvent(sessionID, code string, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    err.Error(),
	}
}
