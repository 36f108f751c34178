package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/completion"
	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/dispatch"
	"github.com/ent0n29/chatsession/internal/kvstore"
	"github.com/ent0n29/chatsession/internal/voice"
)

func newTestEngine(t *testing.T, kv kvstore.Store) *Engine {
	t.Helper()
	e, err := New(context.Background(), Config{
		InstallationID: "device-1",
		StoreKey:       StoreKey("messageGroups", "device-1"),
		KV:             kv,
		Window:         chatlog.Window{Days: chatlog.DefaultRetentionDays, Location: time.UTC},
		Content:        content.Default(),
		Completion:     completion.NewMockClient(),
		Speech:         dispatch.SpeechSettings{Locale: "ko-KR", Rate: 0.52, Pitch: 1.0},
		Timeouts:       voice.Timeouts{NoSpeech: 60 * time.Millisecond, Continuation: 30 * time.Millisecond},
		QueueSize:      4,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

type mockDevices struct {
	recognizer *voice.MockRecognizer
	speaker    *voice.MockSynthesizer
	surface    *voice.MockSurface
}

func attachMocks(e *Engine) (*mockDevices, func()) {
	m := &mockDevices{
		recognizer: voice.NewMockRecognizer(),
		speaker:    voice.NewMockSynthesizer(),
		surface:    voice.NewMockSurface(),
	}
	detach := e.Attach(Devices{Recognizer: m.recognizer, Synthesizer: m.speaker, Surface: m.surface})
	return m, detach
}

func hasMessage(e *Engine, sender chatlog.Sender, text string) bool {
	for _, m := range e.Transcript() {
		if m.Sender == sender && m.Text == text {
			return true
		}
	}
	return false
}

func TestStoreKey(t *testing.T) {
	require.Equal(t, "messageGroups", StoreKey("messageGroups", ""))
	require.Equal(t, "messageGroups", StoreKey("messageGroups", "default"))
	require.Equal(t, "messageGroups:abc", StoreKey("messageGroups", " abc "))
}

func TestNewEngineStartsWithWelcome(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	transcript := e.Transcript()
	require.Len(t, transcript, 1)
	require.Len(t, transcript[0].QuickReplies, 7)
	require.False(t, e.Composing())
	require.Equal(t, voice.StateIdle, e.VoiceState())
}

func TestVoiceUtteranceIsDispatchedAndSpoken(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	devices, _ := attachMocks(e)

	require.NoError(t, e.ToggleVoice(context.Background()))
	require.Equal(t, voice.StateRecording, e.VoiceState())
	require.Equal(t, "ko-KR", devices.recognizer.Locale())
	require.True(t, devices.recognizer.Emit(voice.RecognizerEvent{Type: voice.RecognizerPartial, Text: "영양제 추천해줘"}))

	require.Eventually(t, func() bool {
		return hasMessage(e, chatlog.SenderBot, "I heard you: 영양제 추천해줘") && !e.Composing()
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, hasMessage(e, chatlog.SenderUser, "영양제 추천해줘"))
	require.Equal(t, voice.StateIdle, e.VoiceState())

	require.Eventually(t, func() bool { return len(devices.speaker.Spoken()) == 1 }, time.Second, 5*time.Millisecond)
	_, closes := devices.surface.Counts()
	require.Equal(t, 1, closes)
}

func TestSilentRecordingDispatchesNothing(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	attachMocks(e)

	require.NoError(t, e.StartVoice(context.Background()))
	require.Eventually(t, func() bool { return e.VoiceState() == voice.StateIdle }, time.Second, 5*time.Millisecond)
	require.Len(t, e.Transcript(), 1)
	require.False(t, e.Composing())
}

func TestCaptureFailureAppendsNotice(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	devices, _ := attachMocks(e)
	devices.recognizer.StartErr = errors.New("microphone permission denied")

	require.Error(t, e.StartVoice(context.Background()))
	require.Eventually(t, func() bool {
		return hasMessage(e, chatlog.SenderBot, content.Default().Notices.CaptureFailed)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, voice.StateIdle, e.VoiceState())
}

func TestStartVoiceWithoutDevice(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	err := e.StartVoice(context.Background())
	require.ErrorIs(t, err, ErrNoDevice)
}

func TestDetachCancelsRecording(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	devices, detach := attachMocks(e)

	require.NoError(t, e.StartVoice(context.Background()))
	devices.recognizer.Emit(voice.RecognizerEvent{Type: voice.RecognizerPartial, Text: "half"})
	detach()

	require.Equal(t, voice.StateIdle, e.VoiceState())
	time.Sleep(100 * time.Millisecond)
	require.Len(t, e.Transcript(), 1)
}

func TestSubscribeStreamsUpdates(t *testing.T) {
	e := newTestEngine(t, kvstore.NewInMemoryStore())
	updates, cancel := e.Subscribe()
	defer cancel()

	first := <-updates
	require.Equal(t, UpdateTranscript, first.Kind)
	require.Len(t, first.Messages, 1)
	second := <-updates
	require.Equal(t, UpdateVoiceState, second.Kind)
	require.Equal(t, voice.StateIdle, second.VoiceState)

	require.NoError(t, e.Send(context.Background(), "hello"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Kind == UpdateTranscript && len(u.Messages) == 3 && !u.Composing {
				require.Equal(t, "I heard you: hello", u.Messages[0].Text)
				return
			}
		case <-deadline:
			t.Fatal("no final transcript update")
		}
	}
}

func TestTranscriptSurvivesRestart(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	e := newTestEngine(t, kv)
	require.NoError(t, e.Send(context.Background(), "기억해줘"))
	require.NoError(t, e.Close(context.Background()))

	restarted := newTestEngine(t, kv)
	require.True(t, hasMessage(restarted, chatlog.SenderUser, "기억해줘"))
	require.Len(t, restarted.Transcript(), 3)
}
