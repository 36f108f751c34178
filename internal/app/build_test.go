package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatsession/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         "test_app",
		LogLevel:                 "error",
		StoreURL:                 "sqlite://" + filepath.Join(t.TempDir(), "chat.db"),
		StoreKey:                 "messageGroups",
		StoreSaveTimeout:         time.Second,
		RetentionDays:            2,
		CompletionMode:           "mock",
		CompletionTimeout:        time.Second,
		DispatchQueueSize:        4,
		VoiceNoSpeechTimeout:     7 * time.Second,
		VoiceContinuationTimeout: 2 * time.Second,
	}
}

func TestBuildWiresSQLiteAndMock(t *testing.T) {
	logger := zerolog.Nop()
	res, err := Build(context.Background(), testConfig(t), Options{Logger: &logger, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() {
		res.Sessions.CloseAll(context.Background())
		require.NoError(t, res.Cleanup())
	})

	require.Equal(t, "sqlite", res.StoreBackend)
	require.Equal(t, "mock", res.CompletionMode)

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildEngineTranscriptPersists(t *testing.T) {
	cfg := testConfig(t)
	logger := zerolog.Nop()

	res, err := Build(context.Background(), cfg, Options{Logger: &logger, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	eng, err := res.NewEngine(context.Background(), "phone-1")
	require.NoError(t, err)
	require.NoError(t, eng.Send(context.Background(), "안녕"))
	require.NoError(t, eng.Close(context.Background()))
	require.NoError(t, res.Cleanup())

	res, err = Build(context.Background(), cfg, Options{Logger: &logger, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer res.Cleanup()
	eng, err = res.NewEngine(context.Background(), "phone-1")
	require.NoError(t, err)
	defer eng.Close(context.Background())

	transcript := eng.Transcript()
	require.Len(t, transcript, 3)
	require.Equal(t, "I heard you: 안녕", transcript[0].Text)
}

func TestSpeechSettingsDefaults(t *testing.T) {
	s := speechSettings(config.Config{})
	require.Equal(t, "ko-KR", s.Locale)
	require.Equal(t, 0.52, s.Rate)
	require.Equal(t, 1.0, s.Pitch)

	timeouts := captureTimeouts(config.Config{VoiceContinuationTimeout: 1500 * time.Millisecond})
	require.Equal(t, 7*time.Second, timeouts.NoSpeech)
	require.Equal(t, 1500*time.Millisecond, timeouts.Continuation)
}
