package app

import (
	"strings"

	"github.com/ent0n29/chatsession/internal/config"
	"github.com/ent0n29/chatsession/internal/dispatch"
	"github.com/ent0n29/chatsession/internal/voice"
)

const defaultLocale = "ko-KR"

func speechSettings(cfg config.Config) dispatch.SpeechSettings {
	locale := strings.TrimSpace(cfg.VoiceLocale)
	if locale == "" {
		locale = defaultLocale
	}
	s := dispatch.SpeechSettings{Locale: locale, Rate: cfg.TTSRate, Pitch: cfg.TTSPitch}
	if s.Rate <= 0 {
		s.Rate = 0.52
	}
	if s.Pitch <= 0 {
		s.Pitch = 1.0
	}
	return s
}

func captureTimeouts(cfg config.Config) voice.Timeouts {
	t := voice.DefaultTimeouts
	if cfg.VoiceNoSpeechTimeout > 0 {
		t.NoSpeech = cfg.VoiceNoSpeechTimeout
	}
	if cfg.VoiceContinuationTimeout > 0 {
		t.Continuation = cfg.VoiceContinuationTimeout
	}
	return t
}
