package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/chatsession/internal/voice"
)

var ErrNoDevice = errors.New("engine: no capture device attached")

// Devices are the speech collaborators of the connected client.
type Devices struct {
	Recognizer  voice.Recognizer
	Synthesizer voice.Synthesizer
	Surface     voice.Surface
}

// deviceSwitch forwards to whichever client is attached. With nothing
// attached, speech is dropped and recording is refused.
type deviceSwitch struct {
	mu  sync.RWMutex
	cur Devices
	gen uint64
}

func (s *deviceSwitch) attach(d Devices) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.cur = d
	return s.gen
}

func (s *deviceSwitch) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gen == s.gen
}

// detach clears the devices only if gen is still the latest attachment.
func (s *deviceSwitch) detach(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.cur = Devices{}
	return true
}

func (s *deviceSwitch) get() Devices {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *deviceSwitch) Start(ctx context.Context, locale string) (<-chan voice.RecognizerEvent, error) {
	r := s.get().Recognizer
	if r == nil {
		return nil, ErrNoDevice
	}
	return r.Start(ctx, locale)
}

func (s *deviceSwitch) Stop(ctx context.Context) error {
	if r := s.get().Recognizer; r != nil {
		return r.Stop(ctx)
	}
	return nil
}

func (s *deviceSwitch) Speak(ctx context.Context, u voice.Utterance) error {
	if sp := s.get().Synthesizer; sp != nil {
		return sp.Speak(ctx, u)
	}
	return nil
}

func (s *deviceSwitch) Open(ctx context.Context) error {
	if sf := s.get().Surface; sf != nil {
		return sf.Open(ctx)
	}
	return nil
}

func (s *deviceSwitch) Close(ctx context.Context) error {
	if sf := s.get().Surface; sf != nil {
		return sf.Close(ctx)
	}
	return nil
}
