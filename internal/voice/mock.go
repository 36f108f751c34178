package voice

import (
	"context"
	"sync"
)

// MockRecognizer is a scripted recognizer for tests and local runs.
type MockRecognizer struct {
	mu       sync.Mutex
	events   chan RecognizerEvent
	StartErr error
	StopErr  error
	starts   int
	stops    int
	locale   string
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) Start(_ context.Context, locale string) (<-chan RecognizerEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.locale = locale
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	r.events = make(chan RecognizerEvent, 64)
	return r.events, nil
}

func (r *MockRecognizer) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if r.events != nil {
		close(r.events)
		r.events = nil
	}
	return r.StopErr
}

// Emit delivers ev to the active recording. It reports false when the
// recognizer is not running.
func (r *MockRecognizer) Emit(ev RecognizerEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		return false
	}
	r.events <- ev
	return true
}

func (r *MockRecognizer) Counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

func (r *MockRecognizer) Locale() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locale
}

// MockSynthesizer records spoken utterances.
type MockSynthesizer struct {
	mu     sync.Mutex
	spoken []Utterance
	Err    error
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Speak(_ context.Context, u Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, u)
	return s.Err
}

func (s *MockSynthesizer) Spoken() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.spoken...)
}

// MockSurface counts open and close requests.
type MockSurface struct {
	mu     sync.Mutex
	opens  int
	closes int
}

func NewMockSurface() *MockSurface { return &MockSurface{} }

func (s *MockSurface) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return nil
}

func (s *MockSurface) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *MockSurface) Counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}
