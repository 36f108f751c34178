package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

type FinalizeReason string

const (
	ReasonNoSpeech FinalizeReason = "no_speech"
	ReasonSilence  FinalizeReason = "silence"
	ReasonStopped  FinalizeReason = "stopped"
)

// FinalizeEvent is the terminal signal of a recording.
type FinalizeEvent struct {
	Text   string
	Reason FinalizeReason
}

var ErrNotIdle = errors.New("voice: session already started")

const collaboratorTimeout = 5 * time.Second

type SessionConfig struct {
	Locale     string
	Timeouts   Timeouts
	Recognizer Recognizer
	Surface    Surface
	AfterFunc  AfterFunc
	Logger     zerolog.Logger

	OnFinalize    func(FinalizeEvent)
	OnFailure     func(error)
	OnStateChange func(State)
}

// Session is a single recording. It is discarded after it finalizes,
// is cancelled or fails; a new recording needs a new Session.
type Session struct {
	cfg SessionConfig

	mu         sync.Mutex
	state      State
	transcript string
	timer      Timer
	gen        uint64
	ctx        context.Context
	done       chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = RealAfterFunc
	}
	if cfg.Timeouts.NoSpeech <= 0 {
		cfg.Timeouts.NoSpeech = DefaultTimeouts.NoSpeech
	}
	if cfg.Timeouts.Continuation <= 0 {
		cfg.Timeouts.Continuation = DefaultTimeouts.Continuation
	}
	return &Session{
		cfg:   cfg,
		state: StateIdle,
		ctx:   context.Background(),
		done:  make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start moves Idle to Recording, arms the no-speech timer and starts the
// recognizer. A recognizer failure closes the session and is reported
// through OnFailure as well as returned.
func (s *Session) Start(ctx context.Context) (<-chan RecognizerEvent, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrNotIdle
	}
	s.ctx = context.WithoutCancel(ctx)
	s.state = StateRecording
	s.transcript = ""
	s.armLocked(s.cfg.Timeouts.NoSpeech, ReasonNoSpeech)
	s.mu.Unlock()
	s.notifyState(StateRecording)

	events, err := s.cfg.Recognizer.Start(ctx, s.cfg.Locale)
	if err != nil {
		err = fmt.Errorf("start recognizer: %w", err)
		s.fail(err, false)
		return nil, err
	}
	return events, nil
}

// HandleEvent applies one recognizer callback.
func (s *Session) HandleEvent(ev RecognizerEvent) {
	switch ev.Type {
	case RecognizerPartial:
		s.OnPartialResult(ev.Text)
	case RecognizerError:
		s.fail(fmt.Errorf("recognizer error %s: %s", ev.Code, ev.Detail), true)
	case RecognizerStart, RecognizerEnd:
		s.cfg.Logger.Debug().Str("event", string(ev.Type)).Msg("recognizer lifecycle")
	}
}

// OnPartialResult replaces the transcript and restarts the silence
// countdown with the continuation timeout.
func (s *Session) OnPartialResult(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return
	}
	s.transcript = text
	s.disarmLocked()
	s.armLocked(s.cfg.Timeouts.Continuation, ReasonSilence)
}

// Stop ends the recording on user request. The transcript is emitted only
// when non-empty; the surface is always closed.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.state = StateFinalizing
	s.disarmLocked()
	text := s.transcript
	s.mu.Unlock()
	s.notifyState(StateFinalizing)

	s.stopRecognizer(ctx)
	if text != "" {
		s.emit(FinalizeEvent{Text: text, Reason: ReasonStopped})
	}
	s.closeSurface(ctx)
	s.finish()
}

// Cancel abandons the recording without emitting anything.
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.disarmLocked()
	s.mu.Unlock()

	if prev == StateRecording {
		s.stopRecognizer(ctx)
	}
	s.finish()
}

func (s *Session) expire(gen uint64, reason FinalizeReason) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.state = StateFinalizing
	s.timer = nil
	text := s.transcript
	ctx := s.ctx
	s.mu.Unlock()
	s.notifyState(StateFinalizing)

	stopCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	s.stopRecognizer(stopCtx)
	s.emit(FinalizeEvent{Text: text, Reason: reason})
	s.closeSurface(stopCtx)
	s.finish()
}

func (s *Session) fail(err error, stopRecognizer bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.disarmLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.cfg.Logger.Warn().Err(err).Msg("voice capture failed")
	stopCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	if stopRecognizer {
		s.stopRecognizer(stopCtx)
	}
	s.closeSurface(stopCtx)
	s.finish()
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(err)
	}
}

// finish marks the session Closed exactly once.
func (s *Session) finish() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
	s.notifyState(StateClosed)
}

func (s *Session) armLocked(d time.Duration, reason FinalizeReason) {
	s.gen++
	gen := s.gen
	s.timer = s.cfg.AfterFunc(d, func() { s.expire(gen, reason) })
}

func (s *Session) disarmLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) stopRecognizer(ctx context.Context) {
	if err := s.cfg.Recognizer.Stop(ctx); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("recognizer stop failed")
	}
}

func (s *Session) closeSurface(ctx context.Context) {
	if s.cfg.Surface == nil {
		return
	}
	if err := s.cfg.Surface.Close(ctx); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("capture surface close failed")
	}
}

func (s *Session) emit(ev FinalizeEvent) {
	s.cfg.Logger.Debug().Str("reason", string(ev.Reason)).Int("chars", len(ev.Text)).Msg("voice finalized")
	if s.cfg.OnFinalize != nil {
		s.cfg.OnFinalize(ev)
	}
}

func (s *Session) notifyState(st State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}
