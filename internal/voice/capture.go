package voice

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/observability"
)

type CaptureConfig struct {
	Locale     string
	Timeouts   Timeouts
	Recognizer Recognizer
	Surface    Surface
	AfterFunc  AfterFunc
	Logger     zerolog.Logger
	Metrics    *observability.Metrics

	OnFinalize    func(FinalizeEvent)
	OnFailure     func(error)
	OnStateChange func(State)
}

// Capture drives the mic button. Every Start creates a fresh Session so
// no state leaks between recordings.
type Capture struct {
	cfg CaptureConfig

	mu      sync.Mutex
	current *Session
}

func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.Locale == "" {
		cfg.Locale = "ko-KR"
	}
	return &Capture{cfg: cfg}
}

// State reports Idle when no recording is in flight.
func (c *Capture) State() State {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return StateIdle
	}
	if st := sess.State(); st != StateClosed {
		return st
	}
	return StateIdle
}

// Start opens the capture surface and begins a new recording. Starting
// while a recording is in flight is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil {
		if st := c.current.State(); st == StateRecording || st == StateFinalizing {
			c.mu.Unlock()
			return nil
		}
	}
	sess := NewSession(SessionConfig{
		Locale:        c.cfg.Locale,
		Timeouts:      c.cfg.Timeouts,
		Recognizer:    c.cfg.Recognizer,
		Surface:       c.cfg.Surface,
		AfterFunc:     c.cfg.AfterFunc,
		Logger:        c.cfg.Logger,
		OnFinalize:    c.finalized,
		OnFailure:     c.failed,
		OnStateChange: c.cfg.OnStateChange,
	})
	c.current = sess
	c.mu.Unlock()

	c.cfg.Metrics.IncSessionEvent("voice_start")
	if c.cfg.Surface != nil {
		if err := c.cfg.Surface.Open(ctx); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("capture surface open failed")
		}
	}
	events, err := sess.Start(ctx)
	if err != nil {
		return err
	}
	go c.pump(sess, events)
	return nil
}

// Stop finishes the current recording as if the user released the mic.
func (c *Capture) Stop(ctx context.Context) {
	if sess := c.active(); sess != nil {
		sess.Stop(ctx)
	}
}

// Toggle stops an active recording, otherwise starts one.
func (c *Capture) Toggle(ctx context.Context) error {
	if c.State() == StateRecording {
		c.Stop(ctx)
		return nil
	}
	return c.Start(ctx)
}

// Cancel abandons the recording and closes the surface.
func (c *Capture) Cancel(ctx context.Context) {
	sess := c.active()
	if sess == nil {
		return
	}
	sess.Cancel(ctx)
	c.cfg.Metrics.IncVoiceFinalization("cancelled")
	if c.cfg.Surface != nil {
		if err := c.cfg.Surface.Close(ctx); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("capture surface close failed")
		}
	}
}

// OnVisibilityChange reacts to the surface being dismissed externally.
func (c *Capture) OnVisibilityChange(ctx context.Context, open bool) {
	if open {
		return
	}
	if sess := c.active(); sess != nil {
		sess.Cancel(ctx)
		c.cfg.Metrics.IncVoiceFinalization("dismissed")
	}
}

func (c *Capture) active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.State() == StateClosed {
		return nil
	}
	return c.current
}

func (c *Capture) pump(sess *Session, events <-chan RecognizerEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			sess.HandleEvent(ev)
		case <-sess.Done():
			return
		}
	}
}

func (c *Capture) finalized(ev FinalizeEvent) {
	c.cfg.Metrics.IncVoiceFinalization(string(ev.Reason))
	if c.cfg.OnFinalize != nil {
		c.cfg.OnFinalize(ev)
	}
}

func (c *Capture) failed(err error) {
	c.cfg.Metrics.IncVoiceFinalization("failed")
	if c.cfg.OnFailure != nil {
		c.cfg.OnFailure(err)
	}
}
