package voice

import "time"

type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Timeouts struct {
	// NoSpeech bounds the wait for the first partial result.
	NoSpeech time.Duration
	// Continuation is the silence after a partial result that ends the utterance.
	Continuation time.Duration
}

var DefaultTimeouts = Timeouts{
	NoSpeech:     7000 * time.Millisecond,
	Continuation: 2000 * time.Millisecond,
}
