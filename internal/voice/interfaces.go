package voice

import "context"

type RecognizerEventType string

const (
	RecognizerStart   RecognizerEventType = "start"
	RecognizerEnd     RecognizerEventType = "end"
	RecognizerPartial RecognizerEventType = "partial"
	RecognizerError   RecognizerEventType = "error"
)

type RecognizerEvent struct {
	Type      RecognizerEventType
	Text      string
	Code      string
	Detail    string
	Timestamp int64
}

// Recognizer is the speech-recognition engine. The returned channel
// carries recognizer callbacks until Stop; implementations close it when
// they stop.
type Recognizer interface {
	Start(ctx context.Context, locale string) (<-chan RecognizerEvent, error)
	Stop(ctx context.Context) error
}

type Utterance struct {
	Text   string
	Locale string
	Rate   float64
	Pitch  float64
}

// Synthesizer speaks text. Speak must return promptly; playback is not awaited.
type Synthesizer interface {
	Speak(ctx context.Context, u Utterance) error
}

// Surface is the capture sheet shown while recording.
type Surface interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}
