// Package engine wires the message store, dispatch pipeline and voice
// capture of one installation together and publishes their changes.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/completion"
	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/dispatch"
	"github.com/ent0n29/chatsession/internal/kvstore"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/voice"
)

type UpdateKind string

const (
	UpdateTranscript UpdateKind = "transcript"
	UpdateVoiceState UpdateKind = "voice_state"
)

// Update is a full snapshot of one aspect of the engine.
type Update struct {
	Kind       UpdateKind
	Messages   []chatlog.Message
	Composing  bool
	VoiceState voice.State
	Hints      []string
}

type Config struct {
	InstallationID string
	StoreKey       string
	KV             kvstore.Store
	Window         chatlog.Window
	SaveTimeout    time.Duration
	Content        content.Content
	Completion     completion.Client
	Instructions   string
	Speech         dispatch.SpeechSettings
	Timeouts       voice.Timeouts
	QueueSize      int
	AfterFunc      voice.AfterFunc
	Now            func() time.Time
	Logger         zerolog.Logger
	Metrics        *observability.Metrics
}

// StoreKey is the persisted record key for an installation. The default
// installation keeps the bare base key.
func StoreKey(base, installationID string) string {
	id := strings.TrimSpace(installationID)
	if id == "" || id == "default" {
		return base
	}
	return base + ":" + id
}

type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	store    *chatlog.Store
	pipeline *dispatch.Pipeline
	capture  *voice.Capture
	devices  *deviceSwitch

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// New loads the installation's transcript and starts its workers.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger.With().Str("installation_id", cfg.InstallationID).Logger()
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		devices: &deviceSwitch{},
		subs:    make(map[int]chan Update),
	}

	e.store = chatlog.NewStore(chatlog.Options{
		KV:          cfg.KV,
		Key:         cfg.StoreKey,
		Window:      cfg.Window,
		Welcome:     cfg.Content.Welcome,
		SaveTimeout: cfg.SaveTimeout,
		Now:         cfg.Now,
		Logger:      logger.With().Str("component", "chatlog").Logger(),
		Metrics:     cfg.Metrics,
	})
	if _, err := e.store.Load(ctx); err != nil {
		_ = e.store.Close(context.Background())
		return nil, err
	}

	e.pipeline = dispatch.New(dispatch.Options{
		Log:          e.store,
		Completion:   cfg.Completion,
		Synthesizer:  e.devices,
		Content:      cfg.Content,
		Instructions: cfg.Instructions,
		Speech:       cfg.Speech,
		QueueSize:    cfg.QueueSize,
		Logger:       logger.With().Str("component", "dispatch").Logger(),
		Metrics:      cfg.Metrics,
		Notify:       e.publishTranscript,
	})

	e.capture = voice.NewCapture(voice.CaptureConfig{
		Locale:        cfg.Speech.Locale,
		Timeouts:      cfg.Timeouts,
		Recognizer:    e.devices,
		Surface:       e.devices,
		AfterFunc:     cfg.AfterFunc,
		Logger:        logger.With().Str("component", "voice").Logger(),
		Metrics:       cfg.Metrics,
		OnFinalize:    e.onFinalize,
		OnFailure:     e.onCaptureFailure,
		OnStateChange: e.publishVoiceState,
	})
	return e, nil
}

func (e *Engine) InstallationID() string { return e.cfg.InstallationID }

// Transcript is the visible conversation, newest first.
func (e *Engine) Transcript() []chatlog.Message { return e.store.Transcript() }

func (e *Engine) Composing() bool { return e.pipeline.Composing() }

func (e *Engine) VoiceState() voice.State { return e.capture.State() }

func (e *Engine) Send(ctx context.Context, text string) error {
	return e.pipeline.Send(ctx, text)
}

func (e *Engine) Submit(ctx context.Context, text string) (<-chan error, error) {
	return e.pipeline.Submit(ctx, text)
}

func (e *Engine) QuickReply(ctx context.Context, qr content.QuickReply) (<-chan error, error) {
	return e.pipeline.QuickReply(ctx, qr)
}

func (e *Engine) Suggest(word string) []content.Suggestion {
	return e.pipeline.Suggest(word)
}

func (e *Engine) ToggleVoice(ctx context.Context) error { return e.capture.Toggle(ctx) }

func (e *Engine) StartVoice(ctx context.Context) error { return e.capture.Start(ctx) }

func (e *Engine) StopVoice(ctx context.Context) { e.capture.Stop(ctx) }

func (e *Engine) CancelVoice(ctx context.Context) { e.capture.Cancel(ctx) }

// SurfaceVisibility reports the capture sheet being shown or dismissed.
func (e *Engine) SurfaceVisibility(ctx context.Context, open bool) {
	e.capture.OnVisibilityChange(ctx, open)
}

// Attach routes speech through d until the returned detach is called.
// A newer attachment supersedes older ones.
func (e *Engine) Attach(d Devices) (detach func()) {
	gen := e.devices.attach(d)
	return func() {
		if e.devices.current(gen) {
			e.capture.Cancel(context.Background())
		}
		e.devices.detach(gen)
	}
}

// Subscribe returns a stream of updates, primed with the current state.
// Slow subscribers miss intermediate snapshots, never the channel.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 32)

	e.subMu.Lock()
	ch <- e.transcriptUpdate()
	ch <- e.voiceUpdate(e.capture.State())
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

// Close stops capture and the pipeline, then writes the final snapshot.
func (e *Engine) Close(ctx context.Context) error {
	e.capture.Cancel(ctx)
	if err := e.pipeline.Close(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("pipeline close timed out")
	}
	err := e.store.Close(ctx)

	e.subMu.Lock()
	for id := range e.subs {
		delete(e.subs, id)
	}
	e.subMu.Unlock()
	return err
}

// Flush waits until the transcript is persisted.
func (e *Engine) Flush(ctx context.Context) error { return e.store.Flush(ctx) }

func (e *Engine) onFinalize(ev voice.FinalizeEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		e.logger.Debug().Str("reason", string(ev.Reason)).Msg("voice finalized without speech")
		return
	}
	if _, err := e.pipeline.Submit(context.Background(), text); err != nil {
		e.logger.Warn().Err(err).Msg("voice input not dispatched")
	}
}

func (e *Engine) onCaptureFailure(err error) {
	if notice := e.cfg.Content.Notices.CaptureFailed; notice != "" {
		if nerr := e.pipeline.Notice(context.Background(), notice); nerr != nil {
			e.logger.Warn().Err(nerr).Msg("capture failure notice dropped")
		}
	}
}

func (e *Engine) transcriptUpdate() Update {
	return Update{
		Kind:      UpdateTranscript,
		Messages:  e.store.Transcript(),
		Composing: e.pipeline.Composing(),
	}
}

func (e *Engine) voiceUpdate(st voice.State) Update {
	if st == voice.StateClosed {
		st = voice.StateIdle
	}
	u := Update{Kind: UpdateVoiceState, VoiceState: st}
	if st == voice.StateRecording {
		u.Hints = append([]string(nil), e.cfg.Content.VoiceHints...)
	}
	return u
}

func (e *Engine) publishTranscript() {
	e.broadcast(e.transcriptUpdate())
}

func (e *Engine) publishVoiceState(st voice.State) {
	e.broadcast(e.voiceUpdate(st))
}

func (e *Engine) broadcast(u Update) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- u:
		default:
			e.logger.Debug().Int("subscriber", id).Str("kind", string(u.Kind)).Msg("subscriber lagging, update dropped")
		}
	}
}
