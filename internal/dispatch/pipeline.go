// Package dispatch turns user input into a completed exchange: the user
// message is recorded, the completion service is called once, and the
// reply is recorded and spoken. Jobs run strictly one after another.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/completion"
	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/policy"
	"github.com/ent0n29/chatsession/internal/voice"
)

var (
	ErrQueueFull       = errors.New("dispatch: queue full")
	ErrClosed          = errors.New("dispatch: pipeline closed")
	ErrEmptyMessage    = errors.New("dispatch: empty message")
	ErrEmptyCompletion = errors.New("dispatch: empty completion")
)

// MessageLog is the store the pipeline writes to.
type MessageLog interface {
	AppendMessage(m chatlog.Message) chatlog.Message
}

// SpeechSettings are passed with every utterance.
type SpeechSettings struct {
	Locale string
	Rate   float64
	Pitch  float64
}

type Options struct {
	Log          MessageLog
	Completion   completion.Client
	Synthesizer  voice.Synthesizer
	Content      content.Content
	Instructions string
	Speech       SpeechSettings
	QueueSize    int
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
	// Notify runs after every transcript or composing change.
	Notify func()
}

type jobKind int

const (
	jobSend jobKind = iota
	jobNotice
)

type job struct {
	kind   jobKind
	text   string
	intent string
	result chan error
}

type Pipeline struct {
	opts Options

	jobs    chan job
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func New(opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Speech.Locale == "" {
		opts.Speech.Locale = "ko-KR"
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:   opts,
		jobs:   make(chan job, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Composing is true from the moment input is accepted until its exchange
// has finished, successfully or not.
func (p *Pipeline) Composing() bool {
	return p.pending.Load() > 0
}

// Submit queues text for dispatch and returns a channel that yields the
// outcome once. The exchange runs even if ctx is cancelled afterwards.
func (p *Pipeline) Submit(ctx context.Context, text string) (<-chan error, error) {
	return p.submit(ctx, job{kind: jobSend, text: text})
}

// Send dispatches text and waits for the outcome.
func (p *Pipeline) Send(ctx context.Context, text string) error {
	result, err := p.Submit(ctx, text)
	if err != nil {
		return err
	}
	return Wait(ctx, result)
}

// Wait blocks for a Submit outcome or until ctx is done.
func Wait(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QuickReply sends the chosen title as a user message; its value selects
// the shortcuts attached to the reply.
func (p *Pipeline) QuickReply(ctx context.Context, qr content.QuickReply) (<-chan error, error) {
	return p.submit(ctx, job{kind: jobSend, text: qr.Title, intent: qr.Value})
}

// Notice appends a system message in order with queued exchanges.
func (p *Pipeline) Notice(ctx context.Context, text string) error {
	_, err := p.submit(ctx, job{kind: jobNotice, text: text})
	return err
}

// Suggest returns canned prompts matching the typed word.
func (p *Pipeline) Suggest(word string) []content.Suggestion {
	return p.opts.Content.Suggest(word)
}

func (p *Pipeline) submit(ctx context.Context, j job) (<-chan error, error) {
	if strings.TrimSpace(j.text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.result = make(chan error, 1)

	if err := p.enqueue(j); err != nil {
		return nil, err
	}
	p.notify()
	return j.result, nil
}

func (p *Pipeline) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pending.Add(1)
	select {
	case p.jobs <- j:
		return nil
	default:
		p.pending.Add(-1)
		p.opts.Metrics.IncDispatch("rejected")
		return ErrQueueFull
	}
}

// Close rejects new input, cancels the in-flight exchange and waits for
// the worker to drain.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for j := range p.jobs {
		err := p.process(j)
		p.pending.Add(-1)
		p.notify()
		j.result <- err
	}
}

func (p *Pipeline) process(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
			p.opts.Logger.Error().Interface("panic", r).Msg("dispatch job panicked")
			p.appendFailure()
		}
	}()

	switch j.kind {
	case jobNotice:
		p.appendSystem(j.text)
		return nil
	default:
		return p.exchange(j)
	}
}

func (p *Pipeline) exchange(j job) error {
	text := strings.TrimSpace(j.text)
	user := p.opts.Log.AppendMessage(chatlog.Message{Text: text, Sender: chatlog.SenderUser})
	p.notify()

	logger := p.opts.Logger.With().Int64("message_id", user.ID).Logger()
	logger.Debug().Str("text", policy.LogPreview(text, 80)).Msg("dispatching message")

	start := time.Now()
	resp, err := p.opts.Completion.Complete(p.ctx, completion.Request{
		Instructions: p.opts.Instructions,
		UserText:     text,
	})
	p.opts.Metrics.ObserveCompletionLatency(time.Since(start))
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = ErrEmptyCompletion
	}
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("completion failed")
		p.opts.Metrics.IncDispatch("failure")
		p.appendFailure()
		return err
	}

	reply := strings.TrimSpace(resp.Text)
	p.opts.Log.AppendMessage(chatlog.Message{
		Text:    reply,
		Sender:  chatlog.SenderBot,
		Actions: p.opts.Content.ShortcutsFor(j.intent),
	})
	p.notify()
	p.opts.Metrics.IncDispatch("success")

	if p.opts.Synthesizer != nil {
		if err := p.opts.Synthesizer.Speak(p.ctx, voice.Utterance{
			Text:   reply,
			Locale: p.opts.Speech.Locale,
			Rate:   p.opts.Speech.Rate,
			Pitch:  p.opts.Speech.Pitch,
		}); err != nil {
			logger.Warn().Err(err).Msg("speech synthesis failed")
		}
	}
	return nil
}

func (p *Pipeline) appendFailure() {
	p.appendSystem(p.opts.Content.Notices.CompletionFailed)
}

func (p *Pipeline) appendSystem(text string) {
	p.opts.Log.AppendMessage(chatlog.Message{
		Text:   text,
		Sender: chatlog.SenderBot,
		System: true,
	})
	p.notify()
}

func (p *Pipeline) notify() {
	if p.opts.Notify != nil {
		p.opts.Notify()
	}
}
