package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/completion"
	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/kvstore"
	"github.com/ent0n29/chatsession/internal/voice"
)

// gatedClient blocks every call until release is signalled.
type gatedClient struct {
	store   *chatlog.Store
	entered chan string
	release chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu            sync.Mutex
	sawUserBefore []bool
	fail          error
	panicMsg      string
}

func newGatedClient(store *chatlog.Store) *gatedClient {
	return &gatedClient{
		store:   store,
		entered: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (c *gatedClient) Complete(ctx context.Context, req completion.Request) (completion.Response, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	visible := false
	for _, m := range c.store.Transcript() {
		if m.Sender == chatlog.SenderUser && m.Text == req.UserText {
			visible = true
		}
	}
	c.mu.Lock()
	c.sawUserBefore = append(c.sawUserBefore, visible)
	fail, panicMsg := c.fail, c.panicMsg
	c.mu.Unlock()

	c.entered <- req.UserText
	select {
	case <-c.release:
	case <-ctx.Done():
		return completion.Response{}, ctx.Err()
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if fail != nil {
		return completion.Response{}, fail
	}
	return completion.Response{Text: "re: " + req.UserText}, nil
}

type fixture struct {
	store    *chatlog.Store
	client   *gatedClient
	speaker  *voice.MockSynthesizer
	pipeline *Pipeline
}

func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	store := chatlog.NewStore(chatlog.Options{
		KV:      kvstore.NewInMemoryStore(),
		Window:  chatlog.Window{Days: chatlog.DefaultRetentionDays, Location: time.UTC},
		Welcome: content.Default().Welcome,
		Logger:  zerolog.Nop(),
	})
	_, err := store.Load(context.Background())
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		client:  newGatedClient(store),
		speaker: voice.NewMockSynthesizer(),
	}
	f.pipeline = New(Options{
		Log:         store,
		Completion:  f.client,
		Synthesizer: f.speaker,
		Content:     content.Default(),
		Speech:      SpeechSettings{Locale: "ko-KR", Rate: 0.52, Pitch: 1.0},
		QueueSize:   queueSize,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() {
		_ = f.pipeline.Close(context.Background())
		_ = store.Close(context.Background())
	})
	return f
}

func (f *fixture) texts(sender chatlog.Sender) []string {
	var out []string
	for _, m := range f.store.Transcript() {
		if m.Sender == sender && !m.System {
			out = append(out, m.Text)
		}
	}
	return out
}

func awaitEntered(t *testing.T, c *gatedClient) string {
	t.Helper()
	select {
	case text := <-c.entered:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("completion was not called")
		return ""
	}
}

func TestBackToBackSendsKeepEveryMessage(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	first, err := f.pipeline.Submit(ctx, "스트레스 자가진단 해보기")
	require.NoError(t, err)
	second, err := f.pipeline.Submit(ctx, "나의 건강검진 보기")
	require.NoError(t, err)
	require.True(t, f.pipeline.Composing())

	require.Equal(t, "스트레스 자가진단 해보기", awaitEntered(t, f.client))
	f.client.release <- struct{}{}
	require.NoError(t, Wait(ctx, first))
	require.True(t, f.pipeline.Composing(), "second exchange still pending")

	require.Equal(t, "나의 건강검진 보기", awaitEntered(t, f.client))
	f.client.release <- struct{}{}
	require.NoError(t, Wait(ctx, second))

	require.False(t, f.pipeline.Composing())
	require.ElementsMatch(t, []string{"스트레스 자가진단 해보기", "나의 건강검진 보기"}, f.texts(chatlog.SenderUser))
	require.ElementsMatch(t, []string{"re: 스트레스 자가진단 해보기", "re: 나의 건강검진 보기"}, f.texts(chatlog.SenderBot))
	require.Equal(t, int32(1), f.client.maxInFlight.Load())

	f.client.mu.Lock()
	require.Equal(t, []bool{true, true}, f.client.sawUserBefore)
	f.client.mu.Unlock()

	spoken := f.speaker.Spoken()
	require.Len(t, spoken, 2)
	require.Equal(t, voice.Utterance{Text: "re: 스트레스 자가진단 해보기", Locale: "ko-KR", Rate: 0.52, Pitch: 1.0}, spoken[0])
}

func TestBotReplyCarriesShortcuts(t *testing.T) {
	f := newFixture(t, 4)
	f.client.release <- struct{}{}
	require.NoError(t, f.pipeline.Send(context.Background(), "hello"))

	transcript := f.store.Transcript()
	require.Equal(t, chatlog.SenderBot, transcript[0].Sender)
	require.Equal(t, content.Default().ShortcutsFor(content.DefaultIntent), transcript[0].Actions)
}

func TestQuickReplyUsesTitleAndIntent(t *testing.T) {
	f := newFixture(t, 4)
	f.pipeline.opts.Content.Shortcuts["yes"] = []content.Action{{Title: "리포트", URL: "https://example.com/r"}}

	f.client.release <- struct{}{}
	result, err := f.pipeline.QuickReply(context.Background(), content.QuickReply{Title: "나의 건강상태", Value: "yes"})
	require.NoError(t, err)
	require.NoError(t, Wait(context.Background(), result))

	transcript := f.store.Transcript()
	require.Equal(t, "re: 나의 건강상태", transcript[0].Text)
	require.Equal(t, "리포트", transcript[0].Actions[0].Title)
	require.Equal(t, "나의 건강상태", transcript[1].Text)
	require.Equal(t, chatlog.SenderUser, transcript[1].Sender)
}

func TestCompletionFailureSurfacesSystemMessage(t *testing.T) {
	f := newFixture(t, 4)
	boom := errors.New("upstream 503")
	f.client.fail = boom
	f.client.release <- struct{}{}

	err := f.pipeline.Send(context.Background(), "hello")
	require.ErrorIs(t, err, boom)
	require.False(t, f.pipeline.Composing())

	transcript := f.store.Transcript()
	require.True(t, transcript[0].System)
	require.Equal(t, content.Default().Notices.CompletionFailed, transcript[0].Text)
	require.Equal(t, "hello", transcript[1].Text)
	require.Empty(t, f.speaker.Spoken())
}

func TestPanicInCompletionIsContained(t *testing.T) {
	f := newFixture(t, 4)
	f.client.panicMsg = "nil map"
	f.client.release <- struct{}{}

	err := f.pipeline.Send(context.Background(), "hello")
	require.Error(t, err)
	require.False(t, f.pipeline.Composing())
	require.True(t, f.store.Transcript()[0].System)

	f.client.mu.Lock()
	f.client.panicMsg = ""
	f.client.mu.Unlock()
	f.client.release <- struct{}{}
	require.NoError(t, f.pipeline.Send(context.Background(), "again"))
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	first, err := f.pipeline.Submit(ctx, "one")
	require.NoError(t, err)
	awaitEntered(t, f.client)

	_, err = f.pipeline.Submit(ctx, "two")
	require.NoError(t, err)
	_, err = f.pipeline.Submit(ctx, "three")
	require.ErrorIs(t, err, ErrQueueFull)

	f.client.release <- struct{}{}
	f.client.release <- struct{}{}
	require.NoError(t, Wait(ctx, first))

	require.NoError(t, f.pipeline.Close(ctx))
	_, err = f.pipeline.Submit(ctx, "four")
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, f.pipeline.Composing())
}

func TestNoticeAppendsSystemMessage(t *testing.T) {
	f := newFixture(t, 4)
	var notified atomic.Int32
	f.pipeline.opts.Notify = func() { notified.Add(1) }

	require.NoError(t, f.pipeline.Notice(context.Background(), "마이크를 사용할 수 없어요."))
	require.Eventually(t, func() bool { return !f.pipeline.Composing() }, time.Second, 5*time.Millisecond)

	transcript := f.store.Transcript()
	require.True(t, transcript[0].System)
	require.Equal(t, "마이크를 사용할 수 없어요.", transcript[0].Text)
	require.Positive(t, notified.Load())
}

func TestSuggest(t *testing.T) {
	f := newFixture(t, 1)
	require.Len(t, f.pipeline.Suggest("스트레스"), 4)
	require.Empty(t, f.pipeline.Suggest("x"))
}
