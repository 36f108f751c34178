package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/kvstore"
	"github.com/ent0n29/chatsession/internal/observability"
)

// ErrClosed is returned by Flush once the store has been closed.
var ErrClosed = errors.New("chatlog: store closed")

const defaultSaveTimeout = 5 * time.Second

type Options struct {
	KV          kvstore.Store
	Key         string
	Window      Window
	Welcome     content.Welcome
	SaveTimeout time.Duration
	Now         func() time.Time
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

// Store owns the authoritative in-memory snapshot and persists it through
// a single background writer. Reads and mutations are synchronous; only
// the KV write is deferred.
type Store struct {
	kv          kvstore.Store
	key         string
	window      Window
	welcome     content.Welcome
	saveTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	groups  Groups
	version uint64
	lastID  int64
	// unread is set when Load could not read the record. The record is
	// merged back before the first write so it is never overwritten blind.
	unread      bool
	placeholder int64

	dirty     chan struct{}
	flushReq  chan chan error
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewStore(opts Options) *Store {
	if opts.KV == nil {
		opts.KV = kvstore.NewInMemoryStore()
	}
	if opts.Key == "" {
		opts.Key = "messageGroups"
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Window.Location == nil {
		opts.Window.Location = time.Local
	}
	s := &Store{
		kv:          opts.KV,
		key:         opts.Key,
		window:      opts.Window,
		welcome:     opts.Welcome,
		saveTimeout: opts.SaveTimeout,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		groups:      Groups{},
		dirty:       make(chan struct{}, 1),
		flushReq:    make(chan chan error),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Load reads the persisted record, drops buckets outside the retention
// window and installs the result as the snapshot. An empty result is
// replaced by a single welcome message for today, which is then saved.
// A decode failure is logged and treated as an empty record. A read
// failure shows the welcome without saving it; the record is merged in
// before the next write.
func (s *Store) Load(ctx context.Context) (Groups, error) {
	var persisted Groups
	readFailed := false
	raw, found, err := s.kv.Get(ctx, s.key)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		readFailed = true
		s.metrics.IncPersistenceFailure("load")
		s.logger.Warn().Err(err).Str("key", s.key).Msg("message store read failed, record left untouched")
	case found && raw != "":
		if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
			s.metrics.IncPersistenceFailure("decode")
			s.logger.Warn().Err(err).Str("key", s.key).Msg("message store record unreadable, starting empty")
			persisted = nil
		}
	}

	now := s.now()
	groups, malformed := s.window.Filter(persisted, now)
	if malformed > 0 {
		s.logger.Warn().Int("buckets", malformed).Str("key", s.key).Msg("dropped malformed day keys")
	}

	s.mu.Lock()
	if id := maxID(persisted); id > s.lastID {
		s.lastID = id
	}
	s.mu.Unlock()

	if groups.Len() == 0 {
		welcome := Message{
			ID:           s.NextID(now),
			Text:         s.welcome.Text,
			CreatedAt:    now,
			Sender:       SenderBot,
			System:       true,
			QuickReplies: append([]QuickReply(nil), s.welcome.QuickReplies...),
		}
		groups = Append(Groups{}, welcome, s.window.Location)
		if readFailed {
			s.mu.Lock()
			s.groups = groups
			s.unread = true
			s.placeholder = welcome.ID
			s.mu.Unlock()
			return groups.Clone(), nil
		}
		s.Save(groups)
		return groups.Clone(), nil
	}

	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()
	return groups.Clone(), nil
}

// Save replaces the snapshot and schedules persistence. Persistence
// failures never roll the snapshot back.
func (s *Store) Save(groups Groups) {
	s.install(groups.Clone())
}

// AppendMessage inserts m into the latest snapshot and schedules
// persistence. A zero ID or CreatedAt is filled in by the store.
func (s *Store) AppendMessage(m Message) Message {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.ID == 0 {
		m.ID = s.NextID(m.CreatedAt)
	}
	s.Update(func(g Groups) Groups {
		return Append(g, m, s.window.Location)
	})
	return m
}

// Update applies fn to a copy of the latest snapshot under the store lock
// and installs the result.
func (s *Store) Update(fn func(Groups) Groups) {
	s.mu.Lock()
	next := fn(s.groups.Clone())
	if next == nil {
		next = Groups{}
	}
	s.groups = next
	s.version++
	s.mu.Unlock()
	s.signal()
}

func (s *Store) install(groups Groups) {
	s.mu.Lock()
	s.groups = groups
	s.version++
	s.mu.Unlock()
	s.signal()
}

func (s *Store) signal() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current mapping, including buckets that
// have aged out of the window but were not yet pruned.
func (s *Store) Snapshot() Groups {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups.Clone()
}

// Transcript is the visible conversation, newest first.
func (s *Store) Transcript() []Message {
	s.mu.Lock()
	g := s.groups
	s.mu.Unlock()
	return Flatten(g, s.window, s.now())
}

// NextID allocates a message ID derived from t that is strictly greater
// than every ID handed out or loaded before.
func (s *Store) NextID(t time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := t.UnixMilli() + 1
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

// Flush blocks until the latest snapshot has been written or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes any pending snapshot and stops the writer.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	defer close(s.done)
	var written uint64
	for {
		select {
		case <-s.dirty:
			written, _ = s.persist(written)
		case reply := <-s.flushReq:
			var err error
			written, err = s.persist(written)
			reply <- err
		case <-s.closing:
			s.persist(written)
			return
		}
	}
}

// persist writes the latest snapshot if it is newer than written and
// returns the version now on disk.
func (s *Store) persist(written uint64) (uint64, error) {
	s.mu.Lock()
	version, unread := s.version, s.unread
	s.mu.Unlock()
	if version == written {
		return written, nil
	}
	if unread {
		if err := s.reconcile(); err != nil {
			return written, err
		}
	}

	s.mu.Lock()
	version, groups := s.version, s.groups
	s.mu.Unlock()

	raw, err := json.Marshal(groups)
	if err != nil {
		s.metrics.IncPersistenceFailure("encode")
		s.logger.Error().Err(err).Str("key", s.key).Msg("message store encode failed")
		return written, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, s.key, string(raw)); err != nil {
		s.metrics.IncPersistenceFailure("save")
		s.logger.Error().Err(err).Str("key", s.key).Uint64("version", version).Msg("message store save failed")
		return written, err
	}
	s.logger.Debug().Str("key", s.key).Uint64("version", version).Int("bytes", len(raw)).Msg("message store saved")
	return version, nil
}

// reconcile rereads the record Load could not read and merges its
// in-window messages into the snapshot. While the record stays unreadable
// nothing is written.
func (s *Store) reconcile() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	raw, found, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.metrics.IncPersistenceFailure("load")
		s.logger.Warn().Err(err).Str("key", s.key).Msg("message store still unreadable, write deferred")
		return err
	}

	var persisted Groups
	if found && raw != "" {
		if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
			s.metrics.IncPersistenceFailure("decode")
			s.logger.Warn().Err(err).Str("key", s.key).Msg("message store record unreadable, replacing it")
			persisted = nil
		}
	}
	kept, _ := s.window.Filter(persisted, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = false
	if kept.Len() == 0 {
		return nil
	}
	if id := maxID(persisted); id > s.lastID {
		s.lastID = id
	}
	s.groups = Merge(s.groups, kept, s.placeholder)
	s.version++
	s.logger.Info().Str("key", s.key).Int("messages", kept.Len()).Msg("merged message store record after read recovery")
	return nil
}

// ReadTranscript decodes the record at key and returns its visible
// messages, newest first, without loading a Store. A missing record is an
// empty transcript. Nothing is written.
func ReadTranscript(ctx context.Context, kv kvstore.Store, key string, w Window, now time.Time) ([]Message, error) {
	raw, found, err := kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found || raw == "" {
		return []Message{}, nil
	}
	var g Groups
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, err
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	msgs := Flatten(g, w, now)
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}
