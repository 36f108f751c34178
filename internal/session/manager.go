package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/engine"
	"github.com/ent0n29/chatsession/internal/observability"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// DefaultInstallation is used when a client does not identify itself.
const DefaultInstallation = "default"

type Session struct {
	ID             string    `json:"session_id"`
	InstallationID string    `json:"installation_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// EngineFactory builds the engine that serves one installation.
type EngineFactory func(ctx context.Context, installationID string) (*engine.Engine, error)

type entry struct {
	session *Session
	engine  *engine.Engine
	// closed is made when the session ends and closed once its engine
	// has written the final transcript.
	closed chan struct{}
}

// Manager keeps at most one active session per installation and owns
// each session's engine.
type Manager struct {
	mu                    sync.RWMutex
	sessions              map[string]*entry
	sessionByInstallation map[string]string
	// closing holds, per installation, the ended session whose engine is
	// still flushing. Create waits on it before loading the record.
	closing           map[string]chan struct{}
	inactivityTimeout time.Duration
	factory           EngineFactory
	onExpire          func(*Session)
	logger            zerolog.Logger
	metrics           *observability.Metrics
}

func NewManager(inactivityTimeout time.Duration, factory EngineFactory, logger zerolog.Logger, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:              make(map[string]*entry),
		sessionByInstallation: make(map[string]string),
		closing:               make(map[string]chan struct{}),
		inactivityTimeout:     inactivityTimeout,
		factory:               factory,
		logger:                logger,
		metrics:               metrics,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a session for the installation, or resumes the active one.
// resumed reports which happened. A new session is not built until the
// previous session of the installation has finished writing its transcript.
func (m *Manager) Create(ctx context.Context, installationID string) (s *Session, resumed bool, err error) {
	installationID = strings.TrimSpace(installationID)
	if installationID == "" {
		installationID = DefaultInstallation
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if id, ok := m.sessionByInstallation[installationID]; ok {
			if e, ok := m.sessions[id]; ok && e.session.Status == StatusActive {
				e.session.LastActivityAt = time.Now().UTC()
				return clone(e.session), true, nil
			}
		}
		closed, ok := m.closing[installationID]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-closed:
		case <-ctx.Done():
			m.mu.Lock()
			return nil, false, ctx.Err()
		}
		m.mu.Lock()
	}

	// Building under the lock keeps a concurrent Create for the same
	// installation from loading a second engine over the same record.
	eng, err := m.factory(ctx, installationID)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	s = &Session{
		ID:             uuid.NewString(),
		InstallationID: installationID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = &entry{session: s, engine: eng}
	m.sessionByInstallation[installationID] = s.ID
	m.metrics.IncSessionEvent("created")
	m.metrics.SetActiveSessions(m.activeCountLocked())
	return clone(s), false, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Engine returns the engine of an active session.
func (m *Manager) Engine(sessionID string) (*engine.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Status != StatusActive {
		return nil, ErrNotFound
	}
	return e.engine, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the session's engine, flushing its transcript.
func (m *Manager) End(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.session.Status != StatusActive {
		out := clone(e.session)
		m.mu.Unlock()
		return out, nil
	}
	m.endLocked(e, time.Now().UTC())
	out := clone(e.session)
	m.mu.Unlock()

	m.metrics.IncSessionEvent("ended")
	m.closeEngine(ctx, e)
	return out, nil
}

// CloseAll ends every active session, used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	var active []*entry
	now := time.Now().UTC()
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			m.endLocked(e, now)
			active = append(active, e)
		}
	}
	m.mu.Unlock()

	for _, e := range active {
		m.closeEngine(ctx, e)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.Status != StatusActive {
			// Ended sessions are kept for one more timeout so late lookups
			// still see their final state.
			if now.Sub(e.session.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if e.engine != nil && e.engine.Composing() {
			continue
		}
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(e, now)
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		m.metrics.IncSessionEvent("expired")
		m.closeEngine(context.Background(), e)
		if hook != nil {
			hook(clone(e.session))
		}
	}
}

// endLocked marks an active entry ended. The caller must follow up with
// closeEngine, which releases Create calls waiting on the installation.
func (m *Manager) endLocked(e *entry, now time.Time) {
	e.session.Status = StatusEnded
	e.session.LastActivityAt = now
	if m.sessionByInstallation[e.session.InstallationID] == e.session.ID {
		delete(m.sessionByInstallation, e.session.InstallationID)
	}
	e.closed = make(chan struct{})
	m.closing[e.session.InstallationID] = e.closed
	m.metrics.SetActiveSessions(m.activeCountLocked())
}

func (m *Manager) closeEngine(ctx context.Context, e *entry) {
	defer m.releaseInstallation(e)
	if e.engine == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.engine.Close(closeCtx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", e.session.ID).Msg("engine close failed")
	}
}

func (m *Manager) releaseInstallation(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := e.session.InstallationID
	if m.closing[inst] == e.closed {
		delete(m.closing, inst)
	}
	close(e.closed)
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
