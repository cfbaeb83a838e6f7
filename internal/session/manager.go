package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"botflow/internal/domain"
	"botflow/internal/fingerprint"
)

// Session is one live browser bound to an account. Exported fields are
// immutable after creation; pool bookkeeping stays private.
type Session struct {
	AccountID   string
	Fingerprint domain.Fingerprint
	ProxyURL    string
	Conn        Conn
	// Pace spaces platform actions within the session so a task never
	// fires a burst of navigations.
	Pace      *rate.Limiter
	CreatedAt time.Time

	lastUsed time.Time
	busy     bool
	waiters  []chan struct{}
}

// AssignmentStore is the slice of the repository the pool needs: the
// pinned proxy/fingerprint assignment and auth-state persistence.
type AssignmentStore interface {
	AccountFingerprint(ctx context.Context, id string) (domain.Fingerprint, bool, error)
	SaveAssignment(ctx context.Context, id, proxyURL string, fp domain.Fingerprint) error
	SaveAuthState(ctx context.Context, id string, auth json.RawMessage) error
}

// ManagerConfig configures the pool.
type ManagerConfig struct {
	Store  AssignmentStore
	Dialer Dialer
	// Capacity is the maximum number of concurrent browser sessions.
	Capacity int
	// ActionInterval is the minimum spacing between page actions inside
	// one session.
	ActionInterval time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free pool slot
	// when every session is busy for other accounts.
	AcquireTimeout time.Duration
	Logger         zerolog.Logger
	Rand           *rand.Rand
}

func (c *ManagerConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	if c.Capacity <= 0 {
		c.Capacity = 5
	}
	if c.ActionInterval <= 0 {
		c.ActionInterval = 2 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return nil
}

// Manager is the bounded browser pool. All shared state is owned by one
// mutex-guarded registry; there are no package-level maps.
type Manager struct {
	store          AssignmentStore
	dialer         Dialer
	capacity       int
	pace           time.Duration
	acquireTimeout time.Duration
	logger         zerolog.Logger
	rng            *rand.Rand
	now            func() time.Time

	mu         sync.Mutex
	sessions   map[string]*Session
	capWaiters []chan struct{}
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{
		store:          cfg.Store,
		dialer:         cfg.Dialer,
		capacity:       cfg.Capacity,
		pace:           cfg.ActionInterval,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         cfg.Logger.With().Str("svc", "session.Manager").Logger(),
		rng:            cfg.Rand,
		now:            time.Now,
		sessions:       make(map[string]*Session),
	}, nil
}

// Acquire returns the account's session with exclusive use, creating one
// if needed. A second caller for the same account blocks until the first
// releases; this is what serializes execution per account. When the pool
// is full the least-recently-used idle session is evicted to make room;
// if every slot is busy, Acquire queues for the next free slot and gives
// up with ErrPoolExhausted only once the acquire timeout elapses.
func (m *Manager) Acquire(ctx context.Context, account domain.Account) (*Session, error) {
	var timeout <-chan time.Time
	if m.acquireTimeout > 0 {
		timer := time.NewTimer(m.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		m.mu.Lock()
		s, ok := m.sessions[account.ID]
		if ok && !s.busy {
			if s.Conn.Healthy() {
				s.busy = true
				s.lastUsed = m.now()
				m.mu.Unlock()
				return s, nil
			}
			// Dead browser: tear down and fall through to recreate.
			// Anyone still queued on the old session is woken to retry
			// against the replacement.
			delete(m.sessions, account.ID)
			waiters := s.waiters
			s.waiters = nil
			m.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			m.logger.Warn().Str("account_id", account.ID).Msg("evicting disconnected session")
			_ = s.Conn.Close(ctx)
			continue
		}
		if ok {
			// Held by another task. Wait for a handoff, then retry.
			ch := make(chan struct{})
			s.waiters = append(s.waiters, ch)
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				m.dropWaiter(account.ID, ch)
				return nil, ctx.Err()
			}
		}

		if len(m.sessions) >= m.capacity {
			victim := m.lruIdleLocked()
			if victim == nil {
				// Every slot is running a task. Queue for the next slot
				// that frees up rather than failing fast.
				ch := make(chan struct{})
				m.capWaiters = append(m.capWaiters, ch)
				m.mu.Unlock()
				select {
				case <-ch:
					continue
				case <-timeout:
					m.dropCapWaiter(ch)
					return nil, fmt.Errorf("pool at capacity %d with all sessions busy: %w", m.capacity, domain.ErrPoolExhausted)
				case <-ctx.Done():
					m.dropCapWaiter(ch)
					return nil, ctx.Err()
				}
			}
			delete(m.sessions, victim.AccountID)
			waiters := victim.waiters
			victim.waiters = nil
			m.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			m.logger.Info().Str("account_id", victim.AccountID).Msg("evicting LRU session for new account")
			_ = victim.Conn.Close(ctx)
			continue
		}

		// Reserve the slot before dialing so concurrent acquirers for the
		// same account queue up instead of double-dialing.
		s = &Session{AccountID: account.ID, busy: true, CreatedAt: m.now(), lastUsed: m.now()}
		m.sessions[account.ID] = s
		m.mu.Unlock()

		if err := m.connect(ctx, account, s); err != nil {
			m.mu.Lock()
			delete(m.sessions, account.ID)
			waiters := s.waiters
			s.waiters = nil
			m.signalCapacityLocked()
			m.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			return nil, err
		}
		return s, nil
	}
}

// connect dials a new browser presenting the account's pinned identity,
// generating and persisting the assignment on first use.
func (m *Manager) connect(ctx context.Context, account domain.Account, s *Session) error {
	fp, ok, err := m.store.AccountFingerprint(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("load fingerprint: %w", err)
	}
	if !ok {
		fp = fingerprint.Generate(m.rng)
		if err := m.store.SaveAssignment(ctx, account.ID, account.ProxyURL, fp); err != nil {
			return fmt.Errorf("persist assignment: %w", err)
		}
		m.logger.Info().Str("account_id", account.ID).Str("fingerprint_id", fp.ID).Msg("assigned new fingerprint")
	}

	conn, err := m.dialer.Dial(ctx, ConnOptions{ProxyURL: account.ProxyURL, Fingerprint: fp})
	if err != nil {
		return fmt.Errorf("dial browser: %w", err)
	}
	if len(account.AuthState) > 0 {
		if err := conn.RestoreAuthState(ctx, account.AuthState); err != nil {
			m.logger.Warn().Err(err).Str("account_id", account.ID).Msg("could not restore auth state")
		}
	}

	m.mu.Lock()
	s.Fingerprint = fp
	s.ProxyURL = account.ProxyURL
	s.Conn = conn
	s.Pace = rate.NewLimiter(rate.Every(m.pace), 1)
	m.mu.Unlock()

	m.logger.Info().Str("account_id", account.ID).Str("fingerprint_id", fp.ID).Msg("session created")
	return nil
}

// Release returns the session to the pool and snapshots its auth state.
// The browser stays warm; only eviction destroys it.
func (m *Manager) Release(ctx context.Context, s *Session) {
	if auth, err := s.Conn.AuthState(ctx); err == nil && len(auth) > 0 {
		if err := m.store.SaveAuthState(ctx, s.AccountID, auth); err != nil {
			m.logger.Warn().Err(err).Str("account_id", s.AccountID).Msg("could not persist auth state")
		}
	}

	m.mu.Lock()
	s.busy = false
	s.lastUsed = m.now()
	var next chan struct{}
	if len(s.waiters) > 0 {
		next = s.waiters[0]
		s.waiters = s.waiters[1:]
	} else {
		// Now idle, hence LRU-evictable: offer the slot to anyone queued
		// for capacity.
		m.signalCapacityLocked()
	}
	m.mu.Unlock()
	if next != nil {
		close(next)
	}
}

// Discard removes and destroys a held session whose browser failed
// mid-task. Queued waiters are woken and will trigger a fresh dial.
func (m *Manager) Discard(ctx context.Context, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.AccountID]; ok && cur == s {
		delete(m.sessions, s.AccountID)
		m.signalCapacityLocked()
	}
	waiters := s.waiters
	s.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	m.logger.Warn().Str("account_id", s.AccountID).Msg("discarding failed session")
	_ = s.Conn.Close(ctx)
}

// EvictIdle destroys sessions idle longer than maxIdle and returns how
// many were evicted.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var victims []*Session
	var wake []chan struct{}
	for id, s := range m.sessions {
		if !s.busy && s.lastUsed.Before(cutoff) {
			victims = append(victims, s)
			wake = append(wake, s.waiters...)
			s.waiters = nil
			delete(m.sessions, id)
			m.signalCapacityLocked()
		}
	}
	m.mu.Unlock()

	for _, ch := range wake {
		close(ch)
	}
	for _, s := range victims {
		m.logger.Info().Str("account_id", s.AccountID).Msg("evicting idle session")
		_ = s.Conn.Close(ctx)
	}
	return len(victims)
}

// EvictAll tears down every session. Intended for shutdown, after the
// worker pool has stopped.
func (m *Manager) EvictAll(ctx context.Context) error {
	m.mu.Lock()
	victims := make([]*Session, 0, len(m.sessions))
	var wake []chan struct{}
	for _, s := range m.sessions {
		victims = append(victims, s)
		wake = append(wake, s.waiters...)
		s.waiters = nil
	}
	m.sessions = make(map[string]*Session)
	wake = append(wake, m.capWaiters...)
	m.capWaiters = nil
	m.mu.Unlock()

	for _, ch := range wake {
		close(ch)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range victims {
		s := s
		g.Go(func() error { return s.Conn.Close(ctx) })
	}
	return g.Wait()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) lruIdleLocked() *Session {
	var victim *Session
	for _, s := range m.sessions {
		if s.busy {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) {
			victim = s
		}
	}
	return victim
}

func (m *Manager) dropWaiter(accountID string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	if !ok {
		return
	}
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// signalCapacityLocked wakes one acquirer queued for a free pool slot.
// Caller holds m.mu.
func (m *Manager) signalCapacityLocked() {
	if len(m.capWaiters) == 0 {
		return
	}
	close(m.capWaiters[0])
	m.capWaiters = m.capWaiters[1:]
}

func (m *Manager) dropCapWaiter(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.capWaiters {
		if w == ch {
			m.capWaiters = append(m.capWaiters[:i], m.capWaiters[i+1:]...)
			return
		}
	}
	// Already signalled while we were giving up: pass the free slot on so
	// it is not lost.
	m.signalCapacityLocked()
}
