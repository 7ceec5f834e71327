package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/digkill/TGDeckBot/internal/billing"
	"github.com/digkill/TGDeckBot/internal/entitlement"
	"github.com/digkill/TGDeckBot/internal/ledger"
	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/tracker"
)

// Session is one signed-in user: their ledger view, entitlement state and at
// most one running generation.
type Session struct {
	UserID       string
	Ledger       *ledger.Ledger
	Entitlements *entitlement.Sync

	mu   sync.Mutex
	task *tracker.Tracker
}

// ActiveTask returns the running tracker, or nil.
func (s *Session) ActiveTask() *tracker.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil && s.task.Snapshot().Status.Terminal() {
		return nil
	}
	return s.task
}

// claimTask installs tr unless another task is still running.
func (s *Session) claimTask(tr *tracker.Tracker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil && !s.task.Snapshot().Status.Terminal() {
		return false
	}
	s.task = tr
	return true
}

func (s *Session) releaseTask(tr *tracker.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == tr {
		s.task = nil
	}
}

type SessionDeps struct {
	Store    ledger.Store
	Feed     ledger.Feed
	Creditor ledger.Creditor
	Journal  ledger.Journal
	Provider billing.Provider
	Pending  entitlement.PendingStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type SessionManager struct {
	deps SessionDeps

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager(deps SessionDeps) *SessionManager {
	return &SessionManager{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Open returns the live session of userID, signing in on first use. A new
// session also pulls the provider's entitlement state; a provider outage does
// not block sign-in.
func (m *SessionManager) Open(ctx context.Context, userID string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[userID]
	m.mu.RUnlock()
	if ok {
		return session, nil
	}

	l := ledger.New(ledger.Options{
		Store:    m.deps.Store,
		Feed:     m.deps.Feed,
		Creditor: m.deps.Creditor,
		Journal:  m.deps.Journal,
		Metrics:  m.deps.Metrics,
		Logger:   m.deps.Logger,
	})
	if err := l.SignIn(ctx, userID); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	session = &Session{
		UserID: userID,
		Ledger: l,
		Entitlements: entitlement.New(entitlement.Options{
			Provider: m.deps.Provider,
			Ledger:   l,
			Pending:  m.deps.Pending,
			Metrics:  m.deps.Metrics,
			Logger:   m.deps.Logger,
		}),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		l.SignOut()
		return existing, nil
	}
	m.sessions[userID] = session
	m.mu.Unlock()

	if _, err := session.Entitlements.Refresh(ctx); err != nil {
		m.deps.Logger.Warn("initial entitlement refresh", "user_id", userID, "err", err)
	}
	return session, nil
}

func (m *SessionManager) Lookup(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[userID]
	return session, ok
}

// Resume reloads the balance and entitlement of a live session. It is what a
// provider push or a returning user triggers. ok is false when userID has no
// live session.
func (m *SessionManager) Resume(ctx context.Context, userID string) (models.Entitlement, bool, error) {
	session, ok := m.Lookup(userID)
	if !ok {
		return models.Entitlement{}, false, nil
	}
	if err := session.Ledger.SignIn(ctx, userID); err != nil {
		return session.Entitlements.Current(), true, fmt.Errorf("reload balance: %w", err)
	}
	ent, err := session.Entitlements.Refresh(ctx)
	return ent, true, err
}

// Close cancels any running task and signs the session out.
func (m *SessionManager) Close(userID string) {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if task := session.ActiveTask(); task != nil {
		task.Cancel()
	}
	session.Ledger.SignOut()
}

func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
