// internal/agent/manager.go
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

// pageCloseTimeout bounds releasing a finished session's tab.
const pageCloseTimeout = 5 * time.Second

// PageProvider hands out a fresh browser page per session.
type PageProvider interface {
	NewPage(ctx context.Context) (schemas.Page, error)
}

// ManagerOptions bounds the session manager.
type ManagerOptions struct {
	MaxConcurrentSessions int
	FinishedRetention     int
}

// ManagerOptionsFromConfig maps the agent configuration section.
func ManagerOptionsFromConfig(cfg config.AgentConfig) ManagerOptions {
	return ManagerOptions{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		FinishedRetention:     cfg.FinishedRetention,
	}
}

// Manager is the session control surface: start, cancel and inspect.
// Running sessions are tracked until they finish, after which only their
// SessionInfo is retained, in a bounded LRU.
type Manager struct {
	logger     *zap.Logger
	controller *Controller
	pages      PageProvider
	metrics    *observability.Metrics

	slots *semaphore.Weighted

	// Sessions run on rootCtx rather than the Start caller's context.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.RWMutex
	active   map[string]*Session
	finished *lru.Cache[string, SessionInfo]
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a Manager. metrics may be nil.
func NewManager(logger *zap.Logger, controller *Controller, pages PageProvider, metrics *observability.Metrics, opts ManagerOptions) (*Manager, error) {
	if controller == nil || pages == nil {
		return nil, fmt.Errorf("session manager requires a controller and a page provider")
	}
	if opts.MaxConcurrentSessions <= 0 {
		opts.MaxConcurrentSessions = 4
	}
	if opts.FinishedRetention <= 0 {
		opts.FinishedRetention = 256
	}
	finished, err := lru.New[string, SessionInfo](opts.FinishedRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to create session retention cache: %w", err)
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger.Named("session_manager"),
		controller: controller,
		pages:      pages,
		metrics:    metrics,
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrentSessions)),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		active:     make(map[string]*Session),
		finished:   finished,
	}, nil
}

// Start launches a session for goal and returns its id. ctx bounds only
// the acquisition of the browser page; the session itself runs until it
// terminates, is cancelled or the manager shuts down.
func (m *Manager) Start(ctx context.Context, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", ErrEmptyGoal
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrManagerClosed
	}

	if !m.slots.TryAcquire(1) {
		return "", ErrTooManySessions
	}
	page, err := m.pages.NewPage(ctx)
	if err != nil {
		m.slots.Release(1)
		return "", fmt.Errorf("failed to acquire browser page: %w", err)
	}

	sess := NewSession(uuid.NewString(), goal)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.slots.Release(1)
		m.closePage(sess.ID, page)
		return "", ErrManagerClosed
	}
	m.active[sess.ID] = sess
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.logger.Info("Session started.", zap.String("session_id", sess.ID), zap.String("goal", goal))
	go m.run(sess, page)
	return sess.ID, nil
}

func (m *Manager) run(sess *Session, page schemas.Page) {
	defer m.wg.Done()
	defer m.slots.Release(1)

	final := m.controller.Run(m.rootCtx, sess, page)
	m.closePage(sess.ID, page)

	m.mu.Lock()
	m.finished.Add(sess.ID, sess.Info())
	delete(m.active, sess.ID)
	m.mu.Unlock()

	m.metrics.SessionFinished(string(final.Status()))
	sess.markDone()
}

func (m *Manager) closePage(id string, page schemas.Page) {
	ctx, cancel := context.WithTimeout(context.Background(), pageCloseTimeout)
	defer cancel()
	if err := page.Close(ctx); err != nil {
		m.logger.Warn("Failed to close session page.", zap.String("session_id", id), zap.Error(err))
	}
}

// Cancel requests cooperative cancellation. Cancelling a session that has
// already finished is not an error.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.active[id]; ok {
		sess.RequestCancel()
		m.logger.Info("Session cancellation requested.", zap.String("session_id", id))
		return nil
	}
	if m.finished.Contains(id) {
		return nil
	}
	return ErrSessionNotFound
}

// Status returns the session's current state.
func (m *Manager) Status(id string) (schemas.SessionState, error) {
	info, err := m.Describe(id)
	if err != nil {
		return "", err
	}
	return info.State, nil
}

// Describe returns a snapshot of the session.
func (m *Manager) Describe(id string) (SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.active[id]; ok {
		return sess.Info(), nil
	}
	if info, ok := m.finished.Peek(id); ok {
		return info, nil
	}
	return SessionInfo{}, ErrSessionNotFound
}

// List returns every known session, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.active)+m.finished.Len())
	for _, sess := range m.active {
		out = append(out, sess.Info())
	}
	out = append(out, m.finished.Values()...)
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the session finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (SessionInfo, error) {
	m.mu.RLock()
	sess, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return m.Describe(id)
	}
	select {
	case <-sess.Done():
		return m.Describe(id)
	case <-ctx.Done():
		return sess.Info(), ctx.Err()
	}
}

// Shutdown refuses new sessions, asks every running one to cancel and waits
// for them. If ctx ends first, in-flight calls are interrupted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, sess := range m.active {
		sess.RequestCancel()
	}
	running := len(m.active)
	m.mu.Unlock()
	m.logger.Info("Shutting down session manager.", zap.Int("running_sessions", running))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.rootCancel()
		return nil
	case <-ctx.Done():
		m.logger.Warn("Sessions did not stop in time, interrupting them.")
		m.rootCancel()
		<-done
		return ctx.Err()
	}
}
