package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("sync already running")
	ErrNotRunning     = errors.New("no sync running")
)

type worker struct {
	cancel context.CancelFunc
}

// Manager manages per-user sync runners
type Manager struct {
	poller     *Poller
	interval   time.Duration
	staleAfter time.Duration
	log        *logrus.Entry

	runners      map[string]*worker
	runnersMutex gosync.RWMutex
	wg           gosync.WaitGroup
}

// NewManager creates sync manager
func NewManager(poller *Poller, interval, staleAfter time.Duration, log *logrus.Entry) *Manager {
	return &Manager{
		poller:     poller,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.WithField("component", "sync_manager"),
		runners:    make(map[string]*worker),
	}
}

// StartSync starts a runner for userID. A runner that fails or panics only
// stops its own user.
func (m *Manager) StartSync(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[userID]; exists {
		return ErrAlreadyRunning
	}

	runner := NewRunner(m.poller, userID, m.interval, m.staleAfter, m.log)
	runnerCtx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel}
	m.runners[userID] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.WithField("user_id", userID).Errorf("sync runner panicked: %v", r)
			}
			m.runnersMutex.Lock()
			if m.runners[userID] == w {
				delete(m.runners, userID)
			}
			m.runnersMutex.Unlock()
			cancel()
			m.log.WithField("user_id", userID).Info("sync stop")
		}()

		m.log.WithField("user_id", userID).Info("sync start")
		if err := runner.Run(runnerCtx); err != nil {
			m.log.WithError(err).WithField("user_id", userID).Error("sync error")
		}
	}()

	return nil
}

// StopSync stops the runner for userID. The runner finishes its message in
// flight; use Wait to block until it has.
func (m *Manager) StopSync(userID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	w, exists := m.runners[userID]
	if !exists {
		return fmt.Errorf("%w for %s", ErrNotRunning, userID)
	}

	w.cancel()
	delete(m.runners, userID)
	return nil
}

// IsRunning checks if sync is running for a user
func (m *Manager) IsRunning(userID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[userID]
	return exists
}

// StopAll stops all running syncs
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for userID, w := range m.runners {
		m.log.WithField("user_id", userID).Info("stopping sync")
		w.cancel()
	}

	m.runners = make(map[string]*worker)
}

// Wait blocks until every started runner has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Running returns the users with an active runner, sorted.
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	users := make([]string, 0, len(m.runners))
	for userID := range m.runners {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
