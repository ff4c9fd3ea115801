// Package snapshot implements the State Snapshot component: a live,
// mutable image of batch progress that can be persisted on an interval
// or on demand and later reloaded to resume a partial run.
package snapshot

import (
	"context"
	"sync"
	"time"

	"batcheval/internal/model"
)

// Backend persists and reloads a StateSnapshot. Two backends are
// supported: a plain JSON file and an optional Redis-backed store for
// visibility across processes (not a coordination primitive — only one
// orchestrator instance is ever expected to own a given batch).
type Backend interface {
	Persist(ctx context.Context, snap model.StateSnapshot) error
	Load(ctx context.Context) (*model.StateSnapshot, error)
}

// Manager owns the live snapshot and coordinates periodic/final saves.
// Update is always called after the commit side of the per-row pipeline
// (export -> callback -> append), so a saved snapshot never references a
// row that has not been successfully exported.
type Manager struct {
	mu      sync.Mutex
	current model.StateSnapshot
	backend Backend
	onSave  func(model.StateSnapshot) error

	timerCancel context.CancelFunc
	timerDone   chan struct{}
}

// New creates a Manager. backend and onSave may each be nil.
func New(backend Backend, onSave func(model.StateSnapshot) error) *Manager {
	return &Manager{backend: backend, onSave: onSave}
}

// Initialize installs the starting snapshot.
func (m *Manager) Initialize(snap model.StateSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = snap
}

// Update applies mutate to the live snapshot under lock and stamps
// LastUpdateTime, without persisting.
func (m *Manager) Update(mutate func(*model.StateSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.current)
	m.current.LastUpdateTime = time.Now()
}

// Current returns a defensive copy of the live snapshot.
func (m *Manager) Current() model.StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Save writes the current snapshot to the configured backend (if any)
// and invokes the user callback (if any).
func (m *Manager) Save(ctx context.Context) error {
	snap := m.Current()
	if m.backend != nil {
		if err := m.backend.Persist(ctx, snap); err != nil {
			return err
		}
	}
	if m.onSave != nil {
		return m.onSave(snap)
	}
	return nil
}

// Load reads a previously persisted snapshot from the configured backend.
// Returns nil, nil if no backend is configured.
func (m *Manager) Load(ctx context.Context) (*model.StateSnapshot, error) {
	if m.backend == nil {
		return nil, nil
	}
	return m.backend.Load(ctx)
}

// StartPeriodicSave fires Save on every tick of interval until ctx is
// cancelled or Cleanup is called. Save errors are
// reported through onErr (which may be nil to ignore them); they do not
// stop the timer, matching the orchestrator's priority of keeping the
// batch itself moving over a transient persistence failure.
func (m *Manager) StartPeriodicSave(ctx context.Context, interval time.Duration, onErr func(error)) {
	if interval <= 0 {
		return
	}
	timerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.timerCancel = cancel
	m.timerDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Save(timerCtx); err != nil && onErr != nil {
					onErr(err)
				}
			case <-timerCtx.Done():
				return
			}
		}
	}()
}

// Cleanup stops the periodic timer (if running) and performs one final
// save.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.timerCancel != nil {
		m.timerCancel()
		<-m.timerDone
	}
	return m.Save(ctx)
}
