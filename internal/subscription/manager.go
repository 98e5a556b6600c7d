// Package subscription manages live ledger event feeds and the refreshes they trigger.
package subscription

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/model"
)

// RefreshKinds are the events that change what a directory listing shows.
var RefreshKinds = []model.EventKind{
	model.EventUserAdded,
	model.EventUserDeleted,
	model.EventAccessGranted,
	model.EventAccessRevoked,
}

// Manager owns at most one subscription per event kind.
type Manager struct {
	src ledger.Subscriber
	log *zap.Logger

	mu      sync.Mutex
	handles map[model.EventKind]ledger.Subscription
}

// NewManager constructs a manager opening feeds on src.
func NewManager(src ledger.Subscriber, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{src: src, log: log, handles: map[model.EventKind]ledger.Subscription{}}
}

// Subscribe opens a feed for kind, cancelling the previous one first so a handler is
// never registered twice.
func (m *Manager) Subscribe(ctx context.Context, kind model.EventKind, h ledger.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.handles[kind]; ok {
		old.Cancel()
		delete(m.handles, kind)
		m.log.Debug("subscription replaced", zap.String("kind", string(kind)))
	}
	s, err := m.src.Subscribe(ctx, kind, h)
	if err != nil {
		return err
	}
	m.handles[kind] = s
	return nil
}

// Cancel closes the feed for kind, if any.
func (m *Manager) Cancel(kind model.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.handles[kind]; ok {
		s.Cancel()
		delete(m.handles, kind)
	}
}

// Active reports the number of open feeds.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close cancels every feed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.handles {
		s.Cancel()
		delete(m.handles, k)
	}
}

// RefreshOn subscribes every kind in RefreshKinds to r.Trigger.
func (m *Manager) RefreshOn(ctx context.Context, r *Refresher) error {
	for _, k := range RefreshKinds {
		if err := m.Subscribe(ctx, k, func(model.Event) { r.Trigger() }); err != nil {
			return err
		}
	}
	return nil
}

// Refresher runs a full refresh whenever triggered. Triggers arriving while a refresh is
// pending collapse into one.
type Refresher struct {
	fn   func(context.Context) error
	kick chan struct{}
	log  *zap.Logger
}

// NewRefresher wraps fn.
func NewRefresher(fn func(context.Context) error, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{fn: fn, kick: make(chan struct{}, 1), log: log}
}

// Trigger requests a refresh without blocking.
func (r *Refresher) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run executes refreshes until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			if err := r.fn(ctx); err != nil {
				r.log.Warn("refresh failed", zap.Error(err))
			}
		}
	}
}
