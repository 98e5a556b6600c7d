// Package indexer copies the ledger event log into an EventRepository incrementally, so
// listings stop rescanning from genesis.
package indexer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/metrics"
	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/repository"
)

// Indexer pulls new events for every kind on each Sync.
type Indexer struct {
	ledger        ledger.Reader
	repo          repository.EventRepository
	confirmations uint64
	log           *zap.Logger

	mu sync.Mutex
}

// New constructs an indexer. Blocks within confirmations of the head are left for a later sync.
func New(l ledger.Reader, repo repository.EventRepository, confirmations uint64, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Indexer{ledger: l, repo: repo, confirmations: confirmations, log: log}
}

// Sync indexes (checkpoint, head-confirmations] and returns the new checkpoint. Concurrent
// calls are serialized.
func (x *Indexer) Sync(ctx context.Context) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cp, ok, err := x.repo.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	head, err := x.ledger.Head(ctx)
	if err != nil {
		return cp, err
	}
	if head < x.confirmations {
		return cp, nil
	}
	target := head - x.confirmations
	var from uint64
	if ok {
		if cp >= target {
			return cp, nil
		}
		from = cp + 1
	}

	var batch []model.Event
	counts := make(map[model.EventKind]int, len(model.EventKinds))
	for _, kind := range model.EventKinds {
		evs, err := x.ledger.Events(ctx, kind, from, target)
		if err != nil {
			return cp, err
		}
		counts[kind] = len(evs)
		batch = append(batch, evs...)
	}
	if err := x.repo.Append(ctx, batch, target); err != nil {
		return cp, err
	}

	for kind, n := range counts {
		metrics.IndexedEvents.WithLabelValues(string(kind)).Add(float64(n))
	}
	metrics.IndexedBlock.Set(float64(target))
	x.log.Debug("index synced",
		zap.Uint64("from", from),
		zap.Uint64("to", target),
		zap.Int("events", len(batch)),
	)
	return target, nil
}

// Run syncs every interval until ctx is done. report receives the outcome of each sync.
func (x *Indexer) Run(ctx context.Context, interval time.Duration, report func(error)) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := x.Sync(ctx)
		if err != nil && ctx.Err() == nil {
			x.log.Warn("index sync failed", zap.Error(err))
		}
		if report != nil && ctx.Err() == nil {
			report(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Source serves listings from the index.
type Source struct{ Repo repository.EventRepository }

// UserEvents returns the indexed add and delete logs.
func (s Source) UserEvents(ctx context.Context) (added, deleted []model.Event, err error) {
	if added, err = s.Repo.Events(ctx, model.EventUserAdded); err != nil {
		return nil, nil, err
	}
	if deleted, err = s.Repo.Events(ctx, model.EventUserDeleted); err != nil {
		return nil, nil, err
	}
	return added, deleted, nil
}
