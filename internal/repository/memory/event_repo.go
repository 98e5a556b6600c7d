// Package memory keeps the event index in process memory for dev mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/repository"
)

type eventKey struct {
	block uint64
	log   uint
}

// EventRepo is an in-memory EventRepository.
type EventRepo struct {
	mu         sync.RWMutex
	events     map[eventKey]model.Event
	checkpoint uint64
	synced     bool
}

var _ repository.EventRepository = (*EventRepo)(nil)

// NewEventRepo constructs an empty repository.
func NewEventRepo() *EventRepo { return &EventRepo{events: map[eventKey]model.Event{}} }

// Append implements repository.EventRepository.
func (r *EventRepo) Append(ctx context.Context, events []model.Event, checkpoint uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		k := eventKey{ev.BlockNumber, ev.LogIndex}
		if _, ok := r.events[k]; !ok {
			r.events[k] = ev
		}
	}
	if !r.synced || checkpoint > r.checkpoint {
		r.checkpoint, r.synced = checkpoint, true
	}
	return nil
}

// Events implements repository.EventRepository.
func (r *EventRepo) Events(ctx context.Context, kind model.EventKind) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Checkpoint implements repository.EventRepository.
func (r *EventRepo) Checkpoint(ctx context.Context) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkpoint, r.synced, nil
}

// Len reports the number of stored events.
func (r *EventRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
