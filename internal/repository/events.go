// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/medledger/internal/model"
)

// EventRepository persists the indexed ledger event log and how far it reaches.
type EventRepository interface {
	// Append stores events and advances the checkpoint in one transaction. Events already
	// stored are skipped, so re-appending an overlapping range is harmless.
	Append(ctx context.Context, events []model.Event, checkpoint uint64) error
	// Events returns stored events of kind in ledger order.
	Events(ctx context.Context, kind model.EventKind) ([]model.Event, error)
	// Checkpoint returns the last indexed block; ok is false before the first sync.
	Checkpoint(ctx context.Context) (block uint64, ok bool, err error)
}
