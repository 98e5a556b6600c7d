// Package ledger defines the client for the medical-records contract and its Ethereum implementation.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/and161185/medledger/internal/model"
)

// Reader exposes the contract's view functions and event log.
type Reader interface {
	// User returns the current record for addr. Unknown addresses yield a zero record.
	User(ctx context.Context, addr common.Address) (model.UserRecord, error)
	// UserRole returns the role stored for addr.
	UserRole(ctx context.Context, addr common.Address) (model.Role, error)
	// DoctorAccess reports whether doctor may read patient's full profile.
	DoctorAccess(ctx context.Context, patient, doctor common.Address) (bool, error)
	// Head returns the latest block number.
	Head(ctx context.Context) (uint64, error)
	// Events returns events of kind in blocks [from, to], ordered by block, tx index, log index.
	Events(ctx context.Context, kind model.EventKind, from, to uint64) ([]model.Event, error)
}

// Writer submits state-changing transactions and waits for their receipts.
type Writer interface {
	AddUser(ctx context.Context, addr common.Address, name string, role model.Role, cid string) (model.Receipt, error)
	UpdateUser(ctx context.Context, addr common.Address, name, cid string) (model.Receipt, error)
	DeleteUser(ctx context.Context, addr common.Address) (model.Receipt, error)
	RequestAccess(ctx context.Context, patient common.Address) (model.Receipt, error)
	AddDocument(ctx context.Context, patient common.Address, name, cid string) (model.Receipt, error)
}

// Handler receives pushed events. It runs on the subscription's goroutine.
type Handler func(model.Event)

// Subscription is a live event feed. Cancel stops delivery and must not be called from the handler.
type Subscription interface {
	Cancel()
}

// Subscriber opens live event feeds.
type Subscriber interface {
	Subscribe(ctx context.Context, kind model.EventKind, h Handler) (Subscription, error)
}

// Ledger is the full client surface.
type Ledger interface {
	Reader
	Writer
	Subscriber
}
