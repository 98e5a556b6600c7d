// Package ledgertest provides an in-memory ledger for tests and dev mode.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/model"
)

type pair struct{ patient, doctor common.Address }

type subscriber struct {
	kind model.EventKind
	h    ledger.Handler
}

type state struct {
	mu           sync.Mutex
	defaultAdmin common.Address
	block        uint64
	records      map[common.Address]model.UserRecord
	access       map[pair]bool
	events       []model.Event
	subs         map[int]subscriber
	nextSub      int
	userErr      map[common.Address]error
	writeErr     error
	calls        map[string]int
	beforeWrite  func(method string, sender common.Address)
}

// Ledger is an in-memory contract double. It mines one block per write and enforces the two
// rules callers rely on: only the default admin adds admins, and addDocument needs the patient
// or a doctor holding access.
type Ledger struct {
	*state
	account common.Address
}

var _ ledger.Ledger = (*Ledger)(nil)

// New returns a ledger acting as defaultAdmin, registered as an active admin at block 1 the
// way the contract constructor does.
func New(defaultAdmin common.Address) *Ledger {
	s := &state{
		defaultAdmin: defaultAdmin,
		records:      map[common.Address]model.UserRecord{},
		access:       map[pair]bool{},
		subs:         map[int]subscriber{},
		userErr:      map[common.Address]error{},
		calls:        map[string]int{},
	}
	l := &Ledger{state: s, account: defaultAdmin}
	s.records[defaultAdmin] = model.UserRecord{Address: defaultAdmin, Name: "Admin", Role: model.RoleAdmin, IsActive: true}
	l.emitLocked(model.EventUserAdded, defaultAdmin, common.Address{})
	return l
}

// As returns a view of the same ledger sending transactions from account.
func (l *Ledger) As(account common.Address) *Ledger { return &Ledger{state: l.state, account: account} }

// Account returns the sender used for writes.
func (l *Ledger) Account() common.Address { return l.account }

// SetRecord overwrites a record without emitting events.
func (l *Ledger) SetRecord(rec model.UserRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.Address] = rec
}

// AppendEvent appends a raw event, advancing the head to its block when needed.
func (l *Ledger) AppendEvent(ev model.Event) {
	l.mu.Lock()
	if ev.BlockNumber > l.block {
		l.block = ev.BlockNumber
	}
	l.events = append(l.events, ev)
	hs := l.handlersLocked(ev.Kind)
	l.mu.Unlock()
	deliver(hs, ev)
}

// FailUser makes User(addr) return err; a nil err clears the failure.
func (l *Ledger) FailUser(addr common.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.userErr, addr)
		return
	}
	l.userErr[addr] = err
}

// FailWrites makes every write return err; a nil err clears the failure.
func (l *Ledger) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// BeforeWrite installs a hook run (unlocked) before each write is applied.
func (l *Ledger) BeforeWrite(fn func(method string, sender common.Address)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beforeWrite = fn
}

// Calls reports how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Grant records access for doctor on patient, as the patient's approval would.
func (l *Ledger) Grant(patient, doctor common.Address) {
	l.setAccess(patient, doctor, true, model.EventAccessGranted)
}

// Revoke removes doctor's access to patient.
func (l *Ledger) Revoke(patient, doctor common.Address) {
	l.setAccess(patient, doctor, false, model.EventAccessRevoked)
}

func (l *Ledger) setAccess(patient, doctor common.Address, ok bool, kind model.EventKind) {
	l.mu.Lock()
	l.access[pair{patient, doctor}] = ok
	ev, hs := l.emitLocked(kind, patient, doctor)
	l.mu.Unlock()
	deliver(hs, ev)
}

func (l *Ledger) count(method string) {
	l.mu.Lock()
	l.calls[method]++
	l.mu.Unlock()
}

// User returns the stored record, or a zero record for unknown addresses.
func (l *Ledger) User(ctx context.Context, addr common.Address) (model.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.UserRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["users"]++
	if err := l.userErr[addr]; err != nil {
		return model.UserRecord{}, err
	}
	rec, ok := l.records[addr]
	if !ok {
		return model.UserRecord{Address: addr}, nil
	}
	return rec, nil
}

// UserRole returns the stored role.
func (l *Ledger) UserRole(ctx context.Context, addr common.Address) (model.Role, error) {
	rec, err := l.User(ctx, addr)
	return rec.Role, err
}

// DoctorAccess reports the current grant.
func (l *Ledger) DoctorAccess(ctx context.Context, patient, doctor common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["doctorAccess"]++
	return l.access[pair{patient, doctor}], nil
}

// Head returns the last mined block.
func (l *Ledger) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

// Events returns matching events in ledger order.
func (l *Ledger) Events(ctx context.Context, kind model.EventKind, from, to uint64) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getLogs"]++
	var out []model.Event
	for _, ev := range l.events {
		if ev.Kind == kind && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (l *Ledger) write(ctx context.Context, method string, apply func() (model.Event, error)) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	l.count(method)
	l.mu.Lock()
	hook, werr := l.beforeWrite, l.writeErr
	l.mu.Unlock()
	if werr != nil {
		return model.Receipt{}, fmt.Errorf("%s: %w", method, werr)
	}
	if hook != nil {
		hook(method, l.account)
	}

	l.mu.Lock()
	ev, err := apply()
	if err != nil {
		l.mu.Unlock()
		return model.Receipt{}, fmt.Errorf("%s: %w", method, err)
	}
	var hs []ledger.Handler
	if ev.Kind != "" {
		ev, hs = l.emitLocked(ev.Kind, ev.Address, ev.Counterparty)
	} else {
		l.block++
	}
	rcpt := model.Receipt{BlockNumber: l.block, TxHash: common.BigToHash(new(big.Int).SetUint64(l.block))}
	l.mu.Unlock()
	deliver(hs, ev)
	return rcpt, nil
}

func revert(reason string) error {
	return fmt.Errorf("execution reverted: %s: %w", reason, errs.ErrUnauthorized)
}

// AddUser registers addr, or reactivates it when it was deleted.
func (l *Ledger) AddUser(ctx context.Context, addr common.Address, name string, role model.Role, cid string) (model.Receipt, error) {
	return l.write(ctx, "addUser", func() (model.Event, error) {
		if role == model.RoleAdmin && l.account != l.defaultAdmin {
			return model.Event{}, revert("only the default admin can add admins")
		}
		if cur, ok := l.records[addr]; ok && cur.IsActive {
			return model.Event{}, revert("user already exists")
		}
		l.records[addr] = model.UserRecord{Address: addr, Name: name, Role: role, IsActive: true, ContentID: cid}
		return model.Event{Kind: model.EventUserAdded, Address: addr}, nil
	})
}

// UpdateUser replaces name and content id.
func (l *Ledger) UpdateUser(ctx context.Context, addr common.Address, name, cid string) (model.Receipt, error) {
	return l.write(ctx, "updateUser", func() (model.Event, error) {
		cur, ok := l.records[addr]
		if !ok || !cur.IsActive {
			return model.Event{}, revert("user does not exist")
		}
		cur.Name, cur.ContentID = name, cid
		l.records[addr] = cur
		return model.Event{}, nil
	})
}

// DeleteUser deactivates addr.
func (l *Ledger) DeleteUser(ctx context.Context, addr common.Address) (model.Receipt, error) {
	return l.write(ctx, "deleteUser", func() (model.Event, error) {
		cur, ok := l.records[addr]
		if !ok || !cur.IsActive {
			return model.Event{}, revert("user does not exist")
		}
		cur.IsActive = false
		l.records[addr] = cur
		return model.Event{Kind: model.EventUserDeleted, Address: addr}, nil
	})
}

// RequestAccess records a request from the sending doctor.
func (l *Ledger) RequestAccess(ctx context.Context, patient common.Address) (model.Receipt, error) {
	return l.write(ctx, "requestAccess", func() (model.Event, error) {
		return model.Event{Kind: model.EventAccessRequested, Address: patient, Counterparty: l.account}, nil
	})
}

// AddDocument points the patient's record at cid.
func (l *Ledger) AddDocument(ctx context.Context, patient common.Address, name, cid string) (model.Receipt, error) {
	return l.write(ctx, "addDocument", func() (model.Event, error) {
		if l.account != patient && !l.access[pair{patient, l.account}] {
			return model.Event{}, revert("no access to patient")
		}
		cur, ok := l.records[patient]
		if !ok || !cur.IsActive {
			return model.Event{}, revert("patient does not exist")
		}
		cur.ContentID = cid
		l.records[patient] = cur
		return model.Event{Kind: model.EventDocumentAdded, Address: patient}, nil
	})
}

type subscription struct {
	l    *Ledger
	id   int
	once sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.l.mu.Lock()
		delete(s.l.subs, s.id)
		s.l.mu.Unlock()
	})
}

// Subscribe delivers future events of kind synchronously from the emitting call.
func (l *Ledger) Subscribe(ctx context.Context, kind model.EventKind, h ledger.Handler) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	l.subs[l.nextSub] = subscriber{kind: kind, h: h}
	return &subscription{l: l, id: l.nextSub}, nil
}

// Subscribers reports the number of open subscriptions.
func (l *Ledger) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Ledger) emitLocked(kind model.EventKind, addr, counterparty common.Address) (model.Event, []ledger.Handler) {
	l.block++
	ev := model.Event{Kind: kind, Address: addr, Counterparty: counterparty, BlockNumber: l.block}
	l.events = append(l.events, ev)
	return ev, l.handlersLocked(kind)
}

func (l *Ledger) handlersLocked(kind model.EventKind) []ledger.Handler {
	ids := make([]int, 0, len(l.subs))
	for id, s := range l.subs {
		if s.kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	hs := make([]ledger.Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, l.subs[id].h)
	}
	return hs
}

func deliver(hs []ledger.Handler, ev model.Event) {
	for _, h := range hs {
		h(ev)
	}
}
