package ledger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/model"
)

//go:embed medrecords.abi.json
var contractABI []byte

// ParseABI returns the contract ABI.
func ParseABI() (abi.ABI, error) { return abi.JSON(bytes.NewReader(contractABI)) }

// Backend is the subset of an Ethereum RPC client the ledger needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options tune an Ethereum ledger.
type Options struct {
	// Key signs transactions. A nil key yields a read-only ledger.
	Key     *ecdsa.PrivateKey
	ChainID *big.Int
	// LogPageSize bounds the block window of a single eth_getLogs call.
	LogPageSize uint64
	// PollInterval drives head polling when the endpoint cannot push logs.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Ethereum is a Ledger backed by a deployed contract.
type Ethereum struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	account  common.Address
	kinds    map[common.Hash]model.EventKind
	page     uint64
	poll     time.Duration
	log      *zap.Logger
}

var _ Ledger = (*Ethereum)(nil)

// NewEthereum binds the contract at address.
func NewEthereum(backend Backend, address common.Address, opts Options) (*Ethereum, error) {
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	e := &Ethereum{
		backend:  backend,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		kinds:    make(map[common.Hash]model.EventKind, len(model.EventKinds)),
		page:     opts.LogPageSize,
		poll:     opts.PollInterval,
		log:      opts.Logger,
	}
	if e.page == 0 {
		e.page = 5000
	}
	if e.poll <= 0 {
		e.poll = 4 * time.Second
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	for _, k := range model.EventKinds {
		ev, ok := parsed.Events[string(k)]
		if !ok {
			return nil, fmt.Errorf("abi: missing event %s", k)
		}
		e.kinds[ev.ID] = k
	}
	if opts.Key != nil {
		if opts.ChainID == nil {
			return nil, errors.New("chain id is required to sign transactions")
		}
		auth, err := bind.NewKeyedTransactorWithChainID(opts.Key, opts.ChainID)
		if err != nil {
			return nil, err
		}
		e.auth = auth
		e.account = crypto.PubkeyToAddress(opts.Key.PublicKey)
	}
	return e, nil
}

// Account returns the signing account, or the zero address for a read-only ledger.
func (e *Ethereum) Account() common.Address { return e.account }

// Address returns the contract address.
func (e *Ethereum) Address() common.Address { return e.address }

func (e *Ethereum) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: e.account}
	if err := e.contract.Call(opts, &out, method, args...); err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

// User calls users(address).
func (e *Ethereum) User(ctx context.Context, addr common.Address) (model.UserRecord, error) {
	out, err := e.call(ctx, "users", addr)
	if err != nil {
		return model.UserRecord{}, err
	}
	if len(out) != 4 {
		return model.UserRecord{}, fmt.Errorf("users: unexpected %d outputs", len(out))
	}
	name, _ := out[0].(string)
	role, _ := out[1].(uint8)
	active, _ := out[2].(bool)
	cid, _ := out[3].(string)
	return model.UserRecord{
		Address:   addr,
		Name:      name,
		Role:      model.Role(role),
		IsActive:  active,
		ContentID: cid,
	}, nil
}

// UserRole calls getUserRole(address).
func (e *Ethereum) UserRole(ctx context.Context, addr common.Address) (model.Role, error) {
	out, err := e.call(ctx, "getUserRole", addr)
	if err != nil {
		return 0, err
	}
	role, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("getUserRole: unexpected output %T", out[0])
	}
	return model.Role(role), nil
}

// DoctorAccess calls doctorAccess(patient, doctor).
func (e *Ethereum) DoctorAccess(ctx context.Context, patient, doctor common.Address) (bool, error) {
	out, err := e.call(ctx, "doctorAccess", patient, doctor)
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// Head returns the latest block number.
func (e *Ethereum) Head(ctx context.Context) (uint64, error) {
	n, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return n, nil
}

// Events pages through [from, to] in windows of LogPageSize blocks.
func (e *Ethereum) Events(ctx context.Context, kind model.EventKind, from, to uint64) ([]model.Event, error) {
	ev, ok := e.abi.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	var out []model.Event
	for start := from; start <= to; {
		end := to
		if to-start >= e.page {
			end = start + e.page - 1
		}
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{e.address},
			Topics:    [][]common.Hash{{ev.ID}},
		}
		logs, err := e.backend.FilterLogs(ctx, q)
		if err != nil {
			return nil, classify(fmt.Sprintf("get logs %s [%d,%d]", kind, start, end), err)
		}
		for _, l := range logs {
			if l.Removed {
				continue
			}
			decoded, err := e.decode(l)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
		}
		if end == to {
			break
		}
		start = end + 1
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (e *Ethereum) decode(l types.Log) (model.Event, error) {
	if len(l.Topics) == 0 {
		return model.Event{}, errors.New("log without topics")
	}
	kind, ok := e.kinds[l.Topics[0]]
	if !ok {
		return model.Event{}, fmt.Errorf("unknown event topic %s", l.Topics[0].Hex())
	}
	need := 2
	if kind == model.EventAccessRequested || kind == model.EventAccessGranted || kind == model.EventAccessRevoked {
		need = 3
	}
	if len(l.Topics) < need {
		return model.Event{}, fmt.Errorf("%s log: %d topics, want %d", kind, len(l.Topics), need)
	}
	ev := model.Event{
		Kind:        kind,
		Address:     common.BytesToAddress(l.Topics[1].Bytes()),
		BlockNumber: l.BlockNumber,
		TxIndex:     l.TxIndex,
		LogIndex:    l.Index,
		TxHash:      l.TxHash,
	}
	if need == 3 {
		ev.Counterparty = common.BytesToAddress(l.Topics[2].Bytes())
	}
	return ev, nil
}

func (e *Ethereum) transact(ctx context.Context, method string, args ...any) (model.Receipt, error) {
	if e.auth == nil {
		return model.Receipt{}, fmt.Errorf("%s: read-only session: %w", method, errs.ErrUnauthorized)
	}
	opts := *e.auth
	opts.Context = ctx
	tx, err := e.contract.Transact(&opts, method, args...)
	if err != nil {
		return model.Receipt{}, classify(method, err)
	}
	e.log.Info("tx sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))
	rcpt, err := bind.WaitMined(ctx, e.backend, tx)
	if err != nil {
		return model.Receipt{}, classify(method, err)
	}
	if rcpt.Status == types.ReceiptStatusFailed {
		return model.Receipt{}, fmt.Errorf("%s: transaction %s reverted: %w", method, tx.Hash().Hex(), errs.ErrUnauthorized)
	}
	r := model.Receipt{TxHash: rcpt.TxHash, GasUsed: rcpt.GasUsed}
	if rcpt.BlockNumber != nil {
		r.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	return r, nil
}

// AddUser submits addUser.
func (e *Ethereum) AddUser(ctx context.Context, addr common.Address, name string, role model.Role, cid string) (model.Receipt, error) {
	return e.transact(ctx, "addUser", addr, name, uint8(role), cid)
}

// UpdateUser submits updateUser.
func (e *Ethereum) UpdateUser(ctx context.Context, addr common.Address, name, cid string) (model.Receipt, error) {
	return e.transact(ctx, "updateUser", addr, name, cid)
}

// DeleteUser submits deleteUser.
func (e *Ethereum) DeleteUser(ctx context.Context, addr common.Address) (model.Receipt, error) {
	return e.transact(ctx, "deleteUser", addr)
}

// RequestAccess submits requestAccess from the signing account.
func (e *Ethereum) RequestAccess(ctx context.Context, patient common.Address) (model.Receipt, error) {
	return e.transact(ctx, "requestAccess", patient)
}

// AddDocument submits addDocument.
func (e *Ethereum) AddDocument(ctx context.Context, patient common.Address, name, cid string) (model.Receipt, error) {
	return e.transact(ctx, "addDocument", patient, name, cid)
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe streams events of kind from the current head on. Endpoints without push support
// (plain HTTP) are polled every PollInterval instead.
func (e *Ethereum) Subscribe(ctx context.Context, kind model.EventKind, h Handler) (Subscription, error) {
	ev, ok := e.abi.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	q := ethereum.FilterQuery{Addresses: []common.Address{e.address}, Topics: [][]common.Hash{{ev.ID}}}
	logs := make(chan types.Log, 16)
	feed, err := e.backend.SubscribeFilterLogs(ctx, q, logs)
	switch {
	case err == nil:
		go e.push(ctx, kind, feed, logs, h, sub.done)
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		head, herr := e.Head(ctx)
		if herr != nil {
			cancel()
			return nil, herr
		}
		e.log.Info("push unsupported, polling", zap.String("kind", string(kind)), zap.Duration("every", e.poll))
		go e.pollLoop(ctx, kind, head, h, sub.done)
	default:
		cancel()
		return nil, classify("subscribe "+string(kind), err)
	}
	return sub, nil
}

func (e *Ethereum) push(ctx context.Context, kind model.EventKind, feed ethereum.Subscription, logs <-chan types.Log, h Handler, done chan<- struct{}) {
	defer close(done)
	defer feed.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-feed.Err():
			if err != nil {
				e.log.Warn("subscription dropped", zap.String("kind", string(kind)), zap.Error(err))
			}
			return
		case l := <-logs:
			if l.Removed {
				continue
			}
			ev, err := e.decode(l)
			if err != nil {
				e.log.Warn("undecodable log", zap.String("kind", string(kind)), zap.Error(err))
				continue
			}
			h(ev)
		}
	}
}

func (e *Ethereum) pollLoop(ctx context.Context, kind model.EventKind, last uint64, h Handler, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(e.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		head, err := e.Head(ctx)
		if err != nil {
			e.log.Warn("poll head", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if head <= last {
			continue
		}
		evs, err := e.Events(ctx, kind, last+1, head)
		if err != nil {
			e.log.Warn("poll events", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		for _, ev := range evs {
			h(ev)
		}
		last = head
	}
}
