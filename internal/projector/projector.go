// Package projector derives each address's live/deleted state from the add/delete event log.
package projector

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/and161185/medledger/internal/model"
)

// Project folds the full add and delete logs into per-address states.
//
// An address is Live iff it has an add and no delete at or after its latest add block.
// A delete in the same block as the latest add wins. Input order is irrelevant.
func Project(added, deleted []model.Event) map[common.Address]model.LiveState {
	inc := NewIncremental()
	inc.Apply(added, deleted, 0)
	return inc.States()
}

// LiveAddresses returns the live addresses in byte order.
func LiveAddresses(states map[common.Address]model.LiveState) []common.Address {
	out := make([]common.Address, 0, len(states))
	for a, s := range states {
		if s == model.Live {
			out = append(out, a)
		}
	}
	SortAddresses(out)
	return out
}

// SortAddresses sorts in place by byte order.
func SortAddresses(a []common.Address) {
	sort.Slice(a, func(i, j int) bool { return bytes.Compare(a[i][:], a[j][:]) < 0 })
}

// Incremental keeps the per-address maxima between runs so new events can be folded in
// without replaying history.
type Incremental struct {
	lastAdd    map[common.Address]uint64
	lastDelete map[common.Address]uint64
	// LastBlock is the highest block covered by applied batches.
	LastBlock uint64
}

// NewIncremental returns an empty projection.
func NewIncremental() *Incremental {
	return &Incremental{
		lastAdd:    map[common.Address]uint64{},
		lastDelete: map[common.Address]uint64{},
	}
}

// Apply folds a batch of events. upTo advances the checkpoint; it never moves backwards.
// Re-applying an event is harmless because only maxima are kept.
func (p *Incremental) Apply(added, deleted []model.Event, upTo uint64) {
	for _, ev := range added {
		if b, ok := p.lastAdd[ev.Address]; !ok || ev.BlockNumber > b {
			p.lastAdd[ev.Address] = ev.BlockNumber
		}
		p.advance(ev.BlockNumber)
	}
	for _, ev := range deleted {
		if b, ok := p.lastDelete[ev.Address]; !ok || ev.BlockNumber > b {
			p.lastDelete[ev.Address] = ev.BlockNumber
		}
		p.advance(ev.BlockNumber)
	}
	p.advance(upTo)
}

func (p *Incremental) advance(b uint64) {
	if b > p.LastBlock {
		p.LastBlock = b
	}
}

// State returns the state of a single address. Unknown addresses are Deleted.
func (p *Incremental) State(a common.Address) model.LiveState {
	add, ok := p.lastAdd[a]
	if !ok {
		return model.Deleted
	}
	if del, ok := p.lastDelete[a]; ok && del >= add {
		return model.Deleted
	}
	return model.Live
}

// States returns the state of every address seen in either log.
func (p *Incremental) States() map[common.Address]model.LiveState {
	out := make(map[common.Address]model.LiveState, len(p.lastAdd)+len(p.lastDelete))
	for a := range p.lastAdd {
		out[a] = p.State(a)
	}
	for a := range p.lastDelete {
		out[a] = p.State(a)
	}
	return out
}
