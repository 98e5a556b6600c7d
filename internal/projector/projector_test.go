package projector

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/and161185/medledger/internal/model"
)

func add(a common.Address, block uint64) model.Event {
	return model.Event{Kind: model.EventUserAdded, Address: a, BlockNumber: block}
}

func del(a common.Address, block uint64) model.Event {
	return model.Event{Kind: model.EventUserDeleted, Address: a, BlockNumber: block}
}

var (
	aaa = common.HexToAddress("0xAAA")
	bbb = common.HexToAddress("0xBBB")
	ccc = common.HexToAddress("0xCCC")
	ddd = common.HexToAddress("0xDDD")
)

func TestProject(t *testing.T) {
	tests := []struct {
		name    string
		added   []model.Event
		deleted []model.Event
		want    map[common.Address]model.LiveState
	}{
		{
			name:  "added only",
			added: []model.Event{add(aaa, 5)},
			want:  map[common.Address]model.LiveState{aaa: model.Live},
		},
		{
			name:    "re-added after delete is live",
			added:   []model.Event{add(aaa, 10), add(aaa, 30)},
			deleted: []model.Event{del(aaa, 20)},
			want:    map[common.Address]model.LiveState{aaa: model.Live},
		},
		{
			name:    "deleted after latest add",
			added:   []model.Event{add(bbb, 10)},
			deleted: []model.Event{del(bbb, 11)},
			want:    map[common.Address]model.LiveState{bbb: model.Deleted},
		},
		{
			name:    "delete-only address",
			deleted: []model.Event{del(ccc, 3)},
			want:    map[common.Address]model.LiveState{ccc: model.Deleted},
		},
		{
			name:    "same block tie: delete wins",
			added:   []model.Event{add(ddd, 7)},
			deleted: []model.Event{del(ddd, 7)},
			want:    map[common.Address]model.LiveState{ddd: model.Deleted},
		},
		{
			name: "empty log",
			want: map[common.Address]model.LiveState{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Project(tt.added, tt.deleted))
		})
	}
}

func randomLog(r *rand.Rand, n int) (added, deleted []model.Event) {
	addrs := []common.Address{aaa, bbb, ccc, ddd}
	for i := 0; i < n; i++ {
		a := addrs[r.Intn(len(addrs))]
		b := uint64(r.Intn(50))
		if r.Intn(2) == 0 {
			added = append(added, add(a, b))
		} else {
			deleted = append(deleted, del(a, b))
		}
	}
	return added, deleted
}

func TestProject_OrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		added, deleted := randomLog(r, 40)
		want := Project(added, deleted)

		r.Shuffle(len(added), func(i, j int) { added[i], added[j] = added[j], added[i] })
		r.Shuffle(len(deleted), func(i, j int) { deleted[i], deleted[j] = deleted[j], deleted[i] })
		require.Equal(t, want, Project(added, deleted))

		// duplicated delivery changes nothing
		require.Equal(t, want, Project(append(added, added...), append(deleted, deleted...)))
	}
}

func TestIncremental_MatchesFullRecompute(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		added, deleted := randomLog(r, 60)
		want := Project(added, deleted)

		cut := uint64(r.Intn(50))
		inc := NewIncremental()
		var a1, a2, d1, d2 []model.Event
		for _, ev := range added {
			if ev.BlockNumber <= cut {
				a1 = append(a1, ev)
			} else {
				a2 = append(a2, ev)
			}
		}
		for _, ev := range deleted {
			if ev.BlockNumber <= cut {
				d1 = append(d1, ev)
			} else {
				d2 = append(d2, ev)
			}
		}
		inc.Apply(a1, d1, cut)
		require.GreaterOrEqual(t, inc.LastBlock, cut)
		inc.Apply(a2, d2, 60)
		require.Equal(t, uint64(60), inc.LastBlock)
		require.Equal(t, want, inc.States())
	}
}

func TestLiveAddresses_Sorted(t *testing.T) {
	states := map[common.Address]model.LiveState{
		ddd: model.Live, aaa: model.Live, ccc: model.Deleted, bbb: model.Live,
	}
	require.Equal(t, []common.Address{aaa, bbb, ddd}, LiveAddresses(states))
}
