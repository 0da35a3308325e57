package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/config"
	"github.com/p2ppsr/babbage-escrow/crypto"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

func newKey(t *testing.T) escrow.PubKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Compressed()
}

func openEntry(t *testing.T, seeker, platform escrow.PubKey, id byte) client.Entry {
	t.Helper()
	global := config.GlobalConfig{PlatformKey: platform, Policy: config.DefaultPolicy()}
	state, err := global.NewState(seeker, "index me", 1000)
	require.NoError(t, err)
	return client.Entry{
		Ref:   escrow.TokenRef{Contract: escrow.ContractID{id}},
		State: state,
		Value: escrow.NominalValue,
	}
}

func withBid(e client.Entry, furnisher escrow.PubKey) client.Entry {
	next := e
	next.Ref = e.Ref.Next()
	next.State = e.State.Clone()
	next.State.Bids = append(next.State.Bids, escrow.Bid{
		FurnisherKey: furnisher,
		Plans:        "plan",
		BidAmount:    200,
		TimeOfBid:    10,
		TimeRequired: 50,
	})
	return next
}

func openMemory(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestAdmitReplacesEarlierToken(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)
	seeker, platform, furnisher := newKey(t), newKey(t), newKey(t)

	genesis := openEntry(t, seeker, platform, 1)
	require.NoError(t, idx.Admit(ctx, genesis))
	bid := withBid(genesis, furnisher)
	require.NoError(t, idx.Admit(ctx, bid))

	entries, err := idx.Query(ctx, client.ByContract(genesis.Ref.Contract))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, bid.Ref, entries[0].Ref)
	require.Len(t, entries[0].State.Bids, 1)

	// A late write of the older token leaves the newer one in place.
	require.NoError(t, idx.Admit(ctx, genesis))
	entries, err = idx.Query(ctx, client.ByContract(genesis.Ref.Contract))
	require.NoError(t, err)
	require.Equal(t, bid.Ref, entries[0].Ref)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)
	seekerA, seekerB, platform, furnisher := newKey(t), newKey(t), newKey(t), newKey(t)

	a := openEntry(t, seekerA, platform, 1)
	b := withBid(openEntry(t, seekerB, platform, 2), furnisher)
	require.NoError(t, idx.Admit(ctx, a))
	require.NoError(t, idx.Admit(ctx, b))

	all, err := idx.Query(ctx, client.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	bySeeker, err := idx.Query(ctx, client.Filter{Seeker: &seekerB})
	require.NoError(t, err)
	require.Len(t, bySeeker, 1)
	require.Equal(t, b.Ref.Contract, bySeeker[0].Ref.Contract)

	byFurnisher, err := idx.Query(ctx, client.Filter{Furnisher: &furnisher})
	require.NoError(t, err)
	require.Len(t, byFurnisher, 1)
	require.Equal(t, b.Ref.Contract, byFurnisher[0].Ref.Contract)

	status := escrow.StatusInitial
	kind := escrow.ContractBid
	byPlatform, err := idx.Query(ctx, client.Filter{Platform: &platform, Status: &status, ContractType: &kind, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byPlatform, 1)

	disputed := escrow.StatusDisputedBySeeker
	none, err := idx.Query(ctx, client.Filter{Status: &disputed})
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func TestEvictDropsContractAndBidders(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)
	furnisher := newKey(t)
	entry := withBid(openEntry(t, newKey(t), newKey(t), 3), furnisher)
	require.NoError(t, idx.Admit(ctx, entry))

	require.NoError(t, idx.Evict(ctx, entry.Ref.Contract))
	entries, err := idx.Query(ctx, client.Filter{Furnisher: &furnisher})
	require.NoError(t, err)
	require.Empty(t, entries)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRetainDropsTokensOutsideLiveSet(t *testing.T) {
	ctx := context.Background()
	idx := openMemory(t)
	seeker, platform, furnisher := newKey(t), newKey(t), newKey(t)
	kept := withBid(openEntry(t, seeker, platform, 5), furnisher)
	ended := withBid(openEntry(t, seeker, platform, 6), furnisher)
	behind := openEntry(t, seeker, platform, 7)
	for _, e := range []client.Entry{kept, ended, behind} {
		require.NoError(t, idx.Admit(ctx, e))
	}

	dropped, err := idx.Retain(ctx, map[escrow.ContractID]uint64{
		kept.Ref.Contract:   kept.Ref.Sequence,
		behind.Ref.Contract: behind.Ref.Sequence + 2,
	})
	require.NoError(t, err)
	require.Equal(t, 2, dropped)

	entries, err := idx.Query(ctx, client.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, kept.Ref, entries[0].Ref)

	byFurnisher, err := idx.Query(ctx, client.Filter{Furnisher: &furnisher})
	require.NoError(t, err)
	require.Len(t, byFurnisher, 1)
}

func TestFileIndexPersists(t *testing.T) {
	ctx := context.Background()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "lookup.db"))
	require.NoError(t, err)

	idx, err := Open(dsn)
	require.NoError(t, err)
	entry := openEntry(t, newKey(t), newKey(t), 4)
	require.NoError(t, idx.Admit(ctx, entry))
	require.NoError(t, idx.Close())

	reopened, err := Open(dsn)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.Query(ctx, client.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, entry.Ref, entries[0].Ref)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)
	_, err = Open("")
	require.ErrorIs(t, err, ErrPathRequired)
}
