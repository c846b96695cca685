//go:build integration

package trade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kverko/fiatswap/internal/offer"
	"github.com/kverko/fiatswap/internal/testutil"
)

func pgTrade(id string, state State, expiresAt time.Time) *Trade {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Trade{
		ID:          id,
		OfferID:     "off_pg001",
		Direction:   offer.DirectionBuy,
		Buyer:       "0xbuyer000000000000000000000000000000001",
		Seller:      "0xseller00000000000000000000000000000001",
		Fiat:        "USD",
		Denom:       "uatom",
		Amount:      100000,
		LockedPrice: 950,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   expiresAt.Truncate(time.Microsecond),
		UpdatedAt:   now,
		History:     []HistoryEntry{{State: state, Actor: "0xseller00000000000000000000000000000001", At: now}},
	}
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := pgTrade("trd_pg001", StateRequestCreated, time.Now().UTC().Add(time.Hour))
	require.NoError(t, store.Create(ctx, tr))

	got, err := store.Get(ctx, "trd_pg001")
	require.NoError(t, err)
	require.Equal(t, tr.Buyer, got.Buyer)
	require.Equal(t, tr.Seller, got.Seller)
	require.Equal(t, tr.Amount, got.Amount)
	require.Equal(t, tr.LockedPrice, got.LockedPrice)
	require.Equal(t, StateRequestCreated, got.State)
	require.Len(t, got.History, 1)
	require.Equal(t, StateRequestCreated, got.History[0].State)
	require.Nil(t, got.DisputeDeadline)
	require.Empty(t, got.Arbitrator)
}

func TestPostgresStore_UpdatePersistsDisputeFields(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := pgTrade("trd_pg002", StateEscrowFunded, time.Now().UTC().Add(time.Hour))
	require.NoError(t, store.Create(ctx, tr))

	deadline := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Microsecond)
	tr.State = StateDisputeOpened
	tr.Arbitrator = "0xarb0000000000000000000000000000000000a"
	tr.ArbitratorProof = "deadbeef"
	tr.DisputeReason = "fiat never arrived"
	tr.DisputeDeadline = &deadline
	tr.History = append(tr.History, HistoryEntry{State: StateDisputeOpened, Actor: tr.Seller, At: time.Now().UTC()})
	require.NoError(t, store.Update(ctx, tr))

	got, err := store.Get(ctx, "trd_pg002")
	require.NoError(t, err)
	require.Equal(t, StateDisputeOpened, got.State)
	require.Equal(t, tr.Arbitrator, got.Arbitrator)
	require.Equal(t, "deadbeef", got.ArbitratorProof)
	require.Equal(t, "fiat never arrived", got.DisputeReason)
	require.NotNil(t, got.DisputeDeadline)
	require.True(t, deadline.Equal(*got.DisputeDeadline))
	require.Len(t, got.History, 2)
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	tr := pgTrade("trd_pg_none", StateRequestCreated, time.Now().UTC())
	require.ErrorIs(t, store.Update(context.Background(), tr), ErrTradeNotFound)
}

func TestPostgresStore_ListExpirable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := pgTrade("trd_pg_stale", StateRequestCreated, now.Add(-time.Minute))
	fresh := pgTrade("trd_pg_fresh", StateRequestCreated, now.Add(time.Hour))
	funded := pgTrade("trd_pg_funded", StateEscrowFunded, now.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, stale))
	require.NoError(t, store.Create(ctx, fresh))
	require.NoError(t, store.Create(ctx, funded))

	expirable, err := store.ListExpirable(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, expirable, 1)
	require.Equal(t, "trd_pg_stale", expirable[0].ID)
}

func TestPostgresStore_ListByParty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgTrade("trd_pg_a", StateRequestCreated, time.Now().UTC().Add(time.Hour))
	b := pgTrade("trd_pg_b", StateRequestCreated, time.Now().UTC().Add(time.Hour))
	b.Buyer = "0xother000000000000000000000000000000001"
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	trades, err := store.ListByParty(ctx, a.Seller, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	trades, err = store.ListByParty(ctx, a.Buyer, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "trd_pg_a", trades[0].ID)
}
