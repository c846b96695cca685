package trade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpiryEligibleOnlyBeforeEscrow(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	cases := []struct {
		state State
		want  bool
	}{
		{StateRequestCreated, true},
		{StateRequestAccepted, true},
		{StateEscrowFunded, false},
		{StateFiatDeposited, false},
		{StateDisputeOpened, false},
		{StateEscrowReleased, false},
	}
	for _, tc := range cases {
		tr := &Trade{State: tc.state, ExpiresAt: past}
		require.Equal(t, tc.want, ExpiryEligible(tr, now), string(tc.state))
	}

	// Not eligible before the deadline regardless of state.
	tr := &Trade{State: StateRequestCreated, ExpiresAt: now.Add(time.Minute)}
	require.False(t, ExpiryEligible(tr, now))
}

func TestRefundEntitled(t *testing.T) {
	tr := &Trade{Buyer: "0xaa", Seller: "0xbb", State: StateEscrowFunded}

	require.True(t, RefundEntitled(tr, "0xaa"))
	require.True(t, RefundEntitled(tr, "0xBB")) // case-insensitive
	require.False(t, RefundEntitled(tr, "0xcc"))

	tr.State = StateFiatDeposited
	require.True(t, RefundEntitled(tr, "0xaa"))
	require.False(t, RefundEntitled(tr, "0xbb"))

	tr.State = StateDisputeOpened
	require.False(t, RefundEntitled(tr, "0xaa"))
}

func TestInDisputeWindow(t *testing.T) {
	now := time.Now()

	tr := &Trade{}
	require.False(t, InDisputeWindow(tr, now))

	open := now.Add(time.Hour)
	tr.DisputeDeadline = &open
	require.True(t, InDisputeWindow(tr, now))

	closed := now.Add(-time.Hour)
	tr.DisputeDeadline = &closed
	require.False(t, InDisputeWindow(tr, now))
}

func TestTransitionTable(t *testing.T) {
	// Every terminal state permits nothing further.
	for _, s := range []State{
		StateRequestCancelled, StateRequestExpired,
		StateEscrowReleased, StateEscrowRefunded, StateDisputeResolved,
	} {
		require.True(t, s.Terminal(), string(s))
		require.Empty(t, transitions[s], string(s))
	}

	// Spot-check the forbidden shortcuts.
	require.False(t, StateRequestCreated.CanTransitionTo(StateEscrowFunded))
	require.False(t, StateRequestAccepted.CanTransitionTo(StateEscrowReleased))
	require.False(t, StateEscrowFunded.CanTransitionTo(StateEscrowReleased))
	require.False(t, StateDisputeOpened.CanTransitionTo(StateEscrowReleased))
	require.False(t, StateDisputeOpened.CanTransitionTo(StateEscrowRefunded))

	require.True(t, StateFiatDeposited.CanTransitionTo(StateEscrowReleased))
	require.True(t, StateDisputeOpened.CanTransitionTo(StateDisputeResolved))
}
