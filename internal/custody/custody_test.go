package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestLedger(transfer TransferFunc) *Ledger {
	return NewLedger(NewMemoryStore(), transfer, nil)
}

func TestDeposit_DepositorMustBeCaller(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()

	// Attacker declares the victim as depositor.
	_, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xvictim", "0xattacker")
	if !errors.Is(err, ErrDepositorMismatch) {
		t.Fatalf("Deposit err = %v, want ErrDepositorMismatch", err)
	}

	// Victim's own funding still works afterwards.
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xVictim", "0xvictim"); err != nil {
		t.Fatalf("legitimate Deposit failed: %v", err)
	}
}

func TestDeposit_RejectsDoubleFunding(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xseller", "0xseller"); err != nil {
		t.Fatalf("first Deposit failed: %v", err)
	}
	_, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xseller", "0xseller")
	if !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("second Deposit err = %v, want ErrAlreadyFunded", err)
	}
}

func TestDeposit_RejectsNonPositiveAmount(t *testing.T) {
	l := newTestLedger(nil)
	for _, amount := range []int64{0, -5} {
		if _, err := l.Deposit(context.Background(), "trd_x", "uusdc", amount, "0xs", "0xs"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deposit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestRelease_PayoutsMustMatchEscrowExactly(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xseller", "0xseller"); err != nil {
		t.Fatal(err)
	}

	err := l.Release(ctx, "trd_1", []Payout{{Recipient: "0xbuyer", Amount: 99}})
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("short payout err = %v, want ErrInsufficientEscrow", err)
	}

	err = l.Release(ctx, "trd_1", []Payout{
		{Recipient: "0xbuyer", Amount: 97},
		{Recipient: "0xwarchest", Amount: 3},
	})
	if err != nil {
		t.Fatalf("exact payout failed: %v", err)
	}

	// Escrow is terminal now.
	if err := l.Release(ctx, "trd_1", []Payout{{Recipient: "0xbuyer", Amount: 100}}); !errors.Is(err, ErrEscrowCompleted) {
		t.Fatalf("repeat Release err = %v, want ErrEscrowCompleted", err)
	}

	bal, err := l.Balance(ctx, "trd_1")
	if err != nil || bal != 0 {
		t.Fatalf("Balance = %d, %v; want 0, nil", bal, err)
	}
}

func TestRefund_FullAmountNoFee(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 250, "0xseller", "0xseller"); err != nil {
		t.Fatal(err)
	}

	amount, err := l.Refund(ctx, "trd_1", "0xseller")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if amount != 250 {
		t.Errorf("refunded %d, want full 250", amount)
	}

	pending, err := l.Pending(ctx, "0xseller")
	if err != nil || len(pending) != 1 || pending[0].Amount != 250 {
		t.Fatalf("Pending = %+v, %v; want one credit of 250", pending, err)
	}
}

func TestWithdraw_DrainsOnceUnderConcurrency(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 1000, "0xseller", "0xseller"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "trd_1", []Payout{{Recipient: "0xbuyer", Amount: 1000}}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var total int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			credits, err := l.Withdraw(ctx, "0xbuyer")
			if err != nil {
				return // ErrNothingToWithdraw for the losers
			}
			mu.Lock()
			for _, c := range credits {
				total += c.Amount
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1000 {
		t.Errorf("total withdrawn = %d, want exactly 1000", total)
	}
	if _, err := l.Withdraw(ctx, "0xbuyer"); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("drained Withdraw err = %v, want ErrNothingToWithdraw", err)
	}
}

func TestWithdraw_TransferFailureRecredits(t *testing.T) {
	boom := errors.New("rpc down")
	fail := true
	l := newTestLedger(func(ctx context.Context, recipient, denom string, amount int64) error {
		if fail {
			return boom
		}
		return nil
	})
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 500, "0xseller", "0xseller"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "trd_1", []Payout{{Recipient: "0xbuyer", Amount: 500}}); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Withdraw(ctx, "0xbuyer"); !errors.Is(err, boom) {
		t.Fatalf("Withdraw err = %v, want transfer error", err)
	}

	// Balance was re-credited: a later withdraw succeeds in full.
	fail = false
	credits, err := l.Withdraw(ctx, "0xbuyer")
	if err != nil {
		t.Fatalf("retry Withdraw failed: %v", err)
	}
	if len(credits) != 1 || credits[0].Amount != 500 {
		t.Errorf("retry credits = %+v, want one credit of 500", credits)
	}
}

func TestWithdraw_ReentrancyDetected(t *testing.T) {
	l := NewLedger(NewMemoryStore(), nil, nil)
	var reentrantErr error
	l.transfer = func(ctx context.Context, recipient, denom string, amount int64) error {
		// A malicious transfer hook calling back into Withdraw.
		_, reentrantErr = l.Withdraw(ctx, recipient)
		return nil
	}

	ctx := context.Background()
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xseller", "0xseller"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "trd_1", []Payout{{Recipient: "0xbuyer", Amount: 100}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Withdraw(ctx, "0xbuyer"); err != nil {
		t.Fatalf("outer Withdraw failed: %v", err)
	}
	if !errors.Is(reentrantErr, ErrReentrancy) {
		t.Errorf("inner Withdraw err = %v, want ErrReentrancy", reentrantErr)
	}
}

func TestFreeze_BlocksNothingButMarksRecord(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "trd_1", "uusdc", 100, "0xseller", "0xseller"); err != nil {
		t.Fatal(err)
	}
	if err := l.Freeze(ctx, "trd_1"); err != nil {
		t.Fatal(err)
	}
	rec, err := l.Get(ctx, "trd_1")
	if err != nil || !rec.Frozen {
		t.Fatalf("record = %+v, %v; want frozen", rec, err)
	}

	// A direct release cannot touch a frozen escrow.
	if err := l.Release(ctx, "trd_1", []Payout{{Recipient: "0xbuyer", Amount: 100}}); !errors.Is(err, ErrEscrowFrozen) {
		t.Fatalf("Release of frozen escrow err = %v, want ErrEscrowFrozen", err)
	}

	// Dispute resolution still settles it.
	if err := l.Resolve(ctx, "trd_1", "released", []Payout{{Recipient: "0xbuyer", Amount: 100}}); err != nil {
		t.Fatalf("Resolve of frozen escrow failed: %v", err)
	}
	rec, _ = l.Get(ctx, "trd_1")
	if rec.Frozen || !rec.Completed || rec.Outcome != "released" {
		t.Errorf("settled record = %+v, want completed released unfrozen", rec)
	}
}
