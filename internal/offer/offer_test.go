package offer

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func createTestOffer(t *testing.T, svc *Service) *Offer {
	t.Helper()
	o, err := svc.Create(context.Background(), "0xMaker", CreateRequest{
		Direction: DirectionSell,
		Fiat:      "usd",
		Denom:     "UUSDC",
		RateBps:   10_100,
		MinAmount: 10,
		MaxAmount: 1_000,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o
}

func TestCreate_NormalizesFields(t *testing.T) {
	svc := NewService(NewMemoryStore())
	o := createTestOffer(t, svc)

	if o.Owner != "0xmaker" {
		t.Errorf("Owner = %q, want lowercase", o.Owner)
	}
	if o.Fiat != "USD" {
		t.Errorf("Fiat = %q, want USD", o.Fiat)
	}
	if o.Denom != "uusdc" {
		t.Errorf("Denom = %q, want uusdc", o.Denom)
	}
	if o.State != StateActive {
		t.Errorf("State = %q, want active", o.State)
	}
}

func TestCreate_RejectsBadBounds(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.Create(context.Background(), "0xmaker", CreateRequest{
		Direction: DirectionBuy,
		Fiat:      "USD",
		Denom:     "uusdc",
		RateBps:   10_000,
		MinAmount: 500,
		MaxAmount: 100,
	})
	if !errors.Is(err, ErrInvalidBounds) {
		t.Fatalf("Create err = %v, want ErrInvalidBounds", err)
	}
}

func TestUpdate_OwnerOnly(t *testing.T) {
	svc := NewService(NewMemoryStore())
	o := createTestOffer(t, svc)

	rate := int64(10_200)
	if _, err := svc.Update(context.Background(), o.ID, "0xstranger", UpdateRequest{RateBps: &rate}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger Update err = %v, want ErrUnauthorized", err)
	}

	updated, err := svc.Update(context.Background(), o.ID, "0xMAKER", UpdateRequest{RateBps: &rate})
	if err != nil {
		t.Fatalf("owner Update failed: %v", err)
	}
	if updated.RateBps != 10_200 {
		t.Errorf("RateBps = %d, want 10200", updated.RateBps)
	}
}

func TestUpdate_PinnedOfferFreezesBounds(t *testing.T) {
	svc := NewService(NewMemoryStore())
	o := createTestOffer(t, svc)
	ctx := context.Background()

	if _, err := svc.Pin(ctx, o.ID); err != nil {
		t.Fatal(err)
	}

	min := int64(20)
	if _, err := svc.Update(ctx, o.ID, "0xmaker", UpdateRequest{MinAmount: &min}); !errors.Is(err, ErrOfferPinned) {
		t.Fatalf("bounds Update on pinned offer err = %v, want ErrOfferPinned", err)
	}

	// Rate and description remain mutable while pinned.
	rate := int64(9_900)
	desc := "faster release"
	if _, err := svc.Update(ctx, o.ID, "0xmaker", UpdateRequest{RateBps: &rate, Description: &desc}); err != nil {
		t.Fatalf("rate/description Update on pinned offer failed: %v", err)
	}

	// After the last trade closes, bounds unfreeze.
	if err := svc.Unpin(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, o.ID, "0xmaker", UpdateRequest{MinAmount: &min}); err != nil {
		t.Fatalf("bounds Update after unpin failed: %v", err)
	}
}

func TestPin_RequiresActiveState(t *testing.T) {
	svc := NewService(NewMemoryStore())
	o := createTestOffer(t, svc)
	ctx := context.Background()

	if _, err := svc.SetState(ctx, o.ID, "0xmaker", StatePaused); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Pin(ctx, o.ID); !errors.Is(err, ErrOfferInactive) {
		t.Fatalf("Pin on paused offer err = %v, want ErrOfferInactive", err)
	}
}

func TestPin_ConcurrentPinsAllCounted(t *testing.T) {
	svc := NewService(NewMemoryStore())
	o := createTestOffer(t, svc)
	ctx := context.Background()

	const pins = 50
	var wg sync.WaitGroup
	for i := 0; i < pins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Pin(ctx, o.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OpenTrades != pins {
		t.Fatalf("OpenTrades = %d after %d concurrent pins, want %d", got.OpenTrades, pins, pins)
	}

	for i := 0; i < pins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Unpin(ctx, o.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err = svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OpenTrades != 0 {
		t.Fatalf("OpenTrades = %d after matching unpins, want 0", got.OpenTrades)
	}
}

func TestList_Filters(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	createTestOffer(t, svc)
	if _, err := svc.Create(ctx, "0xother", CreateRequest{
		Direction: DirectionBuy,
		Fiat:      "EUR",
		Denom:     "uusdc",
		RateBps:   10_000,
		MinAmount: 1,
		MaxAmount: 10,
	}); err != nil {
		t.Fatal(err)
	}

	usd, err := svc.List(ctx, Filter{Fiat: "usd"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(usd) != 1 || usd[0].Fiat != "USD" {
		t.Errorf("List(fiat=usd) = %d offers, want 1 USD offer", len(usd))
	}

	buys, err := svc.List(ctx, Filter{Direction: DirectionBuy}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(buys) != 1 || buys[0].Direction != DirectionBuy {
		t.Errorf("List(direction=buy) = %d offers, want 1", len(buys))
	}
}

func TestAcceptsAmount(t *testing.T) {
	o := &Offer{MinAmount: 10, MaxAmount: 100}
	for amount, want := range map[int64]bool{9: false, 10: true, 55: true, 100: true, 101: false} {
		if got := o.AcceptsAmount(amount); got != want {
			t.Errorf("AcceptsAmount(%d) = %v, want %v", amount, got, want)
		}
	}
}
