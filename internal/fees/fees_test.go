package fees

import (
	"errors"
	"testing"
)

func TestValidate_CapEnforced(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero config", Config{}, false},
		{"at cap", Config{BurnBps: 200, ChainBps: 200, WarchestBps: 200, ConversionBps: 200, ArbitrationBps: 200}, false},
		{"over cap", Config{BurnBps: 500, ChainBps: 400, WarchestBps: 200}, true},
		{"custom cap respected", Config{BurnBps: 1500, MaxTotalBps: 2000}, false},
		{"custom cap exceeded", Config{BurnBps: 2500, MaxTotalBps: 2000}, true},
		{"negative component", Config{BurnBps: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidFeeConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidFeeConfig", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestCompute_ExactConservation(t *testing.T) {
	cfg := Config{BurnBps: 100, ChainBps: 50, WarchestBps: 150, ConversionBps: 30, ArbitrationBps: 70}

	// Amounts chosen to exercise truncation remainders.
	for _, amount := range []int64{0, 1, 99, 100, 10_000, 123_456_789, 1_000_000_000_000} {
		b := Compute(amount, cfg, true)
		if got := b.BuyerReceives + b.Total(); got != amount {
			t.Errorf("amount %d: buyerReceives+fees = %d, want exact amount", amount, got)
		}
		if b.BuyerReceives < 0 {
			t.Errorf("amount %d: negative buyerReceives %d", amount, b.BuyerReceives)
		}
	}
}

func TestCompute_TruncatesTowardZero(t *testing.T) {
	// 99 * 100 / 10000 = 0.99 → truncates to 0, remainder kept by buyer.
	b := Compute(99, Config{BurnBps: 100}, false)
	if b.Burn != 0 {
		t.Errorf("Burn = %d, want 0", b.Burn)
	}
	if b.BuyerReceives != 99 {
		t.Errorf("BuyerReceives = %d, want 99", b.BuyerReceives)
	}
}

func TestCompute_ArbitrationOnlyWhenRequested(t *testing.T) {
	cfg := Config{ArbitrationBps: 100}

	plain := Compute(10_000, cfg, false)
	if plain.Arbitration != 0 {
		t.Errorf("Arbitration = %d on a normal release, want 0", plain.Arbitration)
	}

	arbitrated := Compute(10_000, cfg, true)
	if arbitrated.Arbitration != 100 {
		t.Errorf("Arbitration = %d, want 100", arbitrated.Arbitration)
	}
	if arbitrated.BuyerReceives != 9_900 {
		t.Errorf("BuyerReceives = %d, want 9900", arbitrated.BuyerReceives)
	}
}
