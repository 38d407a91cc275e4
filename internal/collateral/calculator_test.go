package collateral

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

type countingSource struct {
	calls int
	ratio int64
}

func (c *countingSource) RequiredCollateral(ctx context.Context, loanAmount *big.Int) (*big.Int, error) {
	c.calls++
	out := new(big.Int).Mul(loanAmount, big.NewInt(c.ratio))
	return out.Div(out, big.NewInt(100)), nil
}

func TestRequiredShortCircuitsNonPositive(t *testing.T) {
	src := &countingSource{ratio: 150}
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		got, err := Required(context.Background(), src, amount)
		if err != nil {
			t.Fatalf("Required(%v): %v", amount, err)
		}
		if got.Sign() != 0 {
			t.Fatalf("Required(%v) = %s, want 0", amount, got)
		}
	}
	if src.calls != 0 {
		t.Fatalf("no external read expected, got %d", src.calls)
	}
}

func TestRequiredDelegatesWithoutConversion(t *testing.T) {
	src := &countingSource{ratio: 150}
	got, err := Required(context.Background(), src, big.NewInt(100))
	if err != nil {
		t.Fatalf("Required: %v", err)
	}
	if got.Int64() != 150 {
		t.Fatalf("want 150, got %s", got)
	}
	if src.calls != 1 {
		t.Fatalf("expected exactly one read, got %d", src.calls)
	}
}

func TestRatio(t *testing.T) {
	// 300 MATIC at $0.50 against 100 USDC at $1.00 is 150%.
	collateral := new(big.Int).Mul(big.NewInt(300), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	loan := big.NewInt(100_000_000)
	got := Ratio(collateral, 18, decimal.RequireFromString("0.5"), loan, 6, decimal.NewFromInt(1))
	if !got.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("want 150, got %s", got)
	}
	if !Ratio(collateral, 18, decimal.NewFromInt(1), big.NewInt(0), 6, decimal.NewFromInt(1)).IsZero() {
		t.Fatal("zero loan should yield zero ratio")
	}
}

func TestUnitConversion(t *testing.T) {
	if got := ToUnits(big.NewInt(1_500_000), 6); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("ToUnits: got %s", got)
	}
	if got := FromUnits(decimal.RequireFromString("1.2345678"), 6); got.Int64() != 1_234_567 {
		t.Fatalf("FromUnits: got %s", got)
	}
}
