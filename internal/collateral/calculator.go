// Package collateral derives collateral requirements. The ratio and price
// logic live in the origin contract; this package only guards the call and
// provides display helpers.
package collateral

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// Source is the origin contract method that prices a loan in collateral.
type Source interface {
	RequiredCollateral(ctx context.Context, loanAmount *big.Int) (*big.Int, error)
}

// Required returns the collateral for loanAmount in the origin chain's
// smallest native unit. Zero, negative or nil amounts return 0 without
// touching src.
func Required(ctx context.Context, src Source, loanAmount *big.Int) (*big.Int, error) {
	if loanAmount == nil || loanAmount.Sign() <= 0 {
		return new(big.Int), nil
	}
	return src.RequiredCollateral(ctx, loanAmount)
}

// ToUnits converts a smallest-unit amount into human units.
func ToUnits(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// FromUnits converts a human amount into the smallest unit, truncating extra precision.
func FromUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// Ratio returns the collateral value over the loan value as a percentage.
// Prices are USD per whole unit. A zero loan value yields zero.
func Ratio(collateral *big.Int, collateralDecimals uint8, collateralPrice decimal.Decimal, loan *big.Int, loanDecimals uint8, loanPrice decimal.Decimal) decimal.Decimal {
	loanValue := ToUnits(loan, loanDecimals).Mul(loanPrice)
	if loanValue.IsZero() {
		return decimal.Zero
	}
	collateralValue := ToUnits(collateral, collateralDecimals).Mul(collateralPrice)
	return collateralValue.Div(loanValue).Mul(decimal.NewFromInt(100)).Round(2)
}
