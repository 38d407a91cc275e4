package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chain names the ledger side an action was sent to.
type Chain string

const (
	ChainOrigin      Chain = "origin"
	ChainDestination Chain = "destination"
)

// Type is the kind of user action. Values outside the known set are kept
// verbatim so newer writers never break older readers.
type Type string

const (
	TypeDepositCollateral Type = "deposit-collateral"
	TypeBorrow            Type = "borrow"
	TypeRepay             Type = "repay"
	TypeReleaseCollateral Type = "release-collateral"
	TypeLiquidate         Type = "liquidate"
)

// Known reports whether t is one of the types this build understands.
func (t Type) Known() bool {
	switch t {
	case TypeDepositCollateral, TypeBorrow, TypeRepay, TypeReleaseCollateral, TypeLiquidate:
		return true
	}
	return false
}

// Status of a recorded action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is pending or completed.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted
}

// Entry is one recorded cross-chain action.
type Entry struct {
	ID        string          `json:"id"`
	Chain     Chain           `json:"chain"`
	ChainID   uint64          `json:"chainId,omitempty"`
	Type      Type            `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token"`
	Status    Status          `json:"status"`
	TxHash    string          `json:"txHash"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event is delivered to subscribers after the stored ledger changed.
type Event struct {
	Entries []Entry
	At      time.Time
}
