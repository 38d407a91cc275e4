package contracts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/internal/chain"
)

// Role distinguishes the collateral ledger from loan-issuing ledgers.
type Role string

const (
	RoleOrigin      Role = "origin"
	RoleDestination Role = "destination"
)

// ErrChainMismatch indicates a connection serving a different chain than the binding expects.
var ErrChainMismatch = errors.New("contracts: live chain id does not match binding")

// ChainSpec is the static deployment description of one chain.
type ChainSpec struct {
	ChainID       uint64
	Name          string
	Role          Role
	Lending       common.Address
	Token         common.Address
	TokenSymbol   string
	TokenDecimals uint8
	NativeSymbol  string
}

// BindingSet holds the handles valid for one chain. The zero value means no binding.
type BindingSet struct {
	Spec        ChainSpec
	Origin      *Origin
	Destination *Destination
	Token       *Token
}

// Bound reports whether any handle is present.
func (b BindingSet) Bound() bool {
	return b.Origin != nil || b.Destination != nil
}

// ChainID returns the chain the set is bound to, or zero.
func (b BindingSet) ChainID() uint64 {
	if !b.Bound() {
		return 0
	}
	return b.Spec.ChainID
}

// Verify checks that conn still serves the bound chain.
func (b BindingSet) Verify(ctx context.Context, conn chain.Connection) error {
	if !b.Bound() {
		return nil
	}
	id, err := conn.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != b.Spec.ChainID {
		return fmt.Errorf("%w: expected %d, got %s", ErrChainMismatch, b.Spec.ChainID, id)
	}
	return nil
}

// Registry resolves chain ids to contract handles.
type Registry struct {
	specs   map[uint64]ChainSpec
	origin  ChainSpec
	dests   []ChainSpec
	current atomic.Pointer[BindingSet]
}

// NewRegistry validates specs. Exactly one origin chain is required.
func NewRegistry(specs []ChainSpec) (*Registry, error) {
	r := &Registry{specs: make(map[uint64]ChainSpec, len(specs))}
	origins := 0
	for _, s := range specs {
		if s.ChainID == 0 {
			return nil, fmt.Errorf("chain %q: chain id required", s.Name)
		}
		if _, dup := r.specs[s.ChainID]; dup {
			return nil, fmt.Errorf("chain id %d configured twice", s.ChainID)
		}
		if (s.Lending == common.Address{}) {
			return nil, fmt.Errorf("chain %d: lending address required", s.ChainID)
		}
		switch s.Role {
		case RoleOrigin:
			origins++
			r.origin = s
		case RoleDestination:
			if (s.Token == common.Address{}) {
				return nil, fmt.Errorf("chain %d: token address required", s.ChainID)
			}
			r.dests = append(r.dests, s)
		default:
			return nil, fmt.Errorf("chain %d: unknown role %q", s.ChainID, s.Role)
		}
		r.specs[s.ChainID] = s
	}
	if origins != 1 {
		return nil, fmt.Errorf("exactly one origin chain required, got %d", origins)
	}
	r.current.Store(&BindingSet{})
	return r, nil
}

// Spec returns the configured spec for chainID.
func (r *Registry) Spec(chainID uint64) (ChainSpec, bool) {
	s, ok := r.specs[chainID]
	return s, ok
}

// OriginSpec returns the origin chain spec.
func (r *Registry) OriginSpec() ChainSpec { return r.origin }

// Destinations returns the destination chain specs.
func (r *Registry) Destinations() []ChainSpec {
	out := make([]ChainSpec, len(r.dests))
	copy(out, r.dests)
	return out
}

// Bind builds the handles for chainID over conn. Unknown chains yield an empty set and false.
func (r *Registry) Bind(chainID uint64, conn chain.Connection) (BindingSet, bool) {
	spec, ok := r.specs[chainID]
	if !ok || conn == nil {
		return BindingSet{}, false
	}
	set := BindingSet{Spec: spec}
	switch spec.Role {
	case RoleOrigin:
		set.Origin = NewOrigin(spec.Lending, spec.ChainID, conn)
	case RoleDestination:
		set.Destination = NewDestination(spec.Lending, spec.ChainID, conn)
		set.Token = NewToken(spec.Token, spec.ChainID, spec.TokenSymbol, spec.TokenDecimals, conn)
	}
	return set, true
}

// Rebind reads the live chain id from conn and replaces the current set in a
// single store. A failed read clears the binding and returns the error.
func (r *Registry) Rebind(ctx context.Context, conn chain.Connection) (BindingSet, bool, error) {
	if conn == nil {
		r.current.Store(&BindingSet{})
		return BindingSet{}, false, nil
	}
	id, err := conn.ChainID(ctx)
	if err != nil {
		r.current.Store(&BindingSet{})
		return BindingSet{}, false, fmt.Errorf("read chain id: %w", err)
	}
	if !id.IsUint64() {
		r.current.Store(&BindingSet{})
		return BindingSet{}, false, nil
	}
	set, ok := r.Bind(id.Uint64(), conn)
	r.current.Store(&set)
	return set, ok, nil
}

// Current returns the most recently bound set.
func (r *Registry) Current() BindingSet {
	return *r.current.Load()
}
