package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoWallet is returned when a write is attempted without a signing key.
var ErrNoWallet = errors.New("chain: wallet not configured")

// Wallet signs transactions for a single account. Nonce management is left to
// the node's pending nonce for that account.
type Wallet interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyWallet signs with an in-memory secp256k1 key.
type KeyWallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeyWallet parses a hex private key, with or without 0x prefix.
func NewKeyWallet(hexKey string) (*KeyWallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, ErrNoWallet
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return NewKeyWalletFromKey(key), nil
}

// NewKeyWalletFromKey wraps an existing key.
func NewKeyWalletFromKey(key *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (w *KeyWallet) Address() common.Address { return w.addr }

func (w *KeyWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

var _ Wallet = (*KeyWallet)(nil)
