package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/chain/chaintest"
)

func newWallet(t *testing.T) *chain.KeyWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return chain.NewKeyWalletFromKey(key)
}

func request() chain.TxRequest {
	return chain.TxRequest{
		ChainID: 80002,
		To:      common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Data:    []byte{0xde, 0xad, 0xbe, 0xef},
		Value:   big.NewInt(150),
		Method:  "origin.depositCollateral",
	}
}

func TestSubmitConfirmed(t *testing.T) {
	backend := chaintest.New(80002)
	tr := chain.NewTransactor(newWallet(t), chain.TransactorOptions{PollInterval: time.Millisecond}, zerolog.Nop())

	receipt, err := tr.Submit(context.Background(), backend, request())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sent := backend.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(sent))
	}
	if receipt.TxHash != sent[0].Hash() {
		t.Fatal("receipt should match the broadcast transaction")
	}
	if sent[0].Value().Int64() != 150 {
		t.Fatalf("value not carried: %s", sent[0].Value())
	}
	if sent[0].ChainId().Uint64() != 80002 {
		t.Fatalf("transaction should be signed for chain 80002, got %s", sent[0].ChainId())
	}
}

func TestSubmitRejected(t *testing.T) {
	backend := chaintest.New(80002)
	backend.FailSend(errors.New("user denied transaction signature"))
	tr := chain.NewTransactor(newWallet(t), chain.TransactorOptions{}, zerolog.Nop())

	_, err := tr.Submit(context.Background(), backend, request())
	if !errors.Is(err, chain.ErrTxRejected) {
		t.Fatalf("expected ErrTxRejected, got %v", err)
	}
	if _, pending := chain.IsPending(err); pending {
		t.Fatal("a rejected send must not be reported as pending")
	}
}

func TestSubmitPendingUnconfirmed(t *testing.T) {
	backend := chaintest.New(80002)
	backend.HoldReceipts(true)
	tr := chain.NewTransactor(newWallet(t), chain.TransactorOptions{
		ConfirmTimeout: 20 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}, zerolog.Nop())

	_, err := tr.Submit(context.Background(), backend, request())
	pending, ok := chain.IsPending(err)
	if !ok {
		t.Fatalf("expected PendingError, got %v", err)
	}
	if pending.Hash != backend.Sent()[0].Hash() {
		t.Fatal("pending error should carry the broadcast hash")
	}
	if errors.Is(err, chain.ErrTxRejected) {
		t.Fatal("pending is not a rejection")
	}
}

func TestSubmitWithoutWallet(t *testing.T) {
	tr := chain.NewTransactor(nil, chain.TransactorOptions{}, zerolog.Nop())
	_, err := tr.Submit(context.Background(), chaintest.New(1), request())
	if !errors.Is(err, chain.ErrNoWallet) || !errors.Is(err, chain.ErrTxRejected) {
		t.Fatalf("expected ErrNoWallet wrapped in ErrTxRejected, got %v", err)
	}
}

func TestNewKeyWallet(t *testing.T) {
	if _, err := chain.NewKeyWallet(""); !errors.Is(err, chain.ErrNoWallet) {
		t.Fatalf("empty key should be ErrNoWallet, got %v", err)
	}
	w, err := chain.NewKeyWallet("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if w.Address() == (common.Address{}) {
		t.Fatal("wallet address should be derived")
	}
}
