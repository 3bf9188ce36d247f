package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs Safe transaction hashes with a single owner key.
type Wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewWallet parses a hex private key, with or without 0x.
func NewWallet(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (w *Wallet) Address() common.Address { return w.addr }

// SignHash returns a 65 byte r||s||v signature with v in {27, 28}, the form
// Safe accepts for owner signatures over the SafeTx hash.
func (w *Wallet) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), w.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
