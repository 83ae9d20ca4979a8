package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the bundler EOA that pays for and signs handleOps transactions.
type Signer struct {
	Address common.Address

	key  *ecdsa.PrivateKey
	opts *bind.TransactOpts
}

func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func New(key *ecdsa.PrivateKey, chainID *big.Int) (*Signer, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}

	return &Signer{
		Address: opts.From,
		key:     key,
		opts:    opts,
	}, nil
}

// SignTx signs a transaction for the chain the signer was built for.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return s.opts.Signer(s.Address, tx)
}
