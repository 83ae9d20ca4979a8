package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// Floor for the tip so the bundle stays attractive to block builders on quiet chains.
	MinPriorityFee = big.NewInt(2_000_000_000)
	// Floor for maxFeePerGas on chains where the base fee is tiny but spiky.
	MinMaxFee = big.NewInt(20_000_000_000)
)

// FeeSource is the slice of the execution client needed to price a transaction.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the next bundle transaction.
func SuggestFee(ctx context.Context, client FeeSource) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	return FeeFor(header.BaseFee, tipCap)
}

// FeeFor applies the bundler's fee policy: a 13% buffer on the suggested tip, and twice the base
// fee plus tip as max fee so one full base fee doubling still lands.
func FeeFor(baseFee, tipCap *big.Int) (*big.Int, *big.Int, error) {
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(MinPriorityFee) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(MinPriorityFee)
	}

	if baseFee == nil {
		// pre-london chain
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	maxFeePerGas := new(big.Int).Add(
		new(big.Int).Mul(baseFee, big.NewInt(2)),
		maxPriorityFeePerGas,
	)
	if maxFeePerGas.Cmp(MinMaxFee) < 0 {
		maxFeePerGas = new(big.Int).Set(MinMaxFee)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}
