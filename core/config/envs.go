package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var explorers = map[uint64]string{
	1:        "https://etherscan.io",
	17000:    "https://holesky.etherscan.io",
	11155111: "https://sepolia.etherscan.io",
	8453:     "https://basescan.org",
	84532:    "https://sepolia.basescan.org",
}

// ExplorerTxURL links a transaction on the chain's block explorer, or returns an empty string for
// chains we don't know.
func ExplorerTxURL(chainID uint64, txHash common.Hash) string {
	base, ok := explorers[chainID]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", base, txHash.Hex())
}
