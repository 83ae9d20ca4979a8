package schema

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout
//
//	events:watermark:<entrypoint>       last fully reconciled block number
//	events:watermark_hash:<entrypoint>  hash of that block, used to detect reorgs
//	drop:<userOpHash>                   json DropRecord
const (
	WatermarkPrefix     = "events:watermark:"
	WatermarkHashPrefix = "events:watermark_hash:"
	DropPrefix          = "drop:"
)

func WatermarkKey(entryPoint common.Address) []byte {
	return []byte(WatermarkPrefix + strings.ToLower(entryPoint.Hex()))
}

func WatermarkHashKey(entryPoint common.Address) []byte {
	return []byte(WatermarkHashPrefix + strings.ToLower(entryPoint.Hex()))
}

func DropKey(hash common.Hash) []byte {
	return []byte(DropPrefix + hash.Hex())
}

// EntryPointFromWatermarkKey is the inverse of WatermarkKey.
func EntryPointFromWatermarkKey(key []byte) (common.Address, error) {
	raw := strings.TrimPrefix(string(key), WatermarkPrefix)
	if raw == string(key) || !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("not a watermark key: %s", string(key))
	}
	return common.HexToAddress(raw), nil
}
