package config

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

func convertToAddressSlice(addresses []string) []common.Address {
	return lo.Uniq(lo.Map(addresses, func(addr string, _ int) common.Address {
		return common.HexToAddress(addr)
	}))
}
