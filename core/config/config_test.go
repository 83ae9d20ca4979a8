package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/model"
)

const minimalConfig = `
eth_rpc_url: http://localhost:8545
bundler_private_key: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
db_path: /tmp/ap-bundler-test
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	bundler := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	assert.Equal(t, bundler, c.BundlerAddress)
	assert.Equal(t, bundler, c.Beneficiary, "beneficiary falls back to the bundler address")
	assert.Equal(t, []common.Address{EntryPointV06}, c.EntryPoints)

	assert.Equal(t, 1000, c.Mempool.MaxSize)
	assert.Equal(t, model.KeyModeNonce, c.Mempool.KeyMode)
	assert.Equal(t, uint64(10), c.Reputation.MinInclusionDenominator)
	assert.Equal(t, "1000000000000000000", c.Reputation.MinStake.String())
	assert.Equal(t, uint64(5_000_000), c.Bundle.MaxBundleGas)
	assert.Equal(t, "auto", c.Execution.Mode)
	assert.Equal(t, 12*time.Second, c.Events.PollInterval)
	assert.True(t, c.DebugRpc)
	assert.Equal(t, "", c.Backup.Dir, "backups are off by default")
	assert.Equal(t, 24, c.Backup.Keep)
	assert.NotNil(t, c.Logger)
}

func TestParseOverrides(t *testing.T) {
	content := minimalConfig + `
beneficiary: "0x000000000000000000000000000000000000bEEF"
entrypoints:
  - "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
  - "0x5ff137d4b0fdcd49dca30c7cf57e578a026d2789"
mempool:
  key_mode: nonce_key
reputation:
  min_stake: "2e17"
execution:
  mode: interval
  interval: 1500ms
  max_pool_size: 5
events:
  poll_interval: 3s
backup:
  dir: /var/backups/ap-bundler
  interval: 30m
`
	c, err := Parse([]byte(content))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xbeef"), c.Beneficiary)
	assert.Len(t, c.EntryPoints, 1, "duplicate entry points are collapsed")
	assert.Equal(t, model.KeyModeNonceKey, c.Mempool.KeyMode)
	assert.Equal(t, 0, c.Reputation.MinStake.Cmp(big.NewInt(200_000_000_000_000_000)))
	assert.Equal(t, "interval", c.Execution.Mode)
	assert.Equal(t, 1500*time.Millisecond, c.Execution.Interval)
	assert.Equal(t, 5, c.Execution.MaxPoolSize)
	assert.Equal(t, 3*time.Second, c.Events.PollInterval)
	// untouched keys in a section keep their default
	assert.Equal(t, uint64(2), c.Events.ConfirmationDepth)
	assert.Equal(t, "/var/backups/ap-bundler", c.Backup.Dir)
	assert.Equal(t, 30*time.Minute, c.Backup.Interval)
	assert.Equal(t, 24, c.Backup.Keep)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing rpc url":  "bundler_private_key: \"0x01\"\ndb_path: /tmp/x\n",
		"bad mode":         minimalConfig + "execution:\n  mode: sometimes\n",
		"bad key mode":     minimalConfig + "mempool:\n  key_mode: lane\n",
		"bad private key":  "eth_rpc_url: http://localhost:8545\nbundler_private_key: nothex\ndb_path: /tmp/x\n",
		"fractional stake": minimalConfig + "reputation:\n  min_stake: \"0.5\"\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestNewConfigReadsExampleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	c, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8545", c.EthRpcUrl)

	_, err = NewConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestExplorerTxURL(t *testing.T) {
	hash := common.HexToHash("0x01")
	assert.Equal(t, "https://sepolia.etherscan.io/tx/"+hash.Hex(), ExplorerTxURL(11155111, hash))
	assert.Equal(t, "", ExplorerTxURL(31337, hash))
}
