package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const (
	fakeBlockTime   = 12
	fakeGenesisTime = 1_700_000_000
)

var _ chainio.ChainClient = (*FakeChain)(nil)

// revertError mimics the error geth returns for a reverted eth_call: code 3 with the revert bytes
// hex encoded in data.
type revertError struct {
	data []byte
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

// FakeChain is an in-memory execution client that understands just enough of the v0.6 entry point
// to drive the bundler end to end. Every handleOps transaction is mined into its own block, right
// away unless transactions are held.
type FakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	headers []*types.Header
	logs    []types.Log

	receipts map[common.Hash]*types.Receipt
	nonces   map[common.Address]uint64
	deposits map[common.Address]aa.IStakeManagerDepositInfo

	// scripted failures, keyed by op sender
	simFailures      map[common.Address]string
	estimateFailures map[common.Address]string
	chainFailures    map[common.Address]string

	sent [][]*userop.UserOperation
	txs  []*types.Transaction

	// held transactions wait in pending, by sender then nonce
	held    bool
	pending map[common.Address]map[uint64]*types.Transaction

	rpcErr  error
	baseFee *big.Int
	tipCap  *big.Int
}

func NewFakeChain() *FakeChain {
	c := &FakeChain{
		chainID:          new(big.Int).Set(ChainID),
		receipts:         map[common.Hash]*types.Receipt{},
		nonces:           map[common.Address]uint64{},
		pending:          map[common.Address]map[uint64]*types.Transaction{},
		deposits:         map[common.Address]aa.IStakeManagerDepositInfo{},
		simFailures:      map[common.Address]string{},
		estimateFailures: map[common.Address]string{},
		chainFailures:    map[common.Address]string{},
		baseFee:          big.NewInt(1_000_000_000),
		tipCap:           big.NewInt(1_000_000_000),
	}
	c.mineLocked(nil, nil)
	return c
}

// FailSimulation makes simulateValidation of any op from sender revert with FailedOp(0, reason).
func (c *FakeChain) FailSimulation(sender common.Address, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simFailures[sender] = reason
}

// FailOnEstimate makes eth_estimateGas of a handleOps batch containing sender revert with FailedOp.
func (c *FakeChain) FailOnEstimate(sender common.Address, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimateFailures[sender] = reason
}

// FailOnChain lets a batch containing sender pass estimation, then reverts it once mined. Replaying
// the batch with eth_call reports FailedOp for the op.
func (c *FakeChain) FailOnChain(sender common.Address, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainFailures[sender] = reason
}

// SetRpcError makes every call fail with err until it is reset with nil.
func (c *FakeChain) SetRpcError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpcErr = err
}

func (c *FakeChain) SetDeposit(account common.Address, info aa.IStakeManagerDepositInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits[account] = info
}

// SentBundles returns the ops of every handleOps transaction received, in order.
func (c *FakeChain) SentBundles() [][]*userop.UserOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]*userop.UserOperation, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTransactions returns every transaction received, replacements included, in order.
func (c *FakeChain) SentTransactions() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.txs))
	copy(out, c.txs)
	return out
}

// HoldTransactions keeps sent transactions pending instead of mining them. Releasing the hold mines
// whatever is pending.
func (c *FakeChain) HoldTransactions(hold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = hold
	if hold {
		return nil
	}
	return c.minePendingLocked()
}

// MinePending mines every pending transaction that has no nonce gap before it.
func (c *FakeChain) MinePending() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minePendingLocked()
}

// ConsumeNonce mines a transfer from account that takes its next nonce, evicting whatever was
// pending at that nonce.
func (c *FakeChain) ConsumeNonce(account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending[account], c.nonces[account])
	c.nonces[account]++
	c.mineLocked(nil, nil)
}

func (c *FakeChain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headLocked()
}

// MineEmpty appends n blocks without transactions.
func (c *FakeChain) MineEmpty(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.mineLocked(nil, nil)
	}
}

// AddLog mines a block holding a single log emitted by address.
func (c *FakeChain) AddLog(address common.Address, topics []common.Hash, data []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	header := c.mineLocked([]types.Log{{Address: address, Topics: topics, Data: data}}, nil)
	return header.Number.Uint64()
}

// Reorg replaces the last depth blocks with empty blocks carrying different hashes. Logs and
// receipts of the orphaned blocks disappear.
func (c *FakeChain) Reorg(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth >= len(c.headers) {
		depth = len(c.headers) - 1
	}
	cut := uint64(len(c.headers) - depth)
	c.headers = c.headers[:cut]
	c.logs = lo.Filter(c.logs, func(l types.Log, _ int) bool { return l.BlockNumber < cut })
	for hash, r := range c.receipts {
		if r.BlockNumber.Uint64() >= cut {
			delete(c.receipts, hash)
		}
	}
	for i := 0; i < depth; i++ {
		c.mineLocked(nil, []byte("reorg"))
	}
}

func (c *FakeChain) headLocked() uint64 {
	return uint64(len(c.headers) - 1)
}

func (c *FakeChain) mineLocked(logs []types.Log, extra []byte) *types.Header {
	number := uint64(len(c.headers))
	header := &types.Header{
		Number:  new(big.Int).SetUint64(number),
		Time:    fakeGenesisTime + number*fakeBlockTime,
		BaseFee: new(big.Int).Set(c.baseFee),
		Extra:   extra,
	}
	if number > 0 {
		header.ParentHash = c.headers[number-1].Hash()
	}
	c.headers = append(c.headers, header)

	for i := range logs {
		logs[i].BlockNumber = number
		logs[i].BlockHash = header.Hash()
		logs[i].Index = uint(len(c.logs))
		c.logs = append(c.logs, logs[i])
	}
	return header
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return 0, c.rpcErr
	}
	return c.headLocked(), nil
}

func (c *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return nil, c.rpcErr
	}
	if number == nil {
		return types.CopyHeader(c.headers[c.headLocked()]), nil
	}
	if !number.IsUint64() || number.Uint64() > c.headLocked() {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(c.headers[number.Uint64()]), nil
}

func (c *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return nil, c.rpcErr
	}
	return new(big.Int).Set(c.tipCap), nil
}

func (c *FakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return 0, c.rpcErr
	}
	nonce := c.nonces[account]
	for c.pending[account][nonce] != nil {
		nonce++
	}
	return nonce, nil
}

// NonceAt only knows the latest block.
func (c *FakeChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return 0, c.rpcErr
	}
	return c.nonces[account], nil
}

func (c *FakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return nil, c.rpcErr
	}
	if len(call.Data) < 4 {
		return nil, errors.New("empty calldata")
	}

	methods := aa.EntryPointABI().Methods
	switch {
	case bytes.Equal(call.Data[:4], methods["simulateValidation"].ID):
		values, err := methods["simulateValidation"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		op := abi.ConvertType(values[0], new(aa.UserOperation)).(*aa.UserOperation)
		return nil, c.simulateLocked(op.ToUserOp())

	case bytes.Equal(call.Data[:4], methods["getDepositInfo"].ID):
		values, err := methods["getDepositInfo"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		info, ok := c.deposits[values[0].(common.Address)]
		if !ok {
			info = aa.IStakeManagerDepositInfo{
				Deposit:      big.NewInt(0),
				Stake:        big.NewInt(0),
				WithdrawTime: big.NewInt(0),
			}
		}
		return aa.PackDepositInfoResult(info)

	case bytes.Equal(call.Data[:4], methods["handleOps"].ID):
		ops, _, err := aa.UnpackHandleOps(call.Data)
		if err != nil {
			return nil, err
		}
		if err := failedOpFor(ops, c.chainFailures); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return nil, fmt.Errorf("unsupported call 0x%x", call.Data[:4])
}

func (c *FakeChain) simulateLocked(op *userop.UserOperation) error {
	if reason, ok := c.simFailures[op.Sender]; ok {
		data, err := aa.EncodeFailedOp(0, reason)
		if err != nil {
			return err
		}
		return &revertError{data: data}
	}

	zero := aa.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)}
	stakeOf := func(addr common.Address) aa.StakeInfo {
		if info, ok := c.deposits[addr]; ok {
			return aa.StakeInfo{Stake: info.Stake, UnstakeDelaySec: big.NewInt(int64(info.UnstakeDelaySec))}
		}
		return zero
	}

	data, err := aa.EncodeValidationResult(&aa.ValidationResult{
		ReturnInfo: aa.ReturnInfo{
			PreOpGas:         new(big.Int).Add(op.PreVerificationGas, op.VerificationGasLimit),
			Prefund:          big.NewInt(0),
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(0),
			PaymasterContext: []byte{},
		},
		SenderInfo:    stakeOf(op.Sender),
		FactoryInfo:   stakeOf(op.Factory()),
		PaymasterInfo: stakeOf(op.Paymaster()),
	})
	if err != nil {
		return err
	}
	return &revertError{data: data}
}

func failedOpFor(ops []*userop.UserOperation, failures map[common.Address]string) error {
	for i, op := range ops {
		if reason, ok := failures[op.Sender]; ok {
			data, err := aa.EncodeFailedOp(i, reason)
			if err != nil {
				return err
			}
			return &revertError{data: data}
		}
	}
	return nil
}

func (c *FakeChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return 0, c.rpcErr
	}

	// a plain account call, as made when estimating callGasLimit
	if len(call.Data) < 4 || !bytes.Equal(call.Data[:4], aa.EntryPointABI().Methods["handleOps"].ID) {
		return 21_000 + 16*uint64(len(call.Data)), nil
	}

	ops, _, err := aa.UnpackHandleOps(call.Data)
	if err != nil {
		return 0, err
	}
	if err := failedOpFor(ops, c.estimateFailures); err != nil {
		return 0, err
	}

	gas := uint64(50_000)
	for _, op := range ops {
		gas += op.GasLimit().Uint64()
	}
	return gas, nil
}

func (c *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return c.rpcErr
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() < c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), c.nonces[from])
	}

	ops, _, err := aa.UnpackHandleOps(tx.Data())
	if err != nil {
		return err
	}

	queued := c.pending[from]
	if queued == nil {
		queued = map[uint64]*types.Transaction{}
		c.pending[from] = queued
	}
	if prev, ok := queued[tx.Nonce()]; ok {
		if !bumped(tx.GasTipCap(), prev.GasTipCap()) || !bumped(tx.GasFeeCap(), prev.GasFeeCap()) {
			return errors.New("replacement transaction underpriced")
		}
	} else if tx.Nonce() > c.nonces[from]+uint64(len(queued)) {
		return fmt.Errorf("nonce too high: have %d, want at most %d", tx.Nonce(), c.nonces[from]+uint64(len(queued)))
	}
	queued[tx.Nonce()] = tx
	c.sent = append(c.sent, ops)
	c.txs = append(c.txs, tx)

	if c.held {
		return nil
	}
	return c.minePendingLocked()
}

// bumped reports whether next is at least 10% above prev, the replacement rule of geth's pool.
func bumped(next, prev *big.Int) bool {
	floor := new(big.Int).Mul(prev, big.NewInt(110))
	return new(big.Int).Mul(next, big.NewInt(100)).Cmp(floor) >= 0
}

func (c *FakeChain) minePendingLocked() error {
	for from, queued := range c.pending {
		for {
			tx, ok := queued[c.nonces[from]]
			if !ok {
				break
			}
			delete(queued, tx.Nonce())
			c.nonces[from]++
			if err := c.includeLocked(tx); err != nil {
				return err
			}
		}
	}
	return nil
}

// includeLocked mines tx into a new block and stores its receipt.
func (c *FakeChain) includeLocked(tx *types.Transaction) error {
	ops, _, err := aa.UnpackHandleOps(tx.Data())
	if err != nil {
		return err
	}

	entryPoint := *tx.To()
	receipt := &types.Receipt{
		Type:    tx.Type(),
		Status:  types.ReceiptStatusSuccessful,
		TxHash:  tx.Hash(),
		GasUsed: tx.Gas() / 2,
	}

	var logs []types.Log
	if failedOpFor(ops, c.chainFailures) != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for _, op := range ops {
			opLogs, err := c.opLogs(entryPoint, op, tx.Hash())
			if err != nil {
				return err
			}
			logs = append(logs, opLogs...)
		}
	}

	header := c.mineLocked(logs, nil)
	receipt.BlockNumber = new(big.Int).Set(header.Number)
	receipt.BlockHash = header.Hash()
	for i := range logs {
		receipt.Logs = append(receipt.Logs, &logs[i])
	}
	c.receipts[tx.Hash()] = receipt
	return nil
}

func (c *FakeChain) opLogs(entryPoint common.Address, op *userop.UserOperation, txHash common.Hash) ([]types.Log, error) {
	hash, err := op.Hash(entryPoint, c.chainID)
	if err != nil {
		return nil, err
	}
	senderTopic := common.BytesToHash(op.Sender.Bytes())

	var logs []types.Log
	if factory := op.Factory(); factory != (common.Address{}) {
		data, err := aa.PackAccountDeployedData(factory, op.Paymaster())
		if err != nil {
			return nil, err
		}
		logs = append(logs, types.Log{
			Address: entryPoint,
			Topics:  []common.Hash{aa.EventTopic("AccountDeployed"), hash, senderTopic},
			Data:    data,
			TxHash:  txHash,
		})
	}

	data, err := aa.PackUserOperationEventData(op.Nonce, true, big.NewInt(21_000), big.NewInt(90_000))
	if err != nil {
		return nil, err
	}
	logs = append(logs, types.Log{
		Address: entryPoint,
		Topics: []common.Hash{
			aa.EventTopic("UserOperationEvent"),
			hash,
			senderTopic,
			common.BytesToHash(op.Paymaster().Bytes()),
		},
		Data:   data,
		TxHash: txHash,
	})
	return logs, nil
}

func (c *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return nil, c.rpcErr
	}
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *FakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcErr != nil {
		return nil, c.rpcErr
	}

	from, to := uint64(0), c.headLocked()
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !lo.Contains(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(l.Topics) == 0 || !lo.Contains(q.Topics[0], l.Topics[0])) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}
