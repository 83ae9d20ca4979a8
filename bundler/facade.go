package bundler

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/bundle"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// GasEstimate is the eth_estimateUserOperationGas result.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

func (e *Engine) supported(entryPoint common.Address) error {
	if !lo.Contains(e.config.EntryPoints, entryPoint) {
		return model.NewInvalidParams("unsupported entry point %s", entryPoint.Hex())
	}
	return nil
}

// SendUserOperation checks op, validates it against the entry point and admits it into the
// mempool. The returned hash is the op's userOpHash.
func (e *Engine) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if err := e.supported(entryPoint); err != nil {
		return common.Hash{}, err
	}
	if err := e.checkUserOp(op); err != nil {
		return common.Hash{}, err
	}

	res, err := e.simulate(ctx, op, entryPoint)
	if err != nil {
		return common.Hash{}, err
	}
	if res.ReturnInfo.SigFailed {
		return common.Hash{}, model.NewSimulationFailed(model.CodeInvalidSignature, "invalid user operation signature")
	}
	if until := res.ReturnInfo.ValidUntil; until != nil && until.Sign() > 0 && until.Cmp(big.NewInt(time.Now().Unix())) <= 0 {
		return common.Hash{}, model.NewSimulationFailed(model.CodeOutOfTimeRange, "user operation expired")
	}
	e.recordStakes(entryPoint, op, res)

	entry, err := model.NewMempoolEntry(op, entryPoint, e.chainID, time.Now())
	if err != nil {
		return common.Hash{}, model.NewInvalidParams("cannot hash user operation: %v", err)
	}
	if res.Aggregator != nil {
		agg := res.Aggregator.Aggregator
		entry.Aggregator = &agg
	}

	return e.mempool.Add(entry)
}

// EstimateUserOperationGas simulates op without touching the mempool.
func (e *Engine) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	if err := e.supported(entryPoint); err != nil {
		return nil, err
	}

	pvg, err := userop.CalcPreVerificationGas(op, userop.DefaultGasOverheads)
	if err != nil {
		return nil, model.NewInvalidParams("cannot pack user operation: %v", err)
	}

	// simulate with the gas it will at least be charged, and a verification budget generous
	// enough for a first deployment
	sim := op.Copy()
	sim.PreVerificationGas = pvg
	if sim.VerificationGasLimit.Sign() == 0 {
		sim.VerificationGasLimit = big.NewInt(int64(e.config.Bundle.MaxBundleGas / 2))
	}

	res, err := e.simulate(ctx, sim, entryPoint)
	if err != nil {
		return nil, err
	}

	verification := new(big.Int).Sub(res.ReturnInfo.PreOpGas, sim.PreVerificationGas)
	if verification.Sign() < 0 {
		verification.SetUint64(0)
	}

	callGas, err := e.estimateCallGas(ctx, op, entryPoint)
	if err != nil {
		return nil, err
	}

	return &GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(pvg),
		VerificationGasLimit: (*hexutil.Big)(verification),
		CallGasLimit:         (*hexutil.Big)(callGas),
	}, nil
}

// estimateCallGas asks the node what the account call costs when made by the entry point. An
// account that is not deployed yet can't be estimated, the op's own limit is kept.
func (e *Engine) estimateCallGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*big.Int, error) {
	if len(op.InitCode) > 0 {
		return new(big.Int).Set(op.CallGasLimit), nil
	}

	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: entryPoint, To: &op.Sender, Data: op.CallData})
	if err != nil {
		if _, reverted := aa.RevertData(err); reverted {
			return nil, model.NewSimulationFailed(model.CodeRejectedByEntryPoint, "call reverted: "+err.Error())
		}
		return nil, model.ChainError("estimateGas", err)
	}
	return new(big.Int).SetUint64(gas), nil
}

func (e *Engine) simulate(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*aa.ValidationResult, error) {
	res, err := aa.NewEntryPoint(entryPoint, e.client).SimulateValidation(ctx, op)
	if err == nil {
		return res, nil
	}

	var failed *aa.FailedOpError
	switch {
	case errors.As(err, &failed):
		return nil, model.NewSimulationFailed(model.CodeRejectedByEntryPoint, failed.Reason)
	case errors.Is(err, aa.ErrUnknownRevert):
		return nil, model.NewSimulationFailed(model.CodeRejectedByEntryPoint, err.Error())
	}
	return nil, model.ChainError("simulateValidation", err)
}

func (e *Engine) recordStakes(entryPoint common.Address, op *userop.UserOperation, res *aa.ValidationResult) {
	stakes := map[common.Address]aa.StakeInfo{
		op.Sender:      res.SenderInfo,
		op.Factory():   res.FactoryInfo,
		op.Paymaster(): res.PaymasterInfo,
	}
	if res.Aggregator != nil {
		stakes[res.Aggregator.Aggregator] = res.Aggregator.StakeInfo
	}
	delete(stakes, common.Address{})

	for addr, info := range stakes {
		delay := uint64(0)
		if info.UnstakeDelaySec != nil {
			delay = info.UnstakeDelaySec.Uint64()
		}
		e.reputation.UpdateStake(entryPoint, model.NewStakeInfo(addr, info.Stake, delay))
	}
}

// checkUserOp runs the checks that need no chain access.
func (e *Engine) checkUserOp(op *userop.UserOperation) error {
	if op == nil {
		return model.NewInvalidParams("missing user operation")
	}
	if op.Sender == (common.Address{}) {
		return model.NewInvalidParams("sender is required")
	}
	if len(op.InitCode) > 0 && len(op.InitCode) < common.AddressLength {
		return model.NewInvalidParams("initCode must start with the factory address")
	}
	if len(op.PaymasterAndData) > 0 && len(op.PaymasterAndData) < common.AddressLength {
		return model.NewInvalidParams("paymasterAndData must start with the paymaster address")
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return model.NewInvalidParams("maxPriorityFeePerGas %s exceeds maxFeePerGas %s", op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	}
	if op.VerificationGasLimit.Sign() == 0 {
		return model.NewInvalidParams("verificationGasLimit is required")
	}

	pvg, err := userop.CalcPreVerificationGas(op, userop.DefaultGasOverheads)
	if err != nil {
		return model.NewInvalidParams("cannot pack user operation: %v", err)
	}
	if op.PreVerificationGas.Cmp(pvg) < 0 {
		return model.NewInvalidParams("preVerificationGas too low: expected at least %s", pvg)
	}

	if limit := new(big.Int).SetUint64(e.config.Bundle.MaxBundleGas); op.GasLimit().Cmp(limit) > 0 {
		return model.NewInvalidParams("gas limits add up to %s, above the bundle limit of %s", op.GasLimit(), limit)
	}

	return checkAdvanced(op.Advanced, time.Now())
}

func checkAdvanced(adv *userop.AdvancedUserOperation, now time.Time) error {
	if adv == nil {
		return nil
	}

	if w := adv.ExecutionTimeWindow; w != nil {
		if w.End != 0 && w.End < w.Start {
			return model.NewInvalidParams("executionWindowEnd is before executionWindowStart")
		}
		if w.Expired(now) {
			return model.NewRpcError(model.CodeOutOfTimeRange, "execution window already closed", model.ErrAdmissionRejected)
		}
	}

	if t := adv.TriggerEvent; t != nil {
		if t.ContractAddress == (common.Address{}) || t.EventSignature == "" {
			return model.NewInvalidParams("triggerEvent needs contractAddress and eventSignature")
		}
		if err := bundle.ValidateStatement(t.EvaluationStatement); err != nil {
			return model.NewInvalidParams("invalid evaluationStatement: %v", err)
		}
	}

	if d := adv.UserOpDependency; d != nil && d.UserOpHash == (common.Hash{}) {
		return model.NewInvalidParams("userOpDependency needs userOpHash")
	}
	return nil
}

// GetUserOperations lists the pending ops of sender in nonce order.
func (e *Engine) GetUserOperations(sender common.Address) []*model.MempoolEntry {
	return e.mempool.GetBySender(sender)
}

func (e *Engine) SupportedEntryPoints() []string {
	return lo.Map(e.config.EntryPoints, func(ep common.Address, _ int) string {
		return ep.Hex()
	})
}

func (e *Engine) ChainID() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).Set(e.chainID))
}
