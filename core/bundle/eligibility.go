package bundle

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	// logs kept per watched (contract, topic) pair
	maxTriggerLogs = 32
	// how long an inclusion is remembered for dependency checks
	inclusionRetention = 24 * time.Hour
)

type triggerKey struct {
	contract common.Address
	topic    common.Hash
}

type inclusion struct {
	blockTime uint64
	seenAt    time.Time
}

// Eligibility decides whether an op carrying advanced scheduling conditions may be bundled now. It
// learns about trigger logs and inclusions from the event reconciler.
type Eligibility struct {
	mu sync.RWMutex

	triggers map[triggerKey][]types.Log
	included map[common.Hash]inclusion
	programs map[string]*vm.Program

	pending func() []*model.MempoolEntry
	logger  logger.Logger
	now     func() time.Time
}

// NewEligibility creates a tracker. pending lists the mempool entries whose trigger events should
// be watched.
func NewEligibility(pending func() []*model.MempoolEntry, log logger.Logger) *Eligibility {
	return &Eligibility{
		triggers: make(map[triggerKey][]types.Log),
		included: make(map[common.Hash]inclusion),
		programs: make(map[string]*vm.Program),
		pending:  pending,
		logger:   logger.ForComponent(log, "eligibility"),
		now:      time.Now,
	}
}

// Filter reports whether entry may go into a bundle right now. Ops without advanced conditions are
// always eligible.
func (el *Eligibility) Filter(entry *model.MempoolEntry) bool {
	adv := entry.UserOp.Advanced
	if adv == nil {
		return true
	}
	now := el.now()

	if w := adv.ExecutionTimeWindow; w != nil && (!w.Opened(now) || w.Expired(now)) {
		return false
	}
	if t := adv.TriggerEvent; t != nil && !el.triggered(t) {
		return false
	}
	if d := adv.UserOpDependency; d != nil && !el.dependencyMet(d, now) {
		return false
	}
	return true
}

func (el *Eligibility) triggered(t *userop.TriggerEvent) bool {
	el.mu.RLock()
	logs := el.triggers[triggerKey{contract: t.ContractAddress, topic: t.Topic()}]
	el.mu.RUnlock()

	if len(logs) == 0 {
		return false
	}
	if t.EvaluationStatement == "" {
		return true
	}

	for _, l := range logs {
		ok, err := el.evaluate(t.EvaluationStatement, l)
		if err != nil {
			el.logger.Debug("trigger statement failed", "statement", t.EvaluationStatement, "error", err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

func (el *Eligibility) dependencyMet(d *userop.UserOpDependency, now time.Time) bool {
	el.mu.RLock()
	inc, ok := el.included[d.UserOpHash]
	el.mu.RUnlock()

	return ok && uint64(now.Unix()) >= inc.blockTime+uint64(d.BufferTime)
}

// ObserveLog records a log matching a watched trigger.
func (el *Eligibility) ObserveLog(l types.Log) {
	if len(l.Topics) == 0 {
		return
	}
	key := triggerKey{contract: l.Address, topic: l.Topics[0]}

	el.mu.Lock()
	defer el.mu.Unlock()
	logs := append(el.triggers[key], l)
	if len(logs) > maxTriggerLogs {
		logs = logs[len(logs)-maxTriggerLogs:]
	}
	el.triggers[key] = logs
}

// ObserveInclusion records that the op with hash was included in a block with the given timestamp.
func (el *Eligibility) ObserveInclusion(hash common.Hash, blockTime uint64) {
	now := el.now()

	el.mu.Lock()
	defer el.mu.Unlock()
	el.included[hash] = inclusion{blockTime: blockTime, seenAt: now}
	for h, inc := range el.included {
		if now.Sub(inc.seenAt) > inclusionRetention {
			delete(el.included, h)
		}
	}
}

// Forget drops every observed log and inclusion at or above block, after a reorg.
func (el *Eligibility) Forget(fromBlock uint64) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for key, logs := range el.triggers {
		kept := lo.Filter(logs, func(l types.Log, _ int) bool { return l.BlockNumber < fromBlock })
		if len(kept) == 0 {
			delete(el.triggers, key)
		} else {
			el.triggers[key] = kept
		}
	}
}

// TriggerWatches lists the contracts and topics pending ops wait on.
func (el *Eligibility) TriggerWatches() ([]common.Address, []common.Hash) {
	if el.pending == nil {
		return nil, nil
	}

	triggers := lo.FilterMap(el.pending(), func(e *model.MempoolEntry, _ int) (*userop.TriggerEvent, bool) {
		if e.UserOp.Advanced == nil || e.UserOp.Advanced.TriggerEvent == nil {
			return nil, false
		}
		return e.UserOp.Advanced.TriggerEvent, true
	})

	addrs := lo.Uniq(lo.Map(triggers, func(t *userop.TriggerEvent, _ int) common.Address { return t.ContractAddress }))
	topics := lo.Uniq(lo.Map(triggers, func(t *userop.TriggerEvent, _ int) common.Hash { return t.Topic() }))
	return addrs, topics
}

func (el *Eligibility) evaluate(statement string, l types.Log) (bool, error) {
	env := logEnv(l)

	el.mu.Lock()
	program, ok := el.programs[statement]
	if !ok {
		var err error
		program, err = expr.Compile(statement, expr.Env(env), expr.AsBool())
		if err != nil {
			el.mu.Unlock()
			return false, err
		}
		el.programs[statement] = program
	}
	el.mu.Unlock()

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// ValidateStatement compiles a trigger statement against an empty log so malformed statements are
// rejected at admission.
func ValidateStatement(statement string) error {
	if statement == "" {
		return nil
	}
	_, err := expr.Compile(statement, expr.Env(logEnv(types.Log{})), expr.AsBool())
	return err
}

func logEnv(l types.Log) map[string]any {
	topics := lo.Map(l.Topics, func(t common.Hash, _ int) string { return t.Hex() })

	return map[string]any{
		"address":     l.Address.Hex(),
		"topics":      topics,
		"data":        hexutil.Encode(l.Data),
		"blockNumber": l.BlockNumber,

		// word returns the i-th 32 byte word of the log data as an integer
		"word": func(i int) *big.Int {
			start := i * 32
			if i < 0 || start+32 > len(l.Data) {
				return big.NewInt(0)
			}
			return new(big.Int).SetBytes(l.Data[start : start+32])
		},
		"topicInt": func(i int) *big.Int {
			if i < 0 || i >= len(l.Topics) {
				return big.NewInt(0)
			}
			return l.Topics[i].Big()
		},
		"bigCmp":    bigCmp,
		"parseUnit": parseUnit,
		"toBigInt":  toBigInt,
	}
}

func bigCmp(a *big.Int, b *big.Int) int {
	return a.Cmp(b)
}

// parseUnit scales a decimal amount, e.g. parseUnit("1.5", 18).
func parseUnit(val string, decimals int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(val)
	if !ok {
		return nil, fmt.Errorf("parse error: %s", val)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	if !r.IsInt() {
		return nil, fmt.Errorf("%s has more than %d decimals", val, decimals)
	}
	return r.Num(), nil
}

// toBigInt parses either decimal or hex
func toBigInt(val string) *big.Int {
	b, ok := ethmath.ParseBig256(val)
	if !ok {
		return nil
	}
	return b
}
