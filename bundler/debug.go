package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/execution"
	"github.com/AvaProtocol/ap-bundler/model"
)

// DebugRequest is one of the debug_bundler_* calls, already decoded and validated. The set of
// implementations is closed: only the request types below satisfy it.
type DebugRequest interface {
	Method() string
	debugRequest()
}

type SetBundlingModeRequest struct {
	Mode string `mapstructure:"mode" validate:"required,oneof=manual auto"`
}

// SetBundleIntervalRequest takes either a number of seconds or one of "manual" and "auto".
type SetBundleIntervalRequest struct {
	Interval    string `mapstructure:"interval" validate:"required"`
	MaxPoolSize int    `mapstructure:"maxPoolSize" validate:"gte=0"`
}

type SendBundleNowRequest struct{}

type DumpMempoolRequest struct {
	EntryPoint common.Address `mapstructure:"entryPoint"`
}

type ClearMempoolRequest struct{}

type ClearStateRequest struct{}

type SetReputationRequest struct {
	Entries    []model.ReputationParam `mapstructure:"entries" validate:"required,min=1,dive"`
	EntryPoint common.Address          `mapstructure:"entryPoint"`
}

type DumpReputationRequest struct {
	EntryPoint common.Address `mapstructure:"entryPoint"`
}

type ClearReputationRequest struct{}

type GetStakeStatusRequest struct {
	Address    common.Address `mapstructure:"address" validate:"required"`
	EntryPoint common.Address `mapstructure:"entryPoint" validate:"required"`
}

type GetDroppedReasonRequest struct {
	Hash common.Hash `mapstructure:"hash" validate:"required"`
}

func (*SetBundlingModeRequest) Method() string   { return "debug_bundler_setBundlingMode" }
func (*SetBundleIntervalRequest) Method() string { return "debug_bundler_setBundleInterval" }
func (*SendBundleNowRequest) Method() string     { return "debug_bundler_sendBundleNow" }
func (*DumpMempoolRequest) Method() string       { return "debug_bundler_dumpMempool" }
func (*ClearMempoolRequest) Method() string      { return "debug_bundler_clearMempool" }
func (*ClearStateRequest) Method() string        { return "debug_bundler_clearState" }
func (*SetReputationRequest) Method() string     { return "debug_bundler_setReputation" }
func (*DumpReputationRequest) Method() string    { return "debug_bundler_dumpReputation" }
func (*ClearReputationRequest) Method() string   { return "debug_bundler_clearReputation" }
func (*GetStakeStatusRequest) Method() string    { return "debug_bundler_getStakeStatus" }
func (*GetDroppedReasonRequest) Method() string  { return "debug_bundler_getDroppedReason" }

func (*SetBundlingModeRequest) debugRequest()   {}
func (*SetBundleIntervalRequest) debugRequest() {}
func (*SendBundleNowRequest) debugRequest()     {}
func (*DumpMempoolRequest) debugRequest()       {}
func (*ClearMempoolRequest) debugRequest()      {}
func (*ClearStateRequest) debugRequest()        {}
func (*SetReputationRequest) debugRequest()     {}
func (*DumpReputationRequest) debugRequest()    {}
func (*ClearReputationRequest) debugRequest()   {}
func (*GetStakeStatusRequest) debugRequest()    {}
func (*GetDroppedReasonRequest) debugRequest()  {}

type debugMethod struct {
	// positional parameter names, in order
	params   []string
	required int
	new      func() DebugRequest
}

var debugMethods = map[string]debugMethod{
	"debug_bundler_setBundlingMode": {
		params: []string{"mode"}, required: 1,
		new: func() DebugRequest { return &SetBundlingModeRequest{} },
	},
	"debug_bundler_setBundleInterval": {
		params: []string{"interval", "maxPoolSize"}, required: 1,
		new: func() DebugRequest { return &SetBundleIntervalRequest{MaxPoolSize: 100} },
	},
	"debug_bundler_sendBundleNow": {
		new: func() DebugRequest { return &SendBundleNowRequest{} },
	},
	"debug_bundler_dumpMempool": {
		params: []string{"entryPoint"},
		new:    func() DebugRequest { return &DumpMempoolRequest{} },
	},
	"debug_bundler_clearMempool": {
		new: func() DebugRequest { return &ClearMempoolRequest{} },
	},
	"debug_bundler_clearState": {
		new: func() DebugRequest { return &ClearStateRequest{} },
	},
	"debug_bundler_setReputation": {
		params: []string{"entries", "entryPoint"}, required: 1,
		new: func() DebugRequest { return &SetReputationRequest{} },
	},
	"debug_bundler_dumpReputation": {
		params: []string{"entryPoint"},
		new:    func() DebugRequest { return &DumpReputationRequest{} },
	},
	"debug_bundler_clearReputation": {
		new: func() DebugRequest { return &ClearReputationRequest{} },
	},
	"debug_bundler_getStakeStatus": {
		params: []string{"address", "entryPoint"}, required: 2,
		new: func() DebugRequest { return &GetStakeStatusRequest{} },
	},
	"debug_bundler_getDroppedReason": {
		params: []string{"hash"}, required: 1,
		new: func() DebugRequest { return &GetDroppedReasonRequest{} },
	},
}

var debugValidator = validator.New()

func IsDebugMethod(method string) bool {
	_, ok := debugMethods[method]
	return ok
}

// ParseDebugRequest decodes positional JSON-RPC params into the request type of method and
// validates it.
func ParseDebugRequest(method string, params json.RawMessage) (DebugRequest, error) {
	m, ok := debugMethods[method]
	if !ok {
		return nil, model.NewRpcError(model.CodeMethodNotFound, fmt.Sprintf("method %s not found", method))
	}

	var args []any
	if len(params) > 0 && string(params) != "null" {
		dec := json.NewDecoder(strings.NewReader(string(params)))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, model.NewInvalidParams("%s expects a parameter array: %v", method, err)
		}
	}
	if len(args) < m.required || len(args) > len(m.params) {
		return nil, model.NewInvalidParams("%s expects %d to %d parameters, got %d", method, m.required, len(m.params), len(args))
	}

	named := make(map[string]any, len(args))
	for i, v := range args {
		if v != nil {
			named[m.params[i]] = v
		}
	}

	req := m.new()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numberHook,
			hexUintHook,
			mapstructure.TextUnmarshallerHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           req,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(named); err != nil {
		return nil, model.NewInvalidParams("%s: %v", method, err)
	}

	if err := debugValidator.Struct(req); err != nil {
		return nil, model.NewInvalidParams("%s: %v", method, err)
	}
	return req, nil
}

// numberHook passes JSON numbers to non numeric fields as their literal text.
func numberHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return data, nil
	}
	return n.String(), nil
}

// hexUintHook accepts 0x-prefixed quantities for unsigned integer fields.
func hexUintHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Uint64 {
		return data, nil
	}
	s := reflect.ValueOf(data).String()
	if !strings.HasPrefix(s, "0x") {
		return data, nil
	}
	return hexutil.DecodeUint64(s)
}

// parseInterval maps the setBundleInterval argument to a mode and, for interval mode, a period.
func parseInterval(v string) (execution.Mode, time.Duration, error) {
	switch execution.Mode(v) {
	case execution.ModeManual, execution.ModeAuto:
		return execution.Mode(v), 0, nil
	}

	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil || seconds <= 0 {
		return "", 0, model.NewInvalidParams("interval must be a positive number of seconds, manual or auto, got %q", v)
	}
	return execution.ModeInterval, time.Duration(seconds * float64(time.Second)), nil
}

const okResult = "ok"

// HandleDebug executes a validated debug request against the engine.
func (e *Engine) HandleDebug(ctx context.Context, req DebugRequest) (any, error) {
	e.rpcLogger.Info("debug request", "method", req.Method())

	switch r := req.(type) {
	case *SetBundlingModeRequest:
		if err := e.scheduler.SetMode(execution.Mode(r.Mode)); err != nil {
			return nil, model.NewInvalidParams("%v", err)
		}
		return okResult, nil

	case *SetBundleIntervalRequest:
		mode, interval, err := parseInterval(r.Interval)
		if err != nil {
			return nil, err
		}
		if mode != execution.ModeInterval {
			err = e.scheduler.SetMode(mode)
		} else {
			err = e.scheduler.SetInterval(interval, r.MaxPoolSize)
		}
		if err != nil {
			return nil, model.NewInvalidParams("%v", err)
		}
		return okResult, nil

	case *SendBundleNowRequest:
		return e.scheduler.SendBundleNow(ctx)

	case *DumpMempoolRequest:
		entries := e.mempool.Dump()
		if r.EntryPoint != (common.Address{}) {
			entries = lo.Filter(entries, func(en *model.MempoolEntry, _ int) bool {
				return en.EntryPoint == r.EntryPoint
			})
		}
		return entries, nil

	case *ClearMempoolRequest:
		e.mempool.ClearState()
		return okResult, nil

	case *ClearStateRequest:
		e.mempool.ClearState()
		e.reputation.ClearState()
		return okResult, nil

	case *SetReputationRequest:
		e.reputation.SetReputation(r.Entries)
		return e.reputation.Dump(), nil

	case *DumpReputationRequest:
		return e.reputation.Dump(), nil

	case *ClearReputationRequest:
		e.reputation.ClearState()
		return okResult, nil

	case *GetStakeStatusRequest:
		return e.reputation.GetStakeStatus(ctx, r.Address, r.EntryPoint)

	case *GetDroppedReasonRequest:
		record, ok := e.mempool.DroppedReason(r.Hash)
		if !ok {
			return nil, fmt.Errorf("%w: no drop record for %s", model.ErrNotFound, r.Hash.Hex())
		}
		return record, nil
	}

	return nil, model.NewRpcError(model.CodeMethodNotFound, fmt.Sprintf("method %s not found", req.Method()))
}
