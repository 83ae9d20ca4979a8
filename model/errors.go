package model

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC error code. The -325xx range is the one ERC-4337 bundlers agree on.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternal       ErrorCode = -32603

	CodeRejectedByEntryPoint  ErrorCode = -32500
	CodeRejectedByPaymaster   ErrorCode = -32501
	CodeBannedOpcode          ErrorCode = -32502
	CodeOutOfTimeRange        ErrorCode = -32503
	CodeThrottledOrBanned     ErrorCode = -32504
	CodeStakeTooLow           ErrorCode = -32505
	CodeUnsupportedAggregator ErrorCode = -32506
	CodeInvalidSignature      ErrorCode = -32507
)

var (
	ErrAdmissionRejected      = errors.New("admission rejected")
	ErrReplacementUnderpriced = errors.New("replacement underpriced")
	ErrSimulationFailed       = errors.New("simulation failed")
	ErrSubmissionReverted     = errors.New("submission reverted")
	ErrChainRpc               = errors.New("chain rpc error")
	ErrReorgDetected          = errors.New("reorg detected")
	ErrNotFound               = errors.New("not found")
)

// RpcError is an error that carries its JSON-RPC representation. Kinds lets errors.Is match the
// failure class, e.g. a replacement rejection is both ErrAdmissionRejected and
// ErrReplacementUnderpriced.
type RpcError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`

	kinds []error
}

func (e *RpcError) Error() string {
	return e.Message
}

func (e *RpcError) Unwrap() []error {
	return e.kinds
}

func NewRpcError(code ErrorCode, message string, kinds ...error) *RpcError {
	return &RpcError{
		Code:    code,
		Message: message,
		kinds:   kinds,
	}
}

// WithData attaches the structured data member of the JSON-RPC error.
func (e *RpcError) WithData(data any) *RpcError {
	e.Data = data
	return e
}

func NewAdmissionRejected(code ErrorCode, format string, args ...any) *RpcError {
	return NewRpcError(code, fmt.Sprintf(format, args...), ErrAdmissionRejected)
}

func NewReplacementUnderpriced(format string, args ...any) *RpcError {
	return NewRpcError(
		CodeInvalidParams,
		"replacement underpriced: "+fmt.Sprintf(format, args...),
		ErrAdmissionRejected, ErrReplacementUnderpriced,
	)
}

func NewSimulationFailed(code ErrorCode, reason string) *RpcError {
	return NewRpcError(code, reason, ErrSimulationFailed)
}

func NewInvalidParams(format string, args ...any) *RpcError {
	return NewRpcError(CodeInvalidParams, fmt.Sprintf(format, args...))
}

// ChainError marks err as a transient failure talking to the execution client.
func ChainError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrChainRpc, op, err)
}

func IsAdmissionRejected(err error) bool {
	return errors.Is(err, ErrAdmissionRejected)
}

// ToRpcError maps any error to the shape returned over JSON-RPC. Unknown errors are internal.
func ToRpcError(err error) *RpcError {
	if err == nil {
		return nil
	}

	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, ErrSimulationFailed):
		return NewRpcError(CodeRejectedByEntryPoint, err.Error(), ErrSimulationFailed)
	case errors.Is(err, ErrNotFound):
		return NewRpcError(CodeInvalidParams, err.Error(), ErrNotFound)
	}
	return NewRpcError(CodeInternal, err.Error())
}
