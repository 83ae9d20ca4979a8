package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const jsonrpcVersion = "2.0"

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *model.RpcError `json:"error,omitempty"`
}

func errorResponse(id json.RawMessage, err error) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: model.ToRpcError(err)}
}

// handleRpc serves a single JSON-RPC request or a batch of them.
func (e *Engine) handleRpc(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusOK, errorResponse(nil, model.NewRpcError(model.CodeParseError, "cannot read request body")))
	}

	if !json.Valid(body) {
		return c.JSON(http.StatusOK, errorResponse(nil, model.NewRpcError(model.CodeParseError, "parse error")))
	}

	ctx := c.Request().Context()
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil || len(batch) == 0 {
			return c.JSON(http.StatusOK, errorResponse(nil, model.NewRpcError(model.CodeInvalidRequest, "empty batch")))
		}

		responses := make([]*jsonrpcResponse, 0, len(batch))
		for _, msg := range batch {
			responses = append(responses, e.handleMessage(ctx, msg))
		}
		return c.JSON(http.StatusOK, responses)
	}

	return c.JSON(http.StatusOK, e.handleMessage(ctx, body))
}

func (e *Engine) handleMessage(ctx context.Context, msg json.RawMessage) *jsonrpcResponse {
	var req jsonrpcRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return errorResponse(nil, model.NewRpcError(model.CodeInvalidRequest, "invalid request"))
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return errorResponse(req.ID, model.NewRpcError(model.CodeInvalidRequest, "invalid request"))
	}

	result, err := e.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		rpcErr := model.ToRpcError(err)
		if rpcErr.Code == model.CodeInternal {
			e.rpcLogger.Error("rpc call failed", "method", req.Method, "error", err)
		} else {
			e.rpcLogger.Debug("rpc call rejected", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		}
		return errorResponse(req.ID, rpcErr)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, fmt.Errorf("cannot encode %s result: %w", req.Method, err))
	}
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: encoded}
}

func (e *Engine) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "eth_sendUserOperation":
		var (
			op         userop.UserOperation
			entryPoint common.Address
		)
		if err := decodeParams(params, &op, &entryPoint); err != nil {
			return nil, err
		}
		return e.SendUserOperation(ctx, &op, entryPoint)

	case "eth_estimateUserOperationGas":
		var (
			op         userop.UserOperation
			entryPoint common.Address
		)
		if err := decodeParams(params, &op, &entryPoint); err != nil {
			return nil, err
		}
		return e.EstimateUserOperationGas(ctx, &op, entryPoint)

	case "eth_getUserOperations":
		var sender common.Address
		if err := decodeParams(params, &sender); err != nil {
			return nil, err
		}
		return e.GetUserOperations(sender), nil

	case "eth_supportedEntryPoints":
		return e.SupportedEntryPoints(), nil

	case "eth_chainId":
		return e.ChainID(), nil
	}

	if e.config.DebugRpc && IsDebugMethod(method) {
		req, err := ParseDebugRequest(method, params)
		if err != nil {
			return nil, err
		}
		return e.HandleDebug(ctx, req)
	}

	return nil, model.NewRpcError(model.CodeMethodNotFound, fmt.Sprintf("method %s not found", method))
}

// decodeParams decodes a positional parameter array into args, one element each.
func decodeParams(params json.RawMessage, args ...any) error {
	var raw []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &raw); err != nil {
			return model.NewInvalidParams("params must be an array: %v", err)
		}
	}
	if len(raw) != len(args) {
		return model.NewInvalidParams("expected %d parameters, got %d", len(args), len(raw))
	}

	for i, arg := range args {
		if err := json.Unmarshal(raw[i], arg); err != nil {
			return model.NewInvalidParams("invalid parameter %d: %v", i, err)
		}
	}
	return nil
}
