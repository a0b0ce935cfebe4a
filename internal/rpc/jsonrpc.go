package rpc

import (
	"encoding/json"
	"errors"

	"github.com/fblgit/claudebench/internal/registry"
)

// JSON-RPC 2.0 framing.

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  map[string]any  `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  map[string]any  `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeRateLimited    = -32000
	codeCircuitOpen    = -32001
	codeTimeout        = -32002
)

// codeFor maps the error taxonomy onto the wire codes.
func codeFor(err error) int {
	switch registry.KindOf(err) {
	case registry.KindMethodNotFound:
		return codeMethodNotFound
	case registry.KindInvalidInput:
		return codeInvalidParams
	case registry.KindRateLimited:
		return codeRateLimited
	case registry.KindCircuitOpen, registry.KindHalfOpenLimit:
		return codeCircuitOpen
	case registry.KindTimeout:
		return codeTimeout
	default:
		return codeInternal
	}
}

func errorResponse(id json.RawMessage, err error) response {
	resp := response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    codeFor(err),
			Message: err.Error(),
		},
	}
	var derr *registry.Error
	if errors.As(err, &derr) && derr.Data != nil {
		resp.Error.Data = derr.Data
	}
	return resp
}
