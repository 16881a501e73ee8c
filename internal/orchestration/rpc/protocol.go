// Package rpc implements the transport adapter: a JSON-RPC 2.0 server
// speaking newline-delimited messages over stdio (push transport) and
// request/response over HTTP (pull transport), normalizing both into one
// event-emission contract.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// JSONRPCVersion is the JSON-RPC version string on every message.
const JSONRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-initiated JSON-RPC 2.0 message.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Application error codes (reserved range -32000 to -32099), one per error
// kind so callers can branch without parsing messages.
const (
	ErrCodeToolNotFound      = -32001
	ErrCodeValidation        = -32010
	ErrCodeNotFound          = -32011
	ErrCodePermissionDenied  = -32012
	ErrCodeConflict          = -32013
	ErrCodeTimeout           = -32014
	ErrCodeRateLimited       = -32015
	ErrCodeDependencyCycle   = -32016
	ErrCodeResourceExhausted = -32017
)

// NewResponse builds a success response.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

// NewParseError creates a parse error.
func NewParseError(data any) *RPCError {
	return &RPCError{Code: ErrCodeParseError, Message: "Parse error", Data: data}
}

// NewInvalidRequest creates an invalid request error.
func NewInvalidRequest(data any) *RPCError {
	return &RPCError{Code: ErrCodeInvalidRequest, Message: "Invalid Request", Data: data}
}

// NewMethodNotFound creates a method not found error.
func NewMethodNotFound(method string) *RPCError {
	return &RPCError{Code: ErrCodeMethodNotFound, Message: "Method not found", Data: method}
}

// NewInvalidParams creates an invalid params error.
func NewInvalidParams(data any) *RPCError {
	return &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid params", Data: data}
}

// NewToolNotFound creates an unknown-tool error.
func NewToolNotFound(toolName string) *RPCError {
	return &RPCError{Code: ErrCodeToolNotFound, Message: fmt.Sprintf("Unknown tool: %s", toolName), Data: toolName}
}

// toRPCError maps a tool error onto the wire, carrying the kind's
// structured context as error data.
func toRPCError(err error) *RPCError {
	var oe *oerr.Error
	if !errors.As(err, &oe) {
		return &RPCError{Code: ErrCodeInternalError, Message: err.Error()}
	}

	code := ErrCodeInternalError
	switch oe.Kind {
	case oerr.Validation:
		code = ErrCodeValidation
	case oerr.NotFound:
		code = ErrCodeNotFound
	case oerr.PermissionDenied:
		code = ErrCodePermissionDenied
	case oerr.Conflict:
		code = ErrCodeConflict
	case oerr.Timeout:
		code = ErrCodeTimeout
	case oerr.RateLimited:
		code = ErrCodeRateLimited
	case oerr.DependencyCycle:
		code = ErrCodeDependencyCycle
	case oerr.ResourceExhausted:
		code = ErrCodeResourceExhausted
	}
	data := map[string]any{
		"kind":      string(oe.Kind),
		"component": oe.Component,
		"operation": oe.Operation,
	}
	if len(oe.EntityIDs) > 0 {
		data["entityIds"] = oe.EntityIDs
	}
	if len(oe.Metadata) > 0 {
		data["metadata"] = oe.Metadata
	}
	return &RPCError{Code: code, Message: oe.Error(), Data: data}
}

// ToolCallParams is the tool invocation envelope.
type ToolCallParams struct {
	SessionID string          `json:"sessionId"`
	Transport string          `json:"transport,omitempty"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolInfo describes a registered tool for tools/list.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolsListResult is the tools/list response.
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}
