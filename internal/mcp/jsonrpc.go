// Package mcp connects the agent to remote MCP tool servers. Each
// server is described by a YAML file in the workspace; its tools
// register under a prefixed name and route through JSON-RPC 2.0.
package mcp

import "encoding/json"

// JSONRPCRequest is a JSON-RPC 2.0 request message.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int   `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response message.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error object in a JSON-RPC 2.0 response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string { return e.Message }

func newRequest(id int, method string, params any) JSONRPCRequest {
	return JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// MCP method constants.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// toolInfo describes a tool as returned by tools/list.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toolsListResult is the response from tools/list.
type toolsListResult struct {
	Tools []toolInfo `json:"tools"`
}

// toolCallParams is the request body for tools/call.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// toolCallResult is the response from tools/call.
type toolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// contentBlock is a single content item in a tool result. Only text
// blocks reach the model; other types are dropped.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
