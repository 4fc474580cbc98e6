package relay

import (
	"encoding/json"
	"strings"
)

// JSON-RPC error codes produced by the relay itself.
const (
	// CodeInvalidRequest answers malformed or forbidden requests.
	CodeInvalidRequest = -32600
	// CodeInvalidParams answers unknown routes and upstream failures.
	CodeInvalidParams = -32602
	// CodeLimitExceeded answers callers over their request budget.
	CodeLimitExceeded = -32005
)

// allowedNamespaces may be called without the admin secret.
var allowedNamespaces = map[string]bool{
	"web3": true,
	"eth":  true,
	"net":  true,
}

// deniedMethods are never forwarded, whoever asks.
var deniedMethods = map[string]bool{
	"eth_sign":                    true,
	"eth_signTransaction":         true,
	"eth_signTypedData":           true,
	"eth_signTypedData_v3":        true,
	"eth_signTypedData_v4":        true,
	"eth_sendTransaction":         true,
	"eth_sendUnsignedTransaction": true,
}

// Error is the error member of a JSON-RPC response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is a JSON-RPC error response synthesized by the relay. A nil ID
// encodes as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

func failure(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}}
}

func (r *Response) encode() json.RawMessage {
	b, _ := json.Marshal(r)
	return b
}

// namespace is the part of method before the first underscore.
func namespace(method string) string {
	ns, _, _ := strings.Cut(method, "_")
	return ns
}

// validate checks one request. It returns nil when raw may be forwarded and
// the error to answer with otherwise. privileged callers may reach namespaces
// outside the allow-list; denied methods stay denied.
func validate(raw json.RawMessage, privileged bool) *Response {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(raw, &req); err != nil || req == nil {
		return failure(nil, CodeInvalidRequest, "expected json object")
	}

	id, ok := req["id"]
	if !ok || string(id) == "null" {
		return failure(nil, CodeInvalidRequest, "invalid jsonrpc id")
	}

	var method string
	m := req["method"]
	if string(m) == "null" || json.Unmarshal(m, &method) != nil {
		return failure(id, CodeInvalidRequest, "invalid jsonrpc method")
	}

	if deniedMethods[method] {
		return failure(id, CodeInvalidRequest, "forbidden jsonrpc method")
	}
	if !allowedNamespaces[namespace(method)] && !privileged {
		return failure(id, CodeInvalidRequest, "forbidden jsonrpc method")
	}
	return nil
}

// requestID extracts the id of a request that already passed validation.
func requestID(raw json.RawMessage) json.RawMessage {
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return req.ID
}

// neutered replaces an invalid batch entry so the upstream still sees a batch
// of the same length and order.
func neutered(idx int) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      idx,
		"method":  "web3_clientVersion",
	})
	return b
}

// isBatch reports whether body is a JSON array, ignoring leading whitespace.
func isBatch(body []byte) bool {
	for _, c := range body {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
