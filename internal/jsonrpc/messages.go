package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. The id member is always present and
// is null when the originating request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// ErrorResponseFrom converts an arbitrary error into an error response. An
// *Error keeps its code; anything else is reported as an internal error.
func ErrorResponseFrom(id *RequestID, err error) *Response {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return &Response{JSONRPCVersion: ProtocolVersion, Error: rpcErr, ID: id}
	}
	return NewErrorResponse(id, ErrorCodeInternalError, err.Error(), nil)
}

// ParseRequest decodes a single JSON-RPC request envelope. When the payload is
// not acceptable it returns a ready-to-send error response instead; the id of
// that response echoes the request id whenever it could be recovered.
func ParseRequest(data []byte) (*Request, *Response) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewErrorResponse(nil, ErrorCodeParseError, "parse error: empty request body", nil)
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, NewErrorResponse(recoverID(trimmed), ErrorCodeParseError, "parse error: "+err.Error(), nil)
	}

	if req.JSONRPCVersion != ProtocolVersion {
		return nil, NewErrorResponse(req.ID, ErrorCodeInvalidRequest,
			fmt.Sprintf("invalid request: expected jsonrpc %q, got %q", ProtocolVersion, req.JSONRPCVersion), nil)
	}

	if req.Method == "" {
		return nil, NewErrorResponse(req.ID, ErrorCodeInvalidRequest, "invalid request: missing method", nil)
	}

	return &req, nil
}

// recoverID makes a best-effort attempt at pulling the id out of an envelope
// that failed full decoding (for example because params had the wrong shape).
func recoverID(data []byte) *RequestID {
	var probe struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}
