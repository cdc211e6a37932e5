// Package rpc defines the JSON-RPC 2.0 envelope used on the session channel.
//
// Requests arrive as {jsonrpc:"2.0", method, params, id}. Successful
// responses carry result; errors carry error{code,message,data} with a null
// result. Streaming replies are correlated notifications: they reuse the
// request id and mark progress through result.event_type.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// JSON-RPC protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes, carried in error.data.code.
const (
	ErrCodeInvalidPersona      = "INVALID_PERSONA"
	ErrCodeEmbedderUnavailable = "EMBEDDER_UNAVAILABLE"
	ErrCodePruneInProgress     = "PRUNE_IN_PROGRESS"
	ErrCodeInternal            = "INTERNAL"
)

// Stream event types for persona.chat_stream notifications.
const (
	EventStreamStart     = "stream_start"
	EventStreamChunk     = "stream_chunk"
	EventStreamComplete  = "stream_complete"
	EventStreamError     = "stream_error"
	EventStreamCancelled = "stream_cancelled"
)

// Request is an incoming JSON-RPC call. ID is kept raw: the protocol allows
// numbers, strings, and null, and responses must echo it byte-for-byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// HasID reports whether the request carries a non-null id (i.e. expects a
// response; id-less requests are notifications).
func (r Request) HasID() bool {
	return len(r.ID) > 0 && string(r.ID) != "null"
}

// Error is the JSON-RPC error object. Data carries the stable application
// code plus any identifiers relevant to the failure.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is an outgoing JSON-RPC reply. Per the protocol, Result is
// explicitly null on errors.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, Result: result, ID: normalizeID(id)}
}

// NewError builds an error response. appCode, when non-empty, is attached as
// error.data.code; extra key/values (persona ids etc.) follow in pairs.
func NewError(id json.RawMessage, code int, message, appCode string, kv ...any) Response {
	e := &Error{Code: code, Message: message}
	if appCode != "" || len(kv) > 0 {
		e.Data = make(map[string]any, 1+len(kv)/2)
		if appCode != "" {
			e.Data["code"] = appCode
		}
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Data[key] = kv[i+1]
		}
	}
	return Response{JSONRPC: Version, Error: e, ID: normalizeID(id)}
}

// normalizeID maps an absent id to explicit null so the marshalled response
// always carries the id field.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// StreamEvent is the result payload of a streaming notification. All events
// share the originating request's id.
type StreamEvent struct {
	EventType     string   `json:"event_type"`
	PersonaID     string   `json:"persona_id,omitempty"`
	Chunk         string   `json:"chunk,omitempty"`
	ChunkNumber   int      `json:"chunk_number,omitempty"`
	FullResponse  string   `json:"full_response,omitempty"`
	ChunkCount    int      `json:"chunk_count,omitempty"`
	ContinueScore *float64 `json:"continue_score,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// NewStreamEvent wraps a stream event in a response envelope correlated with
// the originating request id.
func NewStreamEvent(id json.RawMessage, ev StreamEvent) Response {
	return Response{JSONRPC: Version, Result: ev, ID: normalizeID(id)}
}

// DecodeParams unmarshals request params into target, mapping failures to a
// CodeInvalidParams error. Absent params decode as the zero value.
func DecodeParams(req Request, target any) *Error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
