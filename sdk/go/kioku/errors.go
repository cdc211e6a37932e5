// Package kioku provides a Go client for the Kioku persona memory runtime's
// WebSocket JSON-RPC API.
package kioku

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes returned by the server.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes carried in Error.Data under "code".
const (
	AppInvalidPersona      = "INVALID_PERSONA"
	AppEmbedderUnavailable = "EMBEDDER_UNAVAILABLE"
	AppPruneInProgress     = "PRUNE_IN_PROGRESS"
	AppInternal            = "INTERNAL"
)

// Error is a JSON-RPC error returned by the server.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if app := e.AppCode(); app != "" {
		return fmt.Sprintf("kioku: %s (%d): %s", app, e.Code, e.Message)
	}
	return fmt.Sprintf("kioku: rpc error %d: %s", e.Code, e.Message)
}

// AppCode returns the application error code from the error data, or "".
func (e *Error) AppCode() string {
	if e.Data == nil {
		return ""
	}
	code, _ := e.Data["code"].(string)
	return code
}

// IsInvalidPersona reports whether err names an unknown persona.
func IsInvalidPersona(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.AppCode() == AppInvalidPersona
}

// IsPruneInProgress reports whether a prune was refused because one is
// already running or ran too recently.
func IsPruneInProgress(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.AppCode() == AppPruneInProgress
}

// IsEmbedderUnavailable reports whether the embedding backend was down.
func IsEmbedderUnavailable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.AppCode() == AppEmbedderUnavailable
}

// IsMethodNotFound reports whether the server does not know the method.
func IsMethodNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeMethodNotFound
}
