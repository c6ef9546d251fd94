package hub

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to API clients. These are the wire contract; the
// HTTP status is carried alongside so the API layer maps without a table.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeNameTaken        = "NAME_TAKEN"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeAlreadyDeleted   = "ALREADY_DELETED"
	CodeCrossChannelMove = "CROSS_CHANNEL_MOVE"
	CodeSearchUnavail    = "SEARCH_UNAVAILABLE"
)

// Error is a typed service failure. It aborts the enclosing transaction and
// maps directly onto the API's error envelope.
type Error struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError unwraps a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var he *Error
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

func errNotFound(entity, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

func errInvalidInput(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

func errNameTaken(name string) *Error {
	return &Error{
		Code:    CodeNameTaken,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("channel name %q already exists", name),
	}
}

func errVersionConflict(current int64) *Error {
	return &Error{
		Code:    CodeVersionConflict,
		Status:  http.StatusConflict,
		Message: "message version does not match expected_version",
		Details: map[string]any{"current": current},
	}
}

func errAlreadyDeleted(id string) *Error {
	return &Error{
		Code:    CodeAlreadyDeleted,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("message %s is deleted", id),
	}
}

func errCrossChannelMove() *Error {
	return &Error{
		Code:    CodeCrossChannelMove,
		Status:  http.StatusBadRequest,
		Message: "destination topic belongs to a different channel",
	}
}

// ErrSearchUnavailable maps the store's typed error for the API layer.
var ErrSearchUnavailable = &Error{
	Code:    CodeSearchUnavail,
	Status:  http.StatusServiceUnavailable,
	Message: "full-text search index is not enabled for this workspace",
}
