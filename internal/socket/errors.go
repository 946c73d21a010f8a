package socket

import (
	"errors"

	"socialink/internal/authz"
	"socialink/internal/data"
)

// ErrorKind classifies a failed event for protocol purposes.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindInvalidInput ErrorKind = "invalid_input"
	KindConflict     ErrorKind = "conflict"
	KindInternal     ErrorKind = "internal"
)

// Error is the typed rejection surfaced to a client as an error event. Only
// Message crosses the wire; internal detail stays in the server log.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func invalidInput(msg string) *Error { return &Error{Kind: KindInvalidInput, Message: msg} }
func forbidden(msg string) *Error    { return &Error{Kind: KindForbidden, Message: msg} }
func notFound(msg string) *Error     { return &Error{Kind: KindNotFound, Message: msg} }
func conflict(msg string) *Error     { return &Error{Kind: KindConflict, Message: msg} }

// classify maps store/authz errors onto the protocol taxonomy. Anything it
// does not recognize is Internal: logged fully server-side, surfaced
// generically to avoid leaking internals.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, authz.ErrForbidden):
		return forbidden("you are not allowed to perform this action")
	case errors.Is(err, authz.ErrInvalidState):
		return &Error{Kind: KindConflict, Message: "the conversation does not allow this action in its current state"}
	case errors.Is(err, authz.ErrNotFound),
		errors.Is(err, data.ErrConversationNotFound),
		errors.Is(err, data.ErrMessageNotFound),
		errors.Is(err, data.ErrUserNotFound):
		return notFound("the requested resource was not found")
	case errors.Is(err, data.ErrAlreadyMember):
		return conflict("user is already a member of this conversation")
	case errors.Is(err, data.ErrNotActiveMember):
		return conflict("user is not an active member of this conversation")
	case errors.Is(err, data.ErrMessageNotEditable):
		return forbidden("this message cannot be edited")
	default:
		return &Error{Kind: KindInternal, Message: "internal server error"}
	}
}
