package domain

import "errors"

// Error codes surfaced to callers.
const (
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
	CodeRoomFull       = "room_full"
	CodeIllegalTurn    = "illegal_turn"
	CodeIllegalMove    = "illegal_move"
	CodeUnauthorized   = "unauthorized"
	CodeTransientStore = "transient_store"
	CodeInvalid        = "invalid"
	CodeInternal       = "internal"
)

// Error is a classified room error. errors.Is matches on Code.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = "room error"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrConflict       = &Error{Code: CodeConflict, Message: "conflict"}
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "not found"}
	ErrRoomFull       = &Error{Code: CodeRoomFull, Message: "room is full"}
	ErrIllegalTurn    = &Error{Code: CodeIllegalTurn, Message: "not your turn"}
	ErrIllegalMove    = &Error{Code: CodeIllegalMove, Message: "illegal move"}
	ErrUnauthorized   = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrTransientStore = &Error{Code: CodeTransientStore, Message: "store unavailable", Retryable: true}
	ErrInvalid        = &Error{Code: CodeInvalid, Message: "invalid request"}
)

// Wrap returns a copy of kind carrying msg and cause.
func Wrap(kind *Error, msg string, cause error) *Error {
	out := &Error{Code: kind.Code, Message: kind.Message, Retryable: kind.Retryable, Err: cause}
	if msg != "" {
		out.Message = msg
	}
	return out
}

// CodeOf classifies err. Unclassified errors are internal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
