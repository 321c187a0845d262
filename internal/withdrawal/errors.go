package withdrawal

import "errors"

// Kind classifies an engine failure. Every kind is recoverable at the
// caller; none is process-fatal.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindExpired         Kind = "expired"
	KindFormatInvalid   Kind = "format_invalid"
	KindUnauthorized    Kind = "unauthorized"
	KindPolicyViolation Kind = "policy_violation"
	KindStateConflict   Kind = "state_conflict"
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Msg
}

func errf(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf returns the classification of err, or the empty Kind when err is
// not an engine error.
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return ""
}
