package federation

import (
	"errors"
	"fmt"
)

// Machine-readable error codes. Callers match on these to decide follow-up
// behavior; the retry queue uses the retryable flag to decide drop vs
// reschedule.
const (
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeMalformed         = "malformed"
	CodeBadSignature      = "bad_signature"
	CodeAuthorityMismatch = "authority_mismatch"
	CodeBlockedHost       = "blocked_host"
	CodeRecursionLimit    = "recursion_limit"
	CodeContentPolicy     = "content_policy"
	CodeLocalOnly         = "local_only"
	CodeTooManyMentions   = "too_many_mentions"
	CodeAlreadyReacted    = "already_reacted"
	CodeAlreadyVoted      = "already_voted"
	CodePollExpired       = "poll_expired"
	CodeSuspended         = "suspended"
	CodeUnauthorized      = "unauthorized"
	CodeUnsupported       = "unsupported"
	CodeFetchFailed       = "fetch_failed"
	CodeFetchRejected     = "fetch_rejected"
)

// Error is a federation error with a stable code. Retryable errors may be
// rescheduled by the retry queue; everything else is dropped after logging.
type Error struct {
	Code      string
	Retryable bool
	Message   string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is - two federation errors are equivalent when their codes match, so
// wrapped errors still compare against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrNotFound = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict = &Error{Code: CodeConflict, Message: "already exists"}
)

// Permanentf - a non-retryable error; the retry queue drops the job.
func Permanentf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryablef - a transient error; the retry queue reschedules with backoff.
func Retryablef(code string, format string, args ...any) *Error {
	return &Error{Code: code, Retryable: true, Message: fmt.Sprintf(format, args...)}
}

// WrapPermanent - wrap a cause as a non-retryable error.
func WrapPermanent(code string, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WrapRetryable - wrap a cause as a transient error.
func WrapRetryable(code string, msg string, cause error) *Error {
	return &Error{Code: code, Retryable: true, Message: msg, cause: cause}
}

// IsRetryable - whether an error should be rescheduled. Unknown error
// values are treated as retryable so that a bug does not silently drop
// deliveries.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// ErrorCode - the machine-readable code of an error, or empty.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
