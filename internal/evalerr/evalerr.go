// Package evalerr defines the error taxonomy shared by every component of the
// evaluation pipeline. Each failure carries exactly one Tag; the tag decides
// the HTTP status, the retry policy, and whether the caller's quota is
// consumed.
package evalerr

import (
	"context"
	"errors"
	"fmt"
)

// Tag classifies a failure for callers and for quota accounting.
type Tag string

const (
	InvalidInput        Tag = "InvalidInput"
	NotFound            Tag = "NotFound"
	QuotaExceeded       Tag = "QuotaExceeded"
	Unauthorized        Tag = "Unauthorized"
	BudgetExhausted     Tag = "BudgetExhausted"
	Timeout             Tag = "Timeout"
	RateLimited         Tag = "RateLimited"
	UpstreamUnavailable Tag = "UpstreamUnavailable"
	ParseFailure        Tag = "ParseFailure"
	Internal            Tag = "Internal"
)

// Tagger is implemented by errors that classify themselves without being an
// *Error, such as structured quota rejections.
type Tagger interface {
	ErrorTag() Tag
}

// Error pairs a taxonomy tag with a human-readable message and an optional
// underlying cause.
type Error struct {
	Tag     Tag
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorTag returns the error's taxonomy tag.
func (e *Error) ErrorTag() Tag { return e.Tag }

// New returns a tagged error with the given message.
func New(tag Tag, message string) *Error {
	return &Error{Tag: tag, Message: message}
}

// Errorf returns a tagged error with a formatted message.
func Errorf(tag Tag, format string, args ...any) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error while preserving it for errors.Is/As.
func Wrap(tag Tag, message string, err error) *Error {
	return &Error{Tag: tag, Message: message, Err: err}
}

// TagOf extracts the taxonomy tag from an error chain. Deadline expiry maps
// to Timeout; anything untagged is Internal.
func TagOf(err error) Tag {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}
	var t Tagger
	if errors.As(err, &t) {
		return t.ErrorTag()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Message returns the user-facing message of an error chain. Errors that
// classify themselves speak for themselves; untagged errors collapse to a
// generic message so internals never leak to callers.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	var t Tagger
	if errors.As(err, &t) {
		return err.Error()
	}
	if TagOf(err) == Timeout {
		return "evaluation deadline exceeded"
	}
	return "internal error"
}

// ConsumesQuota reports whether a terminal failure with the given tag debits
// the caller's usage window. Only failures attributable to the submitted
// input consume quota; infrastructure failures do not.
func ConsumesQuota(tag Tag) bool {
	switch tag {
	case InvalidInput, NotFound, ParseFailure:
		return true
	default:
		return false
	}
}
