// Package smtperr defines the status values the admission pipeline hands back
// to the protocol layer.
package smtperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a rejection.
type Kind int

const (
	KindUnknown Kind = iota
	// SequencingError is a command issued out of order, e.g. DATA before RCPT.
	SequencingError
	// PolicyLimitExceeded covers the per-session message cap, size limit and quotas.
	PolicyLimitExceeded
	// LoopSuspected is raised by the hop counter.
	LoopSuspected
	// MalformedMessage is a message that failed to parse.
	MalformedMessage
	// StorageError means the queue store could not be reached.
	StorageError
	// ConfigurationError means a rule set could not produce a value.
	ConfigurationError
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case SequencingError:
		return "sequencing"
	case PolicyLimitExceeded:
		return "policy_limit"
	case LoopSuspected:
		return "loop"
	case MalformedMessage:
		return "malformed"
	case StorageError:
		return "storage"
	case ConfigurationError:
		return "configuration"
	default:
		return "unknown"
	}
}

// EnhancedCode is an RFC 3463 status code.
type EnhancedCode [3]int

func (c EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// Error is an SMTP reply annotated with the rejection kind and the reason
// used for metrics and logs.
type Error struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	Kind         Kind
	// Reason is a short machine-readable label, e.g. "quota_exceeded".
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s %s: %v", e.Code, e.EnhancedCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the peer may retry later.
func (e *Error) Temporary() bool {
	return e.Code/100 == 4
}

// Reply returns the reply line as sent on the wire.
func (e *Error) Reply() string {
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}

// Predefined statuses. Use the constructors below to get a fresh value with a
// wrapped cause.
var (
	NoRecipients = Error{
		Code: 503, EnhancedCode: EnhancedCode{5, 5, 1},
		Message: "RCPT is required first", Kind: SequencingError, Reason: "no_recipients",
	}
	SessionLimit = Error{
		Code: 452, EnhancedCode: EnhancedCode{4, 4, 5},
		Message: "Maximum number of messages per session exceeded", Kind: PolicyLimitExceeded, Reason: "session_limit",
	}
	TooBig = Error{
		Code: 552, EnhancedCode: EnhancedCode{5, 3, 4},
		Message: "Message too big for system", Kind: PolicyLimitExceeded, Reason: "message_size",
	}
	Loop = Error{
		Code: 450, EnhancedCode: EnhancedCode{4, 4, 6},
		Message: "Too many Received headers, possible mail loop", Kind: LoopSuspected, Reason: "loop",
	}
	QuotaExceeded = Error{
		Code: 452, EnhancedCode: EnhancedCode{4, 3, 1},
		Message: "Mail system full, try again later", Kind: PolicyLimitExceeded, Reason: "quota_exceeded",
	}
	Malformed = Error{
		Code: 550, EnhancedCode: EnhancedCode{5, 7, 7},
		Message: "Failed to parse message", Kind: MalformedMessage, Reason: "malformed",
	}
	Storage = Error{
		Code: 451, EnhancedCode: EnhancedCode{4, 3, 0},
		Message: "Temporary storage failure, try again later", Kind: StorageError, Reason: "storage",
	}
	Config = Error{
		Code: 451, EnhancedCode: EnhancedCode{4, 3, 5},
		Message: "Temporary server configuration error", Kind: ConfigurationError, Reason: "configuration",
	}
)

// New returns a copy of tmpl wrapping cause.
func New(tmpl Error, cause error) *Error {
	e := tmpl
	e.Err = cause
	return &e
}

// Newf returns a copy of tmpl with a replaced message.
func Newf(tmpl Error, format string, args ...interface{}) *Error {
	e := tmpl
	e.Message = fmt.Sprintf(format, args...)
	return &e
}

// From converts any error into an *Error. Errors without an SMTP annotation
// become a temporary storage failure so internal details are not disclosed
// to the peer.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Newf(Storage, "High load, try again later")
	}
	return New(Storage, err)
}

// IsTemporary returns true if err carries a temporary SMTP status.
func IsTemporary(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return false
}
