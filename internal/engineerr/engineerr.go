// Package engineerr defines the error taxonomy a connection's state
// machine translates into WebSocket close codes (spec §7).
package engineerr

import "fmt"

// CloseCode identifies the class of close frame the supervisor sends
// when a connection cannot produce a terminal frame.
type CloseCode int

const (
	// CodeClientWentAway means the channel closed or the peer sent its
	// own close frame; no close frame is sent back.
	CodeClientWentAway CloseCode = iota
	// CodeSize means an inbound message exceeded MAX_REQUEST_SIZE.
	CodeSize
	// CodeUnsupported means an inbound message was not binary.
	CodeUnsupported
	// CodePolicy means a decode error, validator rejection, extra
	// trailing bytes, or an unexpected control message.
	CodePolicy
	// CodeInternal means sandbox setup or host I/O failure.
	CodeInternal
)

// WSCode maps a CloseCode to the numeric WebSocket close code sent on
// the wire. The engine package owns the actual send; this keeps the
// mapping next to the taxonomy it classifies.
func (c CloseCode) WSCode() int {
	switch c {
	case CodeSize:
		return 1009 // message too big
	case CodeUnsupported:
		return 1003 // unsupported data
	case CodePolicy:
		return 1008 // policy violation
	case CodeInternal:
		return 1011 // internal error
	default:
		return 1000
	}
}

// Error is a classified engine error: it carries the close code the
// supervisor should emit alongside a short, client-visible reason.
type Error struct {
	Code   CloseCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// TooLarge reports an inbound message over MAX_REQUEST_SIZE.
func TooLarge(size, limit int) *Error {
	return &Error{
		Code:   CodeSize,
		Reason: fmt.Sprintf("message of %d bytes exceeds limit of %d bytes", size, limit),
	}
}

// Unsupported reports a non-binary inbound message.
func Unsupported(reason string) *Error {
	return &Error{Code: CodeUnsupported, Reason: reason}
}

// Policy reports a decode error, validator rejection, or unexpected
// control message.
func Policy(reason string) *Error {
	return &Error{Code: CodePolicy, Reason: reason}
}

// Policyf is Policy with fmt.Sprintf-style formatting.
func Policyf(format string, args ...any) *Error {
	return &Error{Code: CodePolicy, Reason: fmt.Sprintf(format, args...)}
}

// Internal reports a sandbox-setup or host I/O failure. err is wrapped
// for logging but never sent verbatim to the client beyond reason.
func Internal(reason string, err error) *Error {
	return &Error{Code: CodeInternal, Reason: reason, Err: err}
}

// ClientWentAway reports the peer closing the channel; no close frame
// is sent in response.
func ClientWentAway(err error) *Error {
	return &Error{Code: CodeClientWentAway, Reason: "client went away", Err: err}
}
