package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess      Code = 0
	CodeInternal     Code = 1
	CodeUsage        Code = 2
	CodeSetup        Code = 3
	CodeNoRoute      Code = 4
	CodeUserRejected Code = 5
	CodeReverted     Code = 6
	CodeCancelled    Code = 7
	CodeSigner       Code = 8
	CodeUnavailable  Code = 12
	CodeUnsupported  Code = 13
	CodeBlocked      Code = 16
	CodeActionSim    Code = 20
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName maps a code to the envelope error type.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeSetup:
		return "setup_error"
	case CodeNoRoute:
		return "no_route"
	case CodeUserRejected:
		return "user_rejected"
	case CodeReverted:
		return "transaction_failed"
	case CodeCancelled:
		return "cancelled"
	case CodeSigner:
		return "signer_error"
	case CodeUnavailable:
		return "rpc_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBlocked:
		return "run_blocked"
	case CodeActionSim:
		return "simulation_failed"
	default:
		return "internal_error"
	}
}
