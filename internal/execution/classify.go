package execution

import (
	"errors"
	"strings"

	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
)

type ErrorKind string

const (
	ErrorKindUserRejected ErrorKind = "user_rejected"
	ErrorKindNonce        ErrorKind = "nonce"
	ErrorKindReverted     ErrorKind = "reverted"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindUnknown      ErrorKind = "unknown"
)

const defaultFailureMessage = "transaction failed, try again"

// ErrCancelled is returned once a run's cancellation flag is set.
var ErrCancelled = clierr.New(clierr.CodeCancelled, "cancelled")

// StepError is an error reduced to what a progress feed displays.
type StepError struct {
	Kind    ErrorKind
	Message string
	// Detail holds the cleaned underlying text when Message is generic.
	Detail string
}

var rejectionPhrases = []string{
	"user rejected",
	"user denied",
	"rejected the request",
	"request rejected",
	"user cancelled",
	"user canceled",
	"denied transaction signature",
	"action_rejected",
}

var payloadMarkers = []string{
	"Request Arguments:",
	"Contract Call:",
	"Details:",
	"Version:",
	"Request body:",
}

func Classify(err error) StepError {
	if err == nil {
		return StepError{}
	}
	if errors.Is(err, ErrCancelled) || clierr.HasCode(err, clierr.CodeCancelled) {
		return StepError{Kind: ErrorKindCancelled, Message: "cancelled"}
	}
	raw := stripPayloadNoise(err.Error())
	lower := strings.ToLower(raw)

	if clierr.HasCode(err, clierr.CodeUserRejected) || containsAny(lower, rejectionPhrases) {
		return StepError{Kind: ErrorKindUserRejected, Message: "transaction declined in wallet"}
	}
	if IsNonceTooLow(err) {
		return StepError{Kind: ErrorKindNonce, Message: "nonce too low, wallet out of sync", Detail: raw}
	}
	if clierr.HasCode(err, clierr.CodeReverted) || strings.Contains(lower, "revert") {
		if raw == "" {
			raw = defaultFailureMessage
		}
		return StepError{Kind: ErrorKindReverted, Message: raw}
	}
	if strings.Contains(lower, "insufficient funds") {
		return StepError{Kind: ErrorKindUnknown, Message: "insufficient funds for gas", Detail: raw}
	}
	return StepError{Kind: ErrorKindUnknown, Message: defaultFailureMessage, Detail: raw}
}

// IsNonceTooLow matches the transient nonce desync reported by wallets and nodes.
func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "nonce") && strings.Contains(lower, "low")
}

func stripPayloadNoise(msg string) string {
	cut := len(msg)
	for _, marker := range payloadMarkers {
		if idx := strings.Index(msg, marker); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return strings.TrimRight(strings.TrimSpace(msg[:cut]), ":.")
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
