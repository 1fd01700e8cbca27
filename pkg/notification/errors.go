package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget means there was no usable recipient; the gateway was not contacted.
	ErrInvalidTarget = errors.New("invalid notification target")
	// ErrGatewayUnavailable means transient gateway failures exhausted the retry budget.
	ErrGatewayUnavailable = errors.New("push gateway unavailable")
	// ErrRejected means the gateway permanently refused a call that had no token to flag.
	ErrRejected = errors.New("push gateway rejected request")
	// ErrStoreWrite means the notification record could not be persisted.
	ErrStoreWrite = errors.New("notification record write failed")
	// ErrRecordNotFound is returned by record stores for unknown ids.
	ErrRecordNotFound = errors.New("notification record not found")
	// ErrUnsupported is returned by gateways that lack an operation (e.g. topics on APNs).
	ErrUnsupported = errors.New("operation not supported by push gateway")
)

// FailureReason is the machine-readable reason a provider gave for a failure.
type FailureReason string

const (
	ReasonInvalidRegistration FailureReason = "invalid-registration"
	ReasonNotRegistered       FailureReason = "not-registered"
	// ReasonInvalidMessage means the provider refused the payload. No token is at fault.
	ReasonInvalidMessage FailureReason = "invalid-message"
	ReasonRateLimited         FailureReason = "rate-limited"
	ReasonTimeout             FailureReason = "transport-timeout"
	ReasonUnavailable         FailureReason = "unavailable"
	ReasonUnsupported         FailureReason = "unsupported"
	ReasonUnknown             FailureReason = "unknown-error"
)

// GatewayError is returned by gateway adapters for provider-reported failures.
type GatewayError struct {
	Reason FailureReason
	Err    error
}

// NewGatewayError wraps err with reason.
func NewGatewayError(reason FailureReason, err error) *GatewayError {
	return &GatewayError{Reason: reason, Err: err}
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("push gateway: %s", e.Reason)
	}
	return fmt.Sprintf("push gateway: %s: %v", e.Reason, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from err. Errors that did not come from
// a gateway adapter are reported as ReasonUnknown.
func ReasonOf(err error) FailureReason {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Reason
	}
	return ReasonUnknown
}
