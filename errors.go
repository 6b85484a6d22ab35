package driftsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Common sentinel errors for the driftsync package.
var (
	// ErrClosed is returned when operations are attempted on a stopped
	// engine or a closed storage.
	ErrClosed = errors.New("sync engine is closed")

	// ErrNotFound is returned when an operation id is unknown.
	ErrNotFound = errors.New("operation not found")

	// ErrAlreadyInFlight is returned by MarkInFlight when another worker
	// holds the lease. The losing worker must skip the operation.
	ErrAlreadyInFlight = errors.New("operation already in flight")

	// ErrNotCancelable is returned by Cancel for operations that are no
	// longer Pending. In-flight attempts must run to completion.
	ErrNotCancelable = errors.New("operation is not cancelable")

	// ErrInvalidTransition is returned when a state change would violate
	// the one-directional operation lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ErrorClass partitions delivery failures by how the worker reacts.
type ErrorClass int

const (
	// ClassTransient failures (timeouts, disconnects, 5xx-equivalents)
	// are retried on the backoff schedule.
	ClassTransient ErrorClass = iota
	// ClassConflict failures (remote version mismatch) are routed to the
	// conflict resolver, never blindly retried.
	ClassConflict
	// ClassPermanent failures (malformed payload, auth failure, business
	// rejection) fail the operation immediately.
	ClassPermanent
	// ClassStorage failures come from the durability layer, not the
	// network; the worker backs off briefly and retries the storage call.
	ClassStorage
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	case ClassStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// TransportError describes a delivery failure with an explicit class.
// Transport implementations return it when they can classify a failure
// themselves; anything else goes through Classify.
type TransportError struct {
	Class   ErrorClass
	Message string
	Status  int // HTTP-equivalent status code when known, otherwise 0
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		if e.Cause != nil {
			return fmt.Sprintf("%s (status %d): %v", e.Message, e.Status, e.Cause)
		}
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// newTransportError creates a new TransportError.
func newTransportError(class ErrorClass, message string, status int, cause error) *TransportError {
	return &TransportError{
		Class:   class,
		Message: message,
		Status:  status,
		Cause:   cause,
	}
}

// StorageError provides detailed information about durability failures.
// It is propagated synchronously to the caller of the failing SyncStorage
// method; the worker treats it as fatal for one loop iteration only.
type StorageError struct {
	Op      string // storage method name, e.g. "enqueue"
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// newStorageError creates a new StorageError.
func newStorageError(op, message string, cause error) *StorageError {
	return &StorageError{
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// transientPatterns are error-text fragments that indicate a failure worth
// retrying. Checked before permanentPatterns; evidence of a network-level
// fault outweighs an embedded status code.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"broken pipe",
	"503",
	"502",
	"504",
	"429",
}

// permanentPatterns are error-text fragments that indicate the remote
// judged the operation itself, so retrying the same bytes cannot help.
var permanentPatterns = []string{
	"unauthorized",
	"forbidden",
	"malformed",
	"invalid payload",
	"400",
	"401",
	"403",
	"413",
	"422",
}

// Classify reports how the worker should react to a delivery error.
//
// Typed errors win: a TransportError carries its own class and a
// StorageError is always ClassStorage. A context deadline on the attempt
// counts as transient. Errors matching no pattern classify as transient;
// misclassifying a permanent failure as transient only costs the retry
// budget, while the reverse drops a write that might have gone through.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}
	var se *StorageError
	if errors.As(err, &se) {
		return ClassStorage
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		// The attempt was aborted, not judged.
		return ClassTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return ClassTransient
		}
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(errStr, pattern) {
			return ClassPermanent
		}
	}

	return ClassTransient
}

// IsTransient reports whether err should be retried on the backoff
// schedule.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}
