package driftsync

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Validation errors
var (
	ErrInvalidEntityID   = errors.New("invalid entity id")
	ErrInvalidEntityKind = errors.New("invalid entity kind")
	ErrInvalidKind       = errors.New("invalid operation kind")
	ErrPayloadTooLarge   = errors.New("payload exceeds size limit")
)

// entityKindRegex validates entity kinds: alphanumeric, underscores, dots,
// hyphens. Must start with a letter or underscore.
var entityKindRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// maxEntityIDLen is the maximum allowed entity id length
const maxEntityIDLen = 256

// maxEntityKindLen is the maximum allowed entity kind length
const maxEntityKindLen = 128

// maxPayloadBytes caps a single operation payload. Larger bodies should be
// stored out of band and referenced.
const maxPayloadBytes = 4 << 20

// ValidateEntityID validates an entity id. Entity ids end up in transport
// paths and object keys, so path traversal is rejected here.
func ValidateEntityID(id string) error {
	if id == "" {
		return ErrInvalidEntityID
	}
	if len(id) > maxEntityIDLen {
		return ErrInvalidEntityID
	}
	if strings.Contains(id, "..") || strings.HasPrefix(id, "/") {
		return ErrInvalidEntityID
	}
	for _, r := range id {
		if r < 32 {
			return ErrInvalidEntityID
		}
	}
	return nil
}

// ValidateEntityKind validates an entity kind. Empty is allowed and selects
// the default conflict policy.
func ValidateEntityKind(kind string) error {
	if kind == "" {
		return nil
	}
	if len(kind) > maxEntityKindLen {
		return ErrInvalidEntityKind
	}
	if !entityKindRegex.MatchString(kind) {
		return ErrInvalidEntityKind
	}
	return nil
}

// ValidateOperation validates the producer-supplied fields of an operation.
func ValidateOperation(op *Operation) error {
	if err := ValidateEntityID(op.EntityID); err != nil {
		return err
	}
	if err := ValidateEntityKind(op.EntityKind); err != nil {
		return err
	}
	if op.Kind < OpCreate || op.Kind > OpDelete {
		return ErrInvalidKind
	}
	if len(op.Payload) > maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}
