package keys

import (
	"errors"
	"fmt"

	"github.com/jordanhubbard/keyrouter/internal/store"
)

// ErrKeyNotFound is returned when a key id does not resolve to a stored key.
var ErrKeyNotFound = errors.New("key not found")

// ValidationError reports rejected input during registration or rotation.
// It never carries the offending material.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RegistrationError wraps validation, encryption, or persistence failures
// during key registration.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string { return fmt.Sprintf("key registration failed: %v", e.Err) }
func (e *RegistrationError) Unwrap() error { return e.Err }

// InvalidStateTransitionError reports an attempt to move a key along an edge
// the transition matrix does not allow.
type InvalidStateTransitionError struct {
	KeyID string
	From  store.KeyState
	To    store.KeyState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for key %s: %s -> %s", e.KeyID, e.From, e.To)
}
