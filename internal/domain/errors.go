package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrTemplateInactive   = errors.New("template not active")
	ErrDeliveryNotFound   = errors.New("delivery not found")
	ErrPreferenceNotFound = errors.New("preference not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrCannotCancel       = errors.New("delivery cannot be cancelled in its current state")
	ErrInvalidTransition  = errors.New("invalid delivery state transition")
	ErrDeliveryExpired    = errors.New("delivery expired")
	ErrMissingFields      = errors.New("missing required fields")
)

// ValidationError carries per-field messages for a rejected template or
// variable set. Never retried.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

func NewValidationError(errs ...string) *ValidationError {
	return &ValidationError{Errors: errs}
}

// ProviderError wraps a failed adapter send. Retriable errors re-enter the
// retry loop; the rest terminate the delivery.
type ProviderError struct {
	Provider  string
	Reason    string
	Retriable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}
