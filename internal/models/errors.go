package models

import "errors"

// Error taxonomy shared by ingest, resolver, gate and checkout.
var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrDuplicateEvent        = errors.New("duplicate event")
	ErrValidationFailure     = errors.New("validation failure")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrPrecedenceConflict    = errors.New("precedence conflict")
	ErrNotFound              = errors.New("not found")
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrConflict              = errors.New("conflict")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnknownPlan           = errors.New("unknown plan")
	ErrProviderFailure       = errors.New("billing provider failure")
)
