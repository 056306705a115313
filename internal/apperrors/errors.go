// Package apperrors holds the error taxonomy shared by the sync engine.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrAuthExpired means the connection's credentials are no longer usable
	// and the user has to re-authorise.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrTransient covers network failures, timeouts, rate limits and 5xx responses.
	ErrTransient = errors.New("transient provider failure")
	// ErrUnnormalizable marks a single event that cannot be turned into a meeting.
	ErrUnnormalizable = errors.New("event cannot be normalized")
	// ErrSyncDisabled is returned for connections with sync switched off.
	ErrSyncDisabled = errors.New("sync disabled for connection")
)

// Kind classifies a failure for the orchestrator.
type Kind string

const (
	KindAuthExpired Kind = "auth_expired"
	KindTransient   Kind = "transient"
	KindMalformed   Kind = "malformed"
	KindNotFound    Kind = "not_found"
)

// FetchError is returned by provider adapters when retrieving events fails.
type FetchError struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuthExpired) and friends match on Kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.Kind == KindAuthExpired
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrUnnormalizable:
		return e.Kind == KindMalformed
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// AuthExpired wraps err as an AuthExpired fetch error.
func AuthExpired(provider string, err error) *FetchError {
	return &FetchError{Provider: provider, Kind: KindAuthExpired, Err: err}
}

// Transient wraps err as a Transient fetch error.
func Transient(provider string, err error) *FetchError {
	return &FetchError{Provider: provider, Kind: KindTransient, Err: err}
}

// KindOf maps any error onto the taxonomy. Unknown errors are treated as transient.
func KindOf(err error) Kind {
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnnormalizable):
		return KindMalformed
	default:
		return KindTransient
	}
}
