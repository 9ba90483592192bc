// Package kgerrors defines the error-kind taxonomy shared across lattice
// components, generalizing the teacher's ad-hoc fmt.Errorf wrapping into a
// small, typed set callers can dispatch on with errors.Is/errors.As.
package kgerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/propagation decisions.
type Kind string

const (
	KindAuth             Kind = "auth"
	KindAccessViolation  Kind = "access_violation"
	KindRateLimited      Kind = "rate_limited"
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindStoreTransient   Kind = "store_transient"
	KindStorePermanent   Kind = "store_permanent"
	KindEmbedTransient   Kind = "embed_transient"
	KindEmbedPermanent   Kind = "embed_permanent"
	KindLLMDisabled      Kind = "llm_disabled"
	KindLLMTimeout       Kind = "llm_timeout"
	KindLLMError         Kind = "llm_error"
	KindConnectorTransient Kind = "connector_transient"
	KindConnectorPermanent Kind = "connector_permanent"
	KindDegraded         Kind = "degraded"
)

// Error is a kinded error. Reason is a short machine-readable sub-code
// (e.g. "expired", "bad-signature") used for metrics labels and logs.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Reason != "" {
			return fmt.Sprintf("%s(%s): %v", e.Kind, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error, optionally wrapping an underlying cause.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Is lets errors.Is(err, kgerrors.New(kind, "", nil)) match by Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return true
}

// OfKind reports whether err carries the given Kind anywhere in its chain.
func OfKind(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	var ke *Error
	if !errors.As(err, &ke) {
		return false
	}
	switch ke.Kind {
	case KindStoreTransient, KindEmbedTransient, KindConnectorTransient, KindLLMTimeout:
		return true
	default:
		return false
	}
}

// IsDegraded reports a non-fatal degraded-mode outcome.
func IsDegraded(err error) bool {
	return OfKind(err, KindDegraded)
}

var (
	// ErrTenantRebind is raised by with_tenant when a bound session is re-bound.
	ErrTenantRebind = New(KindValidation, "tenant-rebind", nil)
)

// HTTPStatus maps a Kind to the status code named in SPEC_FULL.md §6's
// return-codes table. Unrecognized kinds (including plain, un-kinded
// errors) map to 500, the generic store/permanent bucket.
func HTTPStatus(err error) int {
	var ke *Error
	if !errors.As(err, &ke) {
		return 500
	}
	switch ke.Kind {
	case KindAuth:
		return 401
	case KindAccessViolation:
		return 403
	case KindRateLimited:
		return 429
	case KindValidation:
		return 422
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindLLMDisabled:
		return 503
	case KindLLMTimeout, KindLLMError:
		return 502
	case KindStoreTransient, KindEmbedTransient, KindConnectorTransient:
		return 503
	case KindStorePermanent, KindEmbedPermanent, KindConnectorPermanent:
		return 500
	case KindDegraded:
		return 200
	default:
		return 500
	}
}
