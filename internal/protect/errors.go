package protect

import "errors"

var (
	// ErrInvalidPrice is returned by the sizer for a non-positive price.
	// The current trade decision is skipped; the process keeps running.
	ErrInvalidPrice = errors.New("protect: invalid price")

	// ErrNotionalBelowMin signals that sizing produced an order below the
	// exchange minimum even after the rounding correction. It indicates a
	// logic invariant violation; the order must be refused, not submitted.
	ErrNotionalBelowMin = errors.New("protect: notional below exchange minimum")

	// ErrGroupNotFound is returned for operations on an unknown group id.
	ErrGroupNotFound = errors.New("protect: group not found")

	// ErrStoreUnavailable marks best-effort persistence failures. OCO
	// tracking degrades to memory-only; order submission proceeds.
	ErrStoreUnavailable = errors.New("protect: durable store unavailable")
)
