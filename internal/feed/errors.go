package feed

import "errors"

var (
	// ErrBackendUnavailable covers cache or database connectivity failures
	// and timeouts. Raw transport errors are wrapped in it at the adapter
	// boundary.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrDrift means a tier's id index and item data disagree.
	ErrDrift = errors.New("tier index and items drifted")

	// ErrEmptySource means the ranking query returned nothing. It is a "no
	// update this cycle" signal, not a failure.
	ErrEmptySource = errors.New("ranking source is empty")

	// ErrLockContention means another rebuild holds the tier lock.
	ErrLockContention = errors.New("tier rebuild already in progress")

	// ErrFallbackOpen means the database fallback for a tier is shedding
	// load and had no last-known-good page to serve.
	ErrFallbackOpen = errors.New("fallback circuit open")
)

// IsSkip reports whether err is one of the benign "nothing to do" signals.
func IsSkip(err error) bool {
	return errors.Is(err, ErrEmptySource) || errors.Is(err, ErrLockContention)
}
