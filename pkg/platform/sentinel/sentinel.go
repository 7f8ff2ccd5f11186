package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and broker adapters return
// these (optionally wrapped) so the reconciliation and dispatch layers can
// decide between ignore, retry and give-up without knowing the backend.
//
//   - ErrNotFound: the replica or link does not exist
//   - ErrConflict: a unique constraint rejected the write
//   - ErrStale: the stored version is at least as new as the write
//   - ErrUnavailable: the backend could not be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrStale       = errors.New("stale")
	ErrUnavailable = errors.New("unavailable")
)
