// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across ledger/content/service layers.
var (
	// ErrNotFound indicates the requested entity or content does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates the record moved under a read-modify-write (base content id mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication or a ledger write rejected by role/permission rules.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates the ledger or content store could not be reached.
	ErrUnavailable = errors.New("unavailable")

	// ErrPrecondition indicates an operation rejected locally before any ledger write.
	ErrPrecondition = errors.New("precondition failed")

	// ErrInvalidUpload indicates a document violating the upload constraints.
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrInvalidProfile indicates a profile blob that fails schema validation.
	ErrInvalidProfile = errors.New("invalid profile")
)
