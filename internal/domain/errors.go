package domain

import "errors"

var (
	// ErrNotFound is returned when an assessment cannot be found by ID.
	ErrNotFound = errors.New("assessment not found")

	// ErrValidation is returned for malformed or out-of-range input,
	// rejected before any persistence.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateID is returned when creating an assessment whose ID
	// already exists.
	ErrDuplicateID = errors.New("assessment id already exists")

	// ErrMigrationCollision is returned when a legacy record collides with
	// an existing assessment in the current schema.
	ErrMigrationCollision = errors.New("legacy record collides with existing assessment")

	// ErrInvalidTransition is returned for a state change outside the
	// lifecycle graph. The record is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrVersionConflict is returned when a write presents a stale version.
	// Callers must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConnectionFailed is returned for transient infrastructure
	// failures. Retryable with backoff.
	ErrConnectionFailed = errors.New("storage connection failed")

	// ErrSecurityViolation is returned for malicious or unsafe input,
	// rejected without touching schema or state.
	ErrSecurityViolation = errors.New("security violation")

	// ErrDataCorruption is returned when a stored record contains an
	// impossible field combination.
	ErrDataCorruption = errors.New("stored record is corrupted")

	// ErrRateLimited is returned when a caller exceeds request throughput.
	ErrRateLimited = errors.New("rate limit exceeded, try again later")

	// ErrPayloadTooLarge is returned when a request body exceeds the limit.
	ErrPayloadTooLarge = errors.New("request payload exceeds maximum size")
)

// IsRetryable reports whether an error represents a transient condition
// worth retrying. Validation and state-machine violations never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
