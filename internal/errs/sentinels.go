// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across storage/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates there is no usable credential for the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates temporary lock due to too many failed attempts.
	ErrRateLimited = errors.New("rate limited")
)

// Token and credential sentinels.
var (
	// ErrInvalidTokenFormat indicates a token that cannot be parsed or lacks required claims.
	ErrInvalidTokenFormat = errors.New("invalid token format")

	// ErrExpiredToken indicates a token that is expired or about to expire.
	ErrExpiredToken = errors.New("token expired")

	// ErrBiometricUnavailable indicates missing biometric hardware or enrollment.
	// Callers treat it as a pass, never as a failure.
	ErrBiometricUnavailable = errors.New("biometric unavailable")

	// ErrBiometricRejected indicates the user failed or cancelled the biometric prompt.
	ErrBiometricRejected = errors.New("biometric rejected")

	// ErrCredentialRejected indicates the backend rejected a user-supplied secret (401/403).
	ErrCredentialRejected = errors.New("credential rejected")
)

// Operational sentinels.
var (
	// ErrNetworkOrSystem covers transport failures and non-credential backend errors.
	ErrNetworkOrSystem = errors.New("network or system error")

	// ErrMalformedResponse indicates a backend response missing required fields.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrStorageWrite indicates a failed write to secure storage.
	ErrStorageWrite = errors.New("storage write failure")

	// ErrConcurrentOperation indicates a switch or validation is already running.
	ErrConcurrentOperation = errors.New("operation already in progress")

	// ErrOffline indicates the operation requires network connectivity.
	ErrOffline = errors.New("no network connectivity")

	// ErrActiveAccount indicates an attempt to remove the currently active account.
	ErrActiveAccount = errors.New("cannot remove the active account")

	// ErrLastAccount indicates an attempt to remove the only stored account.
	ErrLastAccount = errors.New("cannot remove the last account")

	// ErrInvalidTransition indicates an event not permitted from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrGuardRejected indicates a transition guard refused the event.
	ErrGuardRejected = errors.New("transition guard rejected")

	// ErrRollbackFailed indicates the pre-switch state could not be restored.
	ErrRollbackFailed = errors.New("rollback failed")
)
