package lifecycle

import "errors"

// Sentinel errors for the lifecycle service layer.
var (
	// ErrEmailInvalid rejects missing or malformed email input.
	ErrEmailInvalid = errors.New("valid email address is required")

	// ErrTokenRequired rejects requests missing the token parameter.
	ErrTokenRequired = errors.New("token is required")

	// ErrNotFound means no subscriber record exists for the email.
	ErrNotFound = errors.New("subscriber not found")

	// ErrInvalidOrExpired covers every verification token failure: bad
	// signature, expired, and superseded-but-well-formed tokens all report
	// this one generic outcome so probing tokens leaks nothing.
	ErrInvalidOrExpired = errors.New("invalid or expired verification token")

	// ErrInvalidToken means the unsubscribe token failed validation.
	ErrInvalidToken = errors.New("invalid unsubscribe token")
)
