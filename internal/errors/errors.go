package errors

import (
	"errors"
	"fmt"
)

// Format-layer errors. These are surfaced by key parsing before any
// storage or network activity and never leave partial state behind.
var (
	ErrInvalidFormat    = errors.New("invalid license key format")
	ErrInvalidSignature = errors.New("invalid license key signature")
	ErrNoStandards      = errors.New("no licensed standards decoded")
	ErrInvalidExpiry    = errors.New("invalid license expiry date")
)

// Storage-read statuses. Every read path reports one of these as a value;
// they are errors only on the accessors that promise a valid license.
var (
	ErrNotActivated     = errors.New("license not activated")
	ErrLicenseExpired   = errors.New("license expired")
	ErrLicenseCorrupted = errors.New("license file corrupted")
)

// Activation-layer errors.
var (
	ErrActivationRejected    = errors.New("activation rejected by license server")
	ErrNetworkUnreachable    = errors.New("license server unreachable")
	ErrResponseCodeMalformed = errors.New("activation response code malformed")
	ErrResponseCodeMismatch  = errors.New("activation response code not valid for this machine")
	ErrRateLimited           = errors.New("too many activation attempts")
)

// RejectionError carries the reason string returned by the verification
// server alongside the ErrActivationRejected sentinel.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return ErrActivationRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrActivationRejected.Error(), e.Reason)
}

// Is makes errors.Is(err, ErrActivationRejected) match wrapped rejections.
func (e *RejectionError) Is(target error) bool {
	return target == ErrActivationRejected
}

// NewRejection builds an activation rejection carrying the server's reason.
func NewRejection(reason string) error {
	return &RejectionError{Reason: reason}
}

// RejectionReason extracts the server-provided reason from an activation
// rejection, or "" when err is not one.
func RejectionReason(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// IsFormatError reports whether err belongs to the format layer, meaning
// the key text itself is unusable and retrying without a new key is futile.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrNoStandards) ||
		errors.Is(err, ErrInvalidExpiry)
}
