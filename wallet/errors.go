package wallet

import (
	"errors"
	"fmt"
)

var (
	// ErrWalletShuttingDown is returned when a request is submitted while
	// the broker is in the process of shutting down.
	ErrWalletShuttingDown = errors.New("wallet shutting down")

	// ErrUnloaded is returned by loader operations that require a loaded
	// wallet when none is loaded.
	ErrUnloaded = errors.New("wallet is not loaded")

	// ErrLoaded is returned by loader operations that require no loaded
	// wallet when one already is.
	ErrLoaded = errors.New("wallet already loaded")

	// ErrExists describes the error condition of attempting to create a
	// new wallet when one exists already.
	ErrExists = errors.New("wallet already exists")
)

// RejectCode classifies the structured rejections an origin can receive in
// place of a successful resolution.
type RejectCode int

// Rejection codes surfaced to origins.
const (
	// RejectValidation marks a malformed inbound request.  Such requests
	// are refused synchronously and never queued.
	RejectValidation RejectCode = iota

	// RejectAuthorizationDenied marks an operator rejection.
	RejectAuthorizationDenied

	// RejectSigningDeclined marks a signing operation the user cancelled
	// on the external device.
	RejectSigningDeclined

	// RejectDeviceUnavailable marks an unreachable external signing
	// device.
	RejectDeviceUnavailable

	// RejectOriginGone marks a request cancelled because its originating
	// tab closed while the request was still pending.
	RejectOriginGone

	// RejectInternal marks an internal failure while applying an
	// otherwise valid decision.
	RejectInternal
)

// Map of RejectCode values back to their constant names for pretty printing.
var rejectCodeStrings = map[RejectCode]string{
	RejectValidation:          "RejectValidation",
	RejectAuthorizationDenied: "RejectAuthorizationDenied",
	RejectSigningDeclined:     "RejectSigningDeclined",
	RejectDeviceUnavailable:   "RejectDeviceUnavailable",
	RejectOriginGone:          "RejectOriginGone",
	RejectInternal:            "RejectInternal",
}

// String returns the RejectCode as a human-readable name.
func (c RejectCode) String() string {
	if s := rejectCodeStrings[c]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown RejectCode (%d)", int(c))
}

// RejectionError is the structured rejection delivered to an origin when its
// request is refused, either synchronously at admission or by resolution.
type RejectionError struct {
	Code   RejectCode
	Reason string
}

// Error satisfies the error interface.
func (e RejectionError) Error() string {
	return e.Reason
}

// rejection creates a RejectionError given a set of arguments.
func rejection(code RejectCode, format string, args ...interface{}) RejectionError {
	return RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection returns whether the error is a RejectionError with a matching
// code.
func IsRejection(err error, code RejectCode) bool {
	var rej RejectionError
	return errors.As(err, &rej) && rej.Code == code
}
