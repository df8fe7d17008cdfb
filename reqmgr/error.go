package reqmgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific StoreError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the StoreError will be set
	// to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrCorrupt indicates a stored request entry could not be
	// deserialized.
	ErrCorrupt

	// ErrDuplicateID indicates an attempt to insert a request with an id
	// that is already live in the store.
	ErrDuplicateID

	// ErrUnknownKind indicates a request carried an unrecognized kind
	// tag.
	ErrUnknownKind
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:    "ErrDatabase",
	ErrCorrupt:     "ErrCorrupt",
	ErrDuplicateID: "ErrDuplicateID",
	ErrUnknownKind: "ErrUnknownKind",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// StoreError provides a single type for errors that can happen during store
// operation.
type StoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// storeError creates a StoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) StoreError {
	return StoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a StoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(StoreError)
	return ok && e.ErrorCode == code
}
