package keymgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific KeyringError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the KeyringError will be
	// set to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrCrypto indicates an error with the cryptography related code
	// such as decrypt or encrypt errors.  When this error code is set, the
	// Err field of the KeyringError will be set to the underlying error.
	ErrCrypto

	// ErrNoExist indicates that the specified database does not exist.
	ErrNoExist

	// ErrAlreadyExists indicates that the specified database already
	// exists.
	ErrAlreadyExists

	// ErrLocked indicates that an operation, which requires the keyring
	// to be unlocked, was requested on a locked keyring.
	ErrLocked

	// ErrWrongPassphrase indicates that the specified passphrase is
	// incorrect.  This could be for either the public or private master
	// keys, an account export, or a backup-file decryption.
	ErrWrongPassphrase

	// ErrEmptyPassphrase indicates that the private passphrase was refused
	// due to being empty.
	ErrEmptyPassphrase

	// ErrInvalidSeed indicates a seed phrase or SURI could not be parsed
	// into a valid seed for the requested key scheme.
	ErrInvalidSeed

	// ErrInvalidDerivationPath indicates a derivation path did not parse
	// against the key scheme.  Only hard junctions of the form //N are
	// supported.
	ErrInvalidDerivationPath

	// ErrInvalidParent indicates a derivation was requested against a
	// parent address that does not exist in the keyring.
	ErrInvalidParent

	// ErrDuplicateAddress indicates an attempt to import or derive an
	// account with an address that is already present in the keyring.
	ErrDuplicateAddress

	// ErrAddressNotFound indicates the requested address is not known to
	// the keyring.
	ErrAddressNotFound

	// ErrSigningDeclined indicates the user cancelled a signing operation
	// on an external signing device.
	ErrSigningDeclined

	// ErrDeviceUnavailable indicates the external signing device for a
	// hardware account could not be reached.
	ErrDeviceUnavailable

	// ErrUnsupportedScheme indicates an unknown key scheme was requested.
	ErrUnsupportedScheme

	// ErrMetadataUnavailable indicates display metadata could not be
	// extracted from an encrypted key record without its password.  This
	// is advisory: the record may still be restorable once a password is
	// supplied.
	ErrMetadataUnavailable
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:              "ErrDatabase",
	ErrCrypto:                "ErrCrypto",
	ErrNoExist:               "ErrNoExist",
	ErrAlreadyExists:         "ErrAlreadyExists",
	ErrLocked:                "ErrLocked",
	ErrWrongPassphrase:       "ErrWrongPassphrase",
	ErrEmptyPassphrase:       "ErrEmptyPassphrase",
	ErrInvalidSeed:           "ErrInvalidSeed",
	ErrInvalidDerivationPath: "ErrInvalidDerivationPath",
	ErrInvalidParent:         "ErrInvalidParent",
	ErrDuplicateAddress:      "ErrDuplicateAddress",
	ErrAddressNotFound:       "ErrAddressNotFound",
	ErrSigningDeclined:       "ErrSigningDeclined",
	ErrDeviceUnavailable:     "ErrDeviceUnavailable",
	ErrUnsupportedScheme:     "ErrUnsupportedScheme",
	ErrMetadataUnavailable:   "ErrMetadataUnavailable",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// KeyringError provides a single type for errors that can happen during
// keyring operation.  It is used to differentiate errors that are due to
// broken rules from actual failures such as database errors.
type KeyringError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e KeyringError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// keyringError creates a KeyringError given a set of arguments.
func keyringError(c ErrorCode, desc string, err error) KeyringError {
	return KeyringError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a KeyringError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(KeyringError)
	return ok && e.ErrorCode == code
}

// maybeConvertDbError converts the passed error to a KeyringError with an
// error code of ErrDatabase if it is not already a KeyringError.  This is
// useful for potential errors returned from managed transactions and other
// parts of the walletdb database.
func maybeConvertDbError(err error) error {
	// When the error is already a KeyringError, just return it.
	if _, ok := err.(KeyringError); ok {
		return err
	}

	return keyringError(ErrDatabase, err.Error(), err)
}
