// Package signer defines the interface to an external signing device, such
// as a hardware wallet reached over a companion transport.  The keyring
// routes signing for hardware accounts through this interface and treats the
// transport itself as opaque.
package signer

import "errors"

// Errors returned by external signer implementations.  Implementations must
// return these exact values (possibly wrapped) so callers can translate them
// into their own error taxonomy.
var (
	// ErrDeclined is returned when the user cancelled the signing
	// operation on the device.
	ErrDeclined = errors.New("signing declined on device")

	// ErrUnavailable is returned when the device cannot be reached.
	ErrUnavailable = errors.New("signing device unavailable")
)

// ExternalSigner is the capability used to sign payloads with keys that do
// not live in the local keyring.
type ExternalSigner interface {
	// SignPayload signs the payload with the device key belonging to the
	// given account address.  It blocks until the user confirms or
	// declines on the device, or the transport fails.
	SignPayload(address string, payload []byte) ([]byte, error)
}
