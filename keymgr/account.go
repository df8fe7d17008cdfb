package keymgr

import (
	"time"
)

// Address is the hex-encoded public key of an account.  It is the natural
// key for every account record and is unique within a keyring.
type Address string

// KeyScheme identifies the signature scheme an account's key pair uses.
type KeyScheme string

// Supported key schemes.  The keyring is scheme-agnostic in its storage
// format; only derivation and signing consult the scheme.
const (
	SchemeEd25519 KeyScheme = "ed25519"
)

// AccountFlags describe boolean properties of an account.
type AccountFlags struct {
	// IsExternal is set for accounts whose secret material does not live
	// in this keyring (address-only entries injected by a companion
	// signer).
	IsExternal bool `json:"isExternal,omitempty"`

	// IsHardware is set for accounts whose signing is routed to an
	// external signing device.  Hardware accounts never carry an
	// encrypted seed.
	IsHardware bool `json:"isHardware,omitempty"`

	// IsHidden hides the account from default listings without removing
	// it from the keyring.
	IsHidden bool `json:"isHidden,omitempty"`
}

// Account is the public, secret-free view of a keyring entry.  Accounts form
// a forest: root accounts have an empty ParentAddress while derived accounts
// reference exactly one parent by address.
type Account struct {
	// Address uniquely identifies the account within the keyring.
	Address Address `json:"address"`

	// Name is the operator-chosen display name.
	Name string `json:"name"`

	// ParentAddress is the address of the account this one was derived
	// from, or empty for root accounts.  It is a back-reference, not
	// ownership: deleting the parent does not delete the children.
	ParentAddress Address `json:"parentAddress,omitempty"`

	// DerivationSuffix is the hard-junction path segment (e.g. "//2")
	// relative to the parent, or empty for root accounts.  It is unique
	// among siblings that share the same parent.
	DerivationSuffix string `json:"derivationSuffix,omitempty"`

	// Scheme is the signature scheme of the underlying key pair.
	Scheme KeyScheme `json:"scheme"`

	// GenesisHash optionally pins the account to a single chain.  Empty
	// means the account is usable on any chain.
	GenesisHash string `json:"genesisHash,omitempty"`

	// Flags holds the boolean account properties.
	Flags AccountFlags `json:"flags"`

	// WhenCreated is the creation time of the keyring entry.
	WhenCreated time.Time `json:"whenCreated"`
}
