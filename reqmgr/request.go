package reqmgr

import (
	"fmt"
	"time"

	"github.com/extsuite/extwallet/keymgr"
)

// Kind discriminates the request variants a page can submit.
type Kind int

// Request kinds.
const (
	// KindAuthorize asks the operator to grant an origin access to a set
	// of accounts.
	KindAuthorize Kind = iota

	// KindSign asks the operator to approve signing a payload with a
	// specific account.
	KindSign

	// KindMetadata asks the operator to accept a chain-metadata
	// definition offered by an origin.
	KindMetadata
)

// String returns the Kind as a human-readable name.
func (k Kind) String() string {
	switch k {
	case KindAuthorize:
		return "authorize"
	case KindSign:
		return "sign"
	case KindMetadata:
		return "metadata"
	}
	return fmt.Sprintf("Unknown Kind (%d)", int(k))
}

// State tracks where a request is in its lifecycle.  Only pending requests
// live in the store; the approved and rejected states exist transiently
// while the broker finalizes a decision.
type State int

// Request states.
const (
	StatePending State = iota
	StateApproved
	StateRejected
)

// String returns the State as a human-readable name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("Unknown State (%d)", int(s))
}

// AuthorizeDetail carries the extra fields of an authorize request.
type AuthorizeDetail struct {
	// Scope is the permission scope the origin asked for.  Empty means
	// the default account-visibility scope.
	Scope string `json:"scope,omitempty"`

	// Accounts optionally narrows the request to specific addresses.  A
	// non-empty list disables the blanket-allow fast path.
	Accounts []keymgr.Address `json:"accounts,omitempty"`
}

// SignDetail carries the extra fields of a sign request.
type SignDetail struct {
	// Address is the account the payload should be signed with.
	Address keymgr.Address `json:"address"`

	// Payload is the material to sign.  It is either a structured
	// transaction payload already serialized for signing or raw bytes,
	// per the IsRaw flag.
	Payload []byte `json:"payload"`

	// IsRaw marks Payload as raw bytes rather than a structured
	// transaction payload.
	IsRaw bool `json:"isRaw,omitempty"`
}

// MetadataDef describes a chain whose metadata an origin offers for
// registration.  GenesisHash is the natural key; SpecVersion gates upserts
// so stale definitions cannot clobber newer ones.
type MetadataDef struct {
	Chain         string `json:"chain"`
	GenesisHash   string `json:"genesisHash"`
	SpecVersion   uint32 `json:"specVersion"`
	TokenSymbol   string `json:"tokenSymbol,omitempty"`
	TokenDecimals uint32 `json:"tokenDecimals,omitempty"`
}

// Request is a single pending entry awaiting an operator decision.  Exactly
// one of the detail pointers is set, matching Kind.  The secret-free request
// view handed to the approval surface is the request itself; no variant
// carries secret material.
type Request struct {
	// ID is the collision-free identifier assigned at insertion.
	ID string `json:"id"`

	// Seq is the monotonic insertion sequence number.  Snapshots are
	// ordered by it, oldest first.
	Seq uint64 `json:"seq"`

	Kind        Kind      `json:"kind"`
	Origin      string    `json:"origin"`
	TabID       int64     `json:"tabId"`
	WhenCreated time.Time `json:"whenCreated"`
	State       State     `json:"state"`

	Authorize *AuthorizeDetail `json:"authorize,omitempty"`
	Sign      *SignDetail      `json:"sign,omitempty"`
	Metadata  *MetadataDef     `json:"metadata,omitempty"`
}

// checkShape verifies the detail pointer matches the kind tag.
func (r *Request) checkShape() error {
	var ok bool
	switch r.Kind {
	case KindAuthorize:
		ok = r.Authorize != nil && r.Sign == nil && r.Metadata == nil
	case KindSign:
		ok = r.Sign != nil && r.Authorize == nil && r.Metadata == nil
	case KindMetadata:
		ok = r.Metadata != nil && r.Authorize == nil && r.Sign == nil
	default:
		return storeError(ErrUnknownKind,
			fmt.Sprintf("unknown request kind %d", int(r.Kind)), nil)
	}
	if !ok {
		str := fmt.Sprintf("request detail does not match kind %v", r.Kind)
		return storeError(ErrUnknownKind, str, nil)
	}
	return nil
}
