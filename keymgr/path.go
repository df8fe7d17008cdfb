package keymgr

import (
	"fmt"
	"strconv"
	"strings"
)

// NextDerivationPath returns the derivation suffix to use for the next child
// of the given parent, based on the suffixes already present among the
// parent's children in the passed account sequence.
//
// The returned suffix is "//N" where N is one greater than the largest
// existing sibling index, or "//0" when the parent has no children.  The
// result depends only on the set of accounts, not their order.  A parent
// address that is absent from the sequence is not an error; it simply has no
// children yet.
func NextDerivationPath(accounts []Account, parentAddress Address) string {
	next := uint32(0)
	for i := range accounts {
		if accounts[i].ParentAddress != parentAddress {
			continue
		}
		idx, err := parseSuffix(accounts[i].DerivationSuffix)
		if err != nil {
			// Children with non-numeric suffixes (imported with a
			// custom path) do not participate in allocation.
			continue
		}
		if idx+1 > next {
			next = idx + 1
		}
	}
	return fmt.Sprintf("//%d", next)
}

// RequireParent verifies that the given parent address exists in the account
// sequence.  Callers that demand a pre-existing parent before allocating a
// child path use this to fail with ErrInvalidParent instead of silently
// allocating "//0".
func RequireParent(accounts []Account, parentAddress Address) error {
	for i := range accounts {
		if accounts[i].Address == parentAddress {
			return nil
		}
	}
	str := fmt.Sprintf("parent account %s not found", parentAddress)
	return keyringError(ErrInvalidParent, str, nil)
}

// parseSuffix parses a single hard-junction suffix of the form "//N" and
// returns N.
func parseSuffix(suffix string) (uint32, error) {
	if !strings.HasPrefix(suffix, "//") {
		return 0, keyringError(ErrInvalidDerivationPath,
			"derivation suffix must start with //", nil)
	}
	n, err := strconv.ParseUint(suffix[2:], 10, 32)
	if err != nil {
		str := fmt.Sprintf("invalid derivation index %q", suffix[2:])
		return 0, keyringError(ErrInvalidDerivationPath, str, err)
	}
	return uint32(n), nil
}
