package keymgr

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/extsuite/extwallet/internal/zero"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"
)

const (
	// seedSize is the byte length of the root seed derived from a
	// mnemonic or hex phrase, and of every child seed.
	seedSize = 32

	// mnemonicEntropyBits is the entropy used when generating new seed
	// phrases.  128 bits yields the standard 12 word mnemonic.
	mnemonicEntropyBits = 128
)

// suri is a parsed seed URI: a phrase (mnemonic or hex seed) followed by zero
// or more hard junctions of the form //N.
type suri struct {
	phrase string
	path   []uint32
}

// parseSuri splits a seed URI into its phrase and derivation junctions.  Soft
// junctions (single slash) are not supported by the key schemes this keyring
// offers and are rejected as invalid derivation paths.
func parseSuri(s string) (*suri, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, keyringError(ErrInvalidSeed, "empty seed phrase", nil)
	}

	phrase := s
	var rest string
	if idx := strings.Index(s, "/"); idx != -1 {
		phrase = s[:idx]
		rest = s[idx:]
	}
	if phrase == "" {
		return nil, keyringError(ErrInvalidSeed, "seed URI has no phrase", nil)
	}

	path, err := parsePath(rest)
	if err != nil {
		return nil, err
	}
	return &suri{phrase: phrase, path: path}, nil
}

// parsePath parses a derivation path string consisting solely of hard
// junctions ("//0//12") into the sequence of child indices.  An empty string
// parses to an empty path.
func parsePath(path string) ([]uint32, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "//") {
		return nil, keyringError(ErrInvalidDerivationPath,
			"soft junctions are not supported, paths must use //", nil)
	}

	var indices []uint32
	for _, seg := range strings.Split(path[2:], "//") {
		idx, err := parseSuffix("//" + seg)
		if err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// seedFromPhrase converts a phrase into the root seed.  The phrase is either
// a bip39 mnemonic or a hex-encoded 32-byte seed.
func seedFromPhrase(phrase string) ([]byte, error) {
	if bip39.IsMnemonicValid(phrase) {
		long := bip39.NewSeed(phrase, "")
		seed := make([]byte, seedSize)
		copy(seed, long[:seedSize])
		zero.Bytes(long)
		return seed, nil
	}

	raw := strings.TrimPrefix(phrase, "0x")
	seed, err := hex.DecodeString(raw)
	if err != nil || len(seed) != seedSize {
		return nil, keyringError(ErrInvalidSeed,
			"phrase is neither a valid mnemonic nor a 32-byte hex seed", err)
	}
	return seed, nil
}

// deriveChildSeed deterministically derives the child seed at the given
// index.  The construction mirrors the tagged-hash derivation used for
// sequential address generation: a domain tag, the parent seed and the index
// are absorbed into SHAKE256 and a fresh 32-byte seed is squeezed out.
func deriveChildSeed(parent []byte, index uint32) []byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)

	shake := sha3.NewShake256()
	shake.Write([]byte("extwallet/hard"))
	shake.Write(parent)
	shake.Write(idx[:])

	child := make([]byte, seedSize)
	shake.Read(child)
	return child
}

// deriveSeed walks the full junction path from a root seed.  Intermediate
// seeds are zeroed as the walk progresses.
func deriveSeed(root []byte, path []uint32) []byte {
	seed := root
	for _, idx := range path {
		next := deriveChildSeed(seed, idx)
		if &seed[0] != &root[0] {
			zero.Bytes(seed)
		}
		seed = next
	}
	return seed
}

// resolveSuri parses the seed URI, applies the optional extra derivation
// path, and returns the final seed together with the derived address.  The
// caller owns the returned seed and must zero it when done.
func resolveSuri(suriStr, extraPath string, scheme KeyScheme) ([]byte, Address, error) {
	if scheme != SchemeEd25519 {
		str := "unsupported key scheme: " + string(scheme)
		return nil, "", keyringError(ErrUnsupportedScheme, str, nil)
	}

	parsed, err := parseSuri(suriStr)
	if err != nil {
		return nil, "", err
	}
	extra, err := parsePath(extraPath)
	if err != nil {
		return nil, "", err
	}

	root, err := seedFromPhrase(parsed.phrase)
	if err != nil {
		return nil, "", err
	}

	seed := deriveSeed(root, append(parsed.path, extra...))
	if &seed[0] != &root[0] {
		zero.Bytes(root)
	}

	addr, err := addressForSeed(seed, scheme)
	if err != nil {
		zero.Bytes(seed)
		return nil, "", err
	}
	return seed, addr, nil
}
