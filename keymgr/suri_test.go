package keymgr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

// testHexSeed is a fixed 32-byte seed used across the derivation tests.
const testHexSeed = "0000000000000000000000000000000000000000000000000000000000000001"

// TestParseSuri checks phrase and junction splitting of seed URIs.
func TestParseSuri(t *testing.T) {
	tests := []struct {
		name    string
		suri    string
		phrase  string
		path    []uint32
		errCode ErrorCode
		wantErr bool
	}{
		{
			name:   "bare phrase",
			suri:   testHexSeed,
			phrase: testHexSeed,
		},
		{
			name:   "single junction",
			suri:   testHexSeed + "//0",
			phrase: testHexSeed,
			path:   []uint32{0},
		},
		{
			name:   "nested junctions",
			suri:   testHexSeed + "//2//7",
			phrase: testHexSeed,
			path:   []uint32{2, 7},
		},
		{
			name:   "surrounding whitespace",
			suri:   "  " + testHexSeed + "//1 ",
			phrase: testHexSeed,
			path:   []uint32{1},
		},
		{
			name:    "empty",
			suri:    "",
			wantErr: true,
			errCode: ErrInvalidSeed,
		},
		{
			name:    "path only",
			suri:    "//0",
			wantErr: true,
			errCode: ErrInvalidSeed,
		},
		{
			name:    "soft junction",
			suri:    testHexSeed + "/0",
			wantErr: true,
			errCode: ErrInvalidDerivationPath,
		},
		{
			name:    "soft junction after hard",
			suri:    testHexSeed + "//0/1",
			wantErr: true,
			errCode: ErrInvalidDerivationPath,
		},
	}

	for _, test := range tests {
		parsed, err := parseSuri(test.suri)
		if test.wantErr {
			if !IsError(err, test.errCode) {
				t.Errorf("%s: got %v, want %v", test.name, err,
					test.errCode)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if parsed.phrase != test.phrase {
			t.Errorf("%s: phrase %q, want %q", test.name,
				parsed.phrase, test.phrase)
		}
		if len(parsed.path) != len(test.path) {
			t.Errorf("%s: path %v, want %v", test.name, parsed.path,
				test.path)
			continue
		}
		for i := range test.path {
			if parsed.path[i] != test.path[i] {
				t.Errorf("%s: path %v, want %v", test.name,
					parsed.path, test.path)
				break
			}
		}
	}
}

// TestSeedFromPhrase checks both accepted phrase forms and that the hex form
// accepts an optional 0x prefix.
func TestSeedFromPhrase(t *testing.T) {
	entropy := bytes.Repeat([]byte{0x7f}, 16)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("NewMnemonic: %v", err)
	}

	fromMnemonic, err := seedFromPhrase(mnemonic)
	if err != nil {
		t.Fatalf("mnemonic phrase rejected: %v", err)
	}
	if len(fromMnemonic) != seedSize {
		t.Fatalf("seed length %d, want %d", len(fromMnemonic), seedSize)
	}

	plain, err := seedFromPhrase(testHexSeed)
	if err != nil {
		t.Fatalf("hex phrase rejected: %v", err)
	}
	prefixed, err := seedFromPhrase("0x" + testHexSeed)
	if err != nil {
		t.Fatalf("0x-prefixed hex phrase rejected: %v", err)
	}
	if !bytes.Equal(plain, prefixed) {
		t.Fatal("0x prefix changed the resolved seed")
	}

	invalid := []string{
		"not a mnemonic at all",
		testHexSeed[:10],         // too short
		testHexSeed + "ff",       // too long
		strings.Repeat("zz", 32), // not hex
	}
	for _, phrase := range invalid {
		if _, err := seedFromPhrase(phrase); !IsError(err, ErrInvalidSeed) {
			t.Errorf("%q: got %v, want ErrInvalidSeed", phrase, err)
		}
	}
}

// TestDeriveChildSeed ensures hard derivation is deterministic, depends on
// the index, and never echoes the parent seed.
func TestDeriveChildSeed(t *testing.T) {
	parent, err := seedFromPhrase(testHexSeed)
	if err != nil {
		t.Fatalf("seedFromPhrase: %v", err)
	}

	child0 := deriveChildSeed(parent, 0)
	child0Again := deriveChildSeed(parent, 0)
	child1 := deriveChildSeed(parent, 1)

	if !bytes.Equal(child0, child0Again) {
		t.Fatal("derivation is not deterministic")
	}
	if bytes.Equal(child0, child1) {
		t.Fatal("distinct indices produced the same child seed")
	}
	if bytes.Equal(child0, parent) || bytes.Equal(child1, parent) {
		t.Fatal("child seed equals parent seed")
	}
}

// TestResolveSuri ensures walking a nested path in one URI matches stepwise
// derivation of the same junctions.
func TestResolveSuri(t *testing.T) {
	root, err := seedFromPhrase(testHexSeed)
	if err != nil {
		t.Fatalf("seedFromPhrase: %v", err)
	}
	want := deriveChildSeed(deriveChildSeed(root, 2), 7)

	seed, addr, err := resolveSuri(testHexSeed+"//2//7", "", SchemeEd25519)
	if err != nil {
		t.Fatalf("resolveSuri: %v", err)
	}
	if !bytes.Equal(seed, want) {
		t.Fatal("URI path does not match stepwise derivation")
	}

	// The same junctions supplied through the extra path must resolve to
	// the same seed and address.
	seed2, addr2, err := resolveSuri(testHexSeed, "//2//7", SchemeEd25519)
	if err != nil {
		t.Fatalf("resolveSuri with extra path: %v", err)
	}
	if !bytes.Equal(seed, seed2) || addr != addr2 {
		t.Fatal("extra path resolution differs from URI path resolution")
	}

	if _, _, err := resolveSuri(testHexSeed, "", KeyScheme("sr25519")); !IsError(err, ErrUnsupportedScheme) {
		t.Fatalf("unsupported scheme: got %v, want ErrUnsupportedScheme", err)
	}
}
