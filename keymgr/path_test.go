package keymgr

import (
	"testing"
)

// TestNextDerivationPath ensures the next free sibling suffix is computed
// from the set of existing children, independent of their order.
func TestNextDerivationPath(t *testing.T) {
	parent := Address("aa01")
	other := Address("bb02")

	tests := []struct {
		name     string
		accounts []Account
		parent   Address
		want     string
	}{
		{
			name:     "no accounts",
			accounts: nil,
			parent:   parent,
			want:     "//0",
		},
		{
			name: "no children",
			accounts: []Account{
				{Address: parent},
				{Address: "cc03", ParentAddress: other, DerivationSuffix: "//4"},
			},
			parent: parent,
			want:   "//0",
		},
		{
			name: "single child",
			accounts: []Account{
				{Address: parent},
				{Address: "cc03", ParentAddress: parent, DerivationSuffix: "//0"},
			},
			parent: parent,
			want:   "//1",
		},
		{
			name: "gap below max",
			accounts: []Account{
				{Address: parent},
				{Address: "cc03", ParentAddress: parent, DerivationSuffix: "//0"},
				{Address: "dd04", ParentAddress: parent, DerivationSuffix: "//2"},
			},
			parent: parent,
			want:   "//3",
		},
		{
			name: "order does not matter",
			accounts: []Account{
				{Address: "dd04", ParentAddress: parent, DerivationSuffix: "//2"},
				{Address: parent},
				{Address: "cc03", ParentAddress: parent, DerivationSuffix: "//0"},
			},
			parent: parent,
			want:   "//3",
		},
		{
			name: "unrelated children ignored",
			accounts: []Account{
				{Address: parent},
				{Address: "cc03", ParentAddress: other, DerivationSuffix: "//7"},
				{Address: "dd04", ParentAddress: parent, DerivationSuffix: "//1"},
			},
			parent: parent,
			want:   "//2",
		},
		{
			name: "non-numeric suffixes do not participate",
			accounts: []Account{
				{Address: parent},
				{Address: "cc03", ParentAddress: parent, DerivationSuffix: "//custom"},
				{Address: "dd04", ParentAddress: parent, DerivationSuffix: "//1"},
			},
			parent: parent,
			want:   "//2",
		},
	}

	for _, test := range tests {
		got := NextDerivationPath(test.accounts, test.parent)
		if got != test.want {
			t.Errorf("%s: unexpected suffix - got %s, want %s",
				test.name, got, test.want)
		}
	}
}

// TestRequireParent ensures derivations against unknown parents are refused
// with ErrInvalidParent.
func TestRequireParent(t *testing.T) {
	accounts := []Account{
		{Address: "aa01"},
		{Address: "bb02", ParentAddress: "aa01", DerivationSuffix: "//0"},
	}

	if err := RequireParent(accounts, "aa01"); err != nil {
		t.Fatalf("existing parent rejected: %v", err)
	}
	err := RequireParent(accounts, "ff99")
	if !IsError(err, ErrInvalidParent) {
		t.Fatalf("missing parent: got %v, want ErrInvalidParent", err)
	}
}

// TestParseSuffix checks the single-junction suffix parser against malformed
// input.
func TestParseSuffix(t *testing.T) {
	tests := []struct {
		suffix  string
		want    uint32
		wantErr bool
	}{
		{suffix: "//0", want: 0},
		{suffix: "//42", want: 42},
		{suffix: "/1", wantErr: true},
		{suffix: "2", wantErr: true},
		{suffix: "//", wantErr: true},
		{suffix: "//-1", wantErr: true},
		{suffix: "//foo", wantErr: true},
		{suffix: "//4294967296", wantErr: true}, // does not fit in 32 bits
	}

	for _, test := range tests {
		got, err := parseSuffix(test.suffix)
		if test.wantErr {
			if !IsError(err, ErrInvalidDerivationPath) {
				t.Errorf("%q: got %v, want ErrInvalidDerivationPath",
					test.suffix, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", test.suffix, err)
			continue
		}
		if got != test.want {
			t.Errorf("%q: got %d, want %d", test.suffix, got, test.want)
		}
	}
}
