package prompt

import (
	"strings"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func TestValidSeedPhrase(t *testing.T) {
	entropy := make([]byte, seedEntropyBits/8)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("NewMnemonic: %v", err)
	}

	hexSeed := strings.Repeat("ab", 32)

	tests := []struct {
		name   string
		phrase string
		want   bool
	}{
		{name: "mnemonic", phrase: mnemonic, want: true},
		{name: "hex seed", phrase: hexSeed, want: true},
		{name: "0x-prefixed hex seed", phrase: "0x" + hexSeed, want: true},
		{name: "empty", phrase: "", want: false},
		{name: "short hex", phrase: hexSeed[:32], want: false},
		{name: "long hex", phrase: hexSeed + "cd", want: false},
		{name: "not hex", phrase: strings.Repeat("zz", 32), want: false},
		{name: "random words", phrase: "definitely not a valid mnemonic phrase here", want: false},
		{name: "mnemonic with bad checksum", phrase: swapOuterWords(mnemonic), want: false},
	}

	for _, test := range tests {
		if got := ValidSeedPhrase(test.phrase); got != test.want {
			t.Errorf("%s: ValidSeedPhrase(%q) = %v, want %v",
				test.name, test.phrase, got, test.want)
		}
	}
}

// swapOuterWords exchanges the first and last words of a mnemonic.  With the
// all-zero entropy mnemonic this breaks the checksum without leaving the word
// list.
func swapOuterWords(mnemonic string) string {
	words := strings.Fields(mnemonic)
	if len(words) < 2 {
		return mnemonic
	}
	words[0], words[len(words)-1] = words[len(words)-1], words[0]
	return strings.Join(words, " ")
}
