// Package prompt provides the interactive prompts used during first-run
// wallet setup: passphrase entry and seed phrase generation or recovery.
package prompt

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ssh/terminal"
)

const (
	// seedEntropyBits is the entropy used for generated seed phrases.
	// 128 bits yields the standard 12 word mnemonic.
	seedEntropyBits = 128

	// hexSeedLength is the character length of a raw hex seed phrase.
	hexSeedLength = 64
)

// ProvidePrivPassphrase is used to prompt for the private passphrase which
// may be required during upgrades.
func ProvidePrivPassphrase() ([]byte, error) {
	prompt := "Enter the private passphrase of your wallet: "
	for {
		fmt.Print(prompt)
		pass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		return pass, nil
	}
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string, defaultEntry string) (string, error) {
	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.  The function will repeat the prompt to the user until they enter a
// valid response.
func promptListBool(reader *bufio.Reader, prefix string, defaultEntry string) (bool, error) {
	// Setup the valid responses.
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// promptPass prompts the user for a passphrase with the given prefix.  The
// function will ask the user to confirm the passphrase and will repeat the
// prompts until they enter a matching response.
func promptPass(reader *bufio.Reader, prefix string, confirm bool) ([]byte, error) {
	// Prompt the user until they enter a passphrase.
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		confirm, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		confirm = bytes.TrimSpace(confirm)
		if !bytes.Equal(pass, confirm) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// PrivatePass prompts the user for a new private passphrase.  All prompts
// are repeated until the user enters a valid response.
func PrivatePass(reader *bufio.Reader) ([]byte, error) {
	return promptPass(reader, "Enter the private passphrase for your new "+
		"wallet", true)
}

// PublicPass prompts the user whether they want to add an additional layer
// of encryption to the wallet.  When the user answers yes and there is
// already a public passphrase provided via the passed config, it prompts
// them whether or not to use that configured passphrase.  It will also
// detect when the same passphrase is used for the private and public
// passphrase and prompt the user if they are sure they want to use the same
// passphrase for both.  Finally, all prompts are repeated until the user
// enters a valid response.
func PublicPass(reader *bufio.Reader, privPass []byte,
	defaultPubPassphrase, configPubPassphrase []byte) ([]byte, error) {

	pubPass := defaultPubPassphrase
	usePubPass, err := promptListBool(reader, "Do you want "+
		"to add an additional layer of encryption for public "+
		"data?", "no")
	if err != nil {
		return nil, err
	}

	if !usePubPass {
		return pubPass, nil
	}

	if !bytes.Equal(configPubPassphrase, pubPass) {
		useExisting, err := promptListBool(reader, "Use the "+
			"existing configured public passphrase for encryption "+
			"of public data?", "no")
		if err != nil {
			return nil, err
		}

		if useExisting {
			return configPubPassphrase, nil
		}
	}

	for {
		pubPass, err = promptPass(reader, "Enter the public "+
			"passphrase for your new wallet", true)
		if err != nil {
			return nil, err
		}

		if bytes.Equal(pubPass, privPass) {
			useSamePass, err := promptListBool(reader,
				"Are you sure want to use the same passphrase "+
					"for public and private data?", "no")
			if err != nil {
				return nil, err
			}

			if useSamePass {
				break
			}

			continue
		}

		break
	}

	fmt.Println("NOTE: Use the --walletpass option to configure your " +
		"public passphrase.")
	return pubPass, nil
}

// ValidSeedPhrase reports whether the phrase is a bip39 mnemonic or a raw
// 32-byte hex seed.
func ValidSeedPhrase(phrase string) bool {
	if bip39.IsMnemonicValid(phrase) {
		return true
	}
	raw := strings.TrimPrefix(phrase, "0x")
	if len(raw) != hexSeedLength {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}

// Seed prompts the user whether they want to use an existing wallet seed
// phrase.  When the user answers no, a new mnemonic is generated and
// displayed along with a prompt for confirmation that it has been stored.
// When the user answers yes, the phrase is entered and validated.  All
// prompts are repeated until the user enters a valid response.
func Seed(reader *bufio.Reader) (string, error) {
	// Ascertain the wallet generation seed.
	useUserSeed, err := promptListBool(reader, "Do you have an "+
		"existing wallet seed you want to use?", "no")
	if err != nil {
		return "", err
	}
	if !useUserSeed {
		entropy, err := bip39.NewEntropy(seedEntropyBits)
		if err != nil {
			return "", err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return "", err
		}

		fmt.Println("Your wallet generation seed is:")
		fmt.Printf("\n%s\n\n", mnemonic)
		fmt.Println("IMPORTANT: Keep the seed in a safe place as you " +
			"will NOT be able to restore your wallet without it.")
		fmt.Println("Please keep in mind that anyone who has access " +
			"to the seed can also restore your wallet thereby " +
			"giving them access to all your accounts, so it is " +
			"imperative that you keep it in a secure location.")

		for {
			fmt.Print(`Once you have stored the seed in a safe ` +
				`and secure location, enter "OK" to continue: `)
			confirmSeed, err := reader.ReadString('\n')
			if err != nil {
				return "", err
			}
			confirmSeed = strings.TrimSpace(confirmSeed)
			confirmSeed = strings.Trim(confirmSeed, `"`)
			if strings.EqualFold("OK", confirmSeed) {
				break
			}
		}

		return mnemonic, nil
	}

	for {
		fmt.Print("Enter existing wallet seed " +
			"(mnemonic or 32-byte hex): ")
		seedStr, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		seedStr = strings.TrimSpace(strings.ToLower(seedStr))
		if !ValidSeedPhrase(seedStr) {
			fmt.Println("Invalid seed specified.  Must be a 12 " +
				"word mnemonic or a hexadecimal value of 256 bits")
			continue
		}

		return seedStr, nil
	}
}
