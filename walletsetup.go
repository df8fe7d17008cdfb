package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/extsuite/extwallet/internal/prompt"
	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/wallet"
	_ "github.com/extsuite/extwallet/walletdb/bdb"
)

// networkDir returns the directory name of a network directory to hold wallet
// files.
func networkDir(dataDir string, params *netParams) string {
	return filepath.Join(dataDir, params.name)
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}

// createWallet prompts the user for information needed to generate a new
// wallet and generates the wallet accordingly.  The new wallet will reside at
// the provided path.  The first account is derived from the seed phrase the
// user confirmed during the wizard.
func createWallet(cfg *config) error {
	dbDir := networkDir(cleanAndExpandPath(cfg.AppDataDir.Value), activeNet)
	loader := wallet.NewLoader(dbDir, nil)

	// Start by prompting for the private passphrase.
	reader := bufio.NewReader(os.Stdin)
	privPass, err := prompt.PrivatePass(reader)
	if err != nil {
		return err
	}

	// Ascertain the public passphrase.  This will either be a value
	// specified by the user or the default hard-coded public passphrase if
	// the user does not want the additional public data encryption.
	pubPass, err := prompt.PublicPass(reader, privPass,
		[]byte(wallet.InsecurePubPassphrase), []byte(cfg.WalletPass))
	if err != nil {
		return err
	}

	// Ascertain the wallet generation seed.  This will either be an
	// automatically generated value the user has already confirmed or a
	// value the user has entered which has already been validated.
	seedPhrase, err := prompt.Seed(reader)
	if err != nil {
		return err
	}

	fmt.Println("Creating the wallet...")
	w, err := loader.CreateNewWallet(pubPass, privPass)
	if err != nil {
		return err
	}

	// The root account is derived from the confirmed seed phrase, which
	// requires an unlocked keyring so the seed can be encrypted under the
	// private passphrase.
	err = w.Unlock(privPass, 0)
	if err != nil {
		loader.UnloadWallet()
		return err
	}
	addr, err := w.ImportFromSuri("primary", seedPhrase, "", "",
		keymgr.SchemeEd25519)
	if err != nil {
		loader.UnloadWallet()
		return err
	}
	fmt.Println("The root account address is:", addr)

	err = loader.UnloadWallet()
	if err != nil {
		return err
	}

	fmt.Println("The wallet has been created successfully.")
	return nil
}
