package wallet

import (
	"sort"
	"time"

	"github.com/extsuite/extwallet/backup"
	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/reqmgr"
	"github.com/extsuite/extwallet/signer"
	"github.com/extsuite/extwallet/walletdb"
)

// sortAccounts orders accounts by creation time, breaking ties by address.
func sortAccounts(accounts []keymgr.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].WhenCreated.Equal(accounts[j].WhenCreated) {
			return accounts[i].Address < accounts[j].Address
		}
		return accounts[i].WhenCreated.Before(accounts[j].WhenCreated)
	})
}

// Accounts returns secret-free views of every account, sorted by creation
// time.
func (w *Wallet) Accounts() []keymgr.Account {
	accounts := w.Manager.Accounts()
	sortAccounts(accounts)
	return accounts
}

// LookupAccount returns the secret-free view of one account.
func (w *Wallet) LookupAccount(addr keymgr.Address) (keymgr.Account, error) {
	return w.Manager.LookupAccount(addr)
}

// Locked returns whether the keyring is locked.
func (w *Wallet) Locked() bool {
	return w.Manager.IsLocked()
}

// Lock locks the keyring and cancels any pending relock timer.
func (w *Wallet) Lock() error {
	w.lockMu.Lock()
	if w.lockTimer != nil {
		w.lockTimer.Stop()
		w.lockTimer = nil
	}
	w.lockMu.Unlock()

	return w.Manager.Lock()
}

// Unlock unlocks the keyring with the private passphrase.  A non-zero
// timeout arms a relock timer; a second unlock replaces any earlier timer.
func (w *Wallet) Unlock(passphrase []byte, timeout time.Duration) error {
	if err := w.Manager.Unlock(passphrase); err != nil {
		return err
	}

	w.lockMu.Lock()
	if w.lockTimer != nil {
		w.lockTimer.Stop()
		w.lockTimer = nil
	}
	if timeout > 0 {
		w.lockTimer = time.AfterFunc(timeout, func() {
			if err := w.Manager.Lock(); err != nil &&
				!keymgr.IsError(err, keymgr.ErrLocked) {
				log.Errorf("Failed to relock keyring: %v", err)
			}
		})
	}
	w.lockMu.Unlock()
	return nil
}

// ChangePrivatePassphrase changes the passphrase that unlocks the keyring.
func (w *Wallet) ChangePrivatePassphrase(old, new []byte) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		return w.Manager.ChangePassphrase(ns, old, new, true,
			&keymgr.DefaultScryptOptions)
	})
}

// ChangePublicPassphrase changes the passphrase protecting public account
// metadata.
func (w *Wallet) ChangePublicPassphrase(old, new []byte) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		return w.Manager.ChangePassphrase(ns, old, new, false,
			&keymgr.DefaultScryptOptions)
	})
}

// CreateSeed generates a fresh mnemonic and reports the address its root
// account would have.  Nothing is persisted.
func (w *Wallet) CreateSeed(scheme keymgr.KeyScheme) (keymgr.Address, string, error) {
	return w.Manager.CreateSeed(scheme)
}

// ValidateSeed checks a seed URI and returns the address it resolves to,
// without persisting anything.
func (w *Wallet) ValidateSeed(suri string, scheme keymgr.KeyScheme) (keymgr.Address, error) {
	return w.Manager.ValidateSeed(suri, scheme)
}

// ImportFromSuri derives and stores a new root account from a seed URI.
func (w *Wallet) ImportFromSuri(name, suri, derivationPath, genesisHash string,
	scheme keymgr.KeyScheme) (keymgr.Address, error) {

	var addr keymgr.Address
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		var err error
		addr, err = w.Manager.ImportFromSuri(ns, name, suri,
			derivationPath, genesisHash, scheme)
		return err
	})
	if err != nil {
		return "", err
	}
	log.Infof("Imported account %s (%q)", addr, name)
	return addr, nil
}

// DeriveAccount creates a child of the given parent account.  An empty
// suffix allocates the next free sibling index.
func (w *Wallet) DeriveAccount(parent keymgr.Address, suffix, name string) (keymgr.Address, error) {
	var addr keymgr.Address
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		var err error
		addr, err = w.Manager.DeriveAccount(ns, parent, suffix, name)
		return err
	})
	if err != nil {
		return "", err
	}
	log.Infof("Derived account %s from %s", addr, parent)
	return addr, nil
}

// NextDerivationPath returns the suffix the next child of the parent would
// be assigned.
func (w *Wallet) NextDerivationPath(parent keymgr.Address) (string, error) {
	accounts := w.Manager.Accounts()
	if err := keymgr.RequireParent(accounts, parent); err != nil {
		return "", err
	}
	return keymgr.NextDerivationPath(accounts, parent), nil
}

// ImportHardware registers an address-only hardware account.
func (w *Wallet) ImportHardware(addr keymgr.Address, name, genesisHash string) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		return w.Manager.ImportHardware(ns, addr, name, genesisHash)
	})
}

// SetExternalSigner attaches the signing device used for hardware accounts.
func (w *Wallet) SetExternalSigner(s signer.ExternalSigner) {
	w.Manager.SetExternalSigner(s)
}

// RenameAccount changes an account's display name.
func (w *Wallet) RenameAccount(addr keymgr.Address, name string) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		return w.Manager.RenameAccount(ns, addr, name)
	})
}

// SetAccountHidden sets or clears an account's hidden flag.
func (w *Wallet) SetAccountHidden(addr keymgr.Address, hidden bool) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		return w.Manager.SetHidden(ns, addr, hidden)
	})
}

// ForgetAccount removes an account from the keyring.
func (w *Wallet) ForgetAccount(addr keymgr.Address) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		return w.Manager.ForgetAccount(ns, addr)
	})
}

// ExportAccount produces the encrypted key record of one account, sealed
// under the export password.  The wallet passphrase is verified first.
func (w *Wallet) ExportAccount(addr keymgr.Address, walletPassphrase,
	exportPassword []byte) (*keymgr.EncryptedKeyRecord, error) {

	var record *keymgr.EncryptedKeyRecord
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(keymgrNamespaceKey)
		var err error
		record, err = w.Manager.ExportAccount(ns, addr,
			walletPassphrase, exportPassword)
		return err
	})
	return record, err
}

// ExportBatch produces a multi-account backup of the given accounts, all
// sealed under one export password.
func (w *Wallet) ExportBatch(addrs []keymgr.Address, walletPassphrase,
	exportPassword []byte) ([]byte, error) {

	records := make([]*keymgr.EncryptedKeyRecord, 0, len(addrs))
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(keymgrNamespaceKey)
		for _, addr := range addrs {
			record, err := w.Manager.ExportAccount(ns, addr,
				walletPassphrase, exportPassword)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return backup.MarshalBatch(records)
}

// ClassifyBackup parses uploaded backup bytes without decrypting them.
func (w *Wallet) ClassifyBackup(raw []byte) (*backup.Payload, error) {
	return backup.Classify(raw, w.Manager)
}

// RestoreBackup classifies uploaded backup bytes and imports every record
// with the shared password.  The import is all or nothing; a wrong password
// leaves the account list untouched.
func (w *Wallet) RestoreBackup(raw []byte, password []byte) ([]keymgr.Address, error) {
	payload, err := backup.Classify(raw, w.Manager)
	if err != nil {
		return nil, err
	}

	var addrs []keymgr.Address
	err = walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(keymgrNamespaceKey)
		switch payload.Kind {
		case backup.SingleAccount:
			addr, err := w.Manager.ImportEncrypted(ns,
				payload.Records[0], password)
			if err != nil {
				return err
			}
			addrs = []keymgr.Address{addr}
			return nil
		default:
			var err error
			addrs, err = w.Manager.ImportBatch(ns, payload.Records,
				password)
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Restored %d account(s) from %v backup", len(addrs), payload.Kind)
	return addrs, nil
}

// AuthorizedOrigins returns every persisted authorization record.
func (w *Wallet) AuthorizedOrigins() []AuthorizationRecord {
	return w.auths.list()
}

// OriginAuthorization returns the record for one origin.
func (w *Wallet) OriginAuthorization(origin string) (AuthorizationRecord, bool) {
	return w.auths.get(origin)
}

// UpdateAuthorization replaces the account set and blanket flag of an
// origin's record, creating the record if absent.
func (w *Wallet) UpdateAuthorization(origin string, accounts []keymgr.Address,
	blanket bool) error {

	if err := validateOrigin(origin); err != nil {
		return err
	}
	record := &AuthorizationRecord{
		Origin:    origin,
		Accounts:  accounts,
		IsAllowed: blanket,
		LastUsed:  w.clk.Now(),
	}
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(brokerNamespaceKey)
		return w.auths.put(ns, record)
	})
}

// RevokeOrigin destroys an origin's authorization record.  Revoking an
// unknown origin is a no-op.
func (w *Wallet) RevokeOrigin(origin string) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(brokerNamespaceKey)
		return w.auths.remove(ns, origin)
	})
}

// KnownChains returns every registered chain definition.
func (w *Wallet) KnownChains() []reqmgr.MetadataDef {
	return w.chains.list()
}

// ChainMetadata returns the registered definition for one genesis hash.
func (w *Wallet) ChainMetadata(genesisHash string) (reqmgr.MetadataDef, bool) {
	return w.chains.get(genesisHash)
}
