package keymgr

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/extsuite/extwallet/snacl"
	"github.com/extsuite/extwallet/walletdb"
	_ "github.com/extsuite/extwallet/walletdb/bdb"
)

var (
	testPubPassphrase  = []byte("_DJr{fL4H0O}*-0\n:V1izc)(6BomK")
	testPrivPassphrase = []byte("81lUHXnOMZ@?XXd7O9xyDIWIbXX-lj")
)

// fastScrypt are insecure options used only to speed up the tests.
var fastScrypt = FastScryptOptions

// testContext holds an open database and manager for a single test.
type testContext struct {
	db      walletdb.DB
	manager *Manager
}

// setupManager creates a new database and keyring manager in a temporary
// directory and returns them along with a teardown function.
func setupManager(t *testing.T) (*testContext, func()) {
	t.Helper()

	// Replace the secret key generator with the fast scrypt parameters so
	// master key derivation does not dominate the test runtime.
	oldKeyGen := SetSecretKeyGen(func(passphrase *[]byte,
		_ *ScryptOptions) (*snacl.SecretKey, error) {
		return snacl.NewSecretKey(passphrase, fastScrypt.N,
			fastScrypt.R, fastScrypt.P)
	})

	dirName, err := os.MkdirTemp("", "keymgrtest")
	if err != nil {
		t.Fatalf("Failed to create db temp dir: %v", err)
	}
	dbPath := filepath.Join(dirName, "mgrtest.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second)
	if err != nil {
		_ = os.RemoveAll(dirName)
		t.Fatalf("Failed to create db: %v", err)
	}

	var mgr *Manager
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket([]byte("keymgr"))
		if err != nil {
			return err
		}
		err = Create(ns, testPubPassphrase, testPrivPassphrase, &fastScrypt)
		if err != nil {
			return err
		}
		mgr, err = Open(ns, testPubPassphrase)
		return err
	})
	if err != nil {
		db.Close()
		_ = os.RemoveAll(dirName)
		t.Fatalf("Failed to create keyring: %v", err)
	}

	tc := &testContext{db: db, manager: mgr}
	teardown := func() {
		SetSecretKeyGen(oldKeyGen)
		tc.manager.Close()
		db.Close()
		_ = os.RemoveAll(dirName)
	}
	return tc, teardown
}

// update runs fn inside a read-write transaction against the keymgr
// namespace.
func (tc *testContext) update(t *testing.T, fn func(ns walletdb.ReadWriteBucket) error) {
	t.Helper()
	err := walletdb.Update(tc.db, func(tx walletdb.ReadWriteTx) error {
		return fn(tx.ReadWriteBucket([]byte("keymgr")))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// TestManagerLockUnlock exercises the lock state transitions, including the
// wrong-passphrase and empty-passphrase failure modes.
func TestManagerLockUnlock(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	if !mgr.IsLocked() {
		t.Fatal("a freshly opened keyring must start locked")
	}

	err := mgr.Unlock([]byte("wrong"))
	if !IsError(err, ErrWrongPassphrase) {
		t.Fatalf("wrong passphrase: got %v, want ErrWrongPassphrase", err)
	}
	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if mgr.IsLocked() {
		t.Fatal("keyring still locked after Unlock")
	}

	// A second unlock with the correct passphrase is a no-op.
	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("re-Unlock: %v", err)
	}

	if err := mgr.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mgr.IsLocked() {
		t.Fatal("keyring not locked after Lock")
	}
	if err := mgr.Lock(); !IsError(err, ErrLocked) {
		t.Fatalf("double lock: got %v, want ErrLocked", err)
	}
}

// TestManagerAccounts exercises seed import, child derivation, metadata
// updates and removal, then reopens the database to verify persistence.
func TestManagerAccounts(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	var root Address
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		var err error
		root, err = mgr.ImportFromSuri(ns, "root", testHexSeed, "", "",
			SchemeEd25519)
		return err
	})

	// The same URI must refuse to import twice.
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		_, err := mgr.ImportFromSuri(ns, "dup", testHexSeed, "", "",
			SchemeEd25519)
		if !IsError(err, ErrDuplicateAddress) {
			t.Errorf("duplicate import: got %v, want ErrDuplicateAddress", err)
		}
		return nil
	})

	// Derive two children, one with an explicit suffix and one allocated.
	var child0, child1 Address
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		var err error
		child0, err = mgr.DeriveAccount(ns, root, "//0", "first")
		return err
	})
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		var err error
		child1, err = mgr.DeriveAccount(ns, root, "", "second")
		return err
	})

	acct1, err := mgr.LookupAccount(child1)
	if err != nil {
		t.Fatalf("LookupAccount: %v", err)
	}
	if acct1.DerivationSuffix != "//1" {
		t.Fatalf("allocated suffix %q, want //1", acct1.DerivationSuffix)
	}
	if acct1.ParentAddress != root {
		t.Fatalf("child parent %q, want %q", acct1.ParentAddress, root)
	}

	// Deriving from an unknown parent must fail.
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		_, err := mgr.DeriveAccount(ns, "beef", "//0", "orphan")
		if !IsError(err, ErrInvalidParent) {
			t.Errorf("unknown parent: got %v, want ErrInvalidParent", err)
		}
		return nil
	})

	// Rename and hide, then forget the first child.
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		if err := mgr.RenameAccount(ns, child0, "renamed"); err != nil {
			return err
		}
		if err := mgr.SetHidden(ns, child1, true); err != nil {
			return err
		}
		return mgr.ForgetAccount(ns, child0)
	})
	if _, err := mgr.LookupAccount(child0); !IsError(err, ErrAddressNotFound) {
		t.Fatalf("forgotten account lookup: got %v, want ErrAddressNotFound", err)
	}

	// Reopen the database and verify the surviving accounts load.
	mgr.Close()
	var reopened *Manager
	err = walletdb.View(tc.db, func(tx walletdb.ReadTx) error {
		var err error
		reopened, err = Open(tx.ReadBucket([]byte("keymgr")), testPubPassphrase)
		return err
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tc.manager = reopened

	accounts := reopened.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("reopened keyring has %d accounts, want 2", len(accounts))
	}
	acct1, err = reopened.LookupAccount(child1)
	if err != nil {
		t.Fatalf("LookupAccount after reopen: %v", err)
	}
	if !acct1.Flags.IsHidden {
		t.Fatal("hidden flag lost across reopen")
	}
}

// TestManagerSign verifies produced signatures against the account's public
// key, and that signing demands an unlocked keyring.
func TestManagerSign(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	var addr Address
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		var err error
		addr, err = mgr.ImportFromSuri(ns, "signer", testHexSeed, "", "",
			SchemeEd25519)
		return err
	})

	payload := []byte("extrinsic payload bytes")
	var sig []byte
	err := walletdb.View(tc.db, func(tx walletdb.ReadTx) error {
		var err error
		sig, err = mgr.SignPayload(tx.ReadBucket([]byte("keymgr")), addr, payload)
		return err
	})
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}

	pubKey, err := hex.DecodeString(string(addr))
	if err != nil {
		t.Fatalf("address is not hex: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), payload, sig) {
		t.Fatal("signature does not verify against the account public key")
	}

	// Locked keyrings must refuse to sign.
	if err := mgr.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	err = walletdb.View(tc.db, func(tx walletdb.ReadTx) error {
		_, err := mgr.SignPayload(tx.ReadBucket([]byte("keymgr")), addr, payload)
		if !IsError(err, ErrLocked) {
			t.Errorf("locked sign: got %v, want ErrLocked", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestManagerChangePassphrase flips the private passphrase and ensures only
// the new one unlocks afterwards.
func TestManagerChangePassphrase(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	newPass := []byte("n3wP4ssphr4se")
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		return mgr.ChangePassphrase(ns, testPrivPassphrase, newPass, true,
			&fastScrypt)
	})

	if err := mgr.Unlock(testPrivPassphrase); !IsError(err, ErrWrongPassphrase) {
		t.Fatalf("old passphrase: got %v, want ErrWrongPassphrase", err)
	}
	if err := mgr.Unlock(newPass); err != nil {
		t.Fatalf("new passphrase rejected: %v", err)
	}

	// Changing with a wrong old passphrase must fail.
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		err := mgr.ChangePassphrase(ns, []byte("bogus"), newPass, true,
			&fastScrypt)
		if !IsError(err, ErrWrongPassphrase) {
			t.Errorf("bogus old passphrase: got %v, want ErrWrongPassphrase", err)
		}
		return nil
	})
}

// TestExportImportRoundTrip exports an account to an encrypted key record and
// imports it into a second keyring.
func TestExportImportRoundTrip(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	oldExportScrypt := exportScryptOptions
	exportScryptOptions = &fastScrypt
	defer func() { exportScryptOptions = oldExportScrypt }()

	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	var addr Address
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		var err error
		addr, err = mgr.ImportFromSuri(ns, "exported", testHexSeed, "", "",
			SchemeEd25519)
		return err
	})

	exportPassword := []byte("record password")
	var record *EncryptedKeyRecord
	err := walletdb.View(tc.db, func(tx walletdb.ReadTx) error {
		var err error
		record, err = mgr.ExportAccount(tx.ReadBucket([]byte("keymgr")),
			addr, testPrivPassphrase, exportPassword)
		return err
	})
	if err != nil {
		t.Fatalf("ExportAccount: %v", err)
	}
	if record.Address != addr {
		t.Fatalf("record address %q, want %q", record.Address, addr)
	}

	// Metadata must be readable without the password.
	info, err := mgr.RecordInfo(record)
	if err != nil {
		t.Fatalf("RecordInfo: %v", err)
	}
	if info.Name != "exported" {
		t.Fatalf("record name %q, want %q", info.Name, "exported")
	}

	// Import into a fresh keyring and check the account and its signing
	// key both survived the round trip.
	tc2, teardown2 := setupManager(t)
	defer teardown2()
	mgr2 := tc2.manager
	if err := mgr2.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock second keyring: %v", err)
	}
	tc2.update(t, func(ns walletdb.ReadWriteBucket) error {
		_, err := mgr2.ImportEncrypted(ns, record, exportPassword)
		return err
	})

	payload := []byte("round trip payload")
	var sig, sig2 []byte
	err = walletdb.View(tc.db, func(tx walletdb.ReadTx) error {
		var err error
		sig, err = mgr.SignPayload(tx.ReadBucket([]byte("keymgr")), addr, payload)
		return err
	})
	if err != nil {
		t.Fatalf("SignPayload original: %v", err)
	}
	err = walletdb.View(tc2.db, func(tx walletdb.ReadTx) error {
		var err error
		sig2, err = mgr2.SignPayload(tx.ReadBucket([]byte("keymgr")), addr, payload)
		return err
	})
	if err != nil {
		t.Fatalf("SignPayload imported: %v", err)
	}
	if !bytes.Equal(sig, sig2) {
		t.Fatal("imported account signs differently than the original")
	}

	// A wrong record password must be reported as such.
	tc2.update(t, func(ns walletdb.ReadWriteBucket) error {
		_, err := mgr2.ImportEncrypted(ns, record, []byte("wrong"))
		if !IsError(err, ErrWrongPassphrase) {
			t.Errorf("wrong record password: got %v, want ErrWrongPassphrase", err)
		}
		return nil
	})
}

// TestExportRequiresWalletPassphrase ensures the export path re-checks the
// wallet passphrase rather than trusting the unlock state.
func TestExportRequiresWalletPassphrase(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	oldExportScrypt := exportScryptOptions
	exportScryptOptions = &fastScrypt
	defer func() { exportScryptOptions = oldExportScrypt }()

	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	var addr Address
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		var err error
		addr, err = mgr.ImportFromSuri(ns, "acct", testHexSeed, "", "",
			SchemeEd25519)
		return err
	})

	err := walletdb.View(tc.db, func(tx walletdb.ReadTx) error {
		_, err := mgr.ExportAccount(tx.ReadBucket([]byte("keymgr")), addr,
			[]byte("not the passphrase"), []byte("export pw"))
		if !IsError(err, ErrWrongPassphrase) {
			t.Errorf("export with wrong wallet passphrase: got %v, "+
				"want ErrWrongPassphrase", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestRollbackKeepsCacheConsistent ensures the in-memory account cache only
// ever reflects committed transactions.
func TestRollbackKeepsCacheConsistent(t *testing.T) {
	tc, teardown := setupManager(t)
	defer teardown()
	mgr := tc.manager

	if err := mgr.Unlock(testPrivPassphrase); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	// Import inside a transaction that is aborted after the import
	// succeeded, as a failed companion write would do.
	errAbort := errors.New("abort")
	var addr Address
	err := walletdb.Update(tc.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket([]byte("keymgr"))
		var err error
		addr, err = mgr.ImportFromSuri(ns, "doomed", testHexSeed, "",
			"", SchemeEd25519)
		if err != nil {
			return err
		}
		return errAbort
	})
	if err != errAbort {
		t.Fatalf("Update: got %v, want the abort error", err)
	}

	// The rolled back account must not be cached.
	if _, err := mgr.LookupAccount(addr); !IsError(err, ErrAddressNotFound) {
		t.Fatalf("rolled back account still cached: %v", err)
	}

	// The same import must now succeed; a stale cache entry would report
	// a duplicate.
	tc.update(t, func(ns walletdb.ReadWriteBucket) error {
		_, err := mgr.ImportFromSuri(ns, "kept", testHexSeed, "", "",
			SchemeEd25519)
		return err
	})
	account, err := mgr.LookupAccount(addr)
	if err != nil {
		t.Fatalf("LookupAccount: %v", err)
	}
	if account.Name != "kept" {
		t.Fatalf("account name mismatch: got %q, want %q",
			account.Name, "kept")
	}
}
