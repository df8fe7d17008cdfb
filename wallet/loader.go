package wallet

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

// InsecurePubPassphrase is the default outer encryption passphrase used for
// public data (encrypted account metadata).  Using a non-default public
// passphrase can prevent an attacker without the public passphrase from
// discovering all addresses in a wallet.
const InsecurePubPassphrase = "public"

const (
	// WalletDbName is the filename of the wallet database within its
	// network directory.
	WalletDbName = "wallet.db"

	// dbTimeout is how long to wait on the database file lock before
	// giving up on open.
	dbTimeout = 5 * time.Second
)

// Loader implements the creating of new and opening of existing wallets.
// This is primarily intended for use by the RPC servers, to enable
// methods and services which require the wallet when the wallet is loaded by
// another subsystem.
//
// Loader is safe for concurrent access.
type Loader struct {
	callbacks []func(*Wallet)
	clk       clock.Clock
	dbDirPath string
	wallet    *Wallet
	db        walletdb.DB
	mu        sync.Mutex
}

// NewLoader constructs a Loader with an optional clock for the wallets it
// loads.  A nil clock means wall time.
func NewLoader(dbDirPath string, clk clock.Clock) *Loader {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Loader{dbDirPath: dbDirPath, clk: clk}
}

// onLoaded executes each added callback and prevents loader from loading any
// additional wallets.  Requires mutex to be locked.
func (l *Loader) onLoaded(w *Wallet, db walletdb.DB) {
	for _, fn := range l.callbacks {
		fn(w)
	}

	l.wallet = w
	l.db = db
	l.callbacks = nil // not needed anymore
}

// RunAfterLoad adds a function to be executed when the loader creates or
// opens a wallet.  Functions are executed in a single goroutine in the order
// they are added.
func (l *Loader) RunAfterLoad(fn func(*Wallet)) {
	l.mu.Lock()
	if l.wallet != nil {
		w := l.wallet
		l.mu.Unlock()
		fn(w)
	} else {
		l.callbacks = append(l.callbacks, fn)
		l.mu.Unlock()
	}
}

// DbPath returns the path of the database file the loader operates on.
func (l *Loader) DbPath() string {
	return filepath.Join(l.dbDirPath, WalletDbName)
}

// WalletExists returns whether a file exists at the loader's database path.
// This may return an error for unexpected I/O failures.
func (l *Loader) WalletExists() (bool, error) {
	dbPath := l.DbPath()
	_, err := os.Stat(dbPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CreateNewWallet creates a new wallet using the provided public and private
// passphrases.  The seed accounts are imported afterwards through the
// returned wallet.
func (l *Loader) CreateNewWallet(pubPassphrase, privPassphrase []byte) (*Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wallet != nil {
		return nil, ErrLoaded
	}

	dbPath := l.DbPath()
	exists, err := l.WalletExists()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrExists
	}

	// Create the wallet database backed by bolt db.
	err = os.MkdirAll(l.dbDirPath, 0700)
	if err != nil {
		return nil, err
	}
	db, err := walletdb.Create("bdb", dbPath, true, dbTimeout)
	if err != nil {
		return nil, err
	}

	// Initialize the newly created database for the wallet before opening.
	err = Create(db, pubPassphrase, privPassphrase, &keymgr.DefaultScryptOptions)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Open the newly-created wallet.
	w, err := Open(db, pubPassphrase, l.clk)
	if err != nil {
		db.Close()
		return nil, err
	}
	w.Start()

	l.onLoaded(w, db)
	return w, nil
}

// OpenExistingWallet opens the wallet from the loader's wallet database path.
func (l *Loader) OpenExistingWallet(pubPassphrase []byte) (*Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wallet != nil {
		return nil, ErrLoaded
	}

	// Open the database using the boltdb backend.
	dbPath := l.DbPath()
	db, err := walletdb.Open("bdb", dbPath, true, dbTimeout)
	if err != nil {
		log.Errorf("Failed to open database: %v", err)
		return nil, err
	}

	w, err := Open(db, pubPassphrase, l.clk)
	if err != nil {
		db.Close()
		return nil, err
	}
	w.Start()

	l.onLoaded(w, db)
	return w, nil
}

// LoadedWallet returns the loaded wallet, if any, and a bool for whether the
// wallet has been loaded or not.  If true, the wallet pointer should be safe
// to dereference.
func (l *Loader) LoadedWallet() (*Wallet, bool) {
	l.mu.Lock()
	w := l.wallet
	l.mu.Unlock()
	return w, w != nil
}

// UnloadWallet stops the loaded wallet, if any, and closes the wallet
// database.  This returns ErrUnloaded if the wallet has not been loaded with
// CreateNewWallet or LoadExistingWallet.  The Loader may be reused if this
// function returns without error.
func (l *Loader) UnloadWallet() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wallet == nil {
		return ErrUnloaded
	}

	l.wallet.Stop()
	l.wallet.WaitForShutdown()
	l.wallet.Manager.Close()
	err := l.db.Close()
	if err != nil {
		return err
	}

	l.wallet = nil
	l.db = nil
	return nil
}
