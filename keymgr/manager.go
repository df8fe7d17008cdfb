package keymgr

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/extsuite/extwallet/internal/zero"
	"github.com/extsuite/extwallet/signer"
	"github.com/extsuite/extwallet/snacl"
	"github.com/extsuite/extwallet/walletdb"
	"github.com/tyler-smith/go-bip39"
)

const (
	// saltSize is the number of bytes of the salt used when hashing
	// private passphrases.
	saltSize = 32
)

// ScryptOptions is used to hold the scrypt parameters needed when deriving
// new passphrase keys.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default options used with scrypt.
var DefaultScryptOptions = ScryptOptions{
	N: 262144, // 2^18
	R: 8,
	P: 1,
}

// FastScryptOptions are the scrypt options that should be used for testing
// purposes only where speed is more important than security.
var FastScryptOptions = ScryptOptions{
	N: 16,
	R: 8,
	P: 1,
}

// SecretKeyGenerator is the function signature of a method that can generate
// secret keys for the keyring manager.
type SecretKeyGenerator func(
	passphrase *[]byte, config *ScryptOptions) (*snacl.SecretKey, error)

// defaultNewSecretKey returns a new secret key.  See newSecretKey.
func defaultNewSecretKey(passphrase *[]byte,
	config *ScryptOptions) (*snacl.SecretKey, error) {
	return snacl.NewSecretKey(passphrase, config.N, config.R, config.P)
}

var (
	// secretKeyGen is the inner method that is executed when calling
	// newSecretKey.
	secretKeyGen = defaultNewSecretKey

	// secretKeyGenMtx protects access to secretKeyGen, so that it can be
	// replaced in testing.
	secretKeyGenMtx sync.RWMutex
)

// SetSecretKeyGen replaces the existing secret key generator, and returns the
// previous generator.
func SetSecretKeyGen(keyGen SecretKeyGenerator) SecretKeyGenerator {
	secretKeyGenMtx.Lock()
	oldKeyGen := secretKeyGen
	secretKeyGen = keyGen
	secretKeyGenMtx.Unlock()

	return oldKeyGen
}

// newSecretKey generates a new secret key using the active secretKeyGen.
func newSecretKey(passphrase *[]byte, config *ScryptOptions) (*snacl.SecretKey, error) {
	secretKeyGenMtx.RLock()
	defer secretKeyGenMtx.RUnlock()
	return secretKeyGen(passphrase, config)
}

// EncryptorDecryptor provides an abstraction on top of snacl.CryptoKey so
// that the tests can use dependency injection to force the behaviour they
// need.
type EncryptorDecryptor interface {
	Encrypt(in []byte) ([]byte, error)
	Decrypt(in []byte) ([]byte, error)
	Bytes() []byte
	CopyBytes([]byte)
	Zero()
}

// cryptoKey extends snacl.CryptoKey to implement EncryptorDecryptor.
type cryptoKey struct {
	snacl.CryptoKey
}

// Bytes returns a copy of this crypto key's byte slice.
func (ck *cryptoKey) Bytes() []byte {
	return ck.CryptoKey[:]
}

// CopyBytes copies the bytes from the given slice into this CryptoKey.
func (ck *cryptoKey) CopyBytes(from []byte) {
	copy(ck.CryptoKey[:], from)
}

// defaultNewCryptoKey returns a new CryptoKey.  See newCryptoKey.
func defaultNewCryptoKey() (EncryptorDecryptor, error) {
	key, err := snacl.GenerateCryptoKey()
	if err != nil {
		return nil, err
	}
	return &cryptoKey{*key}, nil
}

// newCryptoKey is used as a way to replace the new crypto key generation
// function used so tests can provide a version that fails for testing error
// paths.
var newCryptoKey = defaultNewCryptoKey

// CryptoKeyType is used to differentiate between different kinds of crypto
// keys.
type CryptoKeyType byte

// Crypto key types.
const (
	// CKTPrivate specifies the key that is used for encryption of account
	// seeds.
	CKTPrivate CryptoKeyType = iota

	// CKTPublic specifies the key that is used for encryption of public
	// account metadata such as names and parent references.
	CKTPublic
)

const (
	errLocked        = "keyring is locked"
	errAlreadyExists = "keyring already exists"
)

// Manager represents the keyring manager: a forest of accounts whose secret
// seeds are encrypted at rest and whose signing, derivation, import and
// export operations it mediates.
type Manager struct {
	mtx sync.RWMutex

	// addrs is the in-memory cache of secret-free account views keyed by
	// address.  It is populated from the database at open and kept in
	// sync by every mutating operation.
	addrs map[Address]*Account

	locked bool
	closed bool

	// extSigner, when set, is used for accounts flagged as hardware.
	extSigner signer.ExternalSigner

	// signMtxs serializes decrypt/sign operations per account so that two
	// simultaneous sign requests for the same account never race each
	// other or the device transport.
	signMtxs map[Address]*sync.Mutex

	// masterKeyPub is the secret key used to secure the cryptoKeyPub key
	// and masterKeyPriv is the secret key used to secure the cryptoKeyPriv
	// key.  This approach is used because it makes changing the passwords
	// much simpler as it then becomes just changing these keys.  It also
	// provides future flexibility.
	//
	// The underlying master private key will be zeroed when the keyring
	// is locked.
	masterKeyPub  *snacl.SecretKey
	masterKeyPriv *snacl.SecretKey

	// cryptoKeyPub is the key used to encrypt public account metadata.
	cryptoKeyPub EncryptorDecryptor

	// cryptoKeyPriv is the key used to encrypt account seeds.
	//
	// This key will be zeroed when the keyring is locked.
	cryptoKeyPrivEncrypted []byte
	cryptoKeyPriv          EncryptorDecryptor

	// privPassphraseSalt and hashedPrivPassphrase allow for the secure
	// detection of a correct passphrase on unlock when the keyring is
	// already unlocked.  The hash is zeroed each lock.
	privPassphraseSalt   [saltSize]byte
	hashedPrivPassphrase [sha512.Size]byte
}

// lock performs a best try effort to remove and zero all secret keys
// associated with the keyring.
//
// This function MUST be called with the manager lock held for writes.
func (m *Manager) lock() {
	// Remove clear text private master and crypto keys from memory.
	m.cryptoKeyPriv.Zero()
	m.masterKeyPriv.Zero()

	// Zero the hashed passphrase.
	zero.Bytea64(&m.hashedPrivPassphrase)

	// NOTE: m.cryptoKeyPub is intentionally not cleared here as the
	// keyring needs to be able to continue to read and decrypt public
	// metadata even when it is locked.

	m.locked = true
}

// Close cleanly shuts down the manager.  It makes a best try effort to
// remove and zero all private key and sensitive public key material
// associated with the keyring from memory.
func (m *Manager) Close() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return
	}

	// Attempt to clear private key material from memory.
	if !m.locked {
		m.lock()
	}

	// Remove clear text public master and crypto keys from memory.
	m.cryptoKeyPub.Zero()
	m.masterKeyPub.Zero()

	m.closed = true
}

// SetExternalSigner attaches the external signing device used for hardware
// accounts.  Passing nil detaches it.
func (m *Manager) SetExternalSigner(s signer.ExternalSigner) {
	m.mtx.Lock()
	m.extSigner = s
	m.mtx.Unlock()
}

// IsLocked returns whether or not the keyring is locked.  When it is
// unlocked, the decryption key needed to decrypt account seeds used for
// signing is in memory.
func (m *Manager) IsLocked() bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.locked
}

// Lock performs a best try effort to remove and zero all secret keys
// associated with the keyring.
func (m *Manager) Lock() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	// Error on attempt to lock an already locked keyring.
	if m.locked {
		return keyringError(ErrLocked, errLocked, nil)
	}

	m.lock()
	return nil
}

// Unlock derives the master private key from the specified passphrase.  An
// invalid passphrase will return an error.  Otherwise, the derived secret
// key is stored in memory until the keyring is locked.  Any failures that
// occur during this function will result in the keyring being locked, even
// if it was already unlocked prior to calling this function.
func (m *Manager) Unlock(passphrase []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	// Avoid actually unlocking if the keyring is already unlocked and the
	// passphrases match.
	if !m.locked {
		saltedPassphrase := append(m.privPassphraseSalt[:], passphrase...)
		hashedPassphrase := sha512.Sum512(saltedPassphrase)
		zero.Bytes(saltedPassphrase)
		if hashedPassphrase != m.hashedPrivPassphrase {
			m.lock()
			str := "invalid passphrase for master private key"
			return keyringError(ErrWrongPassphrase, str, nil)
		}
		return nil
	}

	// Derive the master private key using the provided passphrase.
	if err := m.masterKeyPriv.DeriveKey(&passphrase); err != nil {
		m.lock()
		if err == snacl.ErrInvalidPassword {
			str := "invalid passphrase for master private key"
			return keyringError(ErrWrongPassphrase, str, nil)
		}

		str := "failed to derive master private key"
		return keyringError(ErrCrypto, str, err)
	}

	// Use the master private key to decrypt the crypto private key.
	decryptedKey, err := m.masterKeyPriv.Decrypt(m.cryptoKeyPrivEncrypted)
	if err != nil {
		m.lock()
		str := "failed to decrypt crypto private key"
		return keyringError(ErrCrypto, str, err)
	}
	m.cryptoKeyPriv.CopyBytes(decryptedKey)
	zero.Bytes(decryptedKey)

	m.locked = false
	saltedPassphrase := append(m.privPassphraseSalt[:], passphrase...)
	m.hashedPrivPassphrase = sha512.Sum512(saltedPassphrase)
	zero.Bytes(saltedPassphrase)
	return nil
}

// checkPassphrase verifies the passed passphrase matches the keyring's
// private passphrase.  The keyring must be unlocked.
//
// This function MUST be called with the manager lock held for reads.
func (m *Manager) checkPassphrase(passphrase []byte) error {
	if m.locked {
		return keyringError(ErrLocked, errLocked, nil)
	}
	saltedPassphrase := append(m.privPassphraseSalt[:], passphrase...)
	hashedPassphrase := sha512.Sum512(saltedPassphrase)
	zero.Bytes(saltedPassphrase)
	if hashedPassphrase != m.hashedPrivPassphrase {
		str := "invalid passphrase for master private key"
		return keyringError(ErrWrongPassphrase, str, nil)
	}
	return nil
}

// ChangePassphrase changes either the public or private passphrase to the
// provided value depending on the private flag.  The new passphrase keys are
// derived using the scrypt parameters in the options, so changing the
// passphrase may be used to bump the computational difficulty needed to
// brute force the passphrase.
func (m *Manager) ChangePassphrase(ns walletdb.ReadWriteBucket, oldPassphrase,
	newPassphrase []byte, private bool, config *ScryptOptions) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	// Ensure the provided old passphrase is correct.  This check is done
	// using a copy of the appropriate master key depending on the private
	// flag to ensure the current state is not altered.  The temp key is
	// cleared when done to avoid leaving a copy in memory.
	var keyName string
	secretKey := snacl.SecretKey{Key: &snacl.CryptoKey{}}
	if private {
		keyName = "private"
		secretKey.Parameters = m.masterKeyPriv.Parameters
	} else {
		keyName = "public"
		secretKey.Parameters = m.masterKeyPub.Parameters
	}
	if err := secretKey.DeriveKey(&oldPassphrase); err != nil {
		if err == snacl.ErrInvalidPassword {
			str := fmt.Sprintf("invalid passphrase for %s master "+
				"key", keyName)
			return keyringError(ErrWrongPassphrase, str, nil)
		}

		str := fmt.Sprintf("failed to derive %s master key", keyName)
		return keyringError(ErrCrypto, str, err)
	}
	defer secretKey.Zero()

	// Generate a new master key from the passphrase which is used to
	// secure the actual secret keys.
	newMasterKey, err := newSecretKey(&newPassphrase, config)
	if err != nil {
		str := "failed to create new master private key"
		return keyringError(ErrCrypto, str, err)
	}
	newKeyParams := newMasterKey.Marshal()

	if private {
		// Create a new salt that will be used for hashing the new
		// passphrase each unlock.
		var passphraseSalt [saltSize]byte
		_, err := rand.Read(passphraseSalt[:])
		if err != nil {
			str := "failed to read random source for passhprase salt"
			return keyringError(ErrCrypto, str, err)
		}

		// Re-encrypt the crypto private key using the new master
		// private key.
		decPriv, err := secretKey.Decrypt(m.cryptoKeyPrivEncrypted)
		if err != nil {
			str := "failed to decrypt crypto private key"
			return keyringError(ErrCrypto, str, err)
		}
		encPriv, err := newMasterKey.Encrypt(decPriv)
		zero.Bytes(decPriv)
		if err != nil {
			str := "failed to encrypt crypto private key"
			return keyringError(ErrCrypto, str, err)
		}

		// When the keyring is locked, ensure the new clear text master
		// key is cleared from memory now that it is no longer needed.
		// If unlocked, create the new passphrase hash with the new
		// passphrase and salt.
		var hashedPassphrase [sha512.Size]byte
		if m.locked {
			newMasterKey.Zero()
		} else {
			saltedPassphrase := append(passphraseSalt[:],
				newPassphrase...)
			hashedPassphrase = sha512.Sum512(saltedPassphrase)
			zero.Bytes(saltedPassphrase)
		}

		// Save the new keys and params to the db in a single
		// transaction.
		err = putCryptoKeys(ns, nil, encPriv)
		if err != nil {
			return maybeConvertDbError(err)
		}

		err = putMasterKeyParams(ns, nil, newKeyParams)
		if err != nil {
			return maybeConvertDbError(err)
		}

		// Now that the db has been successfully updated, clear the old
		// key and set the new one.
		m.cryptoKeyPrivEncrypted = encPriv
		m.masterKeyPriv.Zero() // Clear the old key.
		m.masterKeyPriv = newMasterKey
		m.privPassphraseSalt = passphraseSalt
		m.hashedPrivPassphrase = hashedPassphrase
	} else {
		// Re-encrypt the crypto public key using the new master public
		// key.
		encryptedPub, err := newMasterKey.Encrypt(m.cryptoKeyPub.Bytes())
		if err != nil {
			str := "failed to encrypt crypto public key"
			return keyringError(ErrCrypto, str, err)
		}

		// Save the new keys and params to the db in a single
		// transaction.
		err = putCryptoKeys(ns, encryptedPub, nil)
		if err != nil {
			return maybeConvertDbError(err)
		}

		err = putMasterKeyParams(ns, newKeyParams, nil)
		if err != nil {
			return maybeConvertDbError(err)
		}

		// Now that the db has been successfully updated, clear the old
		// key and set the new one.
		m.masterKeyPub.Zero()
		m.masterKeyPub = newMasterKey
	}

	return nil
}

// selectCryptoKey selects the appropriate crypto key based on the key type.
// An error is returned when an invalid key type is specified or the requested
// key requires the keyring to be unlocked when it isn't.
//
// This function MUST be called with the manager lock held for reads.
func (m *Manager) selectCryptoKey(keyType CryptoKeyType) (EncryptorDecryptor, error) {
	if keyType == CKTPrivate {
		// The keyring must be unlocked to work with the seeds.
		if m.locked {
			return nil, keyringError(ErrLocked, errLocked, nil)
		}
	}

	var cryptoKey EncryptorDecryptor
	switch keyType {
	case CKTPrivate:
		cryptoKey = m.cryptoKeyPriv
	case CKTPublic:
		cryptoKey = m.cryptoKeyPub
	default:
		return nil, keyringError(ErrCrypto, "invalid key type", nil)
	}

	return cryptoKey, nil
}

// Encrypt in using the crypto key type specified by keyType.
func (m *Manager) Encrypt(keyType CryptoKeyType, in []byte) ([]byte, error) {
	// Encryption must be performed under the manager mutex since the keys
	// are cleared when the keyring is locked.
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.encrypt(keyType, in)
}

func (m *Manager) encrypt(keyType CryptoKeyType, in []byte) ([]byte, error) {
	cryptoKey, err := m.selectCryptoKey(keyType)
	if err != nil {
		return nil, err
	}

	encrypted, err := cryptoKey.Encrypt(in)
	if err != nil {
		return nil, keyringError(ErrCrypto, "failed to encrypt", err)
	}
	return encrypted, nil
}

// Decrypt in using the crypto key type specified by keyType.
func (m *Manager) Decrypt(keyType CryptoKeyType, in []byte) ([]byte, error) {
	// Decryption must be performed under the manager mutex since the keys
	// are cleared when the keyring is locked.
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.decrypt(keyType, in)
}

func (m *Manager) decrypt(keyType CryptoKeyType, in []byte) ([]byte, error) {
	cryptoKey, err := m.selectCryptoKey(keyType)
	if err != nil {
		return nil, err
	}

	decrypted, err := cryptoKey.Decrypt(in)
	if err != nil {
		return nil, keyringError(ErrCrypto, "failed to decrypt", err)
	}
	return decrypted, nil
}

// addressForSeed computes the account address for a seed under the given
// scheme.
func addressForSeed(seed []byte, scheme KeyScheme) (Address, error) {
	if scheme != SchemeEd25519 {
		str := "unsupported key scheme: " + string(scheme)
		return "", keyringError(ErrUnsupportedScheme, str, nil)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	addr := Address(hex.EncodeToString(pub))
	zero.Bytes(priv)
	return addr, nil
}

// CreateSeed generates a new random seed phrase for the given scheme and
// returns the address the root account would have together with the
// mnemonic.  Nothing is persisted; the caller is expected to confirm the
// mnemonic with the user and then import it via ImportFromSuri.
func (m *Manager) CreateSeed(scheme KeyScheme) (Address, string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", "", keyringError(ErrCrypto,
			"failed to generate seed entropy", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	zero.Bytes(entropy)
	if err != nil {
		return "", "", keyringError(ErrCrypto,
			"failed to generate mnemonic", err)
	}

	seed, addr, err := resolveSuri(mnemonic, "", scheme)
	if err != nil {
		return "", "", err
	}
	zero.Bytes(seed)

	return addr, mnemonic, nil
}

// ValidateSeed parses and validates a seed URI without persisting anything,
// returning the address it would resolve to.  It is used for live feedback
// during seed entry.
func (m *Manager) ValidateSeed(suriStr string, scheme KeyScheme) (Address, error) {
	seed, addr, err := resolveSuri(suriStr, "", scheme)
	if err != nil {
		return "", err
	}
	zero.Bytes(seed)
	return addr, nil
}

// ImportFromSuri derives the key described by the seed URI plus the optional
// extra derivation path, encrypts its seed, and stores it as a new root
// account.  The keyring must be unlocked.
func (m *Manager) ImportFromSuri(ns walletdb.ReadWriteBucket, name, suriStr,
	derivationPath string, genesisHash string, scheme KeyScheme) (Address, error) {

	seed, addr, err := resolveSuri(suriStr, derivationPath, scheme)
	if err != nil {
		return "", err
	}
	defer zero.Bytes(seed)

	account := &Account{
		Address:     addr,
		Name:        name,
		Scheme:      scheme,
		GenesisHash: genesisHash,
		WhenCreated: time.Now(),
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.putNewAccount(ns, account, seed); err != nil {
		return "", err
	}
	return addr, nil
}

// DeriveAccount creates a child account of the given parent.  When suffix is
// empty the next free sibling index is allocated.  The keyring must be
// unlocked.
func (m *Manager) DeriveAccount(ns walletdb.ReadWriteBucket, parentAddr Address,
	suffix, name string) (Address, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	parent, ok := m.addrs[parentAddr]
	if !ok {
		str := fmt.Sprintf("parent account %s not found", parentAddr)
		return "", keyringError(ErrInvalidParent, str, nil)
	}
	if parent.Flags.IsHardware || parent.Flags.IsExternal {
		str := "cannot derive from an account without a local seed"
		return "", keyringError(ErrInvalidParent, str, nil)
	}

	if suffix == "" {
		suffix = NextDerivationPath(m.accountList(), parentAddr)
	}
	index, err := parseSuffix(suffix)
	if err != nil {
		return "", err
	}

	// Decrypt the parent seed and derive the child.
	row, err := fetchAccountRow(ns, parentAddr)
	if err != nil {
		return "", err
	}
	parentSeed, err := m.decrypt(CKTPrivate, row.secretEnc)
	if err != nil {
		return "", err
	}
	childSeed := deriveChildSeed(parentSeed, index)
	zero.Bytes(parentSeed)
	defer zero.Bytes(childSeed)

	addr, err := addressForSeed(childSeed, parent.Scheme)
	if err != nil {
		return "", err
	}

	account := &Account{
		Address:          addr,
		Name:             name,
		ParentAddress:    parentAddr,
		DerivationSuffix: suffix,
		Scheme:           parent.Scheme,
		GenesisHash:      parent.GenesisHash,
		WhenCreated:      time.Now(),
	}
	if err := m.putNewAccount(ns, account, childSeed); err != nil {
		return "", err
	}
	return addr, nil
}

// ImportHardware registers an address-only hardware account whose signing is
// routed to the external signer.  No secret material is stored.
func (m *Manager) ImportHardware(ns walletdb.ReadWriteBucket, addr Address,
	name, genesisHash string) error {

	if _, err := hex.DecodeString(string(addr)); err != nil ||
		len(addr) != 2*ed25519.PublicKeySize {
		str := fmt.Sprintf("invalid hardware account address %q", addr)
		return keyringError(ErrInvalidSeed, str, err)
	}

	account := &Account{
		Address:     addr,
		Name:        name,
		Scheme:      SchemeEd25519,
		GenesisHash: genesisHash,
		Flags:       AccountFlags{IsHardware: true, IsExternal: true},
		WhenCreated: time.Now(),
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.putNewAccount(ns, account, nil)
}

// putNewAccount encrypts and stores a new account, rejecting duplicate
// addresses.
//
// This function MUST be called with the manager lock held for writes.
func (m *Manager) putNewAccount(ns walletdb.ReadWriteBucket, account *Account, seed []byte) error {
	if _, ok := m.addrs[account.Address]; ok {
		str := fmt.Sprintf("account %s already exists", account.Address)
		return keyringError(ErrDuplicateAddress, str, nil)
	}
	// The cache lags the transaction, so also check the database to
	// catch a duplicate stored earlier in the same transaction.
	if bucket := ns.NestedReadBucket(accountsBucketName); bucket != nil &&
		bucket.Get([]byte(account.Address)) != nil {

		str := fmt.Sprintf("account %s already exists", account.Address)
		return keyringError(ErrDuplicateAddress, str, nil)
	}

	row, err := m.accountToRow(account, seed)
	if err != nil {
		return err
	}
	if err := putAccountRow(ns, account.Address, row); err != nil {
		return err
	}

	// The cache is only updated once the transaction commits, so a
	// rollback cannot leave it ahead of the database.
	ns.Tx().OnCommit(func() {
		m.mtx.Lock()
		m.addrs[account.Address] = account
		m.mtx.Unlock()
	})
	return nil
}

// accountToRow serializes and encrypts an account and its optional seed into
// a database row.
//
// This function MUST be called with the manager lock held.
func (m *Manager) accountToRow(account *Account, seed []byte) (*accountRow, error) {
	meta, err := json.Marshal(account)
	if err != nil {
		return nil, keyringError(ErrCrypto, "failed to serialize account", err)
	}
	metaEnc, err := m.encrypt(CKTPublic, meta)
	if err != nil {
		return nil, err
	}

	var secretEnc []byte
	if seed != nil {
		secretEnc, err = m.encrypt(CKTPrivate, seed)
		if err != nil {
			return nil, err
		}
	}
	return &accountRow{metaEnc: metaEnc, secretEnc: secretEnc}, nil
}

// updateAccountMeta re-encrypts and stores the metadata of an existing
// account, preserving its encrypted seed.
//
// This function MUST be called with the manager lock held for writes.
func (m *Manager) updateAccountMeta(ns walletdb.ReadWriteBucket, account *Account) error {
	row, err := fetchAccountRow(ns, account.Address)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(account)
	if err != nil {
		return keyringError(ErrCrypto, "failed to serialize account", err)
	}
	metaEnc, err := m.encrypt(CKTPublic, meta)
	if err != nil {
		return err
	}
	row.metaEnc = metaEnc
	if err := putAccountRow(ns, account.Address, row); err != nil {
		return err
	}
	ns.Tx().OnCommit(func() {
		m.mtx.Lock()
		m.addrs[account.Address] = account
		m.mtx.Unlock()
	})
	return nil
}

// RenameAccount changes the display name of an account.
func (m *Manager) RenameAccount(ns walletdb.ReadWriteBucket, addr Address, name string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	account, ok := m.addrs[addr]
	if !ok {
		str := fmt.Sprintf("account %s not found", addr)
		return keyringError(ErrAddressNotFound, str, nil)
	}
	updated := *account
	updated.Name = name
	return m.updateAccountMeta(ns, &updated)
}

// SetHidden sets or clears the hidden flag of an account.
func (m *Manager) SetHidden(ns walletdb.ReadWriteBucket, addr Address, hidden bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	account, ok := m.addrs[addr]
	if !ok {
		str := fmt.Sprintf("account %s not found", addr)
		return keyringError(ErrAddressNotFound, str, nil)
	}
	updated := *account
	updated.Flags.IsHidden = hidden
	return m.updateAccountMeta(ns, &updated)
}

// ForgetAccount removes an account from the keyring.  Children of the
// account are kept; they simply become roots of their own subtrees with a
// dangling parent reference.
func (m *Manager) ForgetAccount(ns walletdb.ReadWriteBucket, addr Address) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.addrs[addr]; !ok {
		str := fmt.Sprintf("account %s not found", addr)
		return keyringError(ErrAddressNotFound, str, nil)
	}
	if err := deleteAccountRow(ns, addr); err != nil {
		return err
	}
	ns.Tx().OnCommit(func() {
		m.mtx.Lock()
		delete(m.addrs, addr)
		delete(m.signMtxs, addr)
		m.mtx.Unlock()
	})
	return nil
}

// LookupAccount returns the secret-free view of the account with the given
// address.
func (m *Manager) LookupAccount(addr Address) (Account, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	account, ok := m.addrs[addr]
	if !ok {
		str := fmt.Sprintf("account %s not found", addr)
		return Account{}, keyringError(ErrAddressNotFound, str, nil)
	}
	return *account, nil
}

// Accounts returns secret-free views of every account in the keyring.  The
// order is unspecified; callers sort as needed.
func (m *Manager) Accounts() []Account {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.accountList()
}

// accountList returns the cached account views as a slice.
//
// This function MUST be called with the manager lock held for reads.
func (m *Manager) accountList() []Account {
	accounts := make([]Account, 0, len(m.addrs))
	for _, account := range m.addrs {
		accounts = append(accounts, *account)
	}
	return accounts
}

// signMutex returns the per-account mutex used to serialize signing for the
// given address.
func (m *Manager) signMutex(addr Address) *sync.Mutex {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mtx, ok := m.signMtxs[addr]
	if !ok {
		mtx = new(sync.Mutex)
		m.signMtxs[addr] = mtx
	}
	return mtx
}

// SignPayload signs the payload with the account's key.  Hardware accounts
// are routed to the external signer; all other accounts require the keyring
// to be unlocked.  Signing for a given account is serialized: two
// simultaneous requests for the same account are performed one after the
// other.
func (m *Manager) SignPayload(ns walletdb.ReadBucket, addr Address, payload []byte) ([]byte, error) {
	account, err := m.LookupAccount(addr)
	if err != nil {
		return nil, err
	}

	signMtx := m.signMutex(addr)
	signMtx.Lock()
	defer signMtx.Unlock()

	if account.Flags.IsHardware {
		m.mtx.RLock()
		extSigner := m.extSigner
		m.mtx.RUnlock()

		if extSigner == nil {
			str := "no external signer attached"
			return nil, keyringError(ErrDeviceUnavailable, str, nil)
		}
		sig, err := extSigner.SignPayload(string(addr), payload)
		if err != nil {
			switch {
			case errors.Is(err, signer.ErrDeclined):
				return nil, keyringError(ErrSigningDeclined,
					"signing declined on device", err)
			default:
				return nil, keyringError(ErrDeviceUnavailable,
					"signing device unavailable", err)
			}
		}
		return sig, nil
	}

	row, err := fetchAccountRow(ns, addr)
	if err != nil {
		return nil, err
	}
	seed, err := m.Decrypt(CKTPrivate, row.secretEnc)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	zero.Bytes(seed)
	sig := ed25519.Sign(priv, payload)
	zero.Bytes(priv)
	return sig, nil
}

// newManager returns a new locked keyring manager with the given parameters.
func newManager(masterKeyPub, masterKeyPriv *snacl.SecretKey,
	cryptoKeyPub EncryptorDecryptor, cryptoKeyPrivEncrypted []byte,
	privPassphraseSalt [saltSize]byte) *Manager {

	return &Manager{
		addrs:                  make(map[Address]*Account),
		signMtxs:               make(map[Address]*sync.Mutex),
		locked:                 true,
		masterKeyPub:           masterKeyPub,
		masterKeyPriv:          masterKeyPriv,
		cryptoKeyPub:           cryptoKeyPub,
		cryptoKeyPrivEncrypted: cryptoKeyPrivEncrypted,
		cryptoKeyPriv:          &cryptoKey{},
		privPassphraseSalt:     privPassphraseSalt,
	}
}

// loadManager returns a new keyring manager that results from loading it from
// the passed opened database.  The public passphrase is required to decrypt
// the public metadata.
func loadManager(ns walletdb.ReadBucket, pubPassphrase []byte) (*Manager, error) {
	// Verify the version is neither too old or too new.
	version, err := fetchManagerVersion(ns)
	if err != nil {
		str := "failed to fetch version for update"
		return nil, keyringError(ErrDatabase, str, err)
	}
	if version != LatestMgrVersion {
		str := "database upgrade required"
		return nil, keyringError(ErrDatabase, str, nil)
	}

	// Load the master key params from the db.
	masterKeyPubParams, masterKeyPrivParams, err := fetchMasterKeyParams(ns)
	if err != nil {
		return nil, maybeConvertDbError(err)
	}

	// Load the crypto keys from the db.
	cryptoKeyPubEnc, cryptoKeyPrivEnc, err := fetchCryptoKeys(ns)
	if err != nil {
		return nil, maybeConvertDbError(err)
	}

	// Set the master private key params, but don't derive it now since
	// the keyring starts off locked.
	var masterKeyPriv snacl.SecretKey
	if err := masterKeyPriv.Unmarshal(masterKeyPrivParams); err != nil {
		str := "failed to unmarshal master private key"
		return nil, keyringError(ErrCrypto, str, err)
	}

	// Derive the master public key using the serialized params and
	// provided passphrase.
	var masterKeyPub snacl.SecretKey
	if err := masterKeyPub.Unmarshal(masterKeyPubParams); err != nil {
		str := "failed to unmarshal master public key"
		return nil, keyringError(ErrCrypto, str, err)
	}
	if err := masterKeyPub.DeriveKey(&pubPassphrase); err != nil {
		str := "invalid passphrase for master public key"
		return nil, keyringError(ErrWrongPassphrase, str, nil)
	}

	// Use the master public key to decrypt the crypto public key.
	cryptoKeyPub := &cryptoKey{snacl.CryptoKey{}}
	cryptoKeyPubCT, err := masterKeyPub.Decrypt(cryptoKeyPubEnc)
	if err != nil {
		str := "failed to decrypt crypto public key"
		return nil, keyringError(ErrCrypto, str, err)
	}
	cryptoKeyPub.CopyBytes(cryptoKeyPubCT)
	zero.Bytes(cryptoKeyPubCT)

	// Generate private passphrase salt.
	var privPassphraseSalt [saltSize]byte
	_, err = rand.Read(privPassphraseSalt[:])
	if err != nil {
		str := "failed to read random source for passphrase salt"
		return nil, keyringError(ErrCrypto, str, err)
	}

	mgr := newManager(
		&masterKeyPub, &masterKeyPriv, cryptoKeyPub, cryptoKeyPrivEnc,
		privPassphraseSalt,
	)

	// Populate the account cache from the database.
	err = forEachAccountRow(ns, func(addr Address, row *accountRow) error {
		meta, err := cryptoKeyPub.Decrypt(row.metaEnc)
		if err != nil {
			str := fmt.Sprintf("failed to decrypt metadata for account %s", addr)
			return keyringError(ErrCrypto, str, err)
		}
		var account Account
		if err := json.Unmarshal(meta, &account); err != nil {
			str := fmt.Sprintf("failed to parse metadata for account %s", addr)
			return keyringError(ErrDatabase, str, err)
		}
		mgr.addrs[addr] = &account
		return nil
	})
	if err != nil {
		return nil, err
	}

	return mgr, nil
}

// Open loads an existing keyring manager from the given namespace.  The
// public passphrase is required to decrypt the public metadata such as
// account names and the derivation forest.
//
// A KeyringError with an error code of ErrNoExist will be returned if the
// passed manager does not exist in the specified namespace.
func Open(ns walletdb.ReadBucket, pubPassphrase []byte) (*Manager, error) {
	// Return an error if the manager has NOT already been created in the
	// given database namespace.
	if !managerExists(ns) {
		str := "the specified keyring does not exist"
		return nil, keyringError(ErrNoExist, str, nil)
	}

	return loadManager(ns, pubPassphrase)
}

// Create creates a new keyring manager in the given namespace.
//
// All private and public account data is protected by secret keys derived
// from the provided private and public passphrases.  The public passphrase
// is required on subsequent opens of the keyring, and the private passphrase
// is required to unlock it in order to gain access to any seeds.
//
// A KeyringError with an error code of ErrAlreadyExists will be returned if
// the keyring already exists in the specified namespace.
func Create(ns walletdb.ReadWriteBucket, pubPassphrase, privPassphrase []byte,
	config *ScryptOptions) error {

	// Return an error if the manager has already been created in the
	// given database namespace.
	if managerExists(ns) {
		return keyringError(ErrAlreadyExists, errAlreadyExists, nil)
	}

	// Ensure the private passphrase is not empty.
	if len(privPassphrase) == 0 {
		str := "private passphrase may not be empty"
		return keyringError(ErrEmptyPassphrase, str, nil)
	}

	if err := createManagerNS(ns); err != nil {
		return maybeConvertDbError(err)
	}

	if config == nil {
		config = &DefaultScryptOptions
	}

	// Generate new master keys.  These master keys are used to protect
	// the crypto keys that will be generated next.
	masterKeyPub, err := newSecretKey(&pubPassphrase, config)
	if err != nil {
		str := "failed to master public key"
		return keyringError(ErrCrypto, str, err)
	}

	masterKeyPriv, err := newSecretKey(&privPassphrase, config)
	if err != nil {
		str := "failed to master private key"
		return keyringError(ErrCrypto, str, err)
	}
	defer masterKeyPriv.Zero()

	// Generate new crypto public and private keys.  These keys are used
	// to protect the actual public and private data such as account
	// metadata and seeds.
	cryptoKeyPub, err := newCryptoKey()
	if err != nil {
		str := "failed to generate crypto public key"
		return keyringError(ErrCrypto, str, err)
	}
	cryptoKeyPriv, err := newCryptoKey()
	if err != nil {
		str := "failed to generate crypto private key"
		return keyringError(ErrCrypto, str, err)
	}
	defer cryptoKeyPriv.Zero()

	// Encrypt the crypto keys with the associated master keys.
	cryptoKeyPubEnc, err := masterKeyPub.Encrypt(cryptoKeyPub.Bytes())
	if err != nil {
		str := "failed to encrypt crypto public key"
		return keyringError(ErrCrypto, str, err)
	}
	cryptoKeyPrivEnc, err := masterKeyPriv.Encrypt(cryptoKeyPriv.Bytes())
	if err != nil {
		str := "failed to encrypt crypto private key"
		return keyringError(ErrCrypto, str, err)
	}

	// Save the master key params to the database.
	pubParams := masterKeyPub.Marshal()
	privParams := masterKeyPriv.Marshal()
	err = putMasterKeyParams(ns, pubParams, privParams)
	if err != nil {
		return maybeConvertDbError(err)
	}

	// Save the encrypted crypto keys to the database.
	err = putCryptoKeys(ns, cryptoKeyPubEnc, cryptoKeyPrivEnc)
	if err != nil {
		return maybeConvertDbError(err)
	}

	return nil
}
