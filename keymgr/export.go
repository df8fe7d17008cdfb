package keymgr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/extsuite/extwallet/internal/zero"
	"github.com/extsuite/extwallet/snacl"
	"github.com/extsuite/extwallet/walletdb"
)

// Encoding constants stamped into exported key records.  Version is bumped
// whenever the ciphertext layout changes.
const (
	EncodingContent = "extwallet-seed"
	EncodingType    = "scrypt-secretbox"
	EncodingVersion = "1"
)

// RecordEncoding describes how the encoded field of an EncryptedKeyRecord was
// produced.
type RecordEncoding struct {
	Content string `json:"content"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// RecordMeta carries the display metadata of an exported account.  It travels
// in clear text so a restore UI can show the account before asking for the
// password.
type RecordMeta struct {
	Name             string    `json:"name,omitempty"`
	GenesisHash      string    `json:"genesisHash,omitempty"`
	ParentAddress    Address   `json:"parentAddress,omitempty"`
	DerivationSuffix string    `json:"derivationSuffix,omitempty"`
	WhenCreated      time.Time `json:"whenCreated,omitempty"`
}

// EncryptedKeyRecord is the portable encrypted form of a single account.  The
// encoded field is the base64 of the marshalled scrypt parameters followed by
// the secretbox ciphertext of the seed.
type EncryptedKeyRecord struct {
	Address  Address        `json:"address"`
	Encoded  string         `json:"encoded"`
	Encoding RecordEncoding `json:"encoding"`
	Meta     RecordMeta     `json:"meta"`
}

// exportScryptOptions are the scrypt parameters used when sealing exported
// records.  Exports are interactive so the default hardness applies; tests
// swap this for FastScryptOptions.
var exportScryptOptions = &DefaultScryptOptions

// SetExportScryptOptions replaces the scrypt parameters used when sealing
// exported records and returns the previous parameters.  This exists so
// tests outside the package can substitute fast parameters.
func SetExportScryptOptions(opts *ScryptOptions) *ScryptOptions {
	old := exportScryptOptions
	exportScryptOptions = opts
	return old
}

// sealSeed encrypts a seed under a fresh secret key derived from the given
// password and returns the encoded field value.
func sealSeed(seed, password []byte) (string, error) {
	secretKey, err := newSecretKey(&password, exportScryptOptions)
	if err != nil {
		return "", keyringError(ErrCrypto, "failed to derive export key", err)
	}
	defer secretKey.Zero()

	ciphertext, err := secretKey.Encrypt(seed)
	if err != nil {
		return "", keyringError(ErrCrypto, "failed to encrypt seed", err)
	}

	params := secretKey.Marshal()
	blob := make([]byte, 0, len(params)+len(ciphertext))
	blob = append(blob, params...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// unsealSeed decrypts the encoded field of a record with the given password.
// A wrong password is reported as ErrWrongPassphrase.
func unsealSeed(encoded string, password []byte) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, keyringError(ErrCrypto,
			"malformed encoded field in key record", err)
	}
	if len(blob) <= snacl.ParamsSize {
		return nil, keyringError(ErrCrypto,
			"encoded field in key record is truncated", nil)
	}

	var secretKey snacl.SecretKey
	if err := secretKey.Unmarshal(blob[:snacl.ParamsSize]); err != nil {
		return nil, keyringError(ErrCrypto,
			"malformed key parameters in key record", err)
	}
	defer secretKey.Zero()

	if err := secretKey.DeriveKey(&password); err != nil {
		if err == snacl.ErrInvalidPassword {
			return nil, keyringError(ErrWrongPassphrase,
				"invalid password for key record", nil)
		}
		return nil, keyringError(ErrCrypto, "failed to derive export key", err)
	}

	seed, err := secretKey.Decrypt(blob[snacl.ParamsSize:])
	if err != nil {
		return nil, keyringError(ErrCrypto, "failed to decrypt seed", err)
	}
	if len(seed) != seedSize {
		zero.Bytes(seed)
		return nil, keyringError(ErrCrypto,
			"decrypted seed has unexpected length", nil)
	}
	return seed, nil
}

// recordMeta builds the clear text metadata block for an account.
func recordMeta(account *Account) RecordMeta {
	return RecordMeta{
		Name:             account.Name,
		GenesisHash:      account.GenesisHash,
		ParentAddress:    account.ParentAddress,
		DerivationSuffix: account.DerivationSuffix,
		WhenCreated:      account.WhenCreated,
	}
}

// ExportAccount produces the encrypted key record for a single account.  The
// wallet private passphrase must be supplied and the keyring unlocked; the
// record itself is sealed under the separate export password.  Hardware
// accounts have no seed to export.
func (m *Manager) ExportAccount(ns walletdb.ReadBucket, addr Address,
	walletPassphrase, exportPassword []byte) (*EncryptedKeyRecord, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.checkPassphrase(walletPassphrase); err != nil {
		return nil, err
	}

	account, ok := m.addrs[addr]
	if !ok {
		str := fmt.Sprintf("account %s not found", addr)
		return nil, keyringError(ErrAddressNotFound, str, nil)
	}
	if account.Flags.IsHardware || account.Flags.IsExternal {
		str := "account has no local seed to export"
		return nil, keyringError(ErrAddressNotFound, str, nil)
	}

	row, err := fetchAccountRow(ns, addr)
	if err != nil {
		return nil, err
	}
	seed, err := m.decrypt(CKTPrivate, row.secretEnc)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(seed)

	encoded, err := sealSeed(seed, exportPassword)
	if err != nil {
		return nil, err
	}

	return &EncryptedKeyRecord{
		Address: addr,
		Encoded: encoded,
		Encoding: RecordEncoding{
			Content: EncodingContent,
			Type:    EncodingType,
			Version: EncodingVersion,
		},
		Meta: recordMeta(account),
	}, nil
}

// RecordInfo extracts the display metadata from an encrypted key record
// without decrypting it.  ErrMetadataUnavailable is returned when the record
// carries no metadata block; the record may still be restorable.
func (m *Manager) RecordInfo(record *EncryptedKeyRecord) (Account, error) {
	if record.Address == "" {
		return Account{}, keyringError(ErrMetadataUnavailable,
			"key record carries no address", nil)
	}
	return Account{
		Address:          record.Address,
		Name:             record.Meta.Name,
		ParentAddress:    record.Meta.ParentAddress,
		DerivationSuffix: record.Meta.DerivationSuffix,
		Scheme:           SchemeEd25519,
		GenesisHash:      record.Meta.GenesisHash,
		WhenCreated:      record.Meta.WhenCreated,
	}, nil
}

// checkRecordEncoding rejects records sealed by a different scheme or a
// future version.
func checkRecordEncoding(record *EncryptedKeyRecord) error {
	enc := record.Encoding
	if enc.Content != EncodingContent || enc.Type != EncodingType {
		str := fmt.Sprintf("unsupported key record encoding %s/%s",
			enc.Content, enc.Type)
		return keyringError(ErrUnsupportedScheme, str, nil)
	}
	if enc.Version != EncodingVersion {
		str := fmt.Sprintf("unsupported key record version %s", enc.Version)
		return keyringError(ErrUnsupportedScheme, str, nil)
	}
	return nil
}

// decryptRecord verifies and unseals a single record, returning the seed and
// the account it describes.  The caller owns the seed and must zero it.
func decryptRecord(record *EncryptedKeyRecord, password []byte) ([]byte, *Account, error) {
	if err := checkRecordEncoding(record); err != nil {
		return nil, nil, err
	}

	seed, err := unsealSeed(record.Encoded, password)
	if err != nil {
		return nil, nil, err
	}

	// The address recomputed from the seed must match the stamped one, or
	// the record has been tampered with.
	addr, err := addressForSeed(seed, SchemeEd25519)
	if err != nil {
		zero.Bytes(seed)
		return nil, nil, err
	}
	if record.Address != "" && record.Address != addr {
		zero.Bytes(seed)
		return nil, nil, keyringError(ErrCrypto,
			"key record address does not match its seed", nil)
	}

	account := &Account{
		Address:          addr,
		Name:             record.Meta.Name,
		ParentAddress:    record.Meta.ParentAddress,
		DerivationSuffix: record.Meta.DerivationSuffix,
		Scheme:           SchemeEd25519,
		GenesisHash:      record.Meta.GenesisHash,
		WhenCreated:      record.Meta.WhenCreated,
	}
	if account.WhenCreated.IsZero() {
		account.WhenCreated = time.Now()
	}
	return seed, account, nil
}

// ImportEncrypted restores a single exported account into the keyring.  The
// keyring must be unlocked.
func (m *Manager) ImportEncrypted(ns walletdb.ReadWriteBucket,
	record *EncryptedKeyRecord, password []byte) (Address, error) {

	seed, account, err := decryptRecord(record, password)
	if err != nil {
		return "", err
	}
	defer zero.Bytes(seed)

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.putNewAccount(ns, account, seed); err != nil {
		return "", err
	}
	return account.Address, nil
}

// ImportBatch restores a set of exported accounts sharing one password.  The
// operation is all or nothing: every record is decrypted and checked for
// duplicates before anything is stored, so a wrong password or a single bad
// record leaves the keyring untouched.
func (m *Manager) ImportBatch(ns walletdb.ReadWriteBucket,
	records []*EncryptedKeyRecord, password []byte) ([]Address, error) {

	if len(records) == 0 {
		return nil, keyringError(ErrInvalidSeed,
			"backup contains no accounts", nil)
	}

	type pending struct {
		seed    []byte
		account *Account
	}
	decrypted := make([]pending, 0, len(records))
	zeroAll := func() {
		for _, p := range decrypted {
			zero.Bytes(p.seed)
		}
	}

	for _, record := range records {
		seed, account, err := decryptRecord(record, password)
		if err != nil {
			zeroAll()
			return nil, err
		}
		decrypted = append(decrypted, pending{seed: seed, account: account})
	}
	defer zeroAll()

	m.mtx.Lock()
	defer m.mtx.Unlock()

	seen := make(map[Address]struct{}, len(decrypted))
	for _, p := range decrypted {
		if _, ok := m.addrs[p.account.Address]; ok {
			str := fmt.Sprintf("account %s already exists",
				p.account.Address)
			return nil, keyringError(ErrDuplicateAddress, str, nil)
		}
		if _, ok := seen[p.account.Address]; ok {
			str := fmt.Sprintf("backup lists account %s twice",
				p.account.Address)
			return nil, keyringError(ErrDuplicateAddress, str, nil)
		}
		seen[p.account.Address] = struct{}{}
	}

	addrs := make([]Address, 0, len(decrypted))
	for _, p := range decrypted {
		if err := m.putNewAccount(ns, p.account, p.seed); err != nil {
			return nil, err
		}
		addrs = append(addrs, p.account.Address)
	}
	return addrs, nil
}

// MarshalRecord renders a key record as the JSON document handed to the
// user.
func MarshalRecord(record *EncryptedKeyRecord) ([]byte, error) {
	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, keyringError(ErrCrypto,
			"failed to serialize key record", err)
	}
	return out, nil
}
