package keymgr

import (
	"encoding/binary"
	"fmt"

	"github.com/extsuite/extwallet/walletdb"
)

const (
	// LatestMgrVersion is the most recent keyring manager version.
	LatestMgrVersion = 1
)

// Key names for various database fields.
var (
	// Buckets below the keyring namespace.
	mainBucketName     = []byte("main")
	accountsBucketName = []byte("accounts")

	// Keys within the main bucket.
	mgrVersionName    = []byte("mgrver")
	masterPubKeyName  = []byte("mpub")
	masterPrivKeyName = []byte("mpriv")
	cryptoPubKeyName  = []byte("cpub")
	cryptoPrivKeyName = []byte("cpriv")
)

// managerExists returns whether or not the keyring manager has already been
// created in the given database namespace.
func managerExists(ns walletdb.ReadBucket) bool {
	if ns == nil {
		return false
	}
	mainBucket := ns.NestedReadBucket(mainBucketName)
	return mainBucket != nil
}

// createManagerNS creates the initial namespace structure needed for all of
// the keyring data.
func createManagerNS(ns walletdb.ReadWriteBucket) error {
	mainBucket, err := ns.CreateBucket(mainBucketName)
	if err != nil {
		str := "failed to create main bucket"
		return keyringError(ErrDatabase, str, err)
	}
	if _, err := ns.CreateBucket(accountsBucketName); err != nil {
		str := "failed to create accounts bucket"
		return keyringError(ErrDatabase, str, err)
	}

	var verBytes [4]byte
	binary.LittleEndian.PutUint32(verBytes[:], LatestMgrVersion)
	if err := mainBucket.Put(mgrVersionName, verBytes[:]); err != nil {
		str := "failed to store manager version"
		return keyringError(ErrDatabase, str, err)
	}
	return nil
}

// fetchManagerVersion fetches the current keyring manager version from the
// database.
func fetchManagerVersion(ns walletdb.ReadBucket) (uint32, error) {
	mainBucket := ns.NestedReadBucket(mainBucketName)
	verBytes := mainBucket.Get(mgrVersionName)
	if len(verBytes) < 4 {
		str := "required version number not stored in database"
		return 0, keyringError(ErrDatabase, str, nil)
	}
	return binary.LittleEndian.Uint32(verBytes), nil
}

// fetchMasterKeyParams loads the master key parameters needed to derive them
// (when given the correct user-supplied passphrase) from the database.
// Either returned value can be nil, but in practice only the private key
// params will be nil for a keyring that had its private keys stripped.
func fetchMasterKeyParams(ns walletdb.ReadBucket) ([]byte, []byte, error) {
	bucket := ns.NestedReadBucket(mainBucketName)

	// Load the master public key parameters.  Required.
	val := bucket.Get(masterPubKeyName)
	if val == nil {
		str := "required master public key parameters not stored in database"
		return nil, nil, keyringError(ErrDatabase, str, nil)
	}
	pubParams := make([]byte, len(val))
	copy(pubParams, val)

	// Load the master private key parameters if they were stored.
	var privParams []byte
	val = bucket.Get(masterPrivKeyName)
	if val != nil {
		privParams = make([]byte, len(val))
		copy(privParams, val)
	}

	return pubParams, privParams, nil
}

// putMasterKeyParams stores the master key parameters needed to derive them
// to the database.  Either parameter can be nil in which case no value is
// written for the parameter.
func putMasterKeyParams(ns walletdb.ReadWriteBucket, pubParams, privParams []byte) error {
	bucket := ns.NestedReadWriteBucket(mainBucketName)

	if privParams != nil {
		err := bucket.Put(masterPrivKeyName, privParams)
		if err != nil {
			str := "failed to store master private key parameters"
			return keyringError(ErrDatabase, str, err)
		}
	}

	if pubParams != nil {
		err := bucket.Put(masterPubKeyName, pubParams)
		if err != nil {
			str := "failed to store master public key parameters"
			return keyringError(ErrDatabase, str, err)
		}
	}

	return nil
}

// fetchCryptoKeys loads the encrypted crypto keys which are in turn used to
// protect the accounts' public metadata and secret seeds.
func fetchCryptoKeys(ns walletdb.ReadBucket) ([]byte, []byte, error) {
	bucket := ns.NestedReadBucket(mainBucketName)

	// Load the crypto public key.  Required.
	val := bucket.Get(cryptoPubKeyName)
	if val == nil {
		str := "required encrypted crypto public key not stored in database"
		return nil, nil, keyringError(ErrDatabase, str, nil)
	}
	pubKey := make([]byte, len(val))
	copy(pubKey, val)

	// Load the crypto private key if it was stored.
	var privKey []byte
	val = bucket.Get(cryptoPrivKeyName)
	if val != nil {
		privKey = make([]byte, len(val))
		copy(privKey, val)
	}

	return pubKey, privKey, nil
}

// putCryptoKeys stores the encrypted crypto keys which are in turn used to
// protect the account data.  Either parameter can be nil in which case no
// value is written for the parameter.
func putCryptoKeys(ns walletdb.ReadWriteBucket, pubKeyEnc, privKeyEnc []byte) error {
	bucket := ns.NestedReadWriteBucket(mainBucketName)

	if pubKeyEnc != nil {
		err := bucket.Put(cryptoPubKeyName, pubKeyEnc)
		if err != nil {
			str := "failed to store encrypted crypto public key"
			return keyringError(ErrDatabase, str, err)
		}
	}

	if privKeyEnc != nil {
		err := bucket.Put(cryptoPrivKeyName, privKeyEnc)
		if err != nil {
			str := "failed to store encrypted crypto private key"
			return keyringError(ErrDatabase, str, err)
		}
	}

	return nil
}

// accountRow houses the serialized pieces of a single account entry: the
// metadata encrypted with the crypto public key and the seed encrypted with
// the crypto private key.  Hardware and external accounts have no seed and
// store an empty secret.
type accountRow struct {
	metaEnc   []byte
	secretEnc []byte
}

// serializeAccountRow returns the serialization of the passed account row.
//
// The serialized format is:
//   <metalen><metaenc><secretlen><secretenc>
//
//   4 bytes meta len + meta + 4 bytes secret len + secret
func serializeAccountRow(row *accountRow) []byte {
	metaLen := uint32(len(row.metaEnc))
	secretLen := uint32(len(row.secretEnc))

	buf := make([]byte, 8+metaLen+secretLen)
	binary.LittleEndian.PutUint32(buf[0:4], metaLen)
	copy(buf[4:4+metaLen], row.metaEnc)
	offset := 4 + metaLen
	binary.LittleEndian.PutUint32(buf[offset:offset+4], secretLen)
	copy(buf[offset+4:], row.secretEnc)
	return buf
}

// deserializeAccountRow deserializes the passed serialized account row.
func deserializeAccountRow(addrKey string, serialized []byte) (*accountRow, error) {
	if len(serialized) < 8 {
		str := fmt.Sprintf("malformed serialized account for key %s", addrKey)
		return nil, keyringError(ErrDatabase, str, nil)
	}

	metaLen := binary.LittleEndian.Uint32(serialized[0:4])
	if uint32(len(serialized)) < 8+metaLen {
		str := fmt.Sprintf("malformed serialized account for key %s", addrKey)
		return nil, keyringError(ErrDatabase, str, nil)
	}
	offset := 4 + metaLen
	secretLen := binary.LittleEndian.Uint32(serialized[offset : offset+4])
	if uint32(len(serialized)) != 8+metaLen+secretLen {
		str := fmt.Sprintf("malformed serialized account for key %s", addrKey)
		return nil, keyringError(ErrDatabase, str, nil)
	}

	row := accountRow{
		metaEnc:   make([]byte, metaLen),
		secretEnc: make([]byte, secretLen),
	}
	copy(row.metaEnc, serialized[4:4+metaLen])
	copy(row.secretEnc, serialized[offset+4:])
	return &row, nil
}

// fetchAccountRow loads the account row for the given address.  ErrAddressNotFound
// is returned when the address does not exist.
func fetchAccountRow(ns walletdb.ReadBucket, addr Address) (*accountRow, error) {
	bucket := ns.NestedReadBucket(accountsBucketName)
	serialized := bucket.Get([]byte(addr))
	if serialized == nil {
		str := fmt.Sprintf("account %s not found", addr)
		return nil, keyringError(ErrAddressNotFound, str, nil)
	}
	return deserializeAccountRow(string(addr), serialized)
}

// putAccountRow stores the account row keyed by address.
func putAccountRow(ns walletdb.ReadWriteBucket, addr Address, row *accountRow) error {
	bucket := ns.NestedReadWriteBucket(accountsBucketName)
	err := bucket.Put([]byte(addr), serializeAccountRow(row))
	if err != nil {
		str := fmt.Sprintf("failed to store account %s", addr)
		return keyringError(ErrDatabase, str, err)
	}
	return nil
}

// deleteAccountRow removes the account row keyed by address.  Deleting a
// missing address is not an error.
func deleteAccountRow(ns walletdb.ReadWriteBucket, addr Address) error {
	bucket := ns.NestedReadWriteBucket(accountsBucketName)
	if err := bucket.Delete([]byte(addr)); err != nil {
		str := fmt.Sprintf("failed to delete account %s", addr)
		return keyringError(ErrDatabase, str, err)
	}
	return nil
}

// forEachAccountRow invokes fn for every stored account row.
func forEachAccountRow(ns walletdb.ReadBucket, fn func(addr Address, row *accountRow) error) error {
	bucket := ns.NestedReadBucket(accountsBucketName)
	return bucket.ForEach(func(k, v []byte) error {
		// Skip any nested buckets.
		if v == nil {
			return nil
		}
		row, err := deserializeAccountRow(string(k), v)
		if err != nil {
			return err
		}
		return fn(Address(k), row)
	})
}
