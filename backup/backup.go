// Package backup classifies uploaded backup files as single-account or
// multi-account encrypted key exports and extracts whatever display metadata
// is available before any password has been entered.  It never decrypts
// secret material itself.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/extsuite/extwallet/keymgr"
)

// Classification failures.  A wrong password is not a classification failure;
// it can only be detected later, at decrypt time.
var (
	// ErrMalformedJSON is returned when the uploaded bytes are not UTF-8
	// text or do not parse as JSON.
	ErrMalformedJSON = errors.New("backup file is not valid JSON")

	// ErrUnrecognizedShape is returned when the JSON parses but matches
	// neither the single-account nor the multi-account export shape.
	ErrUnrecognizedShape = errors.New("backup file has an unrecognized shape")
)

// Kind discriminates the two supported backup shapes.
type Kind int

const (
	// SingleAccount is a backup holding one encrypted key record.
	SingleAccount Kind = iota

	// MultiAccount is a backup holding several encrypted key records that
	// share one decryption password.
	MultiAccount
)

// String returns the Kind as a human-readable name.
func (k Kind) String() string {
	switch k {
	case SingleAccount:
		return "single-account"
	case MultiAccount:
		return "multi-account"
	}
	return fmt.Sprintf("Unknown Kind (%d)", int(k))
}

// batchFile is the on-disk shape of a multi-account export.  The presence of
// the accounts array is the marker that distinguishes it from a single
// record.
type batchFile struct {
	Encoding keymgr.RecordEncoding        `json:"encoding"`
	Accounts []*keymgr.EncryptedKeyRecord `json:"accounts"`
}

// Payload is the classified form of an uploaded backup.  Records holds the
// encrypted entries still sealed under their password; Metadata holds the
// secret-free account views that could be extracted for display, in record
// order.  MetadataErr is set when single-account metadata extraction failed;
// the payload may still be restorable once a password is supplied.
type Payload struct {
	Kind        Kind
	Records     []*keymgr.EncryptedKeyRecord
	Metadata    []keymgr.Account
	MetadataErr error
}

// MetadataProvider extracts the display metadata of an encrypted key record
// without decrypting it.  The keyring manager implements this.
type MetadataProvider interface {
	RecordInfo(record *keymgr.EncryptedKeyRecord) (keymgr.Account, error)
}

// looksLikeRecord reports whether a parsed object plausibly is a single
// encrypted key record.  The encoded field is the one thing every export
// carries.
func looksLikeRecord(record *keymgr.EncryptedKeyRecord) bool {
	return record.Encoded != ""
}

// Classify parses raw uploaded bytes into a backup payload.  The multi
// account shape is detected by the presence of its accounts array; anything
// else that carries an encoded field is treated as a single record.  Display
// metadata is extracted eagerly for multi-account files and via the provider
// for single records.
func Classify(raw []byte, meta MetadataProvider) (*Payload, error) {
	if !utf8.Valid(raw) || !json.Valid(raw) {
		return nil, ErrMalformedJSON
	}

	// Decode into a raw map first so the marker field can be checked
	// without committing to either shape.  Valid JSON that is not an
	// object cannot be either shape.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrUnrecognizedShape
	}

	if _, ok := probe["accounts"]; ok {
		return classifyBatch(raw, meta)
	}
	return classifySingle(raw, meta)
}

func classifyBatch(raw []byte, meta MetadataProvider) (*Payload, error) {
	var file batchFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, ErrMalformedJSON
	}
	if len(file.Accounts) == 0 {
		return nil, ErrUnrecognizedShape
	}

	payload := &Payload{
		Kind:     MultiAccount,
		Records:  file.Accounts,
		Metadata: make([]keymgr.Account, 0, len(file.Accounts)),
	}
	for _, record := range file.Accounts {
		if record == nil || !looksLikeRecord(record) {
			return nil, ErrUnrecognizedShape
		}
		// Batch entries share the file-level encoding block when they
		// carry none of their own.
		if record.Encoding == (keymgr.RecordEncoding{}) {
			record.Encoding = file.Encoding
		}
		info, err := meta.RecordInfo(record)
		if err != nil {
			return nil, ErrUnrecognizedShape
		}
		payload.Metadata = append(payload.Metadata, info)
	}
	return payload, nil
}

func classifySingle(raw []byte, meta MetadataProvider) (*Payload, error) {
	var record keymgr.EncryptedKeyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, ErrMalformedJSON
	}
	if !looksLikeRecord(&record) {
		return nil, ErrUnrecognizedShape
	}

	payload := &Payload{
		Kind:    SingleAccount,
		Records: []*keymgr.EncryptedKeyRecord{&record},
	}

	// Single records are not guaranteed to embed display metadata.  A
	// failed extraction is advisory, not fatal; the record may still be
	// restorable once a password is entered.
	info, err := meta.RecordInfo(&record)
	if err != nil {
		payload.MetadataErr = err
		return payload, nil
	}
	payload.Metadata = []keymgr.Account{info}
	return payload, nil
}

// MarshalBatch renders a set of key records as a multi-account backup file.
// All records are expected to be sealed under the same password.
func MarshalBatch(records []*keymgr.EncryptedKeyRecord) ([]byte, error) {
	file := batchFile{
		Encoding: keymgr.RecordEncoding{
			Content: keymgr.EncodingContent,
			Type:    keymgr.EncodingType,
			Version: keymgr.EncodingVersion,
		},
		Accounts: records,
	}
	return json.MarshalIndent(&file, "", "  ")
}
