package backup

import (
	"encoding/json"
	"testing"

	"github.com/extsuite/extwallet/keymgr"
	"github.com/stretchr/testify/require"
)

// fakeProvider extracts metadata the same way the keyring manager does, but
// without needing an open keyring.
type fakeProvider struct{}

func (fakeProvider) RecordInfo(record *keymgr.EncryptedKeyRecord) (keymgr.Account, error) {
	if record.Address == "" {
		return keymgr.Account{}, keymgr.KeyringError{
			ErrorCode:   keymgr.ErrMetadataUnavailable,
			Description: "key record carries no address",
		}
	}
	return keymgr.Account{
		Address: record.Address,
		Name:    record.Meta.Name,
	}, nil
}

// testRecord builds a plausible encrypted key record for classification
// tests.  The encoded blob is opaque to the classifier, so a placeholder is
// fine.
func testRecord(addr, name string) *keymgr.EncryptedKeyRecord {
	return &keymgr.EncryptedKeyRecord{
		Address: keymgr.Address(addr),
		Encoded: "b3BhcXVlIGNpcGhlcnRleHQ=",
		Encoding: keymgr.RecordEncoding{
			Content: keymgr.EncodingContent,
			Type:    keymgr.EncodingType,
			Version: keymgr.EncodingVersion,
		},
		Meta: keymgr.RecordMeta{Name: name},
	}
}

func TestClassifySingle(t *testing.T) {
	raw, err := keymgr.MarshalRecord(testRecord("aa01", "main"))
	require.NoError(t, err)

	payload, err := Classify(raw, fakeProvider{})
	require.NoError(t, err)
	require.Equal(t, SingleAccount, payload.Kind)
	require.Len(t, payload.Records, 1)
	require.Len(t, payload.Metadata, 1)
	require.NoError(t, payload.MetadataErr)
	require.Equal(t, keymgr.Address("aa01"), payload.Metadata[0].Address)
	require.Equal(t, "main", payload.Metadata[0].Name)
}

func TestClassifySingleWithoutMetadata(t *testing.T) {
	// A record with no address still classifies; the metadata failure is
	// advisory.
	record := testRecord("", "")
	raw, err := keymgr.MarshalRecord(record)
	require.NoError(t, err)

	payload, err := Classify(raw, fakeProvider{})
	require.NoError(t, err)
	require.Equal(t, SingleAccount, payload.Kind)
	require.Len(t, payload.Records, 1)
	require.Empty(t, payload.Metadata)
	require.Error(t, payload.MetadataErr)
	require.True(t, keymgr.IsError(payload.MetadataErr, keymgr.ErrMetadataUnavailable))
}

func TestClassifyBatch(t *testing.T) {
	records := []*keymgr.EncryptedKeyRecord{
		testRecord("aa01", "first"),
		testRecord("bb02", "second"),
		testRecord("cc03", "third"),
	}
	raw, err := MarshalBatch(records)
	require.NoError(t, err)

	payload, err := Classify(raw, fakeProvider{})
	require.NoError(t, err)
	require.Equal(t, MultiAccount, payload.Kind)
	require.Len(t, payload.Records, 3)
	require.Len(t, payload.Metadata, 3)

	// Metadata is reported in record order.
	require.Equal(t, "first", payload.Metadata[0].Name)
	require.Equal(t, "second", payload.Metadata[1].Name)
	require.Equal(t, "third", payload.Metadata[2].Name)
}

func TestClassifyBatchInheritsEncoding(t *testing.T) {
	// Batch entries without their own encoding block share the file-level
	// one.
	file := map[string]interface{}{
		"encoding": map[string]string{
			"content": keymgr.EncodingContent,
			"type":    keymgr.EncodingType,
			"version": keymgr.EncodingVersion,
		},
		"accounts": []map[string]interface{}{
			{
				"address": "aa01",
				"encoded": "b3BhcXVlIGNpcGhlcnRleHQ=",
				"meta":    map[string]string{"name": "bare"},
			},
		},
	}
	raw, err := json.Marshal(file)
	require.NoError(t, err)

	payload, err := Classify(raw, fakeProvider{})
	require.NoError(t, err)
	require.Equal(t, MultiAccount, payload.Kind)
	require.Len(t, payload.Records, 1)
	require.Equal(t, keymgr.EncodingType, payload.Records[0].Encoding.Type)
}

func TestClassifyMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "binary garbage",
			raw:  []byte{0xff, 0xfe, 0x00, 0x80},
			want: ErrMalformedJSON,
		},
		{
			name: "truncated json",
			raw:  []byte(`{"address": "aa01", "encoded`),
			want: ErrMalformedJSON,
		},
		{
			name: "json array",
			raw:  []byte(`[1, 2, 3]`),
			want: ErrUnrecognizedShape,
		},
		{
			name: "json scalar",
			raw:  []byte(`"just a string"`),
			want: ErrUnrecognizedShape,
		},
		{
			name: "object without encoded field",
			raw:  []byte(`{"address": "aa01"}`),
			want: ErrUnrecognizedShape,
		},
		{
			name: "empty accounts array",
			raw:  []byte(`{"encoding": {}, "accounts": []}`),
			want: ErrUnrecognizedShape,
		},
		{
			name: "accounts entry without encoded field",
			raw:  []byte(`{"accounts": [{"address": "aa01"}]}`),
			want: ErrUnrecognizedShape,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Classify(test.raw, fakeProvider{})
			require.ErrorIs(t, err, test.want)
		})
	}
}

func TestMarshalBatchRoundTrip(t *testing.T) {
	records := []*keymgr.EncryptedKeyRecord{
		testRecord("aa01", "one"),
		testRecord("bb02", "two"),
	}
	raw, err := MarshalBatch(records)
	require.NoError(t, err)

	payload, err := Classify(raw, fakeProvider{})
	require.NoError(t, err)
	require.Equal(t, MultiAccount, payload.Kind)
	require.Equal(t, records[0].Address, payload.Records[0].Address)
	require.Equal(t, records[1].Address, payload.Records[1].Address)
}
