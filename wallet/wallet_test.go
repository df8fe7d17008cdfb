package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/reqmgr"
	"github.com/extsuite/extwallet/walletdb"
	_ "github.com/extsuite/extwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

var (
	testPubPass  = []byte("public")
	testPrivPass = []byte("private")

	// testSeed is a fixed 32-byte hex seed used to create test accounts.
	testSeed = "0000000000000000000000000000000000000000000000000000000000000001"

	testOrigin = "https://dapp.example"
)

// emptyWallet creates, opens and starts a wallet backed by a temporary
// database, with no accounts and the keyring left unlocked.
func emptyWallet(t *testing.T) *Wallet {
	t.Helper()

	dirName, err := os.MkdirTemp("", "wallettest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dirName) })

	db, err := walletdb.Create("bdb",
		filepath.Join(dirName, "wallet.db"), true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = Create(db, testPubPass, testPrivPass, &keymgr.FastScryptOptions)
	require.NoError(t, err)

	w, err := Open(db, testPubPass, nil)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() {
		w.Stop()
		w.WaitForShutdown()
		w.Manager.Close()
	})

	require.NoError(t, w.Unlock(testPrivPass, 0))
	return w
}

// testWallet creates, opens and starts a wallet backed by a temporary
// database, with one imported account and the keyring left unlocked.
func testWallet(t *testing.T) (*Wallet, keymgr.Address) {
	t.Helper()

	w := emptyWallet(t)
	addr, err := w.ImportFromSuri("primary", testSeed, "", "",
		keymgr.SchemeEd25519)
	require.NoError(t, err)
	return w, addr
}

// pendingID returns the id of the single pending request.
func pendingID(t *testing.T, w *Wallet) string {
	t.Helper()
	pending := w.ListPending()
	require.Len(t, pending, 1)
	return pending[0].ID
}

// waitResponse reads a resolution with a timeout so a broken broker fails the
// test instead of hanging it.
func waitResponse(t *testing.T, respChan <-chan Response) Response {
	t.Helper()
	select {
	case resp := <-respChan:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request resolution")
		return Response{}
	}
}

func TestRequestValidation(t *testing.T) {
	w, addr := testWallet(t)

	// Origins must be absolute http(s) URLs.
	for _, origin := range []string{"", "dapp.example", "ftp://x.example", "https://"} {
		_, err := w.RequestAuthorize(origin, 1, "", nil)
		require.True(t, IsRejection(err, RejectValidation),
			"origin %q: got %v", origin, err)
	}

	// Authorize account narrowing must reference known accounts.
	_, err := w.RequestAuthorize(testOrigin, 1, "", []keymgr.Address{"beef"})
	require.True(t, IsRejection(err, RejectValidation))

	// Sign requests need a payload and a known account.
	_, err = w.RequestSign(testOrigin, 1, addr, nil, false)
	require.True(t, IsRejection(err, RejectValidation))
	_, err = w.RequestSign(testOrigin, 1, "beef", []byte("x"), false)
	require.True(t, IsRejection(err, RejectValidation))

	// Metadata requests need a chain and genesis hash.
	_, err = w.RequestAddMetadata(testOrigin, 1, &reqmgr.MetadataDef{Chain: "c"})
	require.True(t, IsRejection(err, RejectValidation))

	// Nothing malformed was ever queued.
	require.Zero(t, w.PendingCount())
}

func TestAuthorizeApprove(t *testing.T) {
	w, addr := testWallet(t)

	respChan, err := w.RequestAuthorize(testOrigin, 1, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.PendingCount())

	id := pendingID(t, w)
	require.NoError(t, w.Decide(id, Decision{Approve: true,
		Accounts: []keymgr.Address{addr}}))

	resp := waitResponse(t, respChan)
	require.NoError(t, resp.Err)
	require.Equal(t, []keymgr.Address{addr}, resp.Accounts)
	require.Zero(t, w.PendingCount())

	// The origin's authorization record was persisted.
	record, ok := w.OriginAuthorization(testOrigin)
	require.True(t, ok)
	require.Equal(t, []keymgr.Address{addr}, record.Accounts)
	require.False(t, record.IsAllowed)

	// A second decision for the same id is a harmless no-op.
	require.NoError(t, w.Decide(id, Decision{Approve: false}))
}

func TestAuthorizeReject(t *testing.T) {
	w, _ := testWallet(t)

	respChan, err := w.RequestAuthorize(testOrigin, 1, "", nil)
	require.NoError(t, err)

	id := pendingID(t, w)
	require.NoError(t, w.Decide(id, Decision{Approve: false, Reason: "nope"}))

	resp := waitResponse(t, respChan)
	require.True(t, IsRejection(resp.Err, RejectAuthorizationDenied))
	require.EqualError(t, resp.Err, "nope")
	require.Zero(t, w.PendingCount())

	// A rejection leaves no authorization record behind.
	_, ok := w.OriginAuthorization(testOrigin)
	require.False(t, ok)
}

func TestAuthorizeBlanketFastPath(t *testing.T) {
	w, addr := testWallet(t)

	// First authorize is approved with a blanket grant.
	respChan, err := w.RequestAuthorize(testOrigin, 1, "", nil)
	require.NoError(t, err)
	require.NoError(t, w.Decide(pendingID(t, w), Decision{Approve: true,
		Blanket: true}))
	resp := waitResponse(t, respChan)
	require.NoError(t, resp.Err)
	require.Equal(t, []keymgr.Address{addr}, resp.Accounts)

	// A later authorize from the same origin resolves without an operator
	// decision and without ever being queued.
	respChan, err = w.RequestAuthorize(testOrigin, 2, "", nil)
	require.NoError(t, err)
	resp = waitResponse(t, respChan)
	require.NoError(t, resp.Err)
	require.Equal(t, []keymgr.Address{addr}, resp.Accounts)
	require.Zero(t, w.PendingCount())

	// Narrowing to specific accounts disables the fast path.
	_, err = w.RequestAuthorize(testOrigin, 2, "", []keymgr.Address{addr})
	require.NoError(t, err)
	require.Equal(t, 1, w.PendingCount())
}

func TestSignApprove(t *testing.T) {
	w, addr := testWallet(t)

	payload := []byte("sign me")
	respChan, err := w.RequestSign(testOrigin, 1, addr, payload, false)
	require.NoError(t, err)

	require.NoError(t, w.Decide(pendingID(t, w), Decision{Approve: true}))
	resp := waitResponse(t, respChan)
	require.NoError(t, resp.Err)

	pubKey, err := hex.DecodeString(string(addr))
	require.NoError(t, err)
	require.True(t, ed25519.Verify(ed25519.PublicKey(pubKey), payload,
		resp.Signature))
	require.Zero(t, w.PendingCount())
}

func TestSignWhileLocked(t *testing.T) {
	w, addr := testWallet(t)

	respChan, err := w.RequestSign(testOrigin, 1, addr, []byte("x"), false)
	require.NoError(t, err)
	id := pendingID(t, w)

	// Approving while the keyring is locked fails and leaves the request
	// pending; the origin sees nothing yet.
	require.NoError(t, w.Lock())
	err = w.Decide(id, Decision{Approve: true})
	require.True(t, keymgr.IsError(err, keymgr.ErrLocked))
	require.Equal(t, 1, w.PendingCount())

	// After unlocking, the same decision applies.
	require.NoError(t, w.Unlock(testPrivPass, 0))
	require.NoError(t, w.Decide(id, Decision{Approve: true}))
	resp := waitResponse(t, respChan)
	require.NoError(t, resp.Err)
	require.NotEmpty(t, resp.Signature)
}

func TestSignReject(t *testing.T) {
	w, addr := testWallet(t)

	respChan, err := w.RequestSign(testOrigin, 1, addr, []byte("x"), false)
	require.NoError(t, err)

	require.NoError(t, w.Decide(pendingID(t, w), Decision{Approve: false}))
	resp := waitResponse(t, respChan)
	require.True(t, IsRejection(resp.Err, RejectAuthorizationDenied))
	require.Empty(t, resp.Signature)
}

func TestTabClosed(t *testing.T) {
	w, addr := testWallet(t)

	// Two requests from tab 1, one from tab 2.
	resp1, err := w.RequestAuthorize(testOrigin, 1, "", nil)
	require.NoError(t, err)
	resp2, err := w.RequestSign(testOrigin, 1, addr, []byte("x"), false)
	require.NoError(t, err)
	resp3, err := w.RequestAuthorize("https://other.example", 2, "", nil)
	require.NoError(t, err)
	require.Equal(t, 3, w.PendingCount())

	w.TabClosed(1)

	for _, respChan := range []<-chan Response{resp1, resp2} {
		resp := waitResponse(t, respChan)
		require.True(t, IsRejection(resp.Err, RejectOriginGone))
	}

	// The other tab's request is untouched and still decidable.
	require.Equal(t, 1, w.PendingCount())
	require.NoError(t, w.Decide(pendingID(t, w), Decision{Approve: true,
		Blanket: true}))
	resp := waitResponse(t, resp3)
	require.NoError(t, resp.Err)
}

func TestMetadataLifecycle(t *testing.T) {
	w, _ := testWallet(t)

	def := &reqmgr.MetadataDef{
		Chain:         "Example Chain",
		GenesisHash:   "0xabc123",
		SpecVersion:   10,
		TokenSymbol:   "EXM",
		TokenDecimals: 12,
	}
	respChan, err := w.RequestAddMetadata(testOrigin, 1, def)
	require.NoError(t, err)
	require.NoError(t, w.Decide(pendingID(t, w), Decision{Approve: true}))
	resp := waitResponse(t, respChan)
	require.NoError(t, resp.Err)
	require.True(t, resp.Accepted)

	chains := w.KnownChains()
	require.Len(t, chains, 1)
	require.Equal(t, uint32(10), chains[0].SpecVersion)

	// A definition that does not advance the spec version is refused at
	// admission.
	stale := *def
	stale.SpecVersion = 10
	_, err = w.RequestAddMetadata(testOrigin, 1, &stale)
	require.True(t, IsRejection(err, RejectValidation))

	// A newer definition replaces the registered one.
	newer := *def
	newer.SpecVersion = 11
	respChan, err = w.RequestAddMetadata(testOrigin, 1, &newer)
	require.NoError(t, err)
	require.NoError(t, w.Decide(pendingID(t, w), Decision{Approve: true}))
	resp = waitResponse(t, respChan)
	require.True(t, resp.Accepted)

	got, ok := w.ChainMetadata("0xabc123")
	require.True(t, ok)
	require.Equal(t, uint32(11), got.SpecVersion)
}

func TestRevokeOrigin(t *testing.T) {
	w, addr := testWallet(t)

	require.NoError(t, w.UpdateAuthorization(testOrigin,
		[]keymgr.Address{addr}, true))
	record, ok := w.OriginAuthorization(testOrigin)
	require.True(t, ok)
	require.True(t, record.IsAllowed)

	require.NoError(t, w.RevokeOrigin(testOrigin))
	_, ok = w.OriginAuthorization(testOrigin)
	require.False(t, ok)

	// A revoked origin no longer hits the blanket fast path.
	_, err := w.RequestAuthorize(testOrigin, 1, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.PendingCount())
}

func TestPendingSurvivesReopen(t *testing.T) {
	dirName, err := os.MkdirTemp("", "wallettest")
	require.NoError(t, err)
	defer os.RemoveAll(dirName)

	db, err := walletdb.Create("bdb",
		filepath.Join(dirName, "wallet.db"), true, 10*time.Second)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Create(db, testPubPass, testPrivPass,
		&keymgr.FastScryptOptions))

	w, err := Open(db, testPubPass, nil)
	require.NoError(t, err)
	w.Start()

	require.NoError(t, w.Unlock(testPrivPass, 0))
	addr, err := w.ImportFromSuri("primary", testSeed, "", "",
		keymgr.SchemeEd25519)
	require.NoError(t, err)

	_, err = w.RequestSign(testOrigin, 1, addr, []byte("x"), false)
	require.NoError(t, err)
	id := pendingID(t, w)

	// Stop the broker without resolving the request, as a process restart
	// would.
	w.Stop()
	w.WaitForShutdown()
	w.Manager.Close()

	// Reopen: the request is still pending and still decidable.
	w2, err := Open(db, testPubPass, nil)
	require.NoError(t, err)
	w2.Start()
	defer func() {
		w2.Stop()
		w2.WaitForShutdown()
		w2.Manager.Close()
	}()

	require.Equal(t, 1, w2.PendingCount())
	require.Equal(t, id, pendingID(t, w2))

	require.NoError(t, w2.Unlock(testPrivPass, 0))
	require.NoError(t, w2.Decide(id, Decision{Approve: true}))
	require.Zero(t, w2.PendingCount())
}

func TestBatchBackupRestore(t *testing.T) {
	oldOpts := keymgr.SetExportScryptOptions(&keymgr.FastScryptOptions)
	defer keymgr.SetExportScryptOptions(oldOpts)

	w, root := testWallet(t)
	childOne, err := w.DeriveAccount(root, "", "one")
	require.NoError(t, err)
	childTwo, err := w.DeriveAccount(root, "", "two")
	require.NoError(t, err)

	exportPassword := []byte("backup password")
	raw, err := w.ExportBatch([]keymgr.Address{root, childOne, childTwo},
		testPrivPass, exportPassword)
	require.NoError(t, err)

	// The wrong password must import nothing at all.
	restored := emptyWallet(t)
	_, err = restored.RestoreBackup(raw, []byte("not the password"))
	require.True(t, keymgr.IsError(err, keymgr.ErrWrongPassphrase),
		"wrong password: got %v", err)
	require.Empty(t, restored.Accounts())

	// The correct password imports exactly the exported accounts.
	addrs, err := restored.RestoreBackup(raw, exportPassword)
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	require.ElementsMatch(t,
		[]keymgr.Address{root, childOne, childTwo}, addrs)
	require.Len(t, restored.Accounts(), 3)

	// Restoring the same file again is refused outright rather than
	// partially applied.
	_, err = restored.RestoreBackup(raw, exportPassword)
	require.True(t, keymgr.IsError(err, keymgr.ErrDuplicateAddress))
	require.Len(t, restored.Accounts(), 3)
}

func TestAuthRecordRollback(t *testing.T) {
	w, _ := testWallet(t)

	// Write an authorization record inside a transaction that is aborted
	// afterwards, as a failed companion write would do.
	errAbort := errors.New("abort")
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(brokerNamespaceKey)
		record := &AuthorizationRecord{
			Origin:    testOrigin,
			IsAllowed: true,
			LastUsed:  time.Now(),
		}
		if err := w.auths.put(ns, record); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	// The rolled back record must not be visible, and must not feed the
	// blanket fast path: a fresh authorize request is queued for the
	// operator instead of auto-approved.
	_, ok := w.OriginAuthorization(testOrigin)
	require.False(t, ok)
	_, err = w.RequestAuthorize(testOrigin, 1, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.PendingCount())
}
