package reqmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/extsuite/extwallet/walletdb"
	_ "github.com/extsuite/extwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

var reqmgrNamespace = []byte("reqmgr")

// setupStore creates a database and an empty request store in a temporary
// directory.
func setupStore(t *testing.T) (walletdb.DB, *Store) {
	t.Helper()

	dirName, err := os.MkdirTemp("", "reqmgrtest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dirName) })

	db, err := walletdb.Create("bdb",
		filepath.Join(dirName, "reqtest.db"), true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var store *Store
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(reqmgrNamespace)
		if err != nil {
			return err
		}
		if err := CreateBuckets(ns); err != nil {
			return err
		}
		store, err = Open(ns)
		return err
	})
	require.NoError(t, err)
	return db, store
}

// insert stores a sign request for the given origin and tab and returns its
// assigned id.
func insert(t *testing.T, db walletdb.DB, store *Store, origin string, tabID int64) string {
	t.Helper()

	var id string
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		var err error
		id, err = store.Insert(tx.ReadWriteBucket(reqmgrNamespace), &Request{
			Kind:   KindSign,
			Origin: origin,
			TabID:  tabID,
			Sign:   &SignDetail{Address: "aa01", Payload: []byte("payload")},
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func remove(t *testing.T, db walletdb.DB, store *Store, id string) {
	t.Helper()
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return store.Remove(tx.ReadWriteBucket(reqmgrNamespace), id)
	})
	require.NoError(t, err)
}

func TestStoreInsert(t *testing.T) {
	db, store := setupStore(t)

	ids := make(map[string]struct{})
	for i := 0; i < 10; i++ {
		id := insert(t, db, store, "https://app.example", 1)
		_, dup := ids[id]
		require.False(t, dup, "insert returned duplicate id %s", id)
		ids[id] = struct{}{}
	}
	require.Equal(t, 10, store.Count())

	// Every id resolves, each to a pending request.
	for id := range ids {
		req, ok := store.Get(id)
		require.True(t, ok)
		require.Equal(t, StatePending, req.State)
		require.Equal(t, KindSign, req.Kind)
	}

	// Mutating a returned copy must not affect the store.
	var anyID string
	for id := range ids {
		anyID = id
		break
	}
	req, _ := store.Get(anyID)
	req.Origin = "https://evil.example"
	again, _ := store.Get(anyID)
	require.Equal(t, "https://app.example", again.Origin)
}

func TestStoreInsertRejectsMalformedShape(t *testing.T) {
	db, store := setupStore(t)

	// A sign request without its detail block must be refused.
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := store.Insert(tx.ReadWriteBucket(reqmgrNamespace), &Request{
			Kind:   KindSign,
			Origin: "https://app.example",
			TabID:  1,
		})
		return err
	})
	require.Error(t, err)
	require.True(t, IsError(err, ErrUnknownKind))
	require.Zero(t, store.Count())
}

func TestStoreRemoveIdempotent(t *testing.T) {
	db, store := setupStore(t)

	id := insert(t, db, store, "https://app.example", 1)
	require.Equal(t, 1, store.Count())

	remove(t, db, store, id)
	require.Zero(t, store.Count())

	// Removing again, and removing an id that never existed, are no-ops.
	remove(t, db, store, id)
	remove(t, db, store, "no-such-id")
	require.Zero(t, store.Count())
}

func TestStorePendingOrder(t *testing.T) {
	db, store := setupStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		origin := fmt.Sprintf("https://app%d.example", i%2)
		ids = append(ids, insert(t, db, store, origin, int64(i%2)))
	}

	pending := store.Pending()
	require.Len(t, pending, 5)
	for i, req := range pending {
		require.Equal(t, ids[i], req.ID, "snapshot out of insertion order")
	}

	// Per-tab snapshots preserve the same relative order.
	tab0 := store.PendingForTab(0)
	require.Len(t, tab0, 3)
	require.Equal(t, ids[0], tab0[0].ID)
	require.Equal(t, ids[2], tab0[1].ID)
	require.Equal(t, ids[4], tab0[2].ID)

	require.Equal(t, []string{ids[1], ids[3]}, store.IDsForTab(1))
	require.Equal(t, []string{ids[1], ids[3]},
		store.IDsForOrigin("https://app1.example"))
}

func TestStoreReload(t *testing.T) {
	db, store := setupStore(t)

	id0 := insert(t, db, store, "https://app.example", 1)
	id1 := insert(t, db, store, "https://app.example", 1)
	id2 := insert(t, db, store, "https://other.example", 2)
	remove(t, db, store, id1)

	// Reopen the store from the same namespace, as a restart would.
	var reloaded *Store
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		var err error
		reloaded, err = Open(tx.ReadBucket(reqmgrNamespace))
		return err
	})
	require.NoError(t, err)

	require.Equal(t, 2, reloaded.Count())
	pending := reloaded.Pending()
	require.Equal(t, id0, pending[0].ID)
	require.Equal(t, id2, pending[1].ID)

	// Sequence numbers keep growing after a reload so ordering holds
	// across restarts.
	id3 := insert(t, db, reloaded, "https://app.example", 1)
	pending = reloaded.Pending()
	require.Len(t, pending, 3)
	require.Equal(t, id3, pending[2].ID)
	require.Greater(t, pending[2].Seq, pending[1].Seq)
}

func TestStoreRollbackKeepsLiveSetConsistent(t *testing.T) {
	db, store := setupStore(t)
	errAbort := errors.New("abort")

	// An insert inside an aborted transaction must not enter the live
	// set.
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := store.Insert(tx.ReadWriteBucket(reqmgrNamespace), &Request{
			Kind:   KindSign,
			Origin: "https://app.example",
			TabID:  1,
			Sign:   &SignDetail{Address: "aa01", Payload: []byte("payload")},
		})
		if err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Zero(t, store.Count())

	// A removal inside an aborted transaction must leave the request
	// live.
	id := insert(t, db, store, "https://app.example", 1)
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if err := store.Remove(tx.ReadWriteBucket(reqmgrNamespace), id); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, 1, store.Count())
	_, ok := store.Get(id)
	require.True(t, ok)
}
