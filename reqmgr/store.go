// Package reqmgr provides the durable store of pending page requests.  The
// store owns request entries for their pending lifetime: insertion assigns a
// fresh id and a monotonic sequence number, lookups are O(1), removal is
// idempotent, and enumeration returns oldest-first snapshots.  Pending
// requests survive a restart; they are reloaded from the database on open.
package reqmgr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/extsuite/extwallet/walletdb"
	"github.com/google/uuid"
)

var (
	// requestsBucketName is the bucket below the store namespace holding
	// pending requests keyed by big-endian sequence number.
	requestsBucketName = []byte("requests")
)

// Store is the ordered collection of pending requests.  All mutation goes
// through the broker's event loop, but reads may come from RPC goroutines,
// so the in-memory state is guarded by its own mutex.
type Store struct {
	mtx sync.RWMutex

	// byID is the authoritative live set.
	byID map[string]*Request

	// byOrigin and byTab bucket live ids for cancellation sweeps.
	byOrigin map[string]map[string]struct{}
	byTab    map[int64]map[string]struct{}

	// nextSeq is the sequence number the next insertion will take.  It
	// only ever grows, including across restarts.
	nextSeq uint64
}

// Open loads the store from the given namespace, re-queueing any requests
// that were pending when the process last stopped.
func Open(ns walletdb.ReadBucket) (*Store, error) {
	s := &Store{
		byID:     make(map[string]*Request),
		byOrigin: make(map[string]map[string]struct{}),
		byTab:    make(map[int64]map[string]struct{}),
		nextSeq:  1,
	}

	bucket := ns.NestedReadBucket(requestsBucketName)
	if bucket == nil {
		return s, nil
	}
	err := bucket.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		var req Request
		if err := json.Unmarshal(v, &req); err != nil {
			str := fmt.Sprintf("failed to parse stored request %x", k)
			return storeError(ErrCorrupt, str, err)
		}
		if err := req.checkShape(); err != nil {
			return err
		}
		s.link(&req)
		if req.Seq >= s.nextSeq {
			s.nextSeq = req.Seq + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateBuckets creates the database structure the store needs.  It is
// invoked once at wallet creation.
func CreateBuckets(ns walletdb.ReadWriteBucket) error {
	if _, err := ns.CreateBucketIfNotExists(requestsBucketName); err != nil {
		return storeError(ErrDatabase, "failed to create requests bucket", err)
	}
	return nil
}

// link adds a request to the in-memory indexes.
//
// This function MUST be called with the store lock held for writes.
func (s *Store) link(req *Request) {
	s.byID[req.ID] = req
	origins, ok := s.byOrigin[req.Origin]
	if !ok {
		origins = make(map[string]struct{})
		s.byOrigin[req.Origin] = origins
	}
	origins[req.ID] = struct{}{}
	tabs, ok := s.byTab[req.TabID]
	if !ok {
		tabs = make(map[string]struct{})
		s.byTab[req.TabID] = tabs
	}
	tabs[req.ID] = struct{}{}
}

// unlink removes a request from the in-memory indexes.
//
// This function MUST be called with the store lock held for writes.
func (s *Store) unlink(req *Request) {
	delete(s.byID, req.ID)
	if origins := s.byOrigin[req.Origin]; origins != nil {
		delete(origins, req.ID)
		if len(origins) == 0 {
			delete(s.byOrigin, req.Origin)
		}
	}
	if tabs := s.byTab[req.TabID]; tabs != nil {
		delete(tabs, req.ID)
		if len(tabs) == 0 {
			delete(s.byTab, req.TabID)
		}
	}
}

// seqKey returns the database key for a sequence number.  Big-endian keys
// keep bucket iteration in insertion order.
func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

// Insert validates the request shape, assigns a fresh id and sequence
// number, persists the entry, and adds it to the live set.  The assigned id
// is returned.
func (s *Store) Insert(ns walletdb.ReadWriteBucket, req *Request) (string, error) {
	if err := req.checkShape(); err != nil {
		return "", err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	req.ID = uuid.NewString()
	if _, ok := s.byID[req.ID]; ok {
		// Practically unreachable, but the uniqueness invariant is
		// enforced rather than assumed.
		str := fmt.Sprintf("generated duplicate request id %s", req.ID)
		return "", storeError(ErrDuplicateID, str, nil)
	}
	req.Seq = s.nextSeq
	req.State = StatePending
	if req.WhenCreated.IsZero() {
		req.WhenCreated = time.Now()
	}

	serialized, err := json.Marshal(req)
	if err != nil {
		return "", storeError(ErrCorrupt, "failed to serialize request", err)
	}
	bucket := ns.NestedReadWriteBucket(requestsBucketName)
	if err := bucket.Put(seqKey(req.Seq), serialized); err != nil {
		str := fmt.Sprintf("failed to store request %s", req.ID)
		return "", storeError(ErrDatabase, str, err)
	}

	// The sequence advances even if the transaction later rolls back;
	// gaps are harmless, only monotonicity matters.  The live set is
	// updated at commit time so it cannot run ahead of the database.
	s.nextSeq++
	ns.Tx().OnCommit(func() {
		s.mtx.Lock()
		s.link(req)
		s.mtx.Unlock()
	})
	return req.ID, nil
}

// Remove deletes the request with the given id from the store and the
// database.  Removing a missing id is a no-op so duplicate resolution
// attempts are tolerated safely.
func (s *Store) Remove(ns walletdb.ReadWriteBucket, id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	req, ok := s.byID[id]
	if !ok {
		return nil
	}

	bucket := ns.NestedReadWriteBucket(requestsBucketName)
	if err := bucket.Delete(seqKey(req.Seq)); err != nil {
		str := fmt.Sprintf("failed to delete request %s", id)
		return storeError(ErrDatabase, str, err)
	}
	ns.Tx().OnCommit(func() {
		s.mtx.Lock()
		s.unlink(req)
		s.mtx.Unlock()
	})
	return nil
}

// Get returns the request with the given id, or false when no such request
// is live.  The returned value is a copy; mutating it does not affect the
// store.
func (s *Store) Get(id string) (Request, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	req, ok := s.byID[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Count returns the number of live pending requests.
func (s *Store) Count() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.byID)
}

// Pending returns a snapshot of all live requests ordered oldest first.
func (s *Store) Pending() []Request {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.snapshot(s.byID)
}

// PendingForTab returns a snapshot of the live requests belonging to the
// given tab, ordered oldest first.
func (s *Store) PendingForTab(tabID int64) []Request {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	ids := s.byTab[tabID]
	if len(ids) == 0 {
		return nil
	}
	subset := make(map[string]*Request, len(ids))
	for id := range ids {
		subset[id] = s.byID[id]
	}
	return s.snapshot(subset)
}

// IDsForTab returns the ids of the live requests belonging to the given tab,
// ordered oldest first.  The broker uses this for origin-closure sweeps.
func (s *Store) IDsForTab(tabID int64) []string {
	reqs := s.PendingForTab(tabID)
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	return ids
}

// IDsForOrigin returns the ids of the live requests submitted by the given
// origin, ordered oldest first.
func (s *Store) IDsForOrigin(origin string) []string {
	s.mtx.RLock()
	ids := s.byOrigin[origin]
	subset := make(map[string]*Request, len(ids))
	for id := range ids {
		subset[id] = s.byID[id]
	}
	s.mtx.RUnlock()

	reqs := sortedBySeq(subset)
	out := make([]string, len(reqs))
	for i, req := range reqs {
		out[i] = req.ID
	}
	return out
}

// snapshot copies the given live subset into a slice ordered by sequence.
//
// This function MUST be called with the store lock held for reads.
func (s *Store) snapshot(subset map[string]*Request) []Request {
	return sortedBySeq(subset)
}

func sortedBySeq(subset map[string]*Request) []Request {
	out := make([]Request, 0, len(subset))
	for _, req := range subset {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
