package wallet

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/walletdb"
)

var (
	// authBucketName is the bucket below the broker namespace holding one
	// serialized AuthorizationRecord per origin.
	authBucketName = []byte("auth")
)

// AuthorizationRecord is the persisted per-origin grant: which accounts the
// origin may see, whether it is blanket-allowed, and when it last issued a
// request.
type AuthorizationRecord struct {
	Origin string `json:"origin"`

	// Accounts is the set of addresses the origin may see.  Ignored when
	// IsAllowed is set.
	Accounts []keymgr.Address `json:"accounts,omitempty"`

	// IsAllowed grants the origin access to all current and future
	// accounts without per-request prompts.
	IsAllowed bool `json:"isAllowed"`

	LastUsed time.Time `json:"lastUsed"`
}

// authSet is the in-memory cache of authorization records, loaded from the
// database at open.  Mutations are written to the database immediately but
// applied to the cache only when the surrounding transaction commits.
type authSet struct {
	mtx      sync.RWMutex
	byOrigin map[string]*AuthorizationRecord
}

// loadAuthSet reads every authorization record below the broker namespace.
func loadAuthSet(ns walletdb.ReadBucket) (*authSet, error) {
	set := &authSet{byOrigin: make(map[string]*AuthorizationRecord)}

	bucket := ns.NestedReadBucket(authBucketName)
	if bucket == nil {
		return set, nil
	}
	err := bucket.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		var record AuthorizationRecord
		if err := json.Unmarshal(v, &record); err != nil {
			return fmt.Errorf("failed to parse authorization "+
				"record for origin %q: %v", k, err)
		}
		set.byOrigin[record.Origin] = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// get returns a copy of the record for the given origin.
func (s *authSet) get(origin string) (AuthorizationRecord, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	record, ok := s.byOrigin[origin]
	if !ok {
		return AuthorizationRecord{}, false
	}
	return *record, true
}

// list returns copies of all records sorted by origin for stable display.
func (s *authSet) list() []AuthorizationRecord {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]AuthorizationRecord, 0, len(s.byOrigin))
	for _, record := range s.byOrigin {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Origin < out[j].Origin
	})
	return out
}

// put writes the record to the database and schedules the cache update for
// commit time, so a rolled back transaction cannot leave the cache ahead of
// the database.
func (s *authSet) put(ns walletdb.ReadWriteBucket, record *AuthorizationRecord) error {
	serialized, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize authorization record "+
			"for origin %q: %v", record.Origin, err)
	}
	bucket := ns.NestedReadWriteBucket(authBucketName)
	if err := bucket.Put([]byte(record.Origin), serialized); err != nil {
		return err
	}

	clone := *record
	ns.Tx().OnCommit(func() {
		s.mtx.Lock()
		s.byOrigin[clone.Origin] = &clone
		s.mtx.Unlock()
	})
	return nil
}

// remove deletes the record for the given origin from the database and the
// cache.  Removing an unknown origin is a no-op.
func (s *authSet) remove(ns walletdb.ReadWriteBucket, origin string) error {
	bucket := ns.NestedReadWriteBucket(authBucketName)
	if err := bucket.Delete([]byte(origin)); err != nil {
		return err
	}

	ns.Tx().OnCommit(func() {
		s.mtx.Lock()
		delete(s.byOrigin, origin)
		s.mtx.Unlock()
	})
	return nil
}

// touch updates the last-used timestamp of an existing record.
func (s *authSet) touch(ns walletdb.ReadWriteBucket, origin string, now time.Time) error {
	s.mtx.RLock()
	record, ok := s.byOrigin[origin]
	if !ok {
		s.mtx.RUnlock()
		return nil
	}
	updated := *record
	s.mtx.RUnlock()

	updated.LastUsed = now
	return s.put(ns, &updated)
}
