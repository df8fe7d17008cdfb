package wallet

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/extsuite/extwallet/reqmgr"
	"github.com/extsuite/extwallet/walletdb"
)

var (
	// chainMetaBucketName is the bucket below the broker namespace
	// holding one serialized chain definition per genesis hash.
	chainMetaBucketName = []byte("chainmeta")
)

// metaRegistry is the registry of approved chain definitions keyed by
// genesis hash.  Definitions only move forward: an upsert with a spec
// version at or below the stored one is refused at admission.
type metaRegistry struct {
	mtx       sync.RWMutex
	byGenesis map[string]*reqmgr.MetadataDef
}

// loadMetaRegistry reads every chain definition below the broker namespace.
func loadMetaRegistry(ns walletdb.ReadBucket) (*metaRegistry, error) {
	reg := &metaRegistry{byGenesis: make(map[string]*reqmgr.MetadataDef)}

	bucket := ns.NestedReadBucket(chainMetaBucketName)
	if bucket == nil {
		return reg, nil
	}
	err := bucket.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		var def reqmgr.MetadataDef
		if err := json.Unmarshal(v, &def); err != nil {
			return fmt.Errorf("failed to parse chain definition "+
				"for genesis %q: %v", k, err)
		}
		reg.byGenesis[def.GenesisHash] = &def
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// checkUpsert reports whether the definition would advance the registry.  A
// definition for a known genesis must carry a strictly greater spec version.
func (r *metaRegistry) checkUpsert(def *reqmgr.MetadataDef) error {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	existing, ok := r.byGenesis[def.GenesisHash]
	if ok && def.SpecVersion <= existing.SpecVersion {
		return rejection(RejectValidation,
			"metadata for chain %s is already at spec version %d",
			def.Chain, existing.SpecVersion)
	}
	return nil
}

// put writes the definition to the database and schedules the cache update
// for commit time, so a rolled back transaction cannot leave the cache ahead
// of the database.
func (r *metaRegistry) put(ns walletdb.ReadWriteBucket, def *reqmgr.MetadataDef) error {
	serialized, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to serialize chain definition for "+
			"genesis %q: %v", def.GenesisHash, err)
	}
	bucket := ns.NestedReadWriteBucket(chainMetaBucketName)
	if err := bucket.Put([]byte(def.GenesisHash), serialized); err != nil {
		return err
	}

	clone := *def
	ns.Tx().OnCommit(func() {
		r.mtx.Lock()
		r.byGenesis[clone.GenesisHash] = &clone
		r.mtx.Unlock()
	})
	return nil
}

// get returns a copy of the definition for the given genesis hash.
func (r *metaRegistry) get(genesisHash string) (reqmgr.MetadataDef, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	def, ok := r.byGenesis[genesisHash]
	if !ok {
		return reqmgr.MetadataDef{}, false
	}
	return *def, true
}

// list returns copies of all definitions sorted by chain name.
func (r *metaRegistry) list() []reqmgr.MetadataDef {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]reqmgr.MetadataDef, 0, len(r.byGenesis))
	for _, def := range r.byGenesis {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Chain < out[j].Chain
	})
	return out
}
