package swcache

import (
	"sort"
	"time"
)

// Backend holds named stores. Store names are free-form on the backend; the
// engine only ever addresses them through a CacheStoreSet.
type Backend interface {
	// Store returns a handle for name without touching the backend.
	Store(name string) Store
	// Names lists every store that exists, in any generation.
	Names() ([]string, error)
	// Drop deletes a store with all its entries. Dropping a missing store is not an error.
	Drop(name string) error
	Close() error
}

// Store is one named mapping from request key to StoredEntry. Every
// operation is atomic per key; concurrent writers of one key resolve as last
// writer wins.
type Store interface {
	Name() string
	// Create makes the store exist even while it is empty.
	Create() error
	Get(key string) (StoredEntry, bool, error)
	// Put creates the store if it was dropped.
	Put(key string, ent StoredEntry) error
	Delete(key string) error
	Count() (int, error)
	Index() ([]EntryMeta, error)
}

type EntryMeta struct {
	Key      string
	Size     int64
	CachedAt time.Time
}

func entrySize(ent StoredEntry) int64 {
	n := int64(len(ent.Body))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// CacheStoreSet is the current generation: one store per StoreKind.
type CacheStoreSet struct {
	backend Backend
	stores  map[StoreKind]Store
}

func newCacheStoreSet(b Backend, cfg *Config) *CacheStoreSet {
	s := &CacheStoreSet{backend: b, stores: make(map[StoreKind]Store, len(storeKinds))}
	for _, k := range storeKinds {
		s.stores[k] = b.Store(cfg.StoreName(k))
	}
	return s
}

func (s *CacheStoreSet) Store(k StoreKind) Store {
	return s.stores[k]
}

// Names returns the current generation's store names.
func (s *CacheStoreSet) Names() []string {
	out := make([]string, 0, len(storeKinds))
	for _, k := range storeKinds {
		out = append(out, s.stores[k].Name())
	}
	return out
}

func (s *CacheStoreSet) IsCurrent(name string) bool {
	for _, st := range s.stores {
		if st.Name() == name {
			return true
		}
	}
	return false
}

func (s *CacheStoreSet) createAll() error {
	for _, k := range storeKinds {
		if err := s.stores[k].Create(); err != nil {
			return storeUnavailable(err, s.stores[k].Name())
		}
	}
	return nil
}

// trimStore deletes the oldest entries until st holds at most max of them.
func trimStore(st Store, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	idx, err := st.Index()
	if err != nil {
		return 0, err
	}
	if len(idx) <= max {
		return 0, nil
	}
	sort.Slice(idx, func(i, j int) bool {
		return idx[i].CachedAt.Before(idx[j].CachedAt)
	})
	n := len(idx) - max
	for i := 0; i < n; i++ {
		if err := st.Delete(idx[i].Key); err != nil {
			return i, err
		}
	}
	return n, nil
}
