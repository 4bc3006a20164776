package swcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<store>            store marker (storeMeta)
//	e:<store>\x00<key>   entry (StoredEntry)
//	m:<store>\x00<key>   entry metadata (entryMeta), read by Count/Index
const (
	prefixStore = "n:"
	prefixEntry = "e:"
	prefixMeta  = "m:"
)

type storeMeta struct {
	CreatedAt time.Time
}

type entryMeta struct {
	Size     int64
	CachedAt time.Time
}

type leveldbBackend struct {
	db *leveldb.DB

	// Drop holds the write lock so a store is removed as one unit; every
	// other operation shares the read lock.
	mu sync.RWMutex
}

func newLeveldbBackend(path string) (*leveldbBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeUnavailable(err, path)
	}
	return &leveldbBackend{db: db}, nil
}

func (b *leveldbBackend) Close() error {
	return b.db.Close()
}

func (b *leveldbBackend) Store(name string) Store {
	return &leveldbStore{b: b, name: name}
}

func (b *leveldbBackend) Names() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	it := b.db.NewIterator(util.BytesPrefix([]byte(prefixStore)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixStore))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (b *leveldbBackend) Drop(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixStore + name))
	for _, p := range []string{prefixEntry, prefixMeta} {
		it := b.db.NewIterator(util.BytesPrefix(storeKeyPrefix(p, name)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	return b.db.Write(batch, nil)
}

func storeKeyPrefix(p, store string) []byte {
	return []byte(p + store + "\x00")
}

type leveldbStore struct {
	b    *leveldbBackend
	name string
}

func (s *leveldbStore) Name() string { return s.name }

func (s *leveldbStore) entryKey(key string) []byte {
	return append(storeKeyPrefix(prefixEntry, s.name), key...)
}

func (s *leveldbStore) metaKey(key string) []byte {
	return append(storeKeyPrefix(prefixMeta, s.name), key...)
}

func (s *leveldbStore) Create() error {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.createLocked(new(leveldb.Batch), true)
}

// createLocked adds the store marker to batch when it is missing and, when
// flush is set, writes the batch.
func (s *leveldbStore) createLocked(batch *leveldb.Batch, flush bool) error {
	ok, err := s.b.db.Has([]byte(prefixStore+s.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		mb, err := encodeGob(storeMeta{CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		batch.Put([]byte(prefixStore+s.name), mb)
	}
	if flush && batch.Len() > 0 {
		return s.b.db.Write(batch, nil)
	}
	return nil
}

func (s *leveldbStore) Get(key string) (StoredEntry, bool, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	b, err := s.b.db.Get(s.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return StoredEntry{}, false, nil
	}
	if err != nil {
		return StoredEntry{}, false, err
	}
	var ent StoredEntry
	if err := decodeGob(b, &ent); err != nil {
		return StoredEntry{}, false, err
	}
	return ent, true, nil
}

func (s *leveldbStore) Put(key string, ent StoredEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	mb, err := encodeGob(entryMeta{Size: int64(len(b)), CachedAt: ent.CachedAt})
	if err != nil {
		return err
	}

	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	batch := new(leveldb.Batch)
	if err := s.createLocked(batch, false); err != nil {
		return err
	}
	batch.Put(s.entryKey(key), b)
	batch.Put(s.metaKey(key), mb)
	return s.b.db.Write(batch, nil)
}

func (s *leveldbStore) Delete(key string) error {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	batch := new(leveldb.Batch)
	batch.Delete(s.entryKey(key))
	batch.Delete(s.metaKey(key))
	return s.b.db.Write(batch, nil)
}

func (s *leveldbStore) Count() (int, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	it := s.b.db.NewIterator(util.BytesPrefix(storeKeyPrefix(prefixMeta, s.name)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *leveldbStore) Index() ([]EntryMeta, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	p := storeKeyPrefix(prefixMeta, s.name)
	it := s.b.db.NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()
	var out []EntryMeta
	for it.Next() {
		var m entryMeta
		if err := decodeGob(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, EntryMeta{
			Key:      string(bytes.TrimPrefix(it.Key(), p)),
			Size:     m.Size,
			CachedAt: m.CachedAt,
		})
	}
	return out, it.Error()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
