package swcache

import (
	"sort"
	"sync"
)

// memoryBackend keeps stores in process memory. Used with storage.backend
// "memory" and in tests.
type memoryBackend struct {
	mu     sync.RWMutex
	stores map[string]map[string]StoredEntry
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{stores: map[string]map[string]StoredEntry{}}
}

func (b *memoryBackend) Store(name string) Store {
	return &memoryStore{b: b, name: name}
}

func (b *memoryBackend) Names() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.stores))
	for k := range b.stores {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (b *memoryBackend) Drop(name string) error {
	b.mu.Lock()
	delete(b.stores, name)
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) Close() error { return nil }

type memoryStore struct {
	b    *memoryBackend
	name string
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Create() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.stores[s.name]; !ok {
		s.b.stores[s.name] = map[string]StoredEntry{}
	}
	return nil
}

func (s *memoryStore) Get(key string) (StoredEntry, bool, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	ent, ok := s.b.stores[s.name][key]
	if !ok {
		return StoredEntry{}, false, nil
	}
	ent.Header = cloneHeader(ent.Header)
	return ent, true, nil
}

func (s *memoryStore) Put(key string, ent StoredEntry) error {
	ent.Header = cloneHeader(ent.Header)
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	m, ok := s.b.stores[s.name]
	if !ok {
		m = map[string]StoredEntry{}
		s.b.stores[s.name] = m
	}
	m[key] = ent
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.stores[s.name], key)
	return nil
}

func (s *memoryStore) Count() (int, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return len(s.b.stores[s.name]), nil
}

func (s *memoryStore) Index() ([]EntryMeta, error) {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	m := s.b.stores[s.name]
	out := make([]EntryMeta, 0, len(m))
	for k, ent := range m {
		out = append(out, EntryMeta{Key: k, Size: entrySize(ent), CachedAt: ent.CachedAt})
	}
	return out, nil
}
