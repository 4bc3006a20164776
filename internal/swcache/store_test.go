package swcache

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return newMemoryBackend() },
		"leveldb": func(t *testing.T) Backend {
			b, err := newLeveldbBackend(filepath.Join(t.TempDir(), "db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func sampleEntry(body string, at time.Time) StoredEntry {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Add("Vary", "Accept")
	h.Add("Vary", "Cookie")
	return StoredEntry{Status: 200, Header: h, Body: []byte(body), CachedAt: at}
}

func TestBackend(t *testing.T) {
	at := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) {
				st := mk(t).Store("app-api-v1")
				_, ok, err := st.Get("GET http://app.test/api/employees")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, st.Put("GET http://app.test/api/employees", sampleEntry(`[1]`, at)))
				got, ok, err := st.Get("GET http://app.test/api/employees")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, 200, got.Status)
				assert.Equal(t, `[1]`, string(got.Body))
				assert.Equal(t, []string{"Accept", "Cookie"}, got.Header.Values("Vary"))
				assert.True(t, got.CachedAt.Equal(at))
			})

			t.Run("last writer wins", func(t *testing.T) {
				st := mk(t).Store("s")
				require.NoError(t, st.Put("k", sampleEntry("one", at)))
				require.NoError(t, st.Put("k", sampleEntry("two", at.Add(time.Second))))
				got, _, err := st.Get("k")
				require.NoError(t, err)
				assert.Equal(t, "two", string(got.Body))
				n, err := st.Count()
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			t.Run("create lists empty store", func(t *testing.T) {
				b := mk(t)
				require.NoError(t, b.Store("empty").Create())
				require.NoError(t, b.Store("empty").Create())
				names, err := b.Names()
				require.NoError(t, err)
				assert.Equal(t, []string{"empty"}, names)
				n, err := b.Store("empty").Count()
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("drop and recreate", func(t *testing.T) {
				b := mk(t)
				st := b.Store("gone")
				require.NoError(t, st.Put("k", sampleEntry("x", at)))
				require.NoError(t, b.Drop("gone"))
				require.NoError(t, b.Drop("never-existed"))

				names, err := b.Names()
				require.NoError(t, err)
				assert.Empty(t, names)
				_, ok, err := st.Get("k")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, st.Put("k2", sampleEntry("y", at)))
				names, err = b.Names()
				require.NoError(t, err)
				assert.Equal(t, []string{"gone"}, names)
				n, err := st.Count()
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			t.Run("stores sharing a name prefix are isolated", func(t *testing.T) {
				b := mk(t)
				require.NoError(t, b.Store("a").Put("k", sampleEntry("a", at)))
				require.NoError(t, b.Store("a-b").Put("k", sampleEntry("ab", at)))
				require.NoError(t, b.Store("a-b").Put("k2", sampleEntry("ab2", at)))

				n, err := b.Store("a").Count()
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				require.NoError(t, b.Drop("a"))
				n, err = b.Store("a-b").Count()
				require.NoError(t, err)
				assert.Equal(t, 2, n)
				got, ok, err := b.Store("a-b").Get("k")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "ab", string(got.Body))
			})

			t.Run("delete and index", func(t *testing.T) {
				st := mk(t).Store("idx")
				for i := 0; i < 3; i++ {
					require.NoError(t, st.Put(fmt.Sprintf("k%d", i), sampleEntry("body", at.Add(time.Duration(i)*time.Minute))))
				}
				require.NoError(t, st.Delete("k1"))
				require.NoError(t, st.Delete("k1"))

				idx, err := st.Index()
				require.NoError(t, err)
				keys := make([]string, 0, len(idx))
				for _, m := range idx {
					keys = append(keys, m.Key)
					assert.Positive(t, m.Size)
				}
				assert.ElementsMatch(t, []string{"k0", "k2"}, keys)
			})

			t.Run("trim keeps newest", func(t *testing.T) {
				st := mk(t).Store("trim")
				for i := 0; i < 5; i++ {
					require.NoError(t, st.Put(fmt.Sprintf("k%d", i), sampleEntry("b", at.Add(time.Duration(i)*time.Second))))
				}
				n, err := trimStore(st, 2)
				require.NoError(t, err)
				assert.Equal(t, 3, n)
				for i, want := range []bool{false, false, false, true, true} {
					_, ok, err := st.Get(fmt.Sprintf("k%d", i))
					require.NoError(t, err)
					assert.Equal(t, want, ok, "k%d", i)
				}

				n, err = trimStore(st, 0)
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("concurrent writers", func(t *testing.T) {
				st := mk(t).Store("conc")
				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, st.Put("same", sampleEntry(fmt.Sprintf("v%d", i), at)))
						assert.NoError(t, st.Put(fmt.Sprintf("own-%d", i), sampleEntry("x", at)))
					}()
				}
				wg.Wait()
				n, err := st.Count()
				require.NoError(t, err)
				assert.Equal(t, 17, n)
			})
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	st := newMemoryBackend().Store("s")
	ent := sampleEntry("x", time.Now())
	require.NoError(t, st.Put("k", ent))
	ent.Header.Set("Content-Type", "text/evil")

	got, _, err := st.Get("k")
	require.NoError(t, err)
	got.Header.Set("X-Mutated", "1")
	again, _, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "application/json", again.Header.Get("Content-Type"))
	assert.Empty(t, again.Header.Get("X-Mutated"))
}

func TestLeveldbBackend_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	at := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	b, err := newLeveldbBackend(path)
	require.NoError(t, err)
	require.NoError(t, b.Store("app-static-v1").Put("GET http://app.test/", sampleEntry("home", at)))
	require.NoError(t, b.Store("app-dynamic-v1").Create())
	require.NoError(t, b.Close())

	b, err = newLeveldbBackend(path)
	require.NoError(t, err)
	defer b.Close()

	names, err := b.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-dynamic-v1", "app-static-v1"}, names)
	got, ok, err := b.Store("app-static-v1").Get("GET http://app.test/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home", string(got.Body))
}

func TestCacheStoreSet(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Cache.Prefix = "shiftboard"
		c.Cache.Generation = "v2"
	})
	set := newCacheStoreSet(newMemoryBackend(), &cfg)

	assert.Equal(t, []string{"shiftboard-static-v2", "shiftboard-dynamic-v2", "shiftboard-api-v2"}, set.Names())
	assert.Equal(t, "shiftboard-api-v2", set.Store(StoreApi).Name())
	assert.True(t, set.IsCurrent("shiftboard-dynamic-v2"))
	assert.False(t, set.IsCurrent("shiftboard-dynamic-v1"))
	assert.False(t, set.IsCurrent("shiftboard"))
}
