package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey_Deterministic(t *testing.T) {
	k1 := NewKey("GET", "https://example.com/app.js", "js", 0b1011)
	k2 := NewKey("GET", "https://example.com/app.js", "js", 0b1011)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1.Hex(), 64)
}

func TestNewKey_Distinguishes(t *testing.T) {
	base := NewKey("GET", "https://example.com/app.js", "js", 1)

	assert.NotEqual(t, base, NewKey("POST", "https://example.com/app.js", "js", 1))
	assert.NotEqual(t, base, NewKey("GET", "https://example.com/app2.js", "js", 1))
	assert.NotEqual(t, base, NewKey("GET", "https://example.com/app.js", "css", 1))
	assert.NotEqual(t, base, NewKey("GET", "https://example.com/app.js", "js", 2))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestGetOrProduce_MissThenHit(t *testing.T) {
	s := newTestStore(t)
	key := NewKey("GET", "https://a/b.js", "js", 1)

	var calls atomic.Int64
	produce := func() ([]byte, string, error) {
		calls.Add(1)
		return []byte("transformed"), "application/javascript", nil
	}

	e1, err := s.GetOrProduce(key, "https://a/b.js", produce)
	require.NoError(t, err)
	assert.Equal(t, []byte("transformed"), e1.Body)
	assert.Equal(t, "application/javascript", e1.ContentType)
	assert.Equal(t, int64(1), calls.Load())

	e2, err := s.GetOrProduce(key, "https://a/b.js", produce)
	require.NoError(t, err)
	assert.Equal(t, e1.Body, e2.Body)
	assert.Equal(t, int64(1), calls.Load(), "second call must be a hit")

	st := s.Stats()
	assert.Equal(t, 1, st.MemoryEntries)
	assert.Equal(t, int64(len("transformed")), st.MemorySizeBytes)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestGetOrProduce_DiskLayer(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(Options{Dir: dir})
	require.NoError(t, err)

	key := NewKey("GET", "https://a/style.css", "css", 0)
	_, err = s1.GetOrProduce(key, "https://a/style.css", func() ([]byte, string, error) {
		return []byte("body{}"), "text/css", nil
	})
	require.NoError(t, err)

	// Both the body and its meta sibling exist on disk.
	_, err = os.Stat(filepath.Join(dir, key.Hex()+".bin"))
	require.NoError(t, err)
	metaBytes, err := os.ReadFile(filepath.Join(dir, key.Hex()+".meta"))
	require.NoError(t, err)
	assert.Contains(t, string(metaBytes), `"url":"https://a/style.css"`)
	assert.Contains(t, string(metaBytes), `"content_type":"text/css"`)

	// A fresh store (cold memory) serves the disk copy without producing.
	s2, err := New(Options{Dir: dir})
	require.NoError(t, err)
	e, err := s2.GetOrProduce(key, "https://a/style.css", func() ([]byte, string, error) {
		return nil, "", errors.New("must not be called")
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("body{}"), e.Body)
	assert.Equal(t, "text/css", e.ContentType)
}

func TestGetOrProduce_SingleFlight(t *testing.T) {
	s := newTestStore(t)
	key := NewKey("GET", "https://a/b.js", "js", 1)

	var calls atomic.Int64
	release := make(chan struct{})

	const waiters = 16
	var wg sync.WaitGroup
	bodies := make([][]byte, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.GetOrProduce(key, "https://a/b.js", func() ([]byte, string, error) {
				calls.Add(1)
				<-release
				return []byte("once"), "application/javascript", nil
			})
			if assert.NoError(t, err) {
				bodies[i] = e.Body
			}
		}(i)
	}

	// Give all goroutines time to pile onto the flight, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "produce must run exactly once")
	for i := 0; i < waiters; i++ {
		assert.Equal(t, []byte("once"), bodies[i], "waiter %d got a different artifact", i)
	}
}

func TestGetOrProduce_ProduceError(t *testing.T) {
	s := newTestStore(t)
	key := NewKey("GET", "https://a/b.js", "js", 1)

	wantErr := errors.New("transform exploded")
	_, err := s.GetOrProduce(key, "https://a/b.js", func() ([]byte, string, error) {
		return nil, "", wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// A failed production stores nothing.
	st := s.Stats()
	assert.Equal(t, 0, st.MemoryEntries)

	// The next call produces again.
	e, err := s.GetOrProduce(key, "https://a/b.js", func() ([]byte, string, error) {
		return []byte("ok"), "text/plain", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), e.Body)
}

func TestInvalidate(t *testing.T) {
	s := newTestStore(t)
	key := NewKey("GET", "https://a/b.js", "js", 1)

	_, err := s.GetOrProduce(key, "https://a/b.js", func() ([]byte, string, error) {
		return []byte("x"), "text/plain", nil
	})
	require.NoError(t, err)

	s.Invalidate(key)

	var calls atomic.Int64
	_, err = s.GetOrProduce(key, "https://a/b.js", func() ([]byte, string, error) {
		calls.Add(1)
		return []byte("y"), "text/plain", nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key := NewKey("GET", fmt.Sprintf("https://a/%d.js", i), "js", 1)
		_, err := s.GetOrProduce(key, "u", func() ([]byte, string, error) {
			return []byte("x"), "text/plain", nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear())

	dents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, dents)
	assert.Equal(t, 0, s.Stats().MemoryEntries)
}

func TestMemoryEviction_CountBound(t *testing.T) {
	s, err := New(Options{Dir: t.TempDir(), MaxEntries: 2})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		key := NewKey("GET", fmt.Sprintf("https://a/%d.js", i), "js", 1)
		_, err := s.GetOrProduce(key, "u", func() ([]byte, string, error) {
			return []byte("x"), "text/plain", nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.Stats().MemoryEntries)
}

func TestMemoryEviction_ByteBound(t *testing.T) {
	s, err := New(Options{Dir: t.TempDir(), MaxBytes: 100})
	require.NoError(t, err)

	big := make([]byte, 60)
	for i := 0; i < 3; i++ {
		key := NewKey("GET", fmt.Sprintf("https://a/%d.bin", i), "js", 1)
		_, err := s.GetOrProduce(key, "u", func() ([]byte, string, error) {
			return big, "application/octet-stream", nil
		})
		require.NoError(t, err)
	}

	st := s.Stats()
	assert.LessOrEqual(t, st.MemorySizeBytes, int64(100))
	assert.Equal(t, 1, st.MemoryEntries)
}

func TestMemoryEviction_DiskIsSticky(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, MaxEntries: 1})
	require.NoError(t, err)

	k1 := NewKey("GET", "https://a/1.js", "js", 1)
	k2 := NewKey("GET", "https://a/2.js", "js", 1)
	for _, k := range []Key{k1, k2} {
		_, err := s.GetOrProduce(k, "u", func() ([]byte, string, error) {
			return []byte("x"), "text/plain", nil
		})
		require.NoError(t, err)
	}

	// k1 was evicted from memory but its disk copy survives.
	_, err = os.Stat(filepath.Join(dir, k1.Hex()+".bin"))
	require.NoError(t, err)
}

func TestSweep_RemovesOldEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir})
	require.NoError(t, err)

	key := NewKey("GET", "https://a/old.js", "js", 1)
	_, err = s.GetOrProduce(key, "u", func() ([]byte, string, error) {
		return []byte("x"), "text/plain", nil
	})
	require.NoError(t, err)

	// Age the files past the sweep cutoff.
	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, key.Hex()+".bin"), old, old))

	s.sweep()

	_, err = os.Stat(filepath.Join(dir, key.Hex()+".bin"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, key.Hex()+".meta"))
	assert.True(t, os.IsNotExist(err))
}
