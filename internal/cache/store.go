package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// sweepInterval is how often the disk sweep runs.
	sweepInterval = 6 * time.Hour
	// diskMaxAge is the age past which swept disk entries are removed.
	diskMaxAge = 30 * 24 * time.Hour
)

// Entry is a stored transformed artifact.
type Entry struct {
	Key         Key
	URL         string
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

// meta is the JSON sidecar written next to each body file.
type meta struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
	Encoding    string    `json:"encoding"`
}

// ProduceFunc fills a cache miss. It returns the artifact body and its
// final content type.
type ProduceFunc func() (body []byte, contentType string, err error)

// Stats is a point-in-time view of the memory layer.
type Stats struct {
	MemoryEntries   int   `json:"memory_entries"`
	MemorySizeBytes int64 `json:"memory_size_bytes"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
}

// memEntry pairs an Entry with its LRU bookkeeping.
type memEntry struct {
	key   Key
	entry *Entry
}

// Store is the layered artifact cache.
type Store struct {
	dir        string
	maxEntries int
	maxBytes   int64
	logger     *slog.Logger

	mu       sync.Mutex
	entries  map[Key]*list.Element // key -> *memEntry element
	lru      *list.List            // front = most recently used
	memBytes int64

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Options configures a Store.
type Options struct {
	Dir        string
	MaxEntries int   // memory LRU entry bound; <=0 uses 4096
	MaxBytes   int64 // memory LRU byte bound; <=0 uses 256 MB
	Logger     *slog.Logger
}

// New opens the cache directory and returns a Store. The directory is
// created if missing; disk errors after this point degrade to
// produce-without-store rather than failing requests.
func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 256 << 20
	}

	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", opts.Dir, err)
	}

	return &Store{
		dir:        opts.Dir,
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		logger:     opts.Logger,
		entries:    make(map[Key]*list.Element),
		lru:        list.New(),
		sweepStop:  make(chan struct{}),
	}, nil
}

// GetOrProduce returns the artifact for key, producing it at most once
// across concurrent callers. Probe order is memory, then disk, then
// produce. Disk failures are logged and degrade to produce-without-store.
func (s *Store) GetOrProduce(key Key, url string, produce ProduceFunc) (*Entry, error) {
	if e := s.memGet(key); e != nil {
		s.hits.Add(1)
		return e, nil
	}

	v, err, _ := s.group.Do(key.Hex(), func() (any, error) {
		// Re-probe memory: a prior flight may have filled it between our
		// miss and the flight starting.
		if e := s.memGet(key); e != nil {
			s.hits.Add(1)
			return e, nil
		}

		if e, diskErr := s.diskGet(key); diskErr == nil && e != nil {
			s.hits.Add(1)
			s.memPut(e)
			return e, nil
		} else if diskErr != nil {
			s.logger.Warn("cache disk read failed", "key", key.Hex(), "error", diskErr)
		}

		s.misses.Add(1)
		body, contentType, prodErr := produce()
		if prodErr != nil {
			return nil, prodErr
		}

		e := &Entry{
			Key:         key,
			URL:         url,
			ContentType: contentType,
			Body:        body,
			StoredAt:    time.Now(),
		}
		s.memPut(e)
		if diskErr := s.diskPut(e); diskErr != nil {
			s.logger.Warn("cache disk write failed", "key", key.Hex(), "error", diskErr)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Invalidate removes key from memory and disk.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	if elem, ok := s.entries[key]; ok {
		s.memBytes -= int64(len(elem.Value.(*memEntry).entry.Body))
		s.lru.Remove(elem)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	stem := filepath.Join(s.dir, key.Hex())
	_ = os.Remove(stem + ".bin")
	_ = os.Remove(stem + ".meta")
}

// Clear purges memory and removes all cache files, one file at a time.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = make(map[Key]*list.Element)
	s.lru = list.New()
	s.memBytes = 0
	s.mu.Unlock()

	dents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir %s: %w", s.dir, err)
	}
	for _, d := range dents {
		name := d.Name()
		if strings.HasSuffix(name, ".bin") || strings.HasSuffix(name, ".meta") {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				return fmt.Errorf("remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// Stats returns memory-layer statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		MemoryEntries:   s.lru.Len(),
		MemorySizeBytes: s.memBytes,
	}
	s.mu.Unlock()
	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	return st
}

// StartSweeper launches the periodic disk sweep that removes entries
// older than 30 days. Stop with StopSweeper.
func (s *Store) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// StopSweeper stops the disk sweep goroutine.
func (s *Store) StopSweeper() {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
}

// sweep removes disk entries older than diskMaxAge.
func (s *Store) sweep() {
	dents, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("cache sweep failed", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().Add(-diskMaxAge)
	removed := 0
	for _, d := range dents {
		name := d.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stem := strings.TrimSuffix(name, ".bin")
		_ = os.Remove(filepath.Join(s.dir, stem+".bin"))
		_ = os.Remove(filepath.Join(s.dir, stem+".meta"))
		removed++
	}
	if removed > 0 {
		s.logger.Info("cache sweep", "removed", removed)
	}
}

// memGet probes the memory layer and refreshes LRU order on hit.
func (s *Store) memGet(key Key) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.lru.MoveToFront(elem)
		return elem.Value.(*memEntry).entry
	}
	return nil
}

// memPut inserts an entry, evicting least-recently-used entries until
// both bounds hold. Eviction never touches disk.
func (s *Store) memPut(e *Entry) {
	size := int64(len(e.Body))
	if size > s.maxBytes {
		// Never admit a body larger than the whole memory budget.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[e.Key]; ok {
		s.memBytes -= int64(len(elem.Value.(*memEntry).entry.Body))
		elem.Value.(*memEntry).entry = e
		s.memBytes += size
		s.lru.MoveToFront(elem)
	} else {
		elem := s.lru.PushFront(&memEntry{key: e.Key, entry: e})
		s.entries[e.Key] = elem
		s.memBytes += size
	}

	for s.lru.Len() > s.maxEntries || s.memBytes > s.maxBytes {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		me := oldest.Value.(*memEntry)
		s.memBytes -= int64(len(me.entry.Body))
		delete(s.entries, me.key)
		s.lru.Remove(oldest)
	}
}

// diskGet loads an entry from disk. Returns (nil, nil) on a clean miss.
func (s *Store) diskGet(key Key) (*Entry, error) {
	stem := filepath.Join(s.dir, key.Hex())

	metaBytes, err := os.ReadFile(stem + ".meta")
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var m meta
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		return nil, fmt.Errorf("parse %s.meta: %w", key.Hex(), err)
	}

	body, err := os.ReadFile(stem + ".bin")
	if err != nil {
		return nil, err
	}

	return &Entry{
		Key:         key,
		URL:         m.URL,
		ContentType: m.ContentType,
		Body:        body,
		StoredAt:    m.Timestamp,
	}, nil
}

// diskPut writes body and meta atomically (temp file + rename). The body
// lands before the meta so a .meta sibling always implies a valid body.
func (s *Store) diskPut(e *Entry) error {
	stem := filepath.Join(s.dir, e.Key.Hex())

	if err := atomicWrite(stem+".bin", e.Body); err != nil {
		return err
	}

	m := meta{
		URL:         e.URL,
		ContentType: e.ContentType,
		Timestamp:   e.StoredAt,
		Encoding:    "identity",
	}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return atomicWrite(stem+".meta", metaBytes)
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
