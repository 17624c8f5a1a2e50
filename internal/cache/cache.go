// Package cache holds derived copies of origin content keyed by
// (file name, content encoding). It is two-tiered: a byte-bounded LRU in
// memory, and an optional disk tier that receives memory evictions and is
// consulted on memory misses. The origin store remains the source of
// truth; every entry records the content hash it was derived from and is
// discarded the moment that hash no longer matches.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrTooLarge is returned by Store for payloads over the per-entry
	// ceiling. Such content is streamed straight from the origin instead.
	ErrTooLarge = errors.New("payload exceeds cache entry limit")
)

// Key addresses one cached payload: a file name plus the content encoding
// of the bytes ("identity", "gzip" or "br").
type Key struct {
	Name     string
	Encoding string
}

// ID is the flat form used for singleflight and disk file naming. The
// separator cannot appear in a valid file name or encoding token.
func (k Key) ID() string {
	return k.Name + "\x1f" + k.Encoding
}

// Entry is one cached payload together with the identity-content hash it
// was derived from.
type Entry struct {
	Key      Key
	Payload  []byte
	Hash     string
	StoredAt time.Time
}

// Options configures a Cache.
type Options struct {
	// MaxMemoryBytes bounds the memory tier's total payload bytes.
	MaxMemoryBytes int64
	// MaxEntryBytes is the largest payload the cache will accept. Zero
	// defaults to an eighth of MaxMemoryBytes.
	MaxEntryBytes int64
	// TTL is how long an entry may be served after it was stored. Zero
	// means entries never expire by age.
	TTL time.Duration
	// Disk, when non-nil, is the overflow tier.
	Disk *Disk
}

// Cache coordinates the tiers. All methods are safe for concurrent use.
type Cache struct {
	memory *memory
	disk   *Disk
	ttl    time.Duration
}

func New(opts Options) *Cache {
	maxEntry := opts.MaxEntryBytes
	if maxEntry <= 0 {
		maxEntry = opts.MaxMemoryBytes / 8
	}
	return &Cache{
		memory: newMemory(opts.MaxMemoryBytes, maxEntry),
		disk:   opts.Disk,
		ttl:    opts.TTL,
	}
}

// MaxEntryBytes is the largest payload Store will accept.
func (c *Cache) MaxEntryBytes() int64 {
	return c.memory.maxEntry
}

// Lookup returns the cached entry for key, provided it is fresh: not
// expired, and derived from wantHash. A stale or mismatched entry is
// dropped and reported as a miss. Disk hits are promoted back into
// memory.
func (c *Cache) Lookup(key Key, wantHash string) (*Entry, bool) {
	now := time.Now()

	if e, ok := c.memory.get(key, now, c.ttl); ok {
		if e.Hash == wantHash {
			return e, true
		}
		c.memory.removeIf(key, e.Hash)
	}

	if c.disk == nil {
		return nil, false
	}

	e, err := c.disk.get(key, now, c.ttl)
	if err != nil {
		// Reads never fail because of the cache; a broken disk tier just
		// means a miss.
		slog.Warn("Disk tier lookup failed", "name", key.Name, "encoding", key.Encoding, "error", err)
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	if e.Hash != wantHash {
		if err := c.disk.removeIf(key, e.Hash); err != nil {
			slog.Warn("Failed to drop stale disk entry", "name", key.Name, "error", err)
		}
		return nil, false
	}

	c.promote(e)
	return e, true
}

// promote moves a disk hit back into memory, spilling whatever the memory
// tier evicts to make room.
func (c *Cache) promote(e *Entry) {
	if int64(len(e.Payload)) > c.memory.maxEntry {
		return
	}
	victims := c.memory.insert(e, time.Now())
	c.spill(victims)
}

// Store inserts a payload derived from contentHash under key. Entries
// evicted from memory to satisfy the size bound move to the disk tier
// when one is configured.
func (c *Cache) Store(key Key, payload []byte, contentHash string) error {
	if int64(len(payload)) > c.memory.maxEntry {
		return ErrTooLarge
	}
	e := &Entry{
		Key:      key,
		Payload:  payload,
		Hash:     contentHash,
		StoredAt: time.Now(),
	}
	victims := c.memory.insert(e, e.StoredAt)
	c.spill(victims)
	return nil
}

func (c *Cache) spill(victims []*Entry) {
	if c.disk == nil {
		return
	}
	for _, v := range victims {
		if err := c.disk.put(v); err != nil {
			slog.Warn("Failed to spill entry to disk tier", "name", v.Key.Name, "encoding", v.Key.Encoding, "error", err)
		}
	}
}

// Invalidate synchronously removes every entry for name, across all
// encodings and both tiers. A disk tier that cannot be purged is an
// error: callers must not acknowledge a mutation whose cache state is
// unknown.
func (c *Cache) Invalidate(name string) error {
	c.memory.removeName(name)
	if c.disk != nil {
		if err := c.disk.removeName(name); err != nil {
			return err
		}
	}
	return nil
}

// Sweep drops expired entries from both tiers.
func (c *Cache) Sweep() {
	if c.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.ttl)
	dropped := c.memory.sweep(cutoff)
	if c.disk != nil {
		dropped += c.disk.sweep(cutoff)
	}
	if dropped > 0 {
		slog.Debug("Swept expired cache entries", "count", dropped)
	}
}

// Start runs the background expiry sweep until ctx is canceled.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if c.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
