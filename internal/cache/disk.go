package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Disk is the overflow tier: entries evicted from memory land here
// instead of being discarded, and a memory miss checks here before
// falling back to the origin. Each entry is a payload file plus a JSON
// sidecar carrying the cache key and content hash, so the index can be
// rebuilt across restarts.
type Disk struct {
	dir      string
	maxBytes int64

	mu       sync.Mutex
	curBytes int64
	items    map[Key]*diskItem
	byName   map[string]map[Key]struct{}
}

type diskItem struct {
	base       string
	size       int64
	hash       string
	storedAt   time.Time
	lastAccess time.Time
}

type diskMeta struct {
	Name     string    `json:"name"`
	Encoding string    `json:"encoding"`
	Hash     string    `json:"hash"`
	StoredAt time.Time `json:"stored_at"`
}

// OpenDisk opens the disk tier rooted at dir, rebuilding its index from
// the sidecar files already present. Sidecars without a payload (or vice
// versa) are cleaned up rather than trusted.
func OpenDisk(dir string, maxBytes int64) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	d := &Disk{
		dir:      dir,
		maxBytes: maxBytes,
		items:    make(map[Key]*diskItem),
		byName:   make(map[string]map[Key]struct{}),
	}

	sidecars, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, sidecar := range sidecars {
		base := sidecar[:len(sidecar)-len(".json")]
		raw, err := os.ReadFile(sidecar)
		if err != nil {
			continue
		}
		var meta diskMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			slog.Warn("Dropping unreadable cache sidecar", "path", sidecar, "error", err)
			_ = os.Remove(sidecar)
			_ = os.Remove(base + ".bin")
			continue
		}
		info, err := os.Stat(base + ".bin")
		if err != nil {
			_ = os.Remove(sidecar)
			continue
		}
		key := Key{Name: meta.Name, Encoding: meta.Encoding}
		d.indexLocked(key, &diskItem{
			base:       filepath.Base(base),
			size:       info.Size(),
			hash:       meta.Hash,
			storedAt:   meta.StoredAt,
			lastAccess: meta.StoredAt,
		})
	}

	slog.Info("Disk cache tier loaded", "dir", dir, "entries", len(d.items), "size", d.curBytes)
	return d, nil
}

// indexLocked registers an item; callers hold no lock during OpenDisk,
// where the tier is not yet shared.
func (d *Disk) indexLocked(key Key, item *diskItem) {
	if old, ok := d.items[key]; ok {
		d.curBytes -= old.size
	}
	d.items[key] = item
	d.curBytes += item.size
	keys, ok := d.byName[key.Name]
	if !ok {
		keys = make(map[Key]struct{})
		d.byName[key.Name] = keys
	}
	keys[key] = struct{}{}
}

func (d *Disk) basename(key Key) string {
	sum := sha256.Sum256([]byte(key.ID()))
	return hex.EncodeToString(sum[:])
}

func (d *Disk) put(e *Entry) error {
	base := d.basename(e.Key)

	tmp, err := os.CreateTemp(d.dir, "spill-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(e.Payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	meta := diskMeta{
		Name:     e.Key.Name,
		Encoding: e.Key.Encoding,
		Hash:     e.Hash,
		StoredAt: e.StoredAt,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	// Publish and index under the lock, so a concurrent read of the same
	// key cannot pair the old index entry with the new payload bytes.
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, base+".bin")); err != nil {
		return fmt.Errorf("failed to publish payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, base+".json"), raw, 0o644); err != nil {
		_ = os.Remove(filepath.Join(d.dir, base+".bin"))
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	d.indexLocked(e.Key, &diskItem{
		base:       base,
		size:       int64(len(e.Payload)),
		hash:       e.Hash,
		storedAt:   e.StoredAt,
		lastAccess: time.Now(),
	})
	d.evictLocked()
	return nil
}

// evictLocked trims least recently used items until the byte bound holds.
func (d *Disk) evictLocked() {
	for d.maxBytes > 0 && d.curBytes > d.maxBytes {
		var oldestKey Key
		var oldest *diskItem
		for key, item := range d.items {
			if oldest == nil || item.lastAccess.Before(oldest.lastAccess) {
				oldestKey, oldest = key, item
			}
		}
		if oldest == nil {
			return
		}
		if err := d.removeLocked(oldestKey); err != nil {
			slog.Warn("Failed to evict disk entry", "name", oldestKey.Name, "error", err)
			return
		}
	}
}

// get reads the payload while holding the lock: a concurrent put of the
// same key replaces the file and the index atomically from a reader's
// point of view, so the returned hash always describes the bytes.
func (d *Disk) get(key Key, now time.Time, ttl time.Duration) (*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[key]
	if !ok {
		return nil, nil
	}
	if ttl > 0 && now.Sub(item.storedAt) > ttl {
		return nil, d.removeLocked(key)
	}

	payload, err := os.ReadFile(filepath.Join(d.dir, item.base+".bin"))
	if err != nil {
		// Entry vanished underneath the index; forget it.
		_ = d.removeLocked(key)
		return nil, err
	}

	item.lastAccess = now
	return &Entry{Key: key, Payload: payload, Hash: item.hash, StoredAt: item.storedAt}, nil
}

// removeIf drops key only while it still holds the given hash, so a
// reader acting on an entry it observed earlier cannot delete a
// replacement written in the meantime.
func (d *Disk) removeIf(key Key, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if item, ok := d.items[key]; ok && item.hash == hash {
		return d.removeLocked(key)
	}
	return nil
}

func (d *Disk) removeLocked(key Key) error {
	item, ok := d.items[key]
	if !ok {
		return nil
	}
	for _, suffix := range []string{".bin", ".json"} {
		if err := os.Remove(filepath.Join(d.dir, item.base+suffix)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove cache file: %w", err)
		}
	}
	delete(d.items, key)
	d.curBytes -= item.size
	if keys, ok := d.byName[key.Name]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(d.byName, key.Name)
		}
	}
	return nil
}

func (d *Disk) removeName(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.byName[name] {
		if err := d.removeLocked(key); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disk) sweep(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []Key
	for key, item := range d.items {
		if item.storedAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	dropped := 0
	for _, key := range expired {
		if err := d.removeLocked(key); err != nil {
			slog.Warn("Failed to sweep disk entry", "name", key.Name, "error", err)
			continue
		}
		dropped++
	}
	return dropped
}
