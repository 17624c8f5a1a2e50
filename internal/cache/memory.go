package cache

import (
	"container/list"
	"sync"
	"time"
)

// memory is the fast tier: a byte-bounded LRU over in-memory payloads.
// Recency is tracked with a list (front = most recent); ties on
// last-access time are broken by evicting the smaller payload first,
// which frees a slot while giving up the least amount of cached bytes
// per candidate kept.
type memory struct {
	maxBytes int64
	maxEntry int64

	mu       sync.Mutex
	curBytes int64
	order    *list.List
	items    map[Key]*list.Element
	byName   map[string]map[Key]struct{}
}

type memEntry struct {
	entry      *Entry
	lastAccess time.Time
}

func newMemory(maxBytes, maxEntry int64) *memory {
	return &memory{
		maxBytes: maxBytes,
		maxEntry: maxEntry,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
		byName:   make(map[string]map[Key]struct{}),
	}
}

func (m *memory) get(key Key, now time.Time, ttl time.Duration) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	me := elem.Value.(*memEntry)
	if ttl > 0 && now.Sub(me.entry.StoredAt) > ttl {
		m.removeLocked(key)
		return nil, false
	}
	me.lastAccess = now
	m.order.MoveToFront(elem)
	return me.entry, true
}

// insert adds e and evicts until the byte bound holds again. Evicted
// entries are returned so the caller can spill them to the next tier.
func (m *memory) insert(e *Entry, now time.Time) []*Entry {
	size := int64(len(e.Payload))

	m.mu.Lock()
	defer m.mu.Unlock()

	// A zero bound disables the tier entirely; the entry goes straight to
	// the caller as a victim for the next tier.
	if m.maxBytes <= 0 {
		return []*Entry{e}
	}

	// At most one entry per key: replace, never duplicate.
	m.removeLocked(e.Key)

	elem := m.order.PushFront(&memEntry{entry: e, lastAccess: now})
	m.items[e.Key] = elem
	m.curBytes += size
	keys, ok := m.byName[e.Key.Name]
	if !ok {
		keys = make(map[Key]struct{})
		m.byName[e.Key.Name] = keys
	}
	keys[e.Key] = struct{}{}

	var victims []*Entry
	for m.curBytes > m.maxBytes {
		victim := m.pickVictimLocked(elem)
		if victim == nil {
			break
		}
		ve := victim.Value.(*memEntry).entry
		m.removeLocked(ve.Key)
		victims = append(victims, ve)
	}
	return victims
}

// pickVictimLocked selects the eviction candidate: the least recently
// used entry, and among entries tied on last-access time, the one with
// the smallest payload. The freshly inserted element is spared unless it
// is all that remains.
func (m *memory) pickVictimLocked(spare *list.Element) *list.Element {
	back := m.order.Back()
	if back == nil {
		return nil
	}
	if back == spare && m.order.Len() == 1 {
		return back
	}

	tieTime := back.Value.(*memEntry).lastAccess
	var best *list.Element
	for elem := back; elem != nil; elem = elem.Prev() {
		me := elem.Value.(*memEntry)
		if !me.lastAccess.Equal(tieTime) {
			break
		}
		if elem == spare {
			continue
		}
		if best == nil || len(me.entry.Payload) < len(best.Value.(*memEntry).entry.Payload) {
			best = elem
		}
	}
	return best
}

// removeIf drops key only while it still holds the given hash, so a
// reader acting on an entry it observed earlier cannot delete a
// replacement inserted in the meantime.
func (m *memory) removeIf(key Key, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[key]; ok && elem.Value.(*memEntry).entry.Hash == hash {
		m.removeLocked(key)
	}
}

func (m *memory) removeLocked(key Key) {
	elem, ok := m.items[key]
	if !ok {
		return
	}
	me := elem.Value.(*memEntry)
	m.order.Remove(elem)
	delete(m.items, key)
	m.curBytes -= int64(len(me.entry.Payload))
	if keys, ok := m.byName[key.Name]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.byName, key.Name)
		}
	}
}

func (m *memory) removeName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byName[name] {
		m.removeLocked(key)
	}
}

func (m *memory) sweep(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Key
	for key, elem := range m.items {
		if elem.Value.(*memEntry).entry.StoredAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		m.removeLocked(key)
	}
	return len(expired)
}

// size reports the tier's current payload byte total.
func (m *memory) size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curBytes
}

// has reports whether key is present without touching recency.
func (m *memory) has(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}
