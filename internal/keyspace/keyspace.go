// Package keyspace implements the server's string-to-string keyspace: a
// chained hash table that spreads rehash work across subsequent
// insertions (progressive resizing) instead of stalling the event loop on
// a single large rehash.
package keyspace

import "github.com/cespare/xxhash/v2"

// resizeWork bounds how many chain nodes helpResize relocates per call.
const resizeWork = 128

// loadFactorThreshold is the count/bucket-count ratio that triggers a
// resize, provided no resize is already in progress.
const loadFactorThreshold = 8

// initialBuckets is the size of the first table, lazily allocated on the
// first insert.
const initialBuckets = 4

type node struct {
	hcode uint64
	key   string
	value []byte
	next  *node
}

// table is one generation of the chained hash map.
type table struct {
	buckets []*node
	mask    uint64
	count   int
}

func newTable(size int) *table {
	return &table{
		buckets: make([]*node, size),
		mask:    uint64(size - 1),
	}
}

func (t *table) loadFactor() float64 {
	if t == nil || len(t.buckets) == 0 {
		return 0
	}
	return float64(t.count) / float64(t.mask+1)
}

// Map is the chained hash table described by the spec: ht[0] is the
// primary (live) table, ht[1] is the old table during a resize, present
// only while resizeCursor has not yet walked off the end.
type Map struct {
	ht0          *table
	ht1          *table
	resizeCursor int

	// OnResizeWork, if set, is called at the end of each helpResize that
	// finds a resize in progress, with the number of chain nodes
	// relocated in that call (possibly zero); it is not called while no
	// resize is in progress. Used to publish the resize-work counter; optional so
	// keyspace itself stays free of a metrics dependency.
	OnResizeWork func(n int)
}

// New returns an empty keyspace. The first sub-table is allocated lazily
// on the first Insert.
func New() *Map {
	return &Map{}
}

func hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Insert overwrites the value for key if present, otherwise adds a new
// node to ht[0]'s bucket head. Resize help and the resize-start check run
// after every insertion, per the spec's progressive-resize contract.
func (m *Map) Insert(key string, value []byte) {
	if m.ht0 == nil {
		m.ht0 = newTable(initialBuckets)
	}

	h := hash(key)

	if n := findInTable(m.ht0, h, key); n != nil {
		n.value = value
		m.helpResize()
		return
	}
	if m.ht1 != nil {
		if n := findInTable(m.ht1, h, key); n != nil {
			n.value = value
			m.helpResize()
			return
		}
	}

	idx := h & m.ht0.mask
	m.ht0.buckets[idx] = &node{hcode: h, key: key, value: value, next: m.ht0.buckets[idx]}
	m.ht0.count++

	m.helpResize()
	if m.ht1 == nil && m.ht0.loadFactor() > loadFactorThreshold {
		m.startResize()
	}
}

// Lookup returns the value bound to key, if any. It calls helpResize so
// progress is made even under a read-heavy workload.
func (m *Map) Lookup(key string) ([]byte, bool) {
	defer m.helpResize()

	if m.ht0 == nil {
		return nil, false
	}
	h := hash(key)
	if n := findInTable(m.ht0, h, key); n != nil {
		return n.value, true
	}
	if m.ht1 != nil {
		if n := findInTable(m.ht1, h, key); n != nil {
			return n.value, true
		}
	}
	return nil, false
}

// Remove detaches the node bound to key from whichever sub-table holds
// it, returning whether a node was removed.
func (m *Map) Remove(key string) bool {
	defer m.helpResize()

	if m.ht0 == nil {
		return false
	}
	h := hash(key)
	if detachFromTable(m.ht0, h, key) {
		return true
	}
	if m.ht1 != nil {
		return detachFromTable(m.ht1, h, key)
	}
	return false
}

// Keys returns every key currently bound, across both sub-tables, in
// unspecified order.
func (m *Map) Keys() []string {
	var keys []string
	if m.ht0 != nil {
		keys = appendKeys(keys, m.ht0)
	}
	if m.ht1 != nil {
		keys = appendKeys(keys, m.ht1)
	}
	return keys
}

// Len returns the total live entry count across both sub-tables.
func (m *Map) Len() int {
	n := 0
	if m.ht0 != nil {
		n += m.ht0.count
	}
	if m.ht1 != nil {
		n += m.ht1.count
	}
	return n
}

// Resizing reports whether a progressive resize is currently in flight.
// Exposed for tests and for metrics (§8's "regardless of concurrent
// resize state" invariant is otherwise untestable from outside).
func (m *Map) Resizing() bool {
	return m.ht1 != nil
}

func findInTable(t *table, h uint64, key string) *node {
	if t == nil {
		return nil
	}
	cur := t.buckets[h&t.mask]
	for cur != nil {
		if cur.hcode == h && cur.key == key {
			return cur
		}
		cur = cur.next
	}
	return nil
}

func detachFromTable(t *table, h uint64, key string) bool {
	if t == nil {
		return false
	}
	idx := h & t.mask
	cur := t.buckets[idx]
	var prev *node
	for cur != nil {
		if cur.hcode == h && cur.key == key {
			if prev == nil {
				t.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			t.count--
			return true
		}
		prev = cur
		cur = cur.next
	}
	return false
}

func appendKeys(keys []string, t *table) []string {
	for _, head := range t.buckets {
		for cur := head; cur != nil; cur = cur.next {
			keys = append(keys, cur.key)
		}
	}
	return keys
}

// startResize moves ht[0] into ht[1] and allocates a fresh, doubled ht[0].
// Precondition: ht[1] is empty (callers only reach this when m.ht1 == nil).
func (m *Map) startResize() {
	m.ht1 = m.ht0
	m.ht0 = newTable(int(m.ht1.mask+1) * 2)
	m.resizeCursor = 0
}

// helpResize performs at most resizeWork units of relocation from ht[1]
// into ht[0], advancing resizeCursor across empty buckets. When ht[1]
// empties out entirely, it is freed.
func (m *Map) helpResize() {
	if m.ht1 == nil {
		return
	}

	work := 0
	defer func() {
		if m.OnResizeWork != nil {
			m.OnResizeWork(work)
		}
	}()
	for work < resizeWork && m.resizeCursor < len(m.ht1.buckets) {
		head := m.ht1.buckets[m.resizeCursor]
		if head == nil {
			m.resizeCursor++
			continue
		}

		// Detach the chain head and re-insert it into ht[0].
		m.ht1.buckets[m.resizeCursor] = head.next
		m.ht1.count--

		idx := head.hcode & m.ht0.mask
		head.next = m.ht0.buckets[idx]
		m.ht0.buckets[idx] = head
		m.ht0.count++

		work++
	}

	if m.ht1.count == 0 {
		m.ht1 = nil
		m.resizeCursor = 0
	}
}
