package scrape

import (
	"sync"
	"time"
)

// memo is a small in-memory TTL cache of fetched documents.
type memo struct {
	mu    sync.RWMutex
	items map[string]memoEntry
	ttl   time.Duration
	now   func() time.Time
}

type memoEntry struct {
	doc     *Document
	fetched time.Time
}

func newMemo(ttl time.Duration, now func() time.Time) *memo {
	return &memo{items: make(map[string]memoEntry), ttl: ttl, now: now}
}

// get returns a fresh entry. Stale entries are dropped.
func (m *memo) get(key string) (*Document, bool) {
	if m.ttl <= 0 {
		return nil, false
	}
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.now().Sub(e.fetched) > m.ttl {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.doc, true
}

func (m *memo) set(key string, doc *Document) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.items {
		if now.Sub(e.fetched) > m.ttl {
			delete(m.items, k)
		}
	}
	m.items[key] = memoEntry{doc: doc, fetched: now}
}
