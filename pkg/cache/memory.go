package cache

import (
	"context"
	"sync"
)

// MemoryConfig configures the FIFO in-memory provider.
type MemoryConfig struct {
	// MaxEntries bounds each table; the oldest insertion is evicted when the
	// bound is hit. Zero means unbounded.
	MaxEntries int

	// CloneOnAccess deep-copies entries on Get and Set so callers can never
	// mutate stored state.
	CloneOnAccess bool
}

// MemoryProvider is a FIFO-evicting in-memory cache provider.
type MemoryProvider struct {
	id  string
	cfg MemoryConfig

	mu     sync.Mutex
	tables map[string]*memoryBackend
}

// NewMemoryProvider creates a memory provider registered under id.
func NewMemoryProvider(id string, cfg MemoryConfig) *MemoryProvider {
	return &MemoryProvider{
		id:     id,
		cfg:    cfg,
		tables: make(map[string]*memoryBackend),
	}
}

// CacheID implements Provider.
func (p *MemoryProvider) CacheID() string { return p.id }

// Create implements Provider. Backends are shared per table.
func (p *MemoryProvider) Create(table string) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.tables[table]; ok {
		return b, nil
	}
	b := &memoryBackend{
		cfg:     p.cfg,
		entries: make(map[string]*Entry),
	}
	p.tables[table] = b
	return b, nil
}

type memoryBackend struct {
	cfg MemoryConfig

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // insertion order for FIFO eviction
	closed  bool
}

func (b *memoryBackend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *memoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	entry, ok := b.entries[key]
	if !ok {
		Misses.WithLabelValues("memory").Inc()
		return nil, ErrMiss
	}
	Hits.WithLabelValues("memory").Inc()
	if b.cfg.CloneOnAccess {
		return entry.Clone(), nil
	}
	return entry, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if existing, ok := b.entries[key]; ok {
		if entry.Updated.Before(existing.Updated) {
			return nil
		}
		// Overwrite keeps the original queue position.
		b.store(key, entry)
		return nil
	}
	if b.cfg.MaxEntries > 0 && len(b.entries) >= b.cfg.MaxEntries {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
		Evictions.WithLabelValues("memory").Inc()
	}
	b.order = append(b.order, key)
	b.store(key, entry)
	return nil
}

func (b *memoryBackend) store(key string, entry *Entry) {
	if b.cfg.CloneOnAccess {
		entry = entry.Clone()
	}
	b.entries[key] = entry
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.entries[key]; !ok {
		return nil
	}
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *memoryBackend) Clear(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n := len(b.entries)
	b.entries = make(map[string]*Entry)
	b.order = nil
	return n, nil
}

func (b *memoryBackend) Keys(_ context.Context, fn func(string) bool) error {
	b.mu.Lock()
	keys := append([]string(nil), b.order...)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.entries = nil
	b.order = nil
	return nil
}
