package cache

import (
	"context"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoConfig configures the LRU in-memory provider.
type RistrettoConfig struct {
	// MaxEntries bounds each table (each entry has a cost of 1).
	MaxEntries int64

	// CloneOnAccess deep-copies entries on Get and Set.
	CloneOnAccess bool
}

// RistrettoProvider is an in-memory LRU provider with per-entry TTLs derived
// from the entry's freshness lifetime.
type RistrettoProvider struct {
	id  string
	cfg RistrettoConfig

	mu     sync.Mutex
	tables map[string]*ristrettoBackend
}

// NewRistrettoProvider creates an LRU provider registered under id.
func NewRistrettoProvider(id string, cfg RistrettoConfig) *RistrettoProvider {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	return &RistrettoProvider{
		id:     id,
		cfg:    cfg,
		tables: make(map[string]*ristrettoBackend),
	}
}

// CacheID implements Provider.
func (p *RistrettoProvider) CacheID() string { return p.id }

// Create implements Provider. Backends are shared per table.
func (p *RistrettoProvider) Create(table string) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.tables[table]; ok {
		return b, nil
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: p.cfg.MaxEntries * 10,
		MaxCost:     p.cfg.MaxEntries,
		BufferItems: 64,

		// Count only the explicit cost of 1 per entry against MaxCost.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	b := &ristrettoBackend{
		rc:    rc,
		clone: p.cfg.CloneOnAccess,
		keys:  make(map[string]struct{}),
	}
	p.tables[table] = b
	return b, nil
}

type ristrettoBackend struct {
	rc    *ristretto.Cache[string, *Entry]
	clone bool

	// ristretto does not enumerate, so a side index tracks live keys.
	mu     sync.Mutex
	keys   map[string]struct{}
	closed bool
}

func (b *ristrettoBackend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *ristrettoBackend) Get(_ context.Context, key string) (*Entry, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	entry, ok := b.rc.Get(key)
	if !ok {
		b.mu.Lock()
		delete(b.keys, key)
		b.mu.Unlock()
		Misses.WithLabelValues("ristretto").Inc()
		return nil, ErrMiss
	}
	Hits.WithLabelValues("ristretto").Inc()
	if b.clone {
		return entry.Clone(), nil
	}
	return entry, nil
}

func (b *ristrettoBackend) Set(_ context.Context, key string, entry *Entry) error {
	if b.isClosed() {
		return ErrClosed
	}
	if existing, ok := b.rc.Get(key); ok && entry.Updated.Before(existing.Updated) {
		return nil
	}
	if b.clone {
		entry = entry.Clone()
	}
	if ttl, ok := entry.RetentionTTL(); ok {
		b.rc.SetWithTTL(key, entry, 1, ttl)
	} else {
		b.rc.Set(key, entry, 1)
	}
	b.rc.Wait()
	b.mu.Lock()
	b.keys[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *ristrettoBackend) Delete(_ context.Context, key string) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.rc.Del(key)
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
	return nil
}

func (b *ristrettoBackend) Clear(_ context.Context) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	b.rc.Clear()
	b.mu.Lock()
	n := len(b.keys)
	b.keys = make(map[string]struct{})
	b.mu.Unlock()
	return n, nil
}

func (b *ristrettoBackend) Keys(_ context.Context, fn func(string) bool) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.mu.Lock()
	keys := make([]string, 0, len(b.keys))
	for k := range b.keys {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	for _, k := range keys {
		// The index may lag behind TTL expiry; only report live keys.
		if _, ok := b.rc.Get(k); !ok {
			continue
		}
		if !fn(k) {
			return nil
		}
	}
	return nil
}

func (b *ristrettoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.keys = nil
	b.rc.Close()
	return nil
}

func (b *ristrettoBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
