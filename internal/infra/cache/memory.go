package cache

import (
	"context"
	"sync"
	"time"

	"tg-forward-bot/internal/domain"
)

// MemoryGuard — вариант RelayGuard в памяти процесса, когда Redis не настроен.
type MemoryGuard struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]time.Time
}

var _ domain.RelayGuard = (*MemoryGuard)(nil)

// NewMemory создаёт guard в памяти.
func NewMemory() *MemoryGuard {
	return &MemoryGuard{now: time.Now, entries: make(map[string]time.Time)}
}

// Once выполняет функцию, если ключ не занят или его срок истёк.
func (g *MemoryGuard) Once(_ context.Context, key string, ttl time.Duration, fn func() error) error {
	g.mu.Lock()
	now := g.now()
	if expires, ok := g.entries[key]; ok && now.Before(expires) {
		g.mu.Unlock()
		return nil
	}
	g.entries[key] = now.Add(ttl)
	g.sweep(now)
	g.mu.Unlock()

	if err := fn(); err != nil {
		g.mu.Lock()
		delete(g.entries, key)
		g.mu.Unlock()
		return err
	}
	return nil
}

// sweep удаляет просроченные ключи; вызывается под g.mu.
func (g *MemoryGuard) sweep(now time.Time) {
	for key, expires := range g.entries {
		if !now.Before(expires) {
			delete(g.entries, key)
		}
	}
}
