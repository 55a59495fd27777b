// Package jobs keeps short-lived records of finished conversion jobs so that
// their status can be reported and their artifacts found again by the
// sweeper. Records are a cache: the artifact file is the source of truth.
package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Record describes a finished job.
type Record struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"source_url"`
	Title     string    `json:"title"`
	Duration  float64   `json:"duration"`
	Thumbnail string    `json:"thumbnail"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry stores job records.
type Registry interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	// CreatedBefore returns the ids of records created before cutoff,
	// oldest first.
	CreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// MemoryRegistry is a Registry held in process memory.
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{jobs: make(map[string]Record)}
}

func (m *MemoryRegistry) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.jobs[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) CreatedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	var old []Record
	for _, rec := range m.jobs {
		if rec.CreatedAt.Before(cutoff) {
			old = append(old, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(old, func(i, j int) bool { return old[i].CreatedAt.Before(old[j].CreatedAt) })
	ids := make([]string, len(old))
	for i, rec := range old {
		ids[i] = rec.ID
	}
	return ids, nil
}

func (m *MemoryRegistry) Close() error { return nil }

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*RedisRegistry)(nil)
)
