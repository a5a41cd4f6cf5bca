package repository

import (
	"context"
	"sync"
	"time"
)

// InMemory is a map-backed Repository. Rows are stored as shallow copies so
// callers cannot mutate the store through returned pointers; entity structs
// are flat value types, which makes the shallow copy a real snapshot.
type InMemory[T any] struct {
	mu   sync.RWMutex
	rows map[string]*T
}

// NewInMemory returns an empty in-memory repository.
func NewInMemory[T any]() *InMemory[T] {
	return &InMemory[T]{rows: make(map[string]*T)}
}

func clone[T any](e *T) *T {
	c := *e
	return &c
}

func (r *InMemory[T]) Queryable(ctx context.Context) ([]*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*T, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, clone(row))
	}
	return out, nil
}

func (r *InMemory[T]) Create(ctx context.Context, e *T) error {
	meta, err := metaOf(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[meta.ID]; ok {
		return &ConflictError{Current: clone(existing)}
	}
	meta.Deleted = false
	touch(meta, meta.UpdatedAt)
	r.rows[meta.ID] = clone(e)
	return nil
}

func (r *InMemory[T]) Read(ctx context.Context, id string) (*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(row), nil
}

func (r *InMemory[T]) Replace(ctx context.Context, e *T, expectedVersion []byte) error {
	meta, err := metaOf(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rows[meta.ID]
	if !ok {
		return ErrNotFound
	}
	currentMeta, err := metaOf(current)
	if err != nil {
		return err
	}
	if currentMeta.Deleted {
		return ErrGone
	}
	if !versionMatches(expectedVersion, currentMeta.Version) {
		return &ConflictError{Current: clone(current)}
	}
	meta.Deleted = false
	touch(meta, currentMeta.UpdatedAt)
	r.rows[meta.ID] = clone(e)
	return nil
}

func (r *InMemory[T]) Delete(ctx context.Context, id string, expectedVersion []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	currentMeta, err := metaOf(current)
	if err != nil {
		return err
	}
	if currentMeta.Deleted {
		return ErrGone
	}
	if !versionMatches(expectedVersion, currentMeta.Version) {
		return &ConflictError{Current: clone(current)}
	}
	tombstone := clone(current)
	meta, err := metaOf(tombstone)
	if err != nil {
		return err
	}
	meta.Deleted = true
	touch(meta, currentMeta.UpdatedAt)
	r.rows[id] = tombstone
	return nil
}

// PurgeTombstones removes soft-deleted rows last touched before cutoff and
// reports how many were dropped. Purged deletions no longer replicate to
// clients that pull afterward.
func (r *InMemory[T]) PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for id, row := range r.rows {
		meta, err := metaOf(row)
		if err != nil {
			return purged, err
		}
		if meta.Deleted && meta.UpdatedAt.Before(cutoff) {
			delete(r.rows, id)
			purged++
		}
	}
	return purged, nil
}

func (r *InMemory[T]) Close() error { return nil }
