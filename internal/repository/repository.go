// Package repository stores entities for the table controller. Two
// implementations share one contract: an in-memory map for tests and small
// deployments, and a SQLite store for durable tables. Both enforce optimistic
// concurrency through version tokens and soft-delete rows rather than
// removing them, so deletions replicate to clients as tombstones.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/datasync/pkg/datasync"
)

// ErrNotFound is returned when no row exists for an id.
var ErrNotFound = errors.New("entity not found")

// ErrGone is returned when the row exists only as a tombstone.
var ErrGone = errors.New("entity deleted")

// ConflictError reports a write rejected by optimistic concurrency: the id
// already exists on Create, or the expected version did not match on Replace
// or Delete. Current holds the row as the store has it.
type ConflictError struct {
	Current any
}

func (e *ConflictError) Error() string { return "entity version conflict" }

// Repository stores entities of one registered type.
//
// Replace and Delete take the version the caller last observed; passing nil
// skips the check (a forced write). All three mutating calls refresh
// UpdatedAt and Version on success, and Delete keeps the row as a tombstone.
type Repository[T any] interface {
	// Queryable returns every row of the type, tombstones included.
	Queryable(ctx context.Context) ([]*T, error)
	Create(ctx context.Context, e *T) error
	Read(ctx context.Context, id string) (*T, error)
	Replace(ctx context.Context, e *T, expectedVersion []byte) error
	Delete(ctx context.Context, id string, expectedVersion []byte) error
	Close() error
}

func metaOf[T any](e *T) (*datasync.Meta, error) {
	entity, ok := any(e).(datasync.Entity)
	if !ok {
		return nil, fmt.Errorf("repository: %T does not embed datasync.Meta", e)
	}
	return entity.EntityMeta(), nil
}

// touch stamps an entity for a successful write: a fresh version token and an
// UpdatedAt strictly later than prev, so the per-row timestamp is monotonic
// even within one millisecond.
func touch(meta *datasync.Meta, prev time.Time) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	meta.UpdatedAt = now
	id := ulid.Make()
	meta.Version = append([]byte(nil), id[:]...)
}

// versionMatches applies the concurrency check: nil expected skips it.
func versionMatches(expected, current []byte) bool {
	if expected == nil {
		return true
	}
	if len(expected) != len(current) {
		return false
	}
	for i := range expected {
		if expected[i] != current[i] {
			return false
		}
	}
	return true
}
