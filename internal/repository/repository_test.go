package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/datasync/pkg/datasync"
)

type note struct {
	datasync.Meta
	Text string `json:"text"`
}

func newNote(id, text string) *note {
	n := &note{Text: text}
	n.ID = id
	return n
}

func repos(t *testing.T) map[string]Repository[note] {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	sqlite, err := NewSQLite[note](db, "notes")
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Repository[note]{
		"inmem":  NewInMemory[note](),
		"sqlite": sqlite,
	}
}

func TestRepository_CreateAndRead(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := newNote("n1", "hello")
			if err := repo.Create(ctx, n); err != nil {
				t.Fatal(err)
			}
			if len(n.Version) == 0 {
				t.Error("Expected a version token after create")
			}
			if n.UpdatedAt.IsZero() {
				t.Error("Expected UpdatedAt to be stamped")
			}

			got, err := repo.Read(ctx, "n1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Text != "hello" {
				t.Errorf("Expected text hello, got %q", got.Text)
			}
			if !datasync.ETagMatches([]string{datasync.ETag(n.Version)}, got.Version) {
				t.Error("Stored version differs from the stamped one")
			}
		})
	}
}

func TestRepository_CreateDuplicate(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.Create(ctx, newNote("n1", "first")); err != nil {
				t.Fatal(err)
			}
			err := repo.Create(ctx, newNote("n1", "second"))
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("Expected ConflictError, got %v", err)
			}
			current, ok := conflict.Current.(*note)
			if !ok || current.Text != "first" {
				t.Errorf("Expected conflict to carry the stored row, got %#v", conflict.Current)
			}
		})
	}
}

func TestRepository_ReplaceVersioning(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := newNote("n1", "v1")
			if err := repo.Create(ctx, n); err != nil {
				t.Fatal(err)
			}
			firstVersion := append([]byte(nil), n.Version...)
			firstStamp := n.UpdatedAt

			n.Text = "v2"
			if err := repo.Replace(ctx, n, firstVersion); err != nil {
				t.Fatal(err)
			}
			if datasync.ETag(n.Version) == datasync.ETag(firstVersion) {
				t.Error("Expected a new version after replace")
			}
			if !n.UpdatedAt.After(firstStamp) {
				t.Error("Expected UpdatedAt to advance monotonically")
			}

			// Stale version must fail and surface the current row.
			stale := newNote("n1", "v3")
			err := repo.Replace(ctx, stale, firstVersion)
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("Expected ConflictError, got %v", err)
			}
			if conflict.Current.(*note).Text != "v2" {
				t.Errorf("Expected current row v2, got %q", conflict.Current.(*note).Text)
			}
		})
	}
}

func TestRepository_ReplaceUnchecked(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.Create(ctx, newNote("n1", "v1")); err != nil {
				t.Fatal(err)
			}
			forced := newNote("n1", "forced")
			if err := repo.Replace(ctx, forced, nil); err != nil {
				t.Fatalf("Expected nil expected-version to force the write, got %v", err)
			}
		})
	}
}

func TestRepository_ReplaceMissing(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			err := repo.Replace(context.Background(), newNote("ghost", "x"), nil)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRepository_DeleteAndTombstone(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := newNote("n1", "doomed")
			if err := repo.Create(ctx, n); err != nil {
				t.Fatal(err)
			}
			if err := repo.Delete(ctx, "n1", n.Version); err != nil {
				t.Fatal(err)
			}

			got, err := repo.Read(ctx, "n1")
			if err != nil {
				t.Fatal(err)
			}
			if !got.Deleted {
				t.Error("Expected a tombstone after delete")
			}
			if !got.UpdatedAt.After(n.UpdatedAt) {
				t.Error("Expected the tombstone to carry a fresh timestamp")
			}

			if err := repo.Delete(ctx, "n1", nil); !errors.Is(err, ErrGone) {
				t.Errorf("Expected ErrGone on double delete, got %v", err)
			}
			if err := repo.Replace(ctx, newNote("n1", "zombie"), nil); !errors.Is(err, ErrGone) {
				t.Errorf("Expected ErrGone replacing a tombstone, got %v", err)
			}
		})
	}
}

func TestRepository_DeleteWrongVersion(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.Create(ctx, newNote("n1", "x")); err != nil {
				t.Fatal(err)
			}
			err := repo.Delete(ctx, "n1", []byte("not-the-version"))
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Errorf("Expected ConflictError, got %v", err)
			}
		})
	}
}

func TestRepository_QueryableIncludesTombstones(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newNote("a", "live")
			b := newNote("b", "dead")
			if err := repo.Create(ctx, a); err != nil {
				t.Fatal(err)
			}
			if err := repo.Create(ctx, b); err != nil {
				t.Fatal(err)
			}
			if err := repo.Delete(ctx, "b", b.Version); err != nil {
				t.Fatal(err)
			}
			rows, err := repo.Queryable(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 2 {
				t.Fatalf("Expected 2 rows including the tombstone, got %d", len(rows))
			}
		})
	}
}

func TestRepository_PurgeTombstones(t *testing.T) {
	type purger interface {
		PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error)
	}
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := newNote("n1", "old")
			if err := repo.Create(ctx, n); err != nil {
				t.Fatal(err)
			}
			if err := repo.Delete(ctx, "n1", n.Version); err != nil {
				t.Fatal(err)
			}

			p := repo.(purger)
			purged, err := p.PurgeTombstones(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if purged != 0 {
				t.Errorf("Expected recent tombstone to survive, purged %d", purged)
			}

			purged, err = p.PurgeTombstones(ctx, time.Now().Add(time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if purged != 1 {
				t.Errorf("Expected 1 purge, got %d", purged)
			}
			if _, err := repo.Read(ctx, "n1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected the row to be gone, got %v", err)
			}
		})
	}
}

func TestRepository_MonotonicWithinMillisecond(t *testing.T) {
	repo := NewInMemory[note]()
	ctx := context.Background()
	n := newNote("n1", "a")
	if err := repo.Create(ctx, n); err != nil {
		t.Fatal(err)
	}
	prev := n.UpdatedAt
	for i := 0; i < 5; i++ {
		n.Text = "b"
		if err := repo.Replace(ctx, n, n.Version); err != nil {
			t.Fatal(err)
		}
		if !n.UpdatedAt.After(prev) {
			t.Fatalf("UpdatedAt did not advance on iteration %d", i)
		}
		prev = n.UpdatedAt
	}
}
