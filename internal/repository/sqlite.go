package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/datasync/pkg/datasync"
)

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// OpenDB opens the SQLite database for table storage, creating the parent
// directory when needed, and applies the standard pragmas.
func OpenDB(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	return db, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// SQLite is a Repository over one SQLite table. The synchronization columns
// are stored separately for indexing; the full entity rides along as a JSON
// payload and is the source of truth for domain fields.
type SQLite[T any] struct {
	db    *sql.DB
	table string
}

// NewSQLite binds a repository to the named table on an open database,
// creating the table and its tombstone index when missing.
func NewSQLite[T any](db *sql.DB, table string) (*SQLite[T], error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	var zero T
	if _, err := metaOf(&zero); err != nil {
		return nil, err
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    updated_at INTEGER NOT NULL,
    version BLOB NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_updated_at ON %[1]s(updated_at);`, table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQLite[T]{db: db, table: table}, nil
}

func (r *SQLite[T]) Queryable(ctx context.Context) ([]*T, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s ORDER BY id", r.table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.table, err)
		}
		e := new(T)
		if err := json.Unmarshal([]byte(payload), e); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", r.table, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLite[T]) Create(ctx context.Context, e *T) error {
	meta, err := metaOf(e)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		current, _, err := r.readRow(ctx, tx, meta.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if current != nil {
			return &ConflictError{Current: current}
		}
		meta.Deleted = false
		touch(meta, meta.UpdatedAt)
		return r.writeRow(ctx, tx, e, meta, true)
	})
}

func (r *SQLite[T]) Read(ctx context.Context, id string) (*T, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE id = ?", r.table), id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s/%s: %w", r.table, id, err)
	}
	e := new(T)
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", r.table, id, err)
	}
	return e, nil
}

func (r *SQLite[T]) Replace(ctx context.Context, e *T, expectedVersion []byte) error {
	meta, err := metaOf(e)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		current, currentMeta, err := r.readRow(ctx, tx, meta.ID)
		if err != nil {
			return err
		}
		if currentMeta.Deleted {
			return ErrGone
		}
		if !versionMatches(expectedVersion, currentMeta.Version) {
			return &ConflictError{Current: current}
		}
		meta.Deleted = false
		touch(meta, currentMeta.UpdatedAt)
		return r.writeRow(ctx, tx, e, meta, false)
	})
}

func (r *SQLite[T]) Delete(ctx context.Context, id string, expectedVersion []byte) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		current, currentMeta, err := r.readRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if currentMeta.Deleted {
			return ErrGone
		}
		if !versionMatches(expectedVersion, currentMeta.Version) {
			return &ConflictError{Current: current}
		}
		currentMeta.Deleted = true
		touch(currentMeta, currentMeta.UpdatedAt)
		return r.writeRow(ctx, tx, current, currentMeta, false)
	})
}

// PurgeTombstones removes soft-deleted rows last touched before cutoff.
func (r *SQLite[T]) PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE deleted = 1 AND updated_at < ?", r.table),
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", r.table, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close is a no-op; the shared database handle is owned by the caller.
func (r *SQLite[T]) Close() error { return nil }

func (r *SQLite[T]) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLite[T]) readRow(ctx context.Context, tx *sql.Tx, id string) (*T, *datasync.Meta, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE id = ?", r.table), id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read %s/%s: %w", r.table, id, err)
	}
	e := new(T)
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return nil, nil, fmt.Errorf("decode %s/%s: %w", r.table, id, err)
	}
	meta, err := metaOf(e)
	if err != nil {
		return nil, nil, err
	}
	return e, meta, nil
}

func (r *SQLite[T]) writeRow(ctx context.Context, tx *sql.Tx, e *T, meta *datasync.Meta, insert bool) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", r.table, meta.ID, err)
	}
	var stmt string
	if insert {
		stmt = fmt.Sprintf(
			"INSERT INTO %s (id, updated_at, version, deleted, payload) VALUES (?, ?, ?, ?, ?)", r.table)
		_, err = tx.ExecContext(ctx, stmt,
			meta.ID, meta.UpdatedAt.UnixMilli(), meta.Version, boolInt(meta.Deleted), string(payload))
	} else {
		stmt = fmt.Sprintf(
			"UPDATE %s SET updated_at = ?, version = ?, deleted = ?, payload = ? WHERE id = ?", r.table)
		_, err = tx.ExecContext(ctx, stmt,
			meta.UpdatedAt.UnixMilli(), meta.Version, boolInt(meta.Deleted), string(payload), meta.ID)
	}
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", r.table, meta.ID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DatabaseBackup produces consistent point-in-time copies of an open database.
type DatabaseBackup struct {
	db *sql.DB
}

// NewDatabaseBackup wraps the shared database handle for backup use.
func NewDatabaseBackup(db *sql.DB) *DatabaseBackup {
	return &DatabaseBackup{db: db}
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO, which snapshots all tables in a single implicit transaction.
// VACUUM INTO refuses to overwrite, so any stale copy is removed first.
func (b *DatabaseBackup) BackupTo(ctx context.Context, destPath string) error {
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale backup %s: %w", destPath, err)
	}
	if _, err := b.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}
