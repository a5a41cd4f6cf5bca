// Package offline implements the client-side synchronization engine: a
// SQLite-backed local entity store, a durable operations queue that collapses
// redundant mutations, delta-token watermarks, and the push/pull drivers that
// reconcile the local store with server tables.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/datasync/internal/entity"
	"github.com/hyperengineering/datasync/pkg/datasync"
)

// ErrSyncRunning is returned when a push or pull is requested while another
// push or pull is already running on the same store.
var ErrSyncRunning = errors.New("a push or pull is already running")

// ErrNotRegistered is returned for operations on a type the store does not
// know.
var ErrNotRegistered = errors.New("type not registered")

// ErrNotFound is returned when the local store has no row for an id.
var ErrNotFound = errors.New("entity not found in local store")

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const engineSchema = `
CREATE TABLE IF NOT EXISTS datasync_operations_queue (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind INTEGER NOT NULL,
    type_name TEXT NOT NULL,
    item_id TEXT NOT NULL,
    item TEXT,
    state INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    last_attempt INTEGER,
    result TEXT,
    http_status_code INTEGER,
    UNIQUE (type_name, item_id)
);
CREATE TABLE IF NOT EXISTS datasync_delta_tokens (
    id TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);`

// Store is the client's local database: one mirror table per registered type
// plus the engine tables for the queue and the delta tokens. All mutations
// run through the queue so they replay against the server on Push.
type Store struct {
	db     *sql.DB
	client *datasync.Client

	mu    sync.RWMutex
	types map[string]*typeInfo

	syncMu      sync.Mutex // held for the duration of a push or pull
	parallelism int
	pageSaves   bool
}

type typeInfo struct {
	name      string // qualified Go type name, the default token id
	shortName string
	table     string // server table and local mirror name
	model     *entity.Model
	typ       reflect.Type
	localOnly bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithParallelism bounds how many types push and pull work on concurrently.
func WithParallelism(n int) StoreOption {
	return func(s *Store) {
		if n >= 1 {
			s.parallelism = n
		}
	}
}

// WithDeferredTokenSaves advances the delta token once per pull instead of
// after every applied page. Page saves are the default: they make an
// interrupted pull resumable at the cost of a commit per service request.
func WithDeferredTokenSaves() StoreOption {
	return func(s *Store) { s.pageSaves = false }
}

// Open creates or opens the local store database and prepares the engine
// tables. The client is used by Push and Pull; it may be nil for a store
// used purely offline.
func Open(path string, client *datasync.Client, opts ...StoreOption) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(engineSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create engine tables: %w", err)
	}

	s := &Store{
		db:          db,
		client:      client,
		types:       make(map[string]*typeInfo),
		parallelism: 1,
		pageSaves:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the local database.
func (s *Store) Close() error { return s.db.Close() }

// TypeOption configures a registered type.
type TypeOption func(*typeInfo)

// LocalOnly marks the type as non-synchronizable: its mutations bypass the
// queue and it is excluded from push and pull.
func LocalOnly() TypeOption {
	return func(ti *typeInfo) { ti.localOnly = true }
}

// RegisterType binds T to a server table name and creates its local mirror
// table. T must be a struct embedding datasync.Meta.
func RegisterType[T any](s *Store, table string, opts ...TypeOption) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	model, err := entity.ModelOf[T]()
	if err != nil {
		return err
	}
	var zero T
	typ := reflect.TypeOf(zero)

	ti := &typeInfo{
		name:      model.QualifiedName(),
		shortName: model.TypeName(),
		table:     table,
		model:     model,
		typ:       typ,
	}
	for _, opt := range opts {
		opt(ti)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS local_%[1]s (
    id TEXT PRIMARY KEY,
    updated_at INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL
);`, table)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create mirror table for %s: %w", table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.types[ti.name]; dup {
		return fmt.Errorf("type %s already registered", ti.name)
	}
	s.types[ti.name] = ti
	return nil
}

func (s *Store) typeFor(name string) (*typeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ti, ok := s.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return ti, nil
}

func typeInfoOf[T any](s *Store) (*typeInfo, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ti := range s.types {
		if ti.typ == typ {
			return ti, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRegistered, typ)
}

// syncableTypes returns the registered non-local-only type names.
func (s *Store) syncableTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.types))
	for name, ti := range s.types {
		if !ti.localOnly {
			names = append(names, name)
		}
	}
	return names
}

func metaFor[T any](e *T) (*datasync.Meta, error) {
	ent, ok := any(e).(datasync.Entity)
	if !ok {
		return nil, fmt.Errorf("offline: %T does not embed datasync.Meta", e)
	}
	return ent.EntityMeta(), nil
}

// Insert stores a new entity locally and queues an Add. A missing id is
// assigned; an invalid one fails the whole operation.
func Insert[T any](ctx context.Context, s *Store, e *T) error {
	ti, err := typeInfoOf[T](s)
	if err != nil {
		return err
	}
	meta, err := metaFor(e)
	if err != nil {
		return err
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	return s.mutate(ctx, ti, opAdd, meta, e)
}

// Update stores a changed entity locally and queues a Replace.
func Update[T any](ctx context.Context, s *Store, e *T) error {
	ti, err := typeInfoOf[T](s)
	if err != nil {
		return err
	}
	meta, err := metaFor(e)
	if err != nil {
		return err
	}
	return s.mutate(ctx, ti, opReplace, meta, e)
}

// Delete removes the entity locally and queues a Delete carrying the
// entity's last known version for the If-Match precondition.
func Delete[T any](ctx context.Context, s *Store, e *T) error {
	ti, err := typeInfoOf[T](s)
	if err != nil {
		return err
	}
	meta, err := metaFor(e)
	if err != nil {
		return err
	}
	return s.mutate(ctx, ti, opDelete, meta, e)
}

// mutate applies one local write and its queue capture atomically.
func (s *Store) mutate(ctx context.Context, ti *typeInfo, kind operationKind, meta *datasync.Meta, e any) error {
	if !datasync.ValidID(meta.ID) {
		return fmt.Errorf("invalid entity id %q", meta.ID)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch kind {
	case opDelete:
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM local_%s WHERE id = ?", ti.table), meta.ID); err != nil {
			return fmt.Errorf("delete local row: %w", err)
		}
	default:
		if err := upsertMirror(ctx, tx, ti.table, meta, payload); err != nil {
			return err
		}
	}

	if !ti.localOnly {
		if err := s.enqueue(ctx, tx, ti, kind, meta.ID, payload); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func upsertMirror(ctx context.Context, tx *sql.Tx, table string, meta *datasync.Meta, payload []byte) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO local_%[1]s (id, updated_at, payload) VALUES (?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, payload = excluded.payload`,
		table), meta.ID, meta.UpdatedAt.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("write local row: %w", err)
	}
	return nil
}

// Get reads one entity from the local store.
func Get[T any](ctx context.Context, s *Store, id string) (*T, error) {
	ti, err := typeInfoOf[T](s)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT payload FROM local_%s WHERE id = ?", ti.table), id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read local row: %w", err)
	}
	e := new(T)
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return nil, fmt.Errorf("decode local row: %w", err)
	}
	return e, nil
}

// List reads all local entities of T ordered by id.
func List[T any](ctx context.Context, s *Store) ([]*T, error) {
	ti, err := typeInfoOf[T](s)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM local_%s ORDER BY id", ti.table))
	if err != nil {
		return nil, fmt.Errorf("list local rows: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e := new(T)
		if err := json.Unmarshal([]byte(payload), e); err != nil {
			return nil, fmt.Errorf("decode local row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockSync guards push/pull mutual exclusion without blocking.
func (s *Store) lockSync() error {
	if !s.syncMu.TryLock() {
		return ErrSyncRunning
	}
	return nil
}
