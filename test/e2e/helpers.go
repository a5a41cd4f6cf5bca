package e2e

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/datasync/internal/repository"
	"github.com/hyperengineering/datasync/internal/table"
	"github.com/hyperengineering/datasync/pkg/datasync"
	"github.com/hyperengineering/datasync/pkg/datasync/offline"
)

// task is the entity exercised by the end-to-end tests.
type task struct {
	datasync.Meta
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// startServer runs a complete sync server over a fresh SQLite database and
// returns its base URL.
func startServer(t *testing.T) string {
	t.Helper()

	db, err := repository.OpenDB(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := repository.NewSQLite[task](db, "tasks")
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	handler, err := table.NewHandler[task](repo)
	if err != nil {
		t.Fatalf("create handler: %v", err)
	}

	srv := table.NewServer("/tables", "", "e2e")
	srv.Mount("tasks", handler.Routes())

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL
}

// newClientStore opens an offline store in its own database, connected to the
// server at baseURL, with the task type registered.
func newClientStore(t *testing.T, baseURL, name string) *offline.Store {
	t.Helper()

	client, err := datasync.NewClient(baseURL + "/tables")
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	store, err := offline.Open(filepath.Join(t.TempDir(), name+".db"), client)
	if err != nil {
		t.Fatalf("open offline store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := offline.RegisterType[task](store, "tasks"); err != nil {
		t.Fatalf("register type: %v", err)
	}
	return store
}
