package main

import (
	"database/sql"

	"github.com/hyperengineering/datasync/internal/config"
	"github.com/hyperengineering/datasync/internal/repository"
	"github.com/hyperengineering/datasync/internal/table"
	"github.com/hyperengineering/datasync/internal/worker"
	"github.com/hyperengineering/datasync/pkg/datasync"
)

// Movie is the entity served by the bundled movies table.
type Movie struct {
	datasync.Meta
	Title    string  `json:"title"`
	Year     int     `json:"year"`
	Duration int     `json:"duration"`
	Rating   float64 `json:"rating"`
}

// registerTables mounts every served table on the server and returns the
// purgers keyed by table name for the tombstone retention worker.
func registerTables(srv *table.Server, db *sql.DB, cfg *config.Config) (map[string]worker.Purger, error) {
	purgers := make(map[string]worker.Purger)

	if err := mount[Movie](srv, db, cfg, "movies", purgers); err != nil {
		return nil, err
	}

	return purgers, nil
}

func mount[T any](srv *table.Server, db *sql.DB, cfg *config.Config, name string, purgers map[string]worker.Purger) error {
	repo, err := repository.NewSQLite[T](db, name)
	if err != nil {
		return err
	}
	h, err := table.NewHandler[T](repo,
		table.WithPageSize[T](cfg.Tables.PageSize),
		table.WithMaxTop[T](cfg.Tables.MaxTop))
	if err != nil {
		return err
	}
	srv.Mount(name, h.Routes())
	purgers[name] = repo
	return nil
}
