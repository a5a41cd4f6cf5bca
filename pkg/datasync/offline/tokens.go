package offline

import (
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeltaToken is one replication watermark: the highest updatedAt (in
// milliseconds since epoch) applied for a token id.
type DeltaToken struct {
	ID    string
	Value int64
}

// Time converts the watermark to its timestamp form.
func (t DeltaToken) Time() time.Time { return time.UnixMilli(t.Value).UTC() }

// tokenID derives the delta-token key for a pull request. A nil queryId uses
// the type's qualified name; an empty one fingerprints the user query; a
// non-empty one names the query explicitly.
func tokenID(ti *typeInfo, queryID *string, queryString string) string {
	switch {
	case queryID == nil:
		return ti.name
	case *queryID == "":
		return fmt.Sprintf("q-%s-%x", ti.shortName, md5.Sum([]byte(queryString)))
	default:
		return fmt.Sprintf("q-%s-%s", ti.shortName, *queryID)
	}
}

// DeltaTokens lists the stored watermarks.
func (s *Store) DeltaTokens(ctx context.Context) ([]DeltaToken, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, value FROM datasync_delta_tokens ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("read delta tokens: %w", err)
	}
	defer rows.Close()

	var out []DeltaToken
	for rows.Next() {
		var t DeltaToken
		if err := rows.Scan(&t.ID, &t.Value); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeltaTokenValue returns the stored watermark for id, zero when absent.
func (s *Store) DeltaTokenValue(ctx context.Context, id string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT value FROM datasync_delta_tokens WHERE id = ?", id)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read delta token %s: %w", id, err)
	}
	return value, nil
}

// RemoveDeltaToken forgets a watermark; the next pull for its id transfers
// from the beginning.
func (s *Store) RemoveDeltaToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM datasync_delta_tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove delta token %s: %w", id, err)
	}
	return nil
}

// setToken writes a watermark inside the transaction of the page or pull
// that advanced it.
func setToken(ctx context.Context, tx *sql.Tx, id string, value int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO datasync_delta_tokens (id, value) VALUES (?, ?)
         ON CONFLICT(id) DO UPDATE SET value = excluded.value`, id, value)
	if err != nil {
		return fmt.Errorf("write delta token %s: %w", id, err)
	}
	return nil
}
