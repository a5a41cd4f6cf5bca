package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/datasync/internal/odata"
	"github.com/hyperengineering/datasync/pkg/datasync"
	"github.com/hyperengineering/datasync/pkg/datasync/query"
)

// ErrPendingOperations is returned when a pull is requested for a type that
// still has queued local mutations. Push first, or the incoming rows would
// silently overwrite them.
var ErrPendingOperations = errors.New("pending operations must be pushed before pulling")

// PullRequest names one table to replicate. Query optionally narrows the
// transfer; QueryID controls which delta token tracks it: nil uses the
// per-type token, the empty string fingerprints the query text, and any other
// value names the token explicitly.
type PullRequest struct {
	Table   string
	Query   *query.Builder
	QueryID *string
}

// PullResult reports how many rows one Pull applied to the local store.
// FailedRequests is keyed by the request URI that failed: an entry with an
// HTTP status carries the server's response body, a zero status a transport
// failure. A failed request ends its own table's transfer without touching
// the delta token for unapplied pages; the other requests finish normally.
type PullResult struct {
	mu             sync.Mutex
	Additions      int
	Replacements   int
	Deletions      int
	FailedRequests map[string]FailedRequest
}

// IsSuccessful reports whether every pull request was fully served.
func (r *PullResult) IsSuccessful() bool { return len(r.FailedRequests) == 0 }

func (r *PullResult) add(additions, replacements, deletions int) {
	r.mu.Lock()
	r.Additions += additions
	r.Replacements += replacements
	r.Deletions += deletions
	r.mu.Unlock()
}

func (r *PullResult) fail(uri string, status int, body []byte) {
	r.mu.Lock()
	r.FailedRequests[uri] = FailedRequest{StatusCode: status, Body: body}
	r.mu.Unlock()
}

// Pull replicates server changes into the local store. With no requests it
// pulls every syncable type with its per-type delta token. Each request walks
// the server's change feed in updatedAt order, applies additions, replacements
// and deletions to the mirror table, and advances the delta token to the
// highest updatedAt it applied. A request that fails against the server is
// recorded on the result while the remaining requests run to completion.
func (s *Store) Pull(ctx context.Context, requests ...PullRequest) (*PullResult, error) {
	if err := s.lockSync(); err != nil {
		return nil, err
	}
	defer s.syncMu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("store has no client; pull requires one")
	}

	if len(requests) == 0 {
		for _, name := range s.syncableTypes() {
			ti, err := s.typeFor(name)
			if err != nil {
				return nil, err
			}
			requests = append(requests, PullRequest{Table: ti.table})
		}
	}

	result := &PullResult{FailedRequests: make(map[string]FailedRequest)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, req := range requests {
		ti, err := s.typeForTable(req.Table)
		if err != nil {
			return nil, err
		}
		if ti.localOnly {
			return nil, fmt.Errorf("type %s is local only", ti.name)
		}
		pending, err := s.hasPending(ctx, []string{ti.name})
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, fmt.Errorf("%w: %s", ErrPendingOperations, ti.name)
		}
		g.Go(func() error { return s.pullType(ctx, ti, req, result) })
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) typeForTable(table string) (*typeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ti := range s.types {
		if ti.table == table {
			return ti, nil
		}
	}
	return nil, fmt.Errorf("%w: table %s", ErrNotRegistered, table)
}

func (s *Store) pullType(ctx context.Context, ti *typeInfo, req PullRequest, result *PullResult) error {
	q := odata.NewQuery()
	if req.Query != nil {
		compiled, err := req.Query.Compile()
		if err != nil {
			return err
		}
		q = compiled
	}

	// The token id is derived from the query as the caller wrote it, before
	// the watermark predicate is spliced in, so it stays stable across pulls.
	tokID := tokenID(ti, req.QueryID, q.QueryString())
	token, err := s.DeltaTokenValue(ctx, tokID)
	if err != nil {
		return err
	}

	if token > 0 {
		q.And(&odata.BinaryNode{
			Op:    odata.OpGt,
			Left:  &odata.MemberAccessNode{Name: "updatedAt"},
			Right: &odata.ConstantNode{Value: DeltaToken{Value: token}.Time()},
		})
	}
	q.Order = []odata.OrderBy{{Field: "updatedAt"}}
	q.Select = nil
	q.Skip = -1
	q.Top = -1
	q.Count = true
	q.IncludeDeleted = true

	rawQuery := q.Values().Encode()
	for rawQuery != "" {
		u := s.client.TableURL(ti.table, "")
		u.RawQuery = rawQuery
		page, failure, err := s.fetchPage(ctx, u)
		if err != nil {
			return err
		}
		if failure != nil {
			// Ends this table's transfer only; pages already applied keep
			// their token advances.
			result.fail(u.String(), failure.StatusCode, failure.Body)
			break
		}
		token, err = s.applyPage(ctx, ti, page.Items, tokID, token, result)
		if err != nil {
			return err
		}
		rawQuery = nextRawQuery(page.NextLink)
	}

	if !s.pageSaves {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()
		if err := setToken(ctx, tx, tokID, token); err != nil {
			return err
		}
		return tx.Commit()
	}
	return nil
}

type pullPage struct {
	Items    []json.RawMessage `json:"items"`
	Count    *int64            `json:"count"`
	NextLink string            `json:"nextLink"`
}

// fetchPage requests one page. A non-200 response or a transport failure is
// returned as a FailedRequest for the caller to record; cancellation and
// malformed pages are errors.
func (s *Store) fetchPage(ctx context.Context, u *url.URL) (*pullPage, *FailedRequest, error) {
	resp, err := s.client.Execute(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		reason, _ := json.Marshal(err.Error())
		return nil, &FailedRequest{Body: reason}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &FailedRequest{StatusCode: resp.StatusCode, Body: raw}, nil
	}
	var page pullPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, nil, fmt.Errorf("decode pull page: %w", err)
	}
	return &page, nil, nil
}

// applyPage writes one page of server rows into the mirror inside a single
// transaction and returns the advanced watermark. Rows older than the current
// watermark are still applied; the token itself never moves backwards.
func (s *Store) applyPage(ctx context.Context, ti *typeInfo, items []json.RawMessage, tokID string, token int64, result *PullResult) (int64, error) {
	if len(items) == 0 {
		return token, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var additions, replacements, deletions int
	for _, raw := range items {
		var meta datasync.Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return token, fmt.Errorf("decode pulled item: %w", err)
		}
		if meta.ID == "" {
			return token, fmt.Errorf("pulled item without id")
		}

		if meta.Deleted {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM local_%s WHERE id = ?", ti.table), meta.ID)
			if err != nil {
				return token, fmt.Errorf("delete local row: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				deletions++
			}
		} else {
			var exists int
			row := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM local_%s WHERE id = ?", ti.table), meta.ID)
			if err := row.Scan(&exists); err != nil {
				return token, fmt.Errorf("check local row: %w", err)
			}
			if err := upsertMirror(ctx, tx, ti.table, &meta, raw); err != nil {
				return token, err
			}
			if exists > 0 {
				replacements++
			} else {
				additions++
			}
		}

		if ms := meta.UpdatedAt.UnixMilli(); ms > token {
			token = ms
		}
	}

	if s.pageSaves {
		if err := setToken(ctx, tx, tokID, token); err != nil {
			return token, err
		}
	}
	if err := tx.Commit(); err != nil {
		return token, fmt.Errorf("commit transaction: %w", err)
	}
	result.add(additions, replacements, deletions)
	return token, nil
}

// nextRawQuery extracts the query string of a nextLink, which the server may
// render as a full URL, an absolute path, or a bare query string.
func nextRawQuery(link string) string {
	if link == "" {
		return ""
	}
	if u, err := url.Parse(link); err == nil && u.RawQuery != "" {
		return u.RawQuery
	}
	return link
}
