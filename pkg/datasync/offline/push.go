package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/datasync/pkg/datasync"
)

// FailedRequest captures the server response that rejected a pushed
// operation.
type FailedRequest struct {
	StatusCode int
	Body       json.RawMessage
}

// PushResult reports what one Push accomplished. FailedRequests is keyed by
// operation id. An entry with an HTTP status is a server rejection and its
// queue record stays failed until ResetFailedOperations or a new local
// mutation collapses into it; a zero status is a transport failure whose
// operation stays pending for the next push.
type PushResult struct {
	mu             sync.Mutex
	Completed      int
	FailedRequests map[string]FailedRequest
}

// IsSuccessful reports whether every pushed operation was accepted.
func (r *PushResult) IsSuccessful() bool { return len(r.FailedRequests) == 0 }

func (r *PushResult) complete() {
	r.mu.Lock()
	r.Completed++
	r.mu.Unlock()
}

func (r *PushResult) fail(opID string, status int, body []byte) {
	r.mu.Lock()
	r.FailedRequests[opID] = FailedRequest{StatusCode: status, Body: body}
	r.mu.Unlock()
}

// Push replays the queued operations for the named types (all syncable types
// when none are given) against the server, in sequence order per type. Each
// accepted operation leaves the queue and, for adds and replaces, refreshes
// the local mirror with the server's copy. A rejected operation is marked
// failed with the server response recorded and only that entity stops
// synchronizing; operations for other entities are still attempted. A
// transport failure leaves the operation pending, records a failed-request
// entry, and stops that type so the next push resumes in the same order;
// other types keep pushing.
func (s *Store) Push(ctx context.Context, types ...string) (*PushResult, error) {
	if err := s.lockSync(); err != nil {
		return nil, err
	}
	defer s.syncMu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("store has no client; push requires one")
	}
	if len(types) == 0 {
		types = s.syncableTypes()
	}

	result := &PushResult{FailedRequests: make(map[string]FailedRequest)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, name := range types {
		ti, err := s.typeFor(name)
		if err != nil {
			return nil, err
		}
		if ti.localOnly {
			return nil, fmt.Errorf("type %s is local only", name)
		}
		g.Go(func() error { return s.pushType(ctx, ti, result) })
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) pushType(ctx context.Context, ti *typeInfo, result *PushResult) error {
	ops, err := s.operationsForType(ctx, ti.name)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.State == stateFailed {
			// Still blocked on its recorded rejection; the queue holds at
			// most one operation per entity, so skipping it strands only
			// this entity.
			continue
		}
		halt, err := s.pushOperation(ctx, ti, op, result)
		if err != nil {
			return err
		}
		if halt {
			return nil
		}
	}
	return nil
}

// pushOperation sends one queued mutation. A server verdict, accepting or
// rejecting, lets the type continue with its next operation. When the request
// never reaches a verdict the operation is put back to pending and the type
// halts so the next push resumes here; cancellation is returned as an error,
// any other transport failure is recorded on the result instead.
func (s *Store) pushOperation(ctx context.Context, ti *typeInfo, op *Operation, result *PushResult) (halt bool, err error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE datasync_operations_queue SET state = ?, last_attempt = ? WHERE id = ?",
		int(stateAttempted), time.Now().UnixMilli(), op.ID); err != nil {
		return false, fmt.Errorf("mark operation attempted: %w", err)
	}

	var (
		method string
		body   []byte
		u      = s.client.TableURL(ti.table, op.ItemID)
	)
	headers := http.Header{}
	switch op.Kind {
	case opAdd:
		method = http.MethodPost
		body = op.Item
		u = s.client.TableURL(ti.table, "")
	case opReplace:
		method = http.MethodPut
		body = op.Item
		if tag := itemETag(op.Item); tag != "" {
			headers.Set("If-Match", tag)
		}
	case opDelete:
		method = http.MethodDelete
		if tag := itemETag(op.Item); tag != "" {
			headers.Set("If-Match", tag)
		}
	default:
		return false, fmt.Errorf("unknown operation kind %d", op.Kind)
	}

	resp, err := s.client.Execute(ctx, method, u, body, headers)
	if err != nil {
		// ctx may already be cancelled; the restore write must still land.
		if _, dbErr := s.db.ExecContext(context.WithoutCancel(ctx),
			"UPDATE datasync_operations_queue SET state = ? WHERE id = ?",
			int(statePending), op.ID); dbErr != nil {
			return false, fmt.Errorf("restore operation after %v: %w", err, dbErr)
		}
		if ctx.Err() != nil {
			return true, err
		}
		reason, _ := json.Marshal(err.Error())
		result.fail(op.ID, 0, reason)
		return true, nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read push response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := s.completeOperation(ctx, ti, op, raw); err != nil {
			return false, err
		}
		result.complete()
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE datasync_operations_queue SET state = ?, result = ?, http_status_code = ? WHERE id = ?",
		int(stateFailed), string(raw), resp.StatusCode, op.ID); err != nil {
		return false, fmt.Errorf("mark operation failed: %w", err)
	}
	result.fail(op.ID, resp.StatusCode, raw)
	return false, nil
}

// completeOperation removes an accepted operation and, for adds and
// replaces, writes the server's authoritative copy into the mirror.
func (s *Store) completeOperation(ctx context.Context, ti *typeInfo, op *Operation, serverBody []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if op.Kind != opDelete && len(serverBody) > 0 {
		var meta datasync.Meta
		if err := json.Unmarshal(serverBody, &meta); err != nil {
			return fmt.Errorf("decode push response: %w", err)
		}
		if err := upsertMirror(ctx, tx, ti.table, &meta, serverBody); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM datasync_operations_queue WHERE id = ?", op.ID); err != nil {
		return fmt.Errorf("dequeue operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// itemETag extracts the If-Match tag from the queued payload's version field.
func itemETag(item json.RawMessage) string {
	if len(item) == 0 {
		return ""
	}
	var envelope struct {
		Version []byte `json:"version"`
	}
	if err := json.Unmarshal(item, &envelope); err != nil {
		return ""
	}
	return datasync.ETag(envelope.Version)
}

// ResetFailedOperations returns every failed operation to the pending state
// so the next Push retries it, typically after the caller resolved the
// recorded conflicts.
func (s *Store) ResetFailedOperations(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE datasync_operations_queue SET state = ?, result = NULL, http_status_code = NULL WHERE state = ?",
		int(statePending), int(stateFailed))
	if err != nil {
		return 0, fmt.Errorf("reset failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
