package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type operationKind int

const (
	opAdd operationKind = iota
	opReplace
	opDelete
)

func (k operationKind) String() string {
	switch k {
	case opAdd:
		return "add"
	case opReplace:
		return "replace"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type operationState int

const (
	statePending operationState = iota
	stateAttempted
	stateFailed
)

// Operation is one queued mutation awaiting push.
type Operation struct {
	ID          string
	Kind        operationKind
	TypeName    string
	ItemID      string
	Item        json.RawMessage
	Sequence    int64
	State       operationState
	Version     int // bumped on every collapse into this record
	LastAttempt *time.Time
	Result      json.RawMessage // server body recorded on a push rejection
	HTTPStatus  int             // status of the rejecting response, 0 until one is recorded
}

// QueueConflictError reports a mutation that cannot collapse into the
// pending operation for the same entity, such as inserting an entity twice.
// The caller must resolve the existing operation first.
type QueueConflictError struct {
	Existing *Operation
	Kind     operationKind
	ItemID   string
}

func (e *QueueConflictError) Error() string {
	return fmt.Sprintf("pending %s operation for %q conflicts with new %s",
		e.Existing.Kind, e.ItemID, e.Kind)
}

// enqueue captures one mutation, collapsing it into an existing pending
// operation for the same entity when the sequence of the two is expressible
// as a single operation.
func (s *Store) enqueue(ctx context.Context, tx *sql.Tx, ti *typeInfo, kind operationKind, itemID string, payload []byte) error {
	existing, err := readOperation(ctx, tx, ti.name, itemID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if existing == nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO datasync_operations_queue (id, kind, type_name, item_id, item, state, version)
             VALUES (?, ?, ?, ?, ?, ?, 1)`,
			uuid.NewString(), int(kind), ti.name, itemID, string(payload), int(statePending))
		if err != nil {
			return fmt.Errorf("enqueue operation: %w", err)
		}
		return nil
	}

	if existing.State != statePending {
		return &QueueConflictError{Existing: existing, Kind: kind, ItemID: itemID}
	}

	switch {
	case existing.Kind == opAdd && kind == opReplace:
		// The server never saw the entity; the Add simply carries the new body.
		return updateOperation(ctx, tx, existing, opAdd, payload)
	case existing.Kind == opAdd && kind == opDelete:
		// Add then Delete cancels out entirely.
		_, err := tx.ExecContext(ctx,
			"DELETE FROM datasync_operations_queue WHERE id = ?", existing.ID)
		if err != nil {
			return fmt.Errorf("drop collapsed operation: %w", err)
		}
		return nil
	case existing.Kind == opReplace && kind == opReplace:
		return updateOperation(ctx, tx, existing, opReplace, payload)
	case existing.Kind == opReplace && kind == opDelete:
		return updateOperation(ctx, tx, existing, opDelete, payload)
	case existing.Kind == opDelete && kind == opAdd:
		// The row still exists on the server; re-adding it is a replace.
		return updateOperation(ctx, tx, existing, opReplace, payload)
	default:
		return &QueueConflictError{Existing: existing, Kind: kind, ItemID: itemID}
	}
}

// updateOperation rewrites a collapsed record in place, keeping its original
// sequence and bumping its collapse counter.
func updateOperation(ctx context.Context, tx *sql.Tx, existing *Operation, kind operationKind, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE datasync_operations_queue
         SET kind = ?, item = ?, version = version + 1, state = ?
         WHERE id = ?`,
		int(kind), string(payload), int(statePending), existing.ID)
	if err != nil {
		return fmt.Errorf("collapse operation: %w", err)
	}
	return nil
}

const operationColumns = `sequence, id, kind, type_name, item_id, item, state, version, last_attempt, result, http_status_code`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	var (
		op          Operation
		kind, state int
		item        sql.NullString
		lastAttempt sql.NullInt64
		result      sql.NullString
		httpStatus  sql.NullInt64
	)
	if err := row.Scan(&op.Sequence, &op.ID, &kind, &op.TypeName, &op.ItemID,
		&item, &state, &op.Version, &lastAttempt, &result, &httpStatus); err != nil {
		return nil, err
	}
	if httpStatus.Valid {
		op.HTTPStatus = int(httpStatus.Int64)
	}
	op.Kind = operationKind(kind)
	op.State = operationState(state)
	if item.Valid {
		op.Item = json.RawMessage(item.String)
	}
	if lastAttempt.Valid {
		t := time.UnixMilli(lastAttempt.Int64).UTC()
		op.LastAttempt = &t
	}
	if result.Valid {
		op.Result = json.RawMessage(result.String)
	}
	return &op, nil
}

func readOperation(ctx context.Context, tx *sql.Tx, typeName, itemID string) (*Operation, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM datasync_operations_queue WHERE type_name = ? AND item_id = ?",
		operationColumns), typeName, itemID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return op, err
}

// PendingOperations returns the queued operations for the named types (all
// syncable types when none are given), ordered by sequence.
func (s *Store) PendingOperations(ctx context.Context, types ...string) ([]*Operation, error) {
	if len(types) == 0 {
		types = s.syncableTypes()
	}
	var out []*Operation
	for _, name := range types {
		ops, err := s.operationsForType(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, ops...)
	}
	return out, nil
}

func (s *Store) operationsForType(ctx context.Context, typeName string) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM datasync_operations_queue WHERE type_name = ? ORDER BY sequence",
		operationColumns), typeName)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// hasPending reports whether any operation is queued for the named types.
func (s *Store) hasPending(ctx context.Context, types []string) (bool, error) {
	for _, name := range types {
		var n int
		row := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM datasync_operations_queue WHERE type_name = ?", name)
		if err := row.Scan(&n); err != nil {
			return false, fmt.Errorf("count queue: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
