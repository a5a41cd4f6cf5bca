package table

import (
	"context"

	"github.com/hyperengineering/datasync/internal/odata"
)

// Operation identifies what a request is trying to do, for authorization.
type Operation int

const (
	OperationQuery Operation = iota
	OperationRead
	OperationCreate
	OperationUpdate
	OperationDelete
)

func (op Operation) String() string {
	switch op {
	case OperationQuery:
		return "query"
	case OperationRead:
		return "read"
	case OperationCreate:
		return "create"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// AccessController gates and shapes every table operation. IsAuthorized
// receives the target entity for item operations and nil for queries.
// DataView returns a predicate conjoined with every query and never exposed
// to clients. PreCommit may rewrite the entity about to be written;
// PostCommit observes the committed result.
type AccessController[T any] interface {
	IsAuthorized(ctx context.Context, op Operation, e *T) (bool, error)
	DataView() odata.Node
	PreCommit(ctx context.Context, op Operation, e *T) (*T, error)
	PostCommit(ctx context.Context, op Operation, e *T)
}

// AllowAll permits every operation and imposes no data view. It is the
// default access controller.
type AllowAll[T any] struct{}

func (AllowAll[T]) IsAuthorized(ctx context.Context, op Operation, e *T) (bool, error) {
	return true, nil
}

func (AllowAll[T]) DataView() odata.Node { return nil }

func (AllowAll[T]) PreCommit(ctx context.Context, op Operation, e *T) (*T, error) {
	return e, nil
}

func (AllowAll[T]) PostCommit(ctx context.Context, op Operation, e *T) {}
