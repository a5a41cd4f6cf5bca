// Package table serves one datasync table per registered entity type: CRUD
// with optimistic concurrency, conditional requests, soft-delete, and the
// query surface of the sync protocol. Handlers speak application/json for
// entities and application/problem+json for request errors; conflict
// responses carry the server's current copy of the entity.
package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hyperengineering/datasync/internal/entity"
	"github.com/hyperengineering/datasync/internal/odata"
	"github.com/hyperengineering/datasync/internal/query"
	"github.com/hyperengineering/datasync/internal/repository"
	"github.com/hyperengineering/datasync/pkg/datasync"
)

// DefaultMaxTop caps $top unless overridden per handler.
const DefaultMaxTop = 100000

// Handler serves one table.
type Handler[T any] struct {
	repo     repository.Repository[T]
	model    *entity.Model
	access   AccessController[T]
	maxTop   int
	pageSize int
}

// Option configures a Handler.
type Option[T any] func(*Handler[T])

// WithAccess installs an access controller in place of AllowAll.
func WithAccess[T any](ac AccessController[T]) Option[T] {
	return func(h *Handler[T]) { h.access = ac }
}

// WithMaxTop overrides the $top cap.
func WithMaxTop[T any](n int) Option[T] {
	return func(h *Handler[T]) { h.maxTop = n }
}

// WithPageSize overrides the per-response item cap.
func WithPageSize[T any](n int) Option[T] {
	return func(h *Handler[T]) { h.pageSize = n }
}

// NewHandler builds the handler for T. T must be a struct embedding
// datasync.Meta.
func NewHandler[T any](repo repository.Repository[T], opts ...Option[T]) (*Handler[T], error) {
	model, err := entity.ModelOf[T]()
	if err != nil {
		return nil, err
	}
	h := &Handler[T]{
		repo:     repo,
		model:    model,
		access:   AllowAll[T]{},
		maxTop:   DefaultMaxTop,
		pageSize: query.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes returns the chi router for this table, mounted by the server at
// /<basePath>/<tableName>.
func (h *Handler[T]) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.read)
	r.Put("/{id}", h.replace)
	r.Delete("/{id}", h.remove)
	return r
}

type pageResponse struct {
	Items    []json.RawMessage `json:"items"`
	Count    *int64            `json:"count,omitempty"`
	NextLink string            `json:"nextLink,omitempty"`
}

func (h *Handler[T]) list(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, OperationQuery, nil) {
		return
	}

	q, err := odata.ParseQuery(r.URL.Query(), h.model, odata.Limits{MaxTop: h.maxTop})
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.repo.Queryable(r.Context())
	if err != nil {
		h.internalError(w, r, "query table", err)
		return
	}
	items := make([]any, len(rows))
	for i, row := range rows {
		items[i] = row
	}

	page, err := query.Evaluate(q, h.access.DataView(), items, h.model, query.Options{PageSize: h.pageSize})
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp := pageResponse{Items: make([]json.RawMessage, 0, len(page.Items)), Count: page.Count}
	for _, item := range page.Items {
		raw, err := h.renderItem(item, q.Select)
		if err != nil {
			h.internalError(w, r, "encode row", err)
			return
		}
		resp.Items = append(resp.Items, raw)
	}
	if page.Next != nil {
		resp.NextLink = r.URL.Path + "?" + page.Next.Values().Encode()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// renderItem marshals one entity, applying $select when present.
func (h *Handler[T]) renderItem(item any, selected []string) (json.RawMessage, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return raw, nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return json.Marshal(query.Project(row, selected))
}

func (h *Handler[T]) read(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, meta, ok := h.load(w, r, id)
	if !ok {
		return
	}
	if !h.authorize(w, r, OperationRead, current) {
		return
	}
	includeDeleted := r.URL.Query().Get("__includedeleted") == "true"
	if meta.Deleted && !includeDeleted {
		WriteProblem(w, r, http.StatusGone, fmt.Sprintf("Entity %q has been deleted", id))
		return
	}
	if status := checkReadConditions(r, meta); status != 0 {
		w.Header().Set("ETag", datasync.ETag(meta.Version))
		w.WriteHeader(status)
		return
	}
	h.writeEntity(w, http.StatusOK, current, meta)
}

func (h *Handler[T]) create(w http.ResponseWriter, r *http.Request) {
	e, meta, ok := h.decode(w, r)
	if !ok {
		return
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if !datasync.ValidID(meta.ID) {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid entity id %q", meta.ID))
		return
	}
	if !h.authorize(w, r, OperationCreate, e) {
		return
	}

	// Conditional headers are evaluated against the stored row, when there
	// is one; a bare POST of an existing id falls through to 409 below.
	if current, err := h.repo.Read(r.Context(), meta.ID); err == nil {
		currentMeta, err := metaOf(current)
		if err != nil {
			h.internalError(w, r, "inspect row", err)
			return
		}
		if status := checkWriteConditions(r, currentMeta); status != 0 {
			h.writeEntity(w, status, current, currentMeta)
			return
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		h.internalError(w, r, "inspect row", err)
		return
	}

	e, err := h.access.PreCommit(r.Context(), OperationCreate, e)
	if err != nil {
		h.internalError(w, r, "pre-commit hook", err)
		return
	}
	if err := h.repo.Create(r.Context(), e); err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			h.writeConflict(w, r, http.StatusConflict, conflict.Current)
			return
		}
		h.internalError(w, r, "create row", err)
		return
	}
	h.access.PostCommit(r.Context(), OperationCreate, e)

	meta, err = metaOf(e)
	if err != nil {
		h.internalError(w, r, "inspect row", err)
		return
	}
	w.Header().Set("Location", path.Join(r.URL.Path, meta.ID))
	h.writeEntity(w, http.StatusCreated, e, meta)
}

func (h *Handler[T]) replace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, meta, ok := h.decode(w, r)
	if !ok {
		return
	}
	if meta.ID == "" {
		meta.ID = id
	}
	if meta.ID != id {
		WriteProblem(w, r, http.StatusBadRequest, "Entity id does not match the request path")
		return
	}

	current, currentMeta, ok := h.load(w, r, id)
	if !ok {
		return
	}
	if !h.authorize(w, r, OperationUpdate, e) {
		return
	}
	if currentMeta.Deleted {
		WriteProblem(w, r, http.StatusGone, fmt.Sprintf("Entity %q has been deleted", id))
		return
	}
	if status := checkWriteConditions(r, currentMeta); status != 0 {
		h.writeEntity(w, status, current, currentMeta)
		return
	}

	e, err := h.access.PreCommit(r.Context(), OperationUpdate, e)
	if err != nil {
		h.internalError(w, r, "pre-commit hook", err)
		return
	}
	expected := conditionalVersion(r)
	if err := h.repo.Replace(r.Context(), e, expected); err != nil {
		h.writeMutationError(w, r, id, err)
		return
	}
	h.access.PostCommit(r.Context(), OperationUpdate, e)

	meta, err = metaOf(e)
	if err != nil {
		h.internalError(w, r, "inspect row", err)
		return
	}
	h.writeEntity(w, http.StatusOK, e, meta)
}

func (h *Handler[T]) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, currentMeta, ok := h.load(w, r, id)
	if !ok {
		return
	}
	if !h.authorize(w, r, OperationDelete, current) {
		return
	}
	if currentMeta.Deleted {
		WriteProblem(w, r, http.StatusGone, fmt.Sprintf("Entity %q has been deleted", id))
		return
	}
	if status := checkWriteConditions(r, currentMeta); status != 0 {
		h.writeEntity(w, status, current, currentMeta)
		return
	}

	if _, err := h.access.PreCommit(r.Context(), OperationDelete, current); err != nil {
		h.internalError(w, r, "pre-commit hook", err)
		return
	}
	expected := conditionalVersion(r)
	if err := h.repo.Delete(r.Context(), id, expected); err != nil {
		h.writeMutationError(w, r, id, err)
		return
	}
	h.access.PostCommit(r.Context(), OperationDelete, current)
	w.WriteHeader(http.StatusNoContent)
}

// writeMutationError maps repository failures on Replace/Delete: conflicts
// are precondition failures carrying the current row.
func (h *Handler[T]) writeMutationError(w http.ResponseWriter, r *http.Request, id string, err error) {
	var conflict *repository.ConflictError
	switch {
	case errors.As(err, &conflict):
		h.writeConflict(w, r, http.StatusPreconditionFailed, conflict.Current)
	case errors.Is(err, repository.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Entity %q not found", id))
	case errors.Is(err, repository.ErrGone):
		WriteProblem(w, r, http.StatusGone, fmt.Sprintf("Entity %q has been deleted", id))
	default:
		h.internalError(w, r, "write row", err)
	}
}

func (h *Handler[T]) load(w http.ResponseWriter, r *http.Request, id string) (*T, *datasync.Meta, bool) {
	current, err := h.repo.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Entity %q not found", id))
		} else {
			h.internalError(w, r, "read row", err)
		}
		return nil, nil, false
	}
	meta, err := metaOf(current)
	if err != nil {
		h.internalError(w, r, "inspect row", err)
		return nil, nil, false
	}
	return current, meta, true
}

func (h *Handler[T]) decode(w http.ResponseWriter, r *http.Request) (*T, *datasync.Meta, bool) {
	e := new(T)
	if err := json.NewDecoder(r.Body).Decode(e); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return nil, nil, false
	}
	meta, err := metaOf(e)
	if err != nil {
		h.internalError(w, r, "inspect body", err)
		return nil, nil, false
	}
	return e, meta, true
}

func (h *Handler[T]) authorize(w http.ResponseWriter, r *http.Request, op Operation, e *T) bool {
	allowed, err := h.access.IsAuthorized(r.Context(), op, e)
	if err != nil {
		h.internalError(w, r, "authorize", err)
		return false
	}
	if !allowed {
		// Anonymous requests are asked to authenticate; credentialed ones
		// are refused outright.
		if r.Header.Get("Authorization") == "" {
			WriteProblem(w, r, http.StatusUnauthorized, fmt.Sprintf("Operation %s requires authentication", op))
		} else {
			WriteProblem(w, r, http.StatusForbidden, fmt.Sprintf("Operation %s is not permitted", op))
		}
		return false
	}
	return true
}

func (h *Handler[T]) writeEntity(w http.ResponseWriter, status int, e *T, meta *datasync.Meta) {
	if tag := datasync.ETag(meta.Version); tag != "" {
		w.Header().Set("ETag", tag)
	}
	h.writeJSON(w, status, e)
}

func (h *Handler[T]) writeConflict(w http.ResponseWriter, r *http.Request, status int, current any) {
	e, ok := current.(*T)
	if !ok {
		h.internalError(w, r, "conflict body", fmt.Errorf("unexpected conflict payload %T", current))
		return
	}
	meta, err := metaOf(e)
	if err != nil {
		h.internalError(w, r, "conflict body", err)
		return
	}
	h.writeEntity(w, status, e, meta)
}

func (h *Handler[T]) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler[T]) internalError(w http.ResponseWriter, r *http.Request, action string, err error) {
	slog.Error("table operation failed", "action", action, "path", r.URL.Path, "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
}

func metaOf[T any](e *T) (*datasync.Meta, error) {
	ent, ok := any(e).(datasync.Entity)
	if !ok {
		return nil, fmt.Errorf("table: %T does not embed datasync.Meta", e)
	}
	return ent.EntityMeta(), nil
}
