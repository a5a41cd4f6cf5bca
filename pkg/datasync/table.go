package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Options adjusts a single table call. The zero value is the default
// behavior for each method.
type Options struct {
	// Version overrides the concurrency token taken from the entity, as the
	// unquoted base64 form.
	Version string
	// IfMatch forces an If-Match precondition even when no version is
	// known, using the wildcard to require that the row exists.
	IfMatch bool
	// IfNoneMatch sends If-None-Match: on Add the wildcard, on Get the
	// entity's version.
	IfNoneMatch bool
	// IncludeDeleted lets Get return tombstones instead of ErrNotFound.
	IncludeDeleted bool
	// KeepMissing suppresses ErrNotFound on Get/Replace/Remove; the call
	// returns nil data and no error instead.
	KeepMissing bool
}

// Queryable is a compiled table query; the query subpackage's Builder
// implements it.
type Queryable interface {
	Values() (url.Values, error)
}

// Page is one page of query results.
type Page[T any] struct {
	Items    []*T
	Count    *int64
	NextLink string
}

// Table is a typed client for one table endpoint. T must be a struct
// embedding Meta.
type Table[T any] struct {
	client *Client
	name   string
}

// NewTable binds a table client to a name under the client's endpoint.
func NewTable[T any](c *Client, name string) (*Table[T], error) {
	if name == "" {
		return nil, errors.New("table name must not be empty")
	}
	var zero T
	if _, err := metaFor(&zero); err != nil {
		return nil, err
	}
	return &Table[T]{client: c, name: name}, nil
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

func metaFor[T any](e *T) (*Meta, error) {
	ent, ok := any(e).(Entity)
	if !ok {
		return nil, fmt.Errorf("datasync: %T does not embed datasync.Meta", e)
	}
	return ent.EntityMeta(), nil
}

// Add creates the entity on the server and refreshes it in place with the
// returned metadata. A 409/412 yields *ConflictError carrying both copies.
func (t *Table[T]) Add(ctx context.Context, e *T, opts *Options) error {
	meta, err := metaFor(e)
	if err != nil {
		return err
	}
	if meta.ID != "" && !ValidID(meta.ID) {
		return fmt.Errorf("invalid entity id %q", meta.ID)
	}

	headers := http.Header{}
	if opts != nil && opts.IfNoneMatch {
		headers.Set("If-None-Match", "*")
	}
	u := t.client.TableURL(t.name, "")
	if _, err := t.client.executeJSON(ctx, http.MethodPost, u, e, headers, e); err != nil {
		return t.mapError(err, e, opts)
	}
	return nil
}

// Get fetches one entity. With opts.IfNoneMatch and a known version, a fresh
// copy is only transferred when it changed; otherwise ErrNotModified.
func (t *Table[T]) Get(ctx context.Context, id string, opts *Options) (*T, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid entity id %q", id)
	}
	u := t.client.TableURL(t.name, id)
	if opts != nil && opts.IncludeDeleted {
		q := u.Query()
		q.Set("__includedeleted", "true")
		u.RawQuery = q.Encode()
	}
	headers := http.Header{}
	if opts != nil && opts.IfNoneMatch && opts.Version != "" {
		headers.Set("If-None-Match", `"`+opts.Version+`"`)
	}

	e := new(T)
	if _, err := t.client.executeJSON(ctx, http.MethodGet, u, nil, headers, e); err != nil {
		var respErr *ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotModified {
			return nil, ErrNotModified
		}
		mapped := t.mapError(err, nil, opts)
		if mapped == nil {
			return nil, nil
		}
		return nil, mapped
	}
	return e, nil
}

// Replace updates the entity, pinning its version with If-Match, and
// refreshes it in place with the server's copy.
func (t *Table[T]) Replace(ctx context.Context, e *T, opts *Options) error {
	meta, err := metaFor(e)
	if err != nil {
		return err
	}
	if !ValidID(meta.ID) {
		return fmt.Errorf("invalid entity id %q", meta.ID)
	}

	headers := http.Header{}
	if tag := t.conditionTag(meta, opts); tag != "" {
		headers.Set("If-Match", tag)
	}
	u := t.client.TableURL(t.name, meta.ID)
	if _, err := t.client.executeJSON(ctx, http.MethodPut, u, e, headers, e); err != nil {
		return t.mapError(err, e, opts)
	}
	return nil
}

// Remove deletes the entity, pinning its version with If-Match.
func (t *Table[T]) Remove(ctx context.Context, e *T, opts *Options) error {
	meta, err := metaFor(e)
	if err != nil {
		return err
	}
	if !ValidID(meta.ID) {
		return fmt.Errorf("invalid entity id %q", meta.ID)
	}

	headers := http.Header{}
	if tag := t.conditionTag(meta, opts); tag != "" {
		headers.Set("If-Match", tag)
	}
	u := t.client.TableURL(t.name, meta.ID)
	if _, err := t.client.executeJSON(ctx, http.MethodDelete, u, nil, headers, nil); err != nil {
		return t.mapError(err, e, opts)
	}
	return nil
}

// conditionTag picks the If-Match tag for a mutating call: the explicit
// option version first, then the entity's own version.
func (t *Table[T]) conditionTag(meta *Meta, opts *Options) string {
	if opts != nil && opts.Version != "" {
		return `"` + opts.Version + `"`
	}
	if tag := ETag(meta.Version); tag != "" {
		return tag
	}
	if opts != nil && opts.IfMatch {
		return "*"
	}
	return ""
}

// Count returns the number of rows matching q without transferring them.
func (t *Table[T]) Count(ctx context.Context, q Queryable) (int, error) {
	n, err := t.LongCount(ctx, q)
	return int(n), err
}

// LongCount is Count with int64 range.
func (t *Table[T]) LongCount(ctx context.Context, q Queryable) (int64, error) {
	values := url.Values{}
	if q != nil {
		v, err := q.Values()
		if err != nil {
			return 0, err
		}
		values = v
	}
	values.Set("$top", "0")
	values.Set("$count", "true")

	page, err := t.GetPage(ctx, values.Encode())
	if err != nil {
		return 0, err
	}
	if page.Count == nil {
		return 0, errors.New("server did not return a count")
	}
	return *page.Count, nil
}

// GetPage issues one query request with a raw, already-encoded query string.
func (t *Table[T]) GetPage(ctx context.Context, rawQuery string) (*Page[T], error) {
	u := t.client.TableURL(t.name, "")
	u.RawQuery = rawQuery

	var body struct {
		Items    []json.RawMessage `json:"items"`
		Count    *int64            `json:"count"`
		NextLink string            `json:"nextLink"`
	}
	if _, err := t.client.executeJSON(ctx, http.MethodGet, u, nil, nil, &body); err != nil {
		return nil, err
	}

	page := &Page[T]{Count: body.Count, NextLink: body.NextLink}
	for _, raw := range body.Items {
		e := new(T)
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		page.Items = append(page.Items, e)
	}
	return page, nil
}

// Query runs q as a lazy paged sequence:
//
//	it := tbl.Query(ctx, q)
//	for it.Next() {
//	    use(it.Item())
//	}
//	if err := it.Err(); err != nil { ... }
func (t *Table[T]) Query(ctx context.Context, q Queryable) *Iterator[T] {
	it := &Iterator[T]{table: t, ctx: ctx}
	if q != nil {
		values, err := q.Values()
		if err != nil {
			it.err = err
			return it
		}
		it.nextQuery = values.Encode()
		it.pending = true
	} else {
		it.pending = true
	}
	return it
}

// Iterator walks query results across pages.
type Iterator[T any] struct {
	table     *Table[T]
	ctx       context.Context
	items     []*T
	idx       int
	nextQuery string
	pending   bool
	err       error
}

// Next advances to the next item, fetching pages as needed. It returns false
// at the end of the result set or on error.
func (it *Iterator[T]) Next() bool {
	if it.err != nil {
		return false
	}
	for it.idx >= len(it.items) {
		if !it.pending {
			return false
		}
		page, err := it.table.GetPage(it.ctx, it.nextQuery)
		if err != nil {
			it.err = err
			return false
		}
		it.items = page.Items
		it.idx = 0
		if page.NextLink != "" {
			it.nextQuery = rawQueryOf(page.NextLink)
			it.pending = true
		} else {
			it.pending = false
		}
		if len(it.items) == 0 && !it.pending {
			return false
		}
	}
	it.idx++
	return true
}

// Item returns the current item. Valid only after a true Next.
func (it *Iterator[T]) Item() *T {
	return it.items[it.idx-1]
}

// Err reports the first failure the iterator hit.
func (it *Iterator[T]) Err() error { return it.err }

// rawQueryOf extracts the query-string part of a nextLink, which may be a
// full URL, an absolute path, or a bare query string.
func rawQueryOf(link string) string {
	if u, err := url.Parse(link); err == nil && u.RawQuery != "" {
		return u.RawQuery
	}
	return link
}

// mapError converts a *ResponseError into the typed errors of the table
// surface: conflicts carry both entity copies, and missing rows honor
// opts.KeepMissing.
func (t *Table[T]) mapError(err error, submitted *T, opts *Options) error {
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusConflict, http.StatusPreconditionFailed:
		conflict := &ConflictError[T]{
			StatusCode: respErr.StatusCode,
			Client:     submitted,
			ETag:       respErr.ETag(),
		}
		if len(respErr.Body) > 0 {
			server := new(T)
			if jsonErr := json.Unmarshal(respErr.Body, server); jsonErr == nil {
				conflict.Server = server
			}
		}
		return conflict
	case http.StatusNotFound, http.StatusGone:
		if opts != nil && opts.KeepMissing {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, respErr.URL)
	default:
		return respErr
	}
}
