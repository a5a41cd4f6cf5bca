package query

import (
	"fmt"
	"net/url"

	"github.com/hyperengineering/datasync/internal/odata"
)

// metadataFields are always added to an explicit $select so responses stay
// deserializable into entity structs.
var metadataFields = []string{"id", "updatedAt", "version", "deleted"}

// Builder accumulates query clauses. Methods return the builder for
// chaining; the first error sticks and surfaces at compile time.
type Builder struct {
	filter         odata.Node
	order          []odata.OrderBy
	selected       []string
	skip           int
	top            int
	count          bool
	includeDeleted bool
	err            error
}

// New returns an empty query builder.
func New() *Builder {
	return &Builder{skip: -1, top: -1}
}

// Where conjoins a predicate with any previously added ones.
func (b *Builder) Where(p Pred) *Builder {
	if b.err != nil {
		return b
	}
	if p.err != nil {
		b.err = p.err
		return b
	}
	if b.filter == nil {
		b.filter = p.node
		return b
	}
	b.filter = &odata.BinaryNode{Op: odata.OpAnd, Left: b.filter, Right: p.node}
	return b
}

func (b *Builder) orderBy(field string, descending bool) *Builder {
	if b.err != nil {
		return b
	}
	if field == "" {
		b.err = fmt.Errorf("empty order field")
		return b
	}
	b.order = append(b.order, odata.OrderBy{Field: field, Descending: descending})
	return b
}

// OrderBy appends an ascending sort key; keys apply in order of appearance.
func (b *Builder) OrderBy(field string) *Builder { return b.orderBy(field, false) }

// OrderByDescending appends a descending sort key.
func (b *Builder) OrderByDescending(field string) *Builder { return b.orderBy(field, true) }

// ThenBy appends a secondary ascending sort key.
func (b *Builder) ThenBy(field string) *Builder { return b.orderBy(field, false) }

// ThenByDescending appends a secondary descending sort key.
func (b *Builder) ThenByDescending(field string) *Builder { return b.orderBy(field, true) }

// Select restricts the returned fields. The synchronization metadata fields
// are always included.
func (b *Builder) Select(fields ...string) *Builder {
	if b.err != nil {
		return b
	}
	for _, f := range fields {
		if f == "" {
			b.err = fmt.Errorf("empty select field")
			return b
		}
		b.selected = append(b.selected, f)
	}
	return b
}

// Skip offsets the result window. Chained calls accumulate.
func (b *Builder) Skip(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		b.err = fmt.Errorf("negative skip %d", n)
		return b
	}
	if b.skip < 0 {
		b.skip = n
	} else {
		b.skip += n
	}
	return b
}

// Take caps the result size. Chained calls keep the minimum.
func (b *Builder) Take(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		b.err = fmt.Errorf("negative take %d", n)
		return b
	}
	if b.top < 0 || n < b.top {
		b.top = n
	}
	return b
}

// Top is an alias of Take matching the wire option name.
func (b *Builder) Top(n int) *Builder { return b.Take(n) }

// WithCount asks the server to return the total match count.
func (b *Builder) WithCount() *Builder {
	b.count = true
	return b
}

// IncludeDeleted includes tombstones in the result.
func (b *Builder) IncludeDeleted() *Builder {
	b.includeDeleted = true
	return b
}

// Compile produces the query tree.
func (b *Builder) Compile() (*odata.Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	q := odata.NewQuery()
	q.Filter = b.filter
	q.Order = append([]odata.OrderBy(nil), b.order...)
	if len(b.selected) > 0 {
		seen := make(map[string]bool, len(b.selected)+len(metadataFields))
		for _, f := range b.selected {
			if !seen[f] {
				seen[f] = true
				q.Select = append(q.Select, f)
			}
		}
		for _, f := range metadataFields {
			if !seen[f] {
				seen[f] = true
				q.Select = append(q.Select, f)
			}
		}
	}
	q.Skip = b.skip
	q.Top = b.top
	q.Count = b.count
	q.IncludeDeleted = b.includeDeleted
	return q, nil
}

// String renders the canonical (unescaped) query string.
func (b *Builder) String() (string, error) {
	q, err := b.Compile()
	if err != nil {
		return "", err
	}
	return q.QueryString(), nil
}

// Values renders the query as url.Values for a request, satisfying the
// table client's Queryable.
func (b *Builder) Values() (url.Values, error) {
	q, err := b.Compile()
	if err != nil {
		return nil, err
	}
	return q.Values(), nil
}
