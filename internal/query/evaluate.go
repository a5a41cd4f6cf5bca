// Package query evaluates a parsed table query against an in-memory slice of
// entities. Repositories return the full candidate set for a type and this
// package applies the filter, ordering, counting and paging pipeline; the
// table controller applies $select when rendering.
package query

import (
	"fmt"
	"sort"

	"github.com/hyperengineering/datasync/internal/entity"
	"github.com/hyperengineering/datasync/internal/odata"
)

// DefaultPageSize caps how many items a single response carries, regardless
// of $top.
const DefaultPageSize = 100

// Options tunes evaluation.
type Options struct {
	// PageSize overrides DefaultPageSize when positive.
	PageSize int
}

// Page is one response page.
type Page struct {
	Items    []any
	Count    *int64       // populated when $count=true; counts all filtered rows
	NextLink string       // canonical continuation query string, empty on the last page
	Next     *odata.Query // structured form of NextLink, nil on the last page
}

// Evaluate runs the query pipeline over items: view predicate and tombstone
// exclusion are conjoined with the request filter, survivors are stably
// sorted, counted, then cut to the requested window. The view predicate comes
// from the table's access controller and is never visible in nextLink.
func Evaluate(q *odata.Query, view odata.Node, items []any, model *entity.Model, opts Options) (*Page, error) {
	filter := q.Filter
	if view != nil {
		filter = conjoin(view, filter)
	}
	if !q.IncludeDeleted {
		notDeleted := &odata.BinaryNode{
			Op:    odata.OpEq,
			Left:  &odata.MemberAccessNode{Name: "deleted"},
			Right: &odata.ConstantNode{Value: false},
		}
		filter = conjoin(notDeleted, filter)
	}

	filtered := make([]any, 0, len(items))
	for _, item := range items {
		if filter == nil {
			filtered = append(filtered, item)
			continue
		}
		keep, err := evalPredicate(filter, item, model)
		if err != nil {
			return nil, err
		}
		if keep {
			filtered = append(filtered, item)
		}
	}

	if len(q.Order) > 0 {
		var sortErr error
		sort.SliceStable(filtered, func(i, j int) bool {
			for _, ob := range q.Order {
				a, err := model.Value(filtered[i], ob.Field)
				if err != nil {
					sortErr = err
					return false
				}
				b, err := model.Value(filtered[j], ob.Field)
				if err != nil {
					sortErr = err
					return false
				}
				c, err := compareValues(a, b)
				if err != nil {
					sortErr = err
					return false
				}
				if c == 0 {
					continue
				}
				if ob.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	page := &Page{}
	if q.Count {
		n := int64(len(filtered))
		page.Count = &n
	}

	skip := 0
	if q.Skip > 0 {
		skip = q.Skip
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	window := pageSize
	if q.Top >= 0 && q.Top < window {
		window = q.Top
	}

	if skip >= len(filtered) {
		page.Items = []any{}
		return page, nil
	}
	end := skip + window
	if end > len(filtered) {
		end = len(filtered)
	}
	page.Items = filtered[skip:end]

	if window > 0 && end < len(filtered) {
		page.Next = nextQuery(q, end)
		page.NextLink = page.Next.QueryString()
	}
	return page, nil
}

func conjoin(left, right odata.Node) odata.Node {
	if right == nil {
		return left
	}
	return &odata.BinaryNode{Op: odata.OpAnd, Left: left, Right: right}
}

// nextQuery rebuilds the request's query with the window options replaced by
// a $skip pointing just past the rows already served.
func nextQuery(q *odata.Query, served int) *odata.Query {
	next := *q
	next.Skip = served
	next.Top = -1
	return &next
}

func evalPredicate(n odata.Node, item any, model *entity.Model) (bool, error) {
	v, err := evalNode(n, item, model)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: filter does not evaluate to a boolean", odata.ErrBadQuery)
	}
	return b, nil
}

// Project reduces a decoded entity map to the selected wire fields.
func Project(row map[string]any, selected []string) map[string]any {
	if len(selected) == 0 {
		return row
	}
	out := make(map[string]any, len(selected))
	for _, name := range selected {
		if v, ok := row[name]; ok {
			out[name] = v
		}
	}
	return out
}
