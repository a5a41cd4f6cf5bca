// Package query builds table queries as expression trees through a fluent
// API, replacing string-assembled query options:
//
//	q := query.New().
//	    Where(query.Field("year").Ge(2000).And(query.Field("title").StartsWith("The"))).
//	    OrderBy("releaseDate").
//	    Take(5)
//
// Compile renders the canonical query string; a compiled query round-trips
// through the server's parser to an equivalent tree.
package query

import (
	"fmt"
	"time"

	"github.com/hyperengineering/datasync/internal/odata"
)

// Literal wrapper types for values that have no native Go representation on
// the wire.
type (
	// Decimal marks a fixed-point literal.
	Decimal float64
	// Date is a yyyy-MM-dd literal.
	Date string
	// TimeOfDay is an HH:mm:ss[.fff] literal.
	TimeOfDay string
	// GUID is a hyphenated GUID literal.
	GUID string
)

// Expr is a value-producing expression: a field reference, a literal, or a
// computation over them.
type Expr struct {
	node odata.Node
	err  error
}

// Pred is a boolean expression usable in Where.
type Pred struct {
	node odata.Node
	err  error
}

// Field references an entity field by its wire (JSON) name.
func Field(name string) Expr {
	if name == "" {
		return Expr{err: fmt.Errorf("empty field name")}
	}
	return Expr{node: &odata.MemberAccessNode{Name: name}}
}

// Value lifts a Go value into a literal expression.
func Value(v any) Expr {
	constant, err := toConstant(v)
	if err != nil {
		return Expr{err: err}
	}
	return Expr{node: &odata.ConstantNode{Value: constant}}
}

func toConstant(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64, time.Time:
		return value, nil
	case int:
		return int64(value), nil
	case int8:
		return int64(value), nil
	case int16:
		return int64(value), nil
	case int32:
		return int64(value), nil
	case uint:
		return int64(value), nil
	case uint8:
		return int64(value), nil
	case uint16:
		return int64(value), nil
	case uint32:
		return int64(value), nil
	case float32:
		return float64(value), nil
	case Decimal:
		return odata.Decimal(value), nil
	case Date:
		return odata.Date(value), nil
	case TimeOfDay:
		return odata.TimeOfDay(value), nil
	case GUID:
		return odata.GUID(value), nil
	default:
		return nil, fmt.Errorf("unsupported literal type %T", v)
	}
}

// operand accepts either an Expr or a raw literal.
func operand(v any) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return Value(v)
}

func (e Expr) binary(op odata.BinaryOp, v any) Expr {
	right := operand(v)
	if e.err != nil {
		return Expr{err: e.err}
	}
	if right.err != nil {
		return Expr{err: right.err}
	}
	return Expr{node: &odata.BinaryNode{Op: op, Left: e.node, Right: right.node}}
}

func (e Expr) compare(op odata.BinaryOp, v any) Pred {
	right := operand(v)
	if e.err != nil {
		return Pred{err: e.err}
	}
	if right.err != nil {
		return Pred{err: right.err}
	}
	return Pred{node: &odata.BinaryNode{Op: op, Left: e.node, Right: right.node}}
}

// Comparisons.

func (e Expr) Eq(v any) Pred { return e.compare(odata.OpEq, v) }
func (e Expr) Ne(v any) Pred { return e.compare(odata.OpNe, v) }
func (e Expr) Gt(v any) Pred { return e.compare(odata.OpGt, v) }
func (e Expr) Ge(v any) Pred { return e.compare(odata.OpGe, v) }
func (e Expr) Lt(v any) Pred { return e.compare(odata.OpLt, v) }
func (e Expr) Le(v any) Pred { return e.compare(odata.OpLe, v) }

// In tests membership in a list of literal values.
func (e Expr) In(values ...any) Pred {
	if e.err != nil {
		return Pred{err: e.err}
	}
	list := make([]any, 0, len(values))
	for _, v := range values {
		constant, err := toConstant(v)
		if err != nil {
			return Pred{err: err}
		}
		list = append(list, constant)
	}
	return Pred{node: &odata.BinaryNode{
		Op:    odata.OpIn,
		Left:  e.node,
		Right: &odata.ConstantNode{Value: list},
	}}
}

// Arithmetic.

func (e Expr) Add(v any) Expr { return e.binary(odata.OpAdd, v) }
func (e Expr) Sub(v any) Expr { return e.binary(odata.OpSub, v) }
func (e Expr) Mul(v any) Expr { return e.binary(odata.OpMul, v) }
func (e Expr) Div(v any) Expr { return e.binary(odata.OpDiv, v) }
func (e Expr) Mod(v any) Expr { return e.binary(odata.OpMod, v) }

func (e Expr) fn(name string, args ...Expr) Expr {
	if e.err != nil {
		return Expr{err: e.err}
	}
	nodes := []odata.Node{e.node}
	for _, arg := range args {
		if arg.err != nil {
			return Expr{err: arg.err}
		}
		nodes = append(nodes, arg.node)
	}
	return Expr{node: &odata.FunctionCallNode{Name: name, Args: nodes}}
}

// String functions.

func (e Expr) ToLower() Expr     { return e.fn("tolower") }
func (e Expr) ToUpper() Expr     { return e.fn("toupper") }
func (e Expr) Concat(v any) Expr { return e.fn("concat", operand(v)) }

// StartsWith and EndsWith compare string prefixes/suffixes case-sensitively.
func (e Expr) StartsWith(v any) Pred {
	call := e.fn("startswith", operand(v))
	return Pred{node: call.node, err: call.err}
}

func (e Expr) EndsWith(v any) Pred {
	call := e.fn("endswith", operand(v))
	return Pred{node: call.node, err: call.err}
}

// EqualsIgnoreCase compares two strings case-insensitively by folding both
// sides with tolower. Only ordinal (culture-independent) folding is
// representable on the wire.
func (e Expr) EqualsIgnoreCase(v any) Pred {
	return e.ToLower().Eq(operand(v).ToLower())
}

// Math functions.

func (e Expr) Ceiling() Expr { return e.fn("ceiling") }
func (e Expr) Floor() Expr   { return e.fn("floor") }
func (e Expr) Round() Expr   { return e.fn("round") }

// Date component accessors.

func (e Expr) Day() Expr    { return e.fn("day") }
func (e Expr) Month() Expr  { return e.fn("month") }
func (e Expr) Year() Expr   { return e.fn("year") }
func (e Expr) Hour() Expr   { return e.fn("hour") }
func (e Expr) Minute() Expr { return e.fn("minute") }
func (e Expr) Second() Expr { return e.fn("second") }

// AsString casts the expression to its textual form on the server.
func (e Expr) AsString() Expr {
	if e.err != nil {
		return e
	}
	return Expr{node: &odata.ConvertNode{Target: odata.EdmString, Source: e.node}}
}

// AsDate casts a timestamp expression to its calendar date.
func (e Expr) AsDate() Expr {
	if e.err != nil {
		return e
	}
	return Expr{node: &odata.ConvertNode{Target: odata.EdmDate, Source: e.node}}
}

// Boolean combinators.

func (p Pred) And(other Pred) Pred {
	if p.err != nil {
		return p
	}
	if other.err != nil {
		return other
	}
	return Pred{node: &odata.BinaryNode{Op: odata.OpAnd, Left: p.node, Right: other.node}}
}

func (p Pred) Or(other Pred) Pred {
	if p.err != nil {
		return p
	}
	if other.err != nil {
		return other
	}
	return Pred{node: &odata.BinaryNode{Op: odata.OpOr, Left: p.node, Right: other.node}}
}

// Not negates a predicate.
func Not(p Pred) Pred {
	if p.err != nil {
		return p
	}
	return Pred{node: &odata.UnaryNode{Op: odata.OpNot, Operand: p.node}}
}
