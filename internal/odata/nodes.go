// Package odata implements the query subset of the datasync table protocol:
// a lexer and parser for $filter/$orderby/$select/$skip/$top/$count and
// __includedeleted, the query tree they produce, and the serializer that
// renders a tree back into its canonical query-string form. The client query
// builder and the server controller share this tree; neither side works with
// raw strings beyond this package.
package odata

import (
	"errors"
	"time"
)

// ErrBadQuery is wrapped by every parse failure. The table controller maps it
// to a 400 response.
var ErrBadQuery = errors.New("bad query")

// Literal wrapper types. Dates, times-of-day and GUIDs are kept in their
// canonical textual form; ISO ordering makes plain string comparison correct.
type (
	// Decimal is a fixed-point literal (the M-suffixed form on the wire).
	Decimal float64
	// Date is a yyyy-MM-dd literal.
	Date string
	// TimeOfDay is an HH:mm:ss[.fff] literal.
	TimeOfDay string
	// GUID is a lowercase hyphenated GUID literal.
	GUID string
)

// Node is a node in the query expression tree.
type Node interface {
	node()
}

// ConstantNode holds a literal value: nil, bool, int64, float64, Decimal,
// string, time.Time, Date, TimeOfDay, GUID, or []any for an `in` list.
type ConstantNode struct {
	Value any
}

// MemberAccessNode references an entity field by its wire name.
type MemberAccessNode struct {
	Name string
}

// UnaryOp is the operator of a UnaryNode.
type UnaryOp int

// Unary operators.
const (
	OpNot UnaryOp = iota
)

// UnaryNode applies a unary operator to its operand.
type UnaryNode struct {
	Op      UnaryOp
	Operand Node
}

// BinaryOp is the operator of a BinaryNode.
type BinaryOp int

// Binary operators, in the order of the grammar.
const (
	OpOr BinaryOp = iota
	OpAnd
	OpEq
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpIn
)

var binaryOpNames = map[BinaryOp]string{
	OpOr: "or", OpAnd: "and",
	OpEq: "eq", OpNe: "ne", OpGt: "gt", OpGe: "ge", OpLt: "lt", OpLe: "le",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod",
	OpIn: "in",
}

func (op BinaryOp) String() string { return binaryOpNames[op] }

// BinaryNode applies a binary operator. For OpIn the right operand is a
// ConstantNode holding a []any of literal values.
type BinaryNode struct {
	Op    BinaryOp
	Left  Node
	Right Node
}

// EdmType is a conversion target for cast().
type EdmType string

// Supported cast targets.
const (
	EdmDate           EdmType = "Edm.Date"
	EdmTimeOfDay      EdmType = "Edm.TimeOfDay"
	EdmDateTimeOffset EdmType = "Edm.DateTimeOffset"
	EdmGuid           EdmType = "Edm.Guid"
	EdmString         EdmType = "Edm.String"
)

// FunctionCallNode invokes one of the supported query functions.
type FunctionCallNode struct {
	Name string
	Args []Node
}

// ConvertNode casts a non-literal source expression to an Edm type.
type ConvertNode struct {
	Target EdmType
	Source Node
}

func (*ConstantNode) node()     {}
func (*MemberAccessNode) node() {}
func (*UnaryNode) node()        {}
func (*BinaryNode) node()       {}
func (*FunctionCallNode) node() {}
func (*ConvertNode) node()      {}

// OrderBy is one $orderby key in order of appearance.
type OrderBy struct {
	Field      string
	Descending bool
}

// Query is the parsed form of a table query string.
// Skip and Top are -1 when the request did not carry them.
type Query struct {
	Filter         Node
	Order          []OrderBy
	Select         []string
	Skip           int
	Top            int
	Count          bool
	IncludeDeleted bool
}

// NewQuery returns an empty query with Skip and Top unset.
func NewQuery() *Query {
	return &Query{Skip: -1, Top: -1}
}

// And combines the query's filter with an additional predicate.
func (q *Query) And(extra Node) {
	if extra == nil {
		return
	}
	if q.Filter == nil {
		q.Filter = extra
		return
	}
	q.Filter = &BinaryNode{Op: OpAnd, Left: q.Filter, Right: extra}
}

// DateTimeFormat is the canonical wire form of an Edm.DateTimeOffset literal.
const DateTimeFormat = "2006-01-02T15:04:05.000Z"

// FormatDateTime renders t in the canonical wire form (UTC, millisecond
// precision).
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(DateTimeFormat)
}
