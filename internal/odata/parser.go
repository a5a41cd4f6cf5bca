package odata

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/datasync/internal/entity"
)

// Limits bounds what a parsed query may request.
type Limits struct {
	// MaxTop is the largest acceptable $top value. Zero means no cap.
	MaxTop int
}

// queryOptions are the recognized query-string keys. Any other $- or
// __-prefixed key is rejected; the subset is closed.
var queryOptions = map[string]bool{
	"$filter": true, "$orderby": true, "$select": true,
	"$skip": true, "$top": true, "$count": true,
	"__includedeleted": true,
}

// functions maps supported $filter functions to their arity.
var functions = map[string]int{
	"ceiling": 1, "floor": 1, "round": 1,
	"day": 1, "month": 1, "year": 1, "hour": 1, "minute": 1, "second": 1,
	"startswith": 2, "endswith": 2,
	"tolower": 1, "toupper": 1, "concat": 2,
}

var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-(?:[0-9a-fA-F]{4}-){3}[0-9a-fA-F]{12}$`)

// ParseQuery parses a table query string into a Query, validating member
// names against the entity model.
func ParseQuery(values url.Values, model *entity.Model, limits Limits) (*Query, error) {
	for key := range values {
		if strings.HasPrefix(key, "$") || strings.HasPrefix(key, "__") {
			if !queryOptions[key] {
				return nil, fmt.Errorf("%w: unknown query option %q", ErrBadQuery, key)
			}
		}
	}

	q := NewQuery()

	if raw := values.Get("$filter"); raw != "" {
		filter, err := ParseFilter(raw, model)
		if err != nil {
			return nil, err
		}
		q.Filter = filter
	}
	if raw := values.Get("$orderby"); raw != "" {
		order, err := ParseOrderBy(raw, model)
		if err != nil {
			return nil, err
		}
		q.Order = order
	}
	if raw := values.Get("$select"); raw != "" {
		sel, err := parseSelect(raw, model)
		if err != nil {
			return nil, err
		}
		q.Select = sel
	}
	if raw := values.Get("$skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: $skip must be a non-negative integer, got %q", ErrBadQuery, raw)
		}
		q.Skip = n
	}
	if raw := values.Get("$top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: $top must be a non-negative integer, got %q", ErrBadQuery, raw)
		}
		if limits.MaxTop > 0 && n > limits.MaxTop {
			return nil, fmt.Errorf("%w: $top %d exceeds the maximum of %d", ErrBadQuery, n, limits.MaxTop)
		}
		q.Top = n
	}
	var err error
	if q.Count, err = parseBoolOption(values, "$count"); err != nil {
		return nil, err
	}
	if q.IncludeDeleted, err = parseBoolOption(values, "__includedeleted"); err != nil {
		return nil, err
	}
	return q, nil
}

func parseBoolOption(values url.Values, key string) (bool, error) {
	raw := values.Get(key)
	switch raw {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s must be true or false, got %q", ErrBadQuery, key, raw)
	}
}

// ParseFilter parses a $filter expression into its tree.
func ParseFilter(src string, model *entity.Model) (Node, error) {
	p := &parser{lex: &lexer{input: src}, model: model}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, p.errf("unexpected trailing input")
	}
	return node, nil
}

// ParseOrderBy parses a $orderby list, preserving the order of appearance.
func ParseOrderBy(src string, model *entity.Model) ([]OrderBy, error) {
	var order []OrderBy
	for _, part := range strings.Split(src, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("%w: malformed $orderby segment %q", ErrBadQuery, part)
		}
		ob := OrderBy{Field: fields[0]}
		if model != nil {
			if _, ok := model.Lookup(ob.Field); !ok {
				return nil, fmt.Errorf("%w: unknown field %q in $orderby", ErrBadQuery, ob.Field)
			}
		}
		if len(fields) == 2 {
			switch fields[1] {
			case "asc":
			case "desc":
				ob.Descending = true
			default:
				return nil, fmt.Errorf("%w: $orderby direction must be asc or desc, got %q", ErrBadQuery, fields[1])
			}
		}
		order = append(order, ob)
	}
	return order, nil
}

func parseSelect(src string, model *entity.Model) ([]string, error) {
	var sel []string
	for _, part := range strings.Split(src, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			return nil, fmt.Errorf("%w: empty $select segment", ErrBadQuery)
		}
		if model != nil {
			if _, ok := model.Lookup(name); !ok {
				return nil, fmt.Errorf("%w: unknown field %q in $select", ErrBadQuery, name)
			}
		}
		sel = append(sel, name)
	}
	return sel, nil
}

type parser struct {
	lex   *lexer
	cur   token
	model *entity.Model
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at position %d", ErrBadQuery, fmt.Sprintf(format, args...), p.cur.pos)
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

// curIsKeyword reports whether the current token is the given bare keyword.
func (p *parser) curIsKeyword(kw string) bool {
	return p.cur.kind == tokIdent && p.cur.text == kw
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.curIsKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.curIsKeyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.curIsKeyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: OpNot, Operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]BinaryOp{
	"eq": OpEq, "ne": OpNe, "gt": OpGt, "ge": OpGe, "lt": OpLt, "le": OpLe,
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.cur.kind == tokIdent {
		if op, ok := comparisonOps[p.cur.text]; ok {
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &BinaryNode{Op: op, Left: left, Right: right}, nil
		}
		if p.cur.text == "in" {
			if err := p.advance(); err != nil {
				return nil, err
			}
			list, err := p.parseInList()
			if err != nil {
				return nil, err
			}
			return &BinaryNode{Op: OpIn, Left: left, Right: &ConstantNode{Value: list}}, nil
		}
	}
	return left, nil
}

func (p *parser) parseInList() ([]any, error) {
	if p.cur.kind != tokLParen {
		return nil, p.errf("expected ( after in")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var list []any
	for {
		node, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		constant, ok := node.(*ConstantNode)
		if !ok {
			return nil, p.errf("in list requires literal values")
		}
		list = append(list, constant.Value)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.cur.kind != tokRParen {
		return nil, p.errf("expected ) to close in list")
	}
	return list, p.advance()
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.curIsKeyword("add") || p.curIsKeyword("sub") {
		op := OpAdd
		if p.cur.text == "sub" {
			op = OpSub
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.curIsKeyword("mul") || p.curIsKeyword("div") || p.curIsKeyword("mod") {
		var op BinaryOp
		switch p.cur.text {
		case "mul":
			op = OpMul
		case "div":
			op = OpDiv
		default:
			op = OpMod
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, p.errf("expected )")
		}
		return node, p.advance()
	case tokString:
		node := &ConstantNode{Value: p.cur.text}
		return node, p.advance()
	case tokInt:
		node := &ConstantNode{Value: p.cur.ival}
		return node, p.advance()
	case tokFloat:
		node := &ConstantNode{Value: p.cur.fval}
		return node, p.advance()
	case tokDecimal:
		node := &ConstantNode{Value: Decimal(p.cur.fval)}
		return node, p.advance()
	case tokIdent:
		return p.parseIdent()
	default:
		return nil, p.errf("unexpected token")
	}
}

func (p *parser) parseIdent() (Node, error) {
	name := p.cur.text
	switch name {
	case "null":
		return &ConstantNode{Value: nil}, p.advance()
	case "true":
		return &ConstantNode{Value: true}, p.advance()
	case "false":
		return &ConstantNode{Value: false}, p.advance()
	case "cast":
		return p.parseCast()
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind == tokLParen {
		arity, ok := functions[name]
		if !ok {
			return nil, p.errf("unknown function %q", name)
		}
		return p.parseCall(name, arity)
	}
	if p.model != nil {
		if _, ok := p.model.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrBadQuery, name)
		}
	}
	return &MemberAccessNode{Name: name}, nil
}

func (p *parser) parseCall(name string, arity int) (Node, error) {
	if err := p.advance(); err != nil { // consume (
		return nil, err
	}
	var args []Node
	if p.cur.kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if p.cur.kind != tokRParen {
		return nil, p.errf("expected ) to close %s()", name)
	}
	if len(args) != arity {
		return nil, p.errf("%s() takes %d argument(s), got %d", name, arity, len(args))
	}
	return &FunctionCallNode{Name: name, Args: args}, p.advance()
}

// parseCast handles cast(<value>,Edm.<T>). The first argument is scanned as
// raw text because date, time and GUID literals do not tokenize; it is then
// interpreted as a literal of the target type, falling back to a member
// conversion when it names an entity field.
func (p *parser) parseCast() (Node, error) {
	if err := p.advance(); err != nil { // consume "cast"
		return nil, err
	}
	if p.cur.kind != tokLParen {
		return nil, p.errf("expected ( after cast")
	}
	raw, err := p.lex.rawUntil(',')
	if err != nil {
		return nil, err
	}
	p.lex.pos++ // consume comma
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokIdent || !strings.HasPrefix(p.cur.text, "Edm.") {
		return nil, p.errf("expected Edm type in cast")
	}
	target := EdmType(p.cur.text)
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokRParen {
		return nil, p.errf("expected ) to close cast")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if value, ok, err := castLiteral(raw, target); err != nil {
		return nil, err
	} else if ok {
		return &ConstantNode{Value: value}, nil
	}

	// Not a literal of the target type; treat as a member conversion.
	if p.model != nil {
		if _, ok := p.model.Lookup(raw); !ok {
			return nil, fmt.Errorf("%w: cast of %q: neither a %s literal nor a field", ErrBadQuery, raw, target)
		}
	}
	return &ConvertNode{Target: target, Source: &MemberAccessNode{Name: raw}}, nil
}

// castLiteral interprets raw as a literal of the target type. The second
// return is false when raw is not literal-shaped for that type.
func castLiteral(raw string, target EdmType) (any, bool, error) {
	switch target {
	case EdmDate:
		if _, err := time.Parse("2006-01-02", raw); err == nil {
			return Date(raw), true, nil
		}
	case EdmTimeOfDay:
		for _, layout := range []string{"15:04:05.000", "15:04:05"} {
			if _, err := time.Parse(layout, raw); err == nil {
				return TimeOfDay(raw), true, nil
			}
		}
	case EdmDateTimeOffset:
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC(), true, nil
		}
	case EdmGuid:
		if guidPattern.MatchString(raw) {
			return GUID(strings.ToLower(raw)), true, nil
		}
	case EdmString:
		// Only member conversions make sense for Edm.String.
	default:
		return nil, false, fmt.Errorf("%w: unsupported cast target %q", ErrBadQuery, target)
	}
	return nil, false, nil
}
