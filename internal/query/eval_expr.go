package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/datasync/internal/entity"
	"github.com/hyperengineering/datasync/internal/odata"
)

func evalNode(n odata.Node, item any, model *entity.Model) (any, error) {
	switch node := n.(type) {
	case *odata.ConstantNode:
		return node.Value, nil
	case *odata.MemberAccessNode:
		return model.Value(item, node.Name)
	case *odata.UnaryNode:
		b, err := evalPredicate(node.Operand, item, model)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case *odata.BinaryNode:
		return evalBinary(node, item, model)
	case *odata.FunctionCallNode:
		return evalFunction(node, item, model)
	case *odata.ConvertNode:
		source, err := evalNode(node.Source, item, model)
		if err != nil {
			return nil, err
		}
		return convert(source, node.Target)
	default:
		return nil, fmt.Errorf("%w: unsupported expression %T", odata.ErrBadQuery, n)
	}
}

func evalBinary(node *odata.BinaryNode, item any, model *entity.Model) (any, error) {
	switch node.Op {
	case odata.OpAnd:
		left, err := evalPredicate(node.Left, item, model)
		if err != nil {
			return nil, err
		}
		if !left {
			return false, nil
		}
		return evalPredicate(node.Right, item, model)
	case odata.OpOr:
		left, err := evalPredicate(node.Left, item, model)
		if err != nil {
			return nil, err
		}
		if left {
			return true, nil
		}
		return evalPredicate(node.Right, item, model)
	}

	left, err := evalNode(node.Left, item, model)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(node.Right, item, model)
	if err != nil {
		return nil, err
	}

	switch node.Op {
	case odata.OpEq, odata.OpNe, odata.OpGt, odata.OpGe, odata.OpLt, odata.OpLe:
		c, err := compareValues(left, right)
		if err != nil {
			return nil, err
		}
		switch node.Op {
		case odata.OpEq:
			return c == 0, nil
		case odata.OpNe:
			return c != 0, nil
		case odata.OpGt:
			return c > 0, nil
		case odata.OpGe:
			return c >= 0, nil
		case odata.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case odata.OpIn:
		list, ok := right.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: in requires a literal list", odata.ErrBadQuery)
		}
		for _, candidate := range list {
			c, err := compareValues(left, candidate)
			if err != nil {
				return nil, err
			}
			if c == 0 {
				return true, nil
			}
		}
		return false, nil
	case odata.OpAdd, odata.OpSub, odata.OpMul, odata.OpDiv, odata.OpMod:
		return arithmetic(node.Op, left, right)
	default:
		return nil, fmt.Errorf("%w: unsupported operator %s", odata.ErrBadQuery, node.Op)
	}
}

// compareValues orders two normalized values: -1, 0 or 1. Null sorts below
// every value and equals only null.
func compareValues(a, b any) (int, error) {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}

	if at, aok := asTime(a); aok {
		bt, bok := asTime(b)
		if !bok {
			return 0, incomparable(a, b)
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, incomparable(a, b)
		}
		return strings.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, incomparable(a, b)
		}
		switch {
		case av == bv:
			return 0, nil
		case bv:
			return -1, nil
		default:
			return 1, nil
		}
	case int64:
		switch bv := b.(type) {
		case int64:
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			default:
				return 0, nil
			}
		case float64:
			return compareFloats(float64(av), bv), nil
		}
		return 0, incomparable(a, b)
	case float64:
		bf, ok := asFloat(b)
		if !ok {
			return 0, incomparable(a, b)
		}
		return compareFloats(av, bf), nil
	default:
		return 0, incomparable(a, b)
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func incomparable(a, b any) error {
	return fmt.Errorf("%w: cannot compare %T with %T", odata.ErrBadQuery, a, b)
}

// normalize collapses the literal wrapper types into their comparable forms.
func normalize(v any) any {
	switch value := v.(type) {
	case odata.Decimal:
		return float64(value)
	case odata.Date:
		return string(value)
	case odata.TimeOfDay:
		return string(value)
	case odata.GUID:
		return string(value)
	case int:
		return int64(value)
	case float32:
		return float64(value)
	default:
		return v
	}
}

// asTime widens date-shaped values to time.Time: instants pass through and
// yyyy-MM-dd strings parse as midnight UTC so Edm.Date literals compare
// against timestamp fields.
func asTime(v any) (time.Time, bool) {
	switch value := v.(type) {
	case time.Time:
		return value, true
	case string:
		if t, err := time.Parse("2006-01-02", value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch value := normalize(v).(type) {
	case int64:
		return float64(value), true
	case float64:
		return value, true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	value, ok := normalize(v).(int64)
	return value, ok
}

func asString(v any) (string, bool) {
	value, ok := normalize(v).(string)
	return value, ok
}

func arithmetic(op odata.BinaryOp, left, right any) (any, error) {
	if li, ok := asInt(left); ok {
		if ri, ok := asInt(right); ok {
			switch op {
			case odata.OpAdd:
				return li + ri, nil
			case odata.OpSub:
				return li - ri, nil
			case odata.OpMul:
				return li * ri, nil
			case odata.OpDiv:
				if ri == 0 {
					return nil, fmt.Errorf("%w: division by zero", odata.ErrBadQuery)
				}
				return li / ri, nil
			case odata.OpMod:
				if ri == 0 {
					return nil, fmt.Errorf("%w: division by zero", odata.ErrBadQuery)
				}
				return li % ri, nil
			}
		}
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: arithmetic requires numeric operands", odata.ErrBadQuery)
	}
	switch op {
	case odata.OpAdd:
		return lf + rf, nil
	case odata.OpSub:
		return lf - rf, nil
	case odata.OpMul:
		return lf * rf, nil
	case odata.OpDiv:
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", odata.ErrBadQuery)
		}
		return lf / rf, nil
	default:
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", odata.ErrBadQuery)
		}
		return math.Mod(lf, rf), nil
	}
}

func evalFunction(node *odata.FunctionCallNode, item any, model *entity.Model) (any, error) {
	args := make([]any, len(node.Args))
	for i, argNode := range node.Args {
		v, err := evalNode(argNode, item, model)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	badArg := func() error {
		return fmt.Errorf("%w: invalid argument for %s()", odata.ErrBadQuery, node.Name)
	}

	switch node.Name {
	case "ceiling", "floor", "round":
		f, ok := asFloat(args[0])
		if !ok {
			return nil, badArg()
		}
		switch node.Name {
		case "ceiling":
			return math.Ceil(f), nil
		case "floor":
			return math.Floor(f), nil
		default:
			return math.Round(f), nil
		}
	case "day", "month", "year", "hour", "minute", "second":
		t, ok := asTime(args[0])
		if !ok {
			return nil, badArg()
		}
		t = t.UTC()
		switch node.Name {
		case "day":
			return int64(t.Day()), nil
		case "month":
			return int64(t.Month()), nil
		case "year":
			return int64(t.Year()), nil
		case "hour":
			return int64(t.Hour()), nil
		case "minute":
			return int64(t.Minute()), nil
		default:
			return int64(t.Second()), nil
		}
	case "startswith", "endswith":
		s, sok := asString(args[0])
		sub, subok := asString(args[1])
		if !sok || !subok {
			return nil, badArg()
		}
		if node.Name == "startswith" {
			return strings.HasPrefix(s, sub), nil
		}
		return strings.HasSuffix(s, sub), nil
	case "tolower", "toupper":
		s, ok := asString(args[0])
		if !ok {
			return nil, badArg()
		}
		if node.Name == "tolower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil
	case "concat":
		a, aok := asString(args[0])
		b, bok := asString(args[1])
		if !aok || !bok {
			return nil, badArg()
		}
		return a + b, nil
	default:
		return nil, fmt.Errorf("%w: unknown function %q", odata.ErrBadQuery, node.Name)
	}
}

func convert(v any, target odata.EdmType) (any, error) {
	badCast := func() error {
		return fmt.Errorf("%w: cannot cast %T to %s", odata.ErrBadQuery, v, target)
	}
	switch target {
	case odata.EdmString:
		switch value := normalize(v).(type) {
		case nil:
			return nil, nil
		case string:
			return value, nil
		case time.Time:
			return odata.FormatDateTime(value), nil
		case int64:
			return strconv.FormatInt(value, 10), nil
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(value), nil
		default:
			return nil, badCast()
		}
	case odata.EdmDate:
		if t, ok := asTime(v); ok {
			return odata.Date(t.UTC().Format("2006-01-02")), nil
		}
		return nil, badCast()
	case odata.EdmTimeOfDay:
		if t, ok := v.(time.Time); ok {
			return odata.TimeOfDay(t.UTC().Format("15:04:05.000")), nil
		}
		return nil, badCast()
	case odata.EdmDateTimeOffset:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		if s, ok := asString(v); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, badCast()
			}
			return t.UTC(), nil
		}
		return nil, badCast()
	case odata.EdmGuid:
		if s, ok := asString(v); ok {
			return odata.GUID(strings.ToLower(s)), nil
		}
		return nil, badCast()
	default:
		return nil, fmt.Errorf("%w: unsupported cast target %q", odata.ErrBadQuery, target)
	}
}
