package odata

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Serialize renders a node in canonical textual form. Binary nodes are always
// parenthesized, so the output round-trips through ParseFilter to an
// equivalent tree regardless of the original grouping.
func Serialize(n Node) string {
	var sb strings.Builder
	writeNode(&sb, n)
	return sb.String()
}

func writeNode(sb *strings.Builder, n Node) {
	switch node := n.(type) {
	case *ConstantNode:
		sb.WriteString(formatConstant(node.Value))
	case *MemberAccessNode:
		sb.WriteString(node.Name)
	case *UnaryNode:
		sb.WriteString("not ")
		writeNode(sb, node.Operand)
	case *BinaryNode:
		sb.WriteByte('(')
		writeNode(sb, node.Left)
		sb.WriteByte(' ')
		sb.WriteString(node.Op.String())
		sb.WriteByte(' ')
		writeNode(sb, node.Right)
		sb.WriteByte(')')
	case *FunctionCallNode:
		sb.WriteString(node.Name)
		sb.WriteByte('(')
		for i, arg := range node.Args {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeNode(sb, arg)
		}
		sb.WriteByte(')')
	case *ConvertNode:
		sb.WriteString("cast(")
		writeNode(sb, node.Source)
		sb.WriteByte(',')
		sb.WriteString(string(node.Target))
		sb.WriteByte(')')
	default:
		sb.WriteString(fmt.Sprintf("<unknown node %T>", n))
	}
}

func formatConstant(v any) string {
	switch value := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(value)
	case string:
		return "'" + strings.ReplaceAll(value, "'", "''") + "'"
	case int:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return formatFloat(value)
	case float32:
		return formatFloat(float64(value))
	case Decimal:
		return formatFloat(float64(value)) + "M"
	case time.Time:
		return "cast(" + FormatDateTime(value) + ",Edm.DateTimeOffset)"
	case Date:
		return "cast(" + string(value) + ",Edm.Date)"
	case TimeOfDay:
		return "cast(" + string(value) + ",Edm.TimeOfDay)"
	case GUID:
		return "cast(" + string(value) + ",Edm.Guid)"
	case []any:
		parts := make([]string, len(value))
		for i, item := range value {
			parts[i] = formatConstant(item)
		}
		return "(" + strings.Join(parts, ",") + ")"
	default:
		return fmt.Sprintf("%v", value)
	}
}

// formatFloat always keeps a fractional part so the literal re-lexes as a
// float rather than an integer.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// queryOptionOrder fixes the parameter order of serialized query strings so
// that identical queries always render identically.
var queryOptionOrder = []string{
	"$filter", "$orderby", "$select", "$skip", "$top", "$count", "__includedeleted",
}

// QueryString renders the query in canonical unescaped form, suitable for
// fingerprinting and for tests. Use Values for a wire request.
func (q *Query) QueryString() string {
	opts := q.options()
	var sb strings.Builder
	for _, key := range queryOptionOrder {
		value, ok := opts[key]
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(value)
	}
	return sb.String()
}

// Values renders the query as url.Values for an outgoing request.
func (q *Query) Values() url.Values {
	values := url.Values{}
	for key, value := range q.options() {
		values.Set(key, value)
	}
	return values
}

func (q *Query) options() map[string]string {
	opts := make(map[string]string)
	if q.Filter != nil {
		opts["$filter"] = Serialize(q.Filter)
	}
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, ob := range q.Order {
			parts[i] = ob.Field
			if ob.Descending {
				parts[i] += " desc"
			}
		}
		opts["$orderby"] = strings.Join(parts, ",")
	}
	if len(q.Select) > 0 {
		opts["$select"] = strings.Join(q.Select, ",")
	}
	if q.Skip >= 0 {
		opts["$skip"] = strconv.Itoa(q.Skip)
	}
	if q.Top >= 0 {
		opts["$top"] = strconv.Itoa(q.Top)
	}
	if q.Count {
		opts["$count"] = "true"
	}
	if q.IncludeDeleted {
		opts["__includedeleted"] = "true"
	}
	return opts
}
