// Package entity builds the per-type field model the server and client share.
// A Model is constructed once, when a table or client type is registered, and
// maps wire field names to typed accessors. Query parsing, evaluation and
// client-side query compilation all dispatch through the Model instead of
// reflecting over struct fields at request time.
package entity

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hyperengineering/datasync/pkg/datasync"
)

// Kind classifies a field for comparison and literal checking.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Field describes one wire-visible field of an entity type.
type Field struct {
	Name     string // wire (JSON) name
	Kind     Kind
	Nullable bool
	index    []int
}

// Model is the field table for a registered entity type.
type Model struct {
	typ    reflect.Type
	fields map[string]Field
	order  []string
}

var timeType = reflect.TypeOf(time.Time{})

// ModelOf builds the Model for T. T must be a struct embedding datasync.Meta.
func ModelOf[T any]() (*Model, error) {
	var zero T
	t := reflect.TypeOf(zero)
	return ModelFor(t)
}

// ModelFor builds the Model for the given struct type.
func ModelFor(t reflect.Type) (*Model, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity model: %s is not a struct", t)
	}
	if !reflect.PointerTo(t).Implements(reflect.TypeOf((*datasync.Entity)(nil)).Elem()) {
		return nil, fmt.Errorf("entity model: %s does not embed datasync.Meta", t)
	}

	m := &Model{typ: t, fields: make(map[string]Field)}
	if err := m.collect(t, nil); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) collect(t reflect.Type, prefix []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		index := append(append([]int{}, prefix...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			if err := m.collect(sf.Type, index); err != nil {
				return err
			}
			continue
		}

		name := wireName(sf)
		if name == "" {
			continue
		}
		kind, nullable, err := kindOf(sf.Type)
		if err != nil {
			return fmt.Errorf("entity model: field %s.%s: %w", t.Name(), sf.Name, err)
		}
		if _, dup := m.fields[name]; dup {
			return fmt.Errorf("entity model: duplicate wire name %q on %s", name, t.Name())
		}
		m.fields[name] = Field{Name: name, Kind: kind, Nullable: nullable, index: index}
		m.order = append(m.order, name)
	}
	return nil
}

// wireName resolves the JSON name for a struct field. Without a json tag the
// declared field name is used verbatim.
func wireName(sf reflect.StructField) string {
	tag, ok := sf.Tag.Lookup("json")
	if !ok {
		return sf.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return sf.Name
	}
	return name
}

func kindOf(t reflect.Type) (Kind, bool, error) {
	nullable := false
	if t.Kind() == reflect.Pointer {
		nullable = true
		t = t.Elem()
	}
	if t == timeType {
		return KindTime, nullable, nil
	}
	switch t.Kind() {
	case reflect.String:
		return KindString, nullable, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return KindInt, nullable, nil
	case reflect.Float32, reflect.Float64:
		return KindFloat, nullable, nil
	case reflect.Bool:
		return KindBool, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes, nullable, nil
		}
	}
	return 0, false, fmt.Errorf("unsupported field type %s", t)
}

// TypeName is the short name of the modeled struct type.
func (m *Model) TypeName() string { return m.typ.Name() }

// QualifiedName is the package-qualified type name, used as the default delta
// token id for a type.
func (m *Model) QualifiedName() string { return m.typ.String() }

// Lookup returns the field with the given wire name.
func (m *Model) Lookup(name string) (Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// Names returns the wire field names in declaration order.
func (m *Model) Names() []string {
	return append([]string(nil), m.order...)
}

// Value extracts the named field from an entity instance, normalized for
// comparison: integers widen to int64, floats to float64, byte slices render
// as base64, nil pointers become nil.
func (m *Model) Value(e any, name string) (any, error) {
	f, ok := m.fields[name]
	if !ok {
		return nil, fmt.Errorf("entity model: %s has no field %q", m.typ.Name(), name)
	}
	v := reflect.ValueOf(e)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	fv := v.FieldByIndex(f.index)
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil, nil
		}
		fv = fv.Elem()
	}
	switch f.Kind {
	case KindTime:
		return fv.Interface().(time.Time), nil
	case KindString:
		return fv.String(), nil
	case KindInt:
		if fv.CanUint() {
			return int64(fv.Uint()), nil
		}
		return fv.Int(), nil
	case KindFloat:
		return fv.Float(), nil
	case KindBool:
		return fv.Bool(), nil
	case KindBytes:
		return base64.StdEncoding.EncodeToString(fv.Bytes()), nil
	}
	return nil, fmt.Errorf("entity model: field %q has unknown kind", name)
}
