package odata

import (
	"reflect"
	"testing"
	"time"
)

func TestSerialize_RoundTrip(t *testing.T) {
	model := movieModel(t)
	sources := []string{
		"(year ge 1990)",
		"((year ge 1990) and (bestPictureWinner eq true))",
		"((rating gt 7.5) or (not (deleted eq true)))",
		"startswith(tolower(title),'the')",
		"(title eq 'it''s')",
		"((duration add 10) gt (year mod 100))",
		"(year in (1990,1994))",
		"(releaseDate gt cast(1994-10-14,Edm.Date))",
		"(cast(releaseDate,Edm.String) eq '1994-10-14')",
		"(rating eq 7.5M)",
	}
	for _, src := range sources {
		node, err := ParseFilter(src, model)
		if err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		rendered := Serialize(node)
		if rendered != src {
			t.Errorf("Expected %q, got %q", src, rendered)
		}
		reparsed, err := ParseFilter(rendered, model)
		if err != nil {
			t.Fatalf("reparse %s: %v", rendered, err)
		}
		if !reflect.DeepEqual(node, reparsed) {
			t.Errorf("%s: tree changed across round trip", src)
		}
	}
}

func TestSerialize_DateTime(t *testing.T) {
	at := time.Date(2024, 8, 23, 20, 22, 54, 291_000_000, time.UTC)
	node := &BinaryNode{
		Op:    OpGt,
		Left:  &MemberAccessNode{Name: "updatedAt"},
		Right: &ConstantNode{Value: at},
	}
	want := "(updatedAt gt cast(2024-08-23T20:22:54.291Z,Edm.DateTimeOffset))"
	if got := Serialize(node); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestSerialize_FloatKeepsFraction(t *testing.T) {
	if got := formatConstant(float64(3)); got != "3.0" {
		t.Errorf("Expected 3.0, got %q", got)
	}
	if got := formatConstant(float64(3.25)); got != "3.25" {
		t.Errorf("Expected 3.25, got %q", got)
	}
}

func TestQueryString_CanonicalOrder(t *testing.T) {
	at := time.Date(2024, 8, 23, 20, 22, 54, 291_000_000, time.UTC)
	q := NewQuery()
	q.And(&BinaryNode{
		Op:    OpGt,
		Left:  &MemberAccessNode{Name: "updatedAt"},
		Right: &ConstantNode{Value: at},
	})
	q.Order = []OrderBy{{Field: "updatedAt"}}
	q.Count = true
	q.IncludeDeleted = true
	want := "$filter=(updatedAt gt cast(2024-08-23T20:22:54.291Z,Edm.DateTimeOffset))&$orderby=updatedAt&$count=true&__includedeleted=true"
	if got := q.QueryString(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestQueryString_SkipTopZero(t *testing.T) {
	q := NewQuery()
	q.Skip = 0
	q.Top = 0
	q.Count = true
	want := "$skip=0&$top=0&$count=true"
	if got := q.QueryString(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestQuery_And(t *testing.T) {
	q := NewQuery()
	left := &BinaryNode{Op: OpEq, Left: &MemberAccessNode{Name: "year"}, Right: &ConstantNode{Value: int64(1990)}}
	q.And(left)
	if q.Filter != left {
		t.Fatal("Expected first And to install the predicate directly")
	}
	q.And(&ConstantNode{Value: true})
	root, ok := q.Filter.(*BinaryNode)
	if !ok || root.Op != OpAnd {
		t.Fatalf("Expected and conjunction, got %#v", q.Filter)
	}
}
