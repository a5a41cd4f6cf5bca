package table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/datasync/internal/odata"
	"github.com/hyperengineering/datasync/internal/repository"
	"github.com/hyperengineering/datasync/pkg/datasync"
)

type movie struct {
	datasync.Meta
	Title       string    `json:"title"`
	Year        int       `json:"year"`
	ReleaseDate time.Time `json:"releaseDate"`
}

type env struct {
	repo   *repository.InMemory[movie]
	server *httptest.Server
}

func newEnv(t *testing.T, opts ...Option[movie]) *env {
	t.Helper()
	repo := repository.NewInMemory[movie]()
	handler, err := NewHandler[movie](repo, opts...)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer("/tables", "", "test")
	srv.Mount("movies", handler.Routes())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &env{repo: repo, server: ts}
}

func (e *env) seed(t *testing.T, id, title string, year int) *movie {
	t.Helper()
	m := &movie{Title: title, Year: year,
		ReleaseDate: time.Date(year, 6, 1, 0, 0, 0, 0, time.UTC)}
	m.ID = id
	if err := e.repo.Create(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeMovie(t *testing.T, resp *http.Response) *movie {
	t.Helper()
	var m movie
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	return &m
}

func decodePage(t *testing.T, resp *http.Response) (items []map[string]any, count *int64, nextLink string) {
	t.Helper()
	var page struct {
		Items    []map[string]any `json:"items"`
		Count    *int64           `json:"count"`
		NextLink string           `json:"nextLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	return page.Items, page.Count, page.NextLink
}

func TestHandler_CreateAndGet(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{
		"id": "id-001", "title": "Gladiator", "year": 2000,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("ETag") == "" {
		t.Error("Expected an ETag on create")
	}
	if loc := resp.Header.Get("Location"); !strings.HasSuffix(loc, "/tables/movies/id-001") {
		t.Errorf("Unexpected Location %q", loc)
	}
	created := decodeMovie(t, resp)
	if len(created.Version) == 0 || created.UpdatedAt.IsZero() {
		t.Error("Expected metadata to be stamped")
	}

	resp = e.do(t, http.MethodGet, "/tables/movies/id-001", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	got := decodeMovie(t, resp)
	if got.Title != "Gladiator" {
		t.Errorf("Expected Gladiator, got %q", got.Title)
	}
}

func TestHandler_CreateGeneratesID(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{"title": "Anon"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	created := decodeMovie(t, resp)
	if !datasync.ValidID(created.ID) {
		t.Errorf("Generated id %q is not valid", created.ID)
	}
}

func TestHandler_CreateInvalidID(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"-leading-dash", "has space", strings.Repeat("x", 128)} {
		resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{"id": id}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("id %q: expected 400, got %d", id, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
			t.Errorf("id %q: expected problem+json, got %q", id, ct)
		}
	}
}

func TestHandler_CreateConflict(t *testing.T) {
	e := newEnv(t)
	stored := e.seed(t, "id-001", "Original", 1999)

	resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{
		"id": "id-001", "title": "Duplicate",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", resp.StatusCode)
	}
	current := decodeMovie(t, resp)
	if current.Title != "Original" {
		t.Errorf("Expected conflict body to carry the stored row, got %q", current.Title)
	}
	if resp.Header.Get("ETag") != datasync.ETag(stored.Version) {
		t.Error("Expected conflict ETag to be the stored version")
	}
}

func TestHandler_CreateConflictOnTombstone(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "Dead", 1990)
	if err := e.repo.Delete(context.Background(), m.ID, m.Version); err != nil {
		t.Fatal(err)
	}
	resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{"id": "id-001"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 re-adding a tombstone, got %d", resp.StatusCode)
	}
}

func TestHandler_CreateIfNoneMatchStar(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "id-001", "Original", 1999)
	resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{"id": "id-001"},
		map[string]string{"If-None-Match": "*"})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("Expected 412 with If-None-Match: *, got %d", resp.StatusCode)
	}
}

// Conditional GET hit: a matching If-None-Match returns 304 with no body.
func TestHandler_ConditionalGet(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "Gladiator", 2000)
	tag := datasync.ETag(m.Version)

	resp := e.do(t, http.MethodGet, "/tables/movies/id-001", nil,
		map[string]string{"If-None-Match": tag})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("Expected 304, got %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/tables/movies/id-001", nil,
		map[string]string{"If-None-Match": `"c3RhbGU="`})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for a stale tag, got %d", resp.StatusCode)
	}
}

func TestHandler_GetIfModifiedSince(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "Gladiator", 2000)

	after := m.UpdatedAt.Add(time.Hour).UTC().Format(http.TimeFormat)
	resp := e.do(t, http.MethodGet, "/tables/movies/id-001", nil,
		map[string]string{"If-Modified-Since": after})
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("Expected 304 when unmodified, got %d", resp.StatusCode)
	}

	before := m.UpdatedAt.Add(-time.Hour).UTC().Format(http.TimeFormat)
	resp = e.do(t, http.MethodGet, "/tables/movies/id-001", nil,
		map[string]string{"If-Modified-Since": before})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 when modified since, got %d", resp.StatusCode)
	}
}

// Optimistic replace: a stale If-Match returns 412 carrying the server's
// current entity and ETag.
func TestHandler_ReplaceStaleVersion(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "v1", 2000)
	staleTag := datasync.ETag(m.Version)

	update := *m
	update.Title = "v2"
	if err := e.repo.Replace(context.Background(), &update, m.Version); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, http.MethodPut, "/tables/movies/id-001",
		map[string]any{"id": "id-001", "title": "stale write"},
		map[string]string{"If-Match": staleTag})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("Expected 412, got %d", resp.StatusCode)
	}
	current := decodeMovie(t, resp)
	if current.Title != "v2" {
		t.Errorf("Expected current entity v2 in the body, got %q", current.Title)
	}
	if resp.Header.Get("ETag") != datasync.ETag(update.Version) {
		t.Error("Expected the current ETag on the 412")
	}
}

func TestHandler_ReplaceWithCurrentVersion(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "v1", 2000)

	resp := e.do(t, http.MethodPut, "/tables/movies/id-001",
		map[string]any{"id": "id-001", "title": "v2", "year": 2001},
		map[string]string{"If-Match": datasync.ETag(m.Version)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	updated := decodeMovie(t, resp)
	if updated.Title != "v2" {
		t.Errorf("Expected v2, got %q", updated.Title)
	}
	if datasync.ETag(updated.Version) == datasync.ETag(m.Version) {
		t.Error("Expected the version to change")
	}
	if updated.UpdatedAt.Before(m.UpdatedAt) {
		t.Error("Expected updatedAt to advance")
	}
}

func TestHandler_ReplaceBodyVersionIsNotAPrecondition(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "v1", 2000)

	// Preconditions come from headers only: a stale version field in the
	// body leaves the PUT unconditional.
	body := map[string]any{"id": "id-001", "title": "x",
		"version": []byte("0123456789abcdef")}
	resp := e.do(t, http.MethodPut, "/tables/movies/id-001", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for an unconditional replace, got %d", resp.StatusCode)
	}

	// The same stale version pinned with If-Match does fail.
	resp = e.do(t, http.MethodPut, "/tables/movies/id-001", body,
		map[string]string{"If-Match": datasync.ETag([]byte("0123456789abcdef"))})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("Expected 412 for a stale If-Match, got %d", resp.StatusCode)
	}

	updated := decodeMovie(t, e.do(t, http.MethodGet, "/tables/movies/id-001", nil, nil))
	if datasync.ETag(updated.Version) == datasync.ETag(m.Version) {
		t.Error("Expected the unconditional replace to have landed")
	}
}

func TestHandler_ReplaceMissing(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPut, "/tables/movies/ghost", map[string]any{"id": "ghost"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestHandler_ReplaceIDMismatch(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "id-001", "x", 2000)
	resp := e.do(t, http.MethodPut, "/tables/movies/id-001", map[string]any{"id": "other"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_IfUnmodifiedSince(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-001", "v1", 2000)

	before := m.UpdatedAt.Add(-time.Hour).UTC().Format(http.TimeFormat)
	resp := e.do(t, http.MethodPut, "/tables/movies/id-001",
		map[string]any{"id": "id-001", "title": "x"},
		map[string]string{"If-Unmodified-Since": before})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("Expected 412 when modified after header, got %d", resp.StatusCode)
	}

	// If-Match wins over If-Unmodified-Since when both are present.
	resp = e.do(t, http.MethodPut, "/tables/movies/id-001",
		map[string]any{"id": "id-001", "title": "x"},
		map[string]string{
			"If-Match":            datasync.ETag(m.Version),
			"If-Unmodified-Since": before,
		})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected If-Match to win over If-Unmodified-Since, got %d", resp.StatusCode)
	}
}

// Soft delete visibility: 410 on direct GET, visible through
// __includedeleted with deleted=true.
func TestHandler_SoftDeleteVisibility(t *testing.T) {
	e := newEnv(t)
	m := e.seed(t, "id-002", "Doomed", 1995)

	resp := e.do(t, http.MethodDelete, "/tables/movies/id-002", nil,
		map[string]string{"If-Match": datasync.ETag(m.Version)})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/tables/movies/id-002", nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("Expected 410, got %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/tables/movies/id-002?__includedeleted=true", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with __includedeleted, got %d", resp.StatusCode)
	}

	q := "?__includedeleted=true&$filter=" + "id eq 'id-002'"
	resp = e.do(t, http.MethodGet, "/tables/movies"+strings.ReplaceAll(q, " ", "%20"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	items, _, _ := decodePage(t, resp)
	if len(items) != 1 {
		t.Fatalf("Expected the tombstone in the page, got %d items", len(items))
	}
	if items[0]["deleted"] != true {
		t.Error("Expected deleted=true on the tombstone")
	}

	resp = e.do(t, http.MethodDelete, "/tables/movies/id-002", nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("Expected 410 on double delete, got %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPut, "/tables/movies/id-002", map[string]any{"id": "id-002"}, nil)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("Expected 410 replacing a tombstone, got %d", resp.StatusCode)
	}
}

func TestHandler_DeleteStaleVersion(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "id-001", "x", 2000)
	resp := e.do(t, http.MethodDelete, "/tables/movies/id-001", nil,
		map[string]string{"If-Match": `"c3RhbGU="`})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("Expected 412, got %d", resp.StatusCode)
	}
	current := decodeMovie(t, resp)
	if current.ID != "id-001" {
		t.Error("Expected the current entity in the 412 body")
	}
}

// Paging: 248 rows under the default page size of 100.
func TestHandler_Paging(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 248; i++ {
		e.seed(t, fmt.Sprintf("p%03d", i), fmt.Sprintf("Movie %03d", i), 1900+i%100)
	}

	var collected []map[string]any
	path := "/tables/movies?$orderby=id"
	pages := 0
	for path != "" {
		resp := e.do(t, http.MethodGet, strings.ReplaceAll(path, " ", "%20"), nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		items, _, next := decodePage(t, resp)
		collected = append(collected, items...)
		pages++
		switch pages {
		case 1, 2:
			if len(items) != 100 {
				t.Fatalf("Page %d: expected 100 items, got %d", pages, len(items))
			}
			if next == "" {
				t.Fatalf("Page %d: expected a nextLink", pages)
			}
		case 3:
			if len(items) != 48 {
				t.Fatalf("Page 3: expected 48 items, got %d", len(items))
			}
			if next != "" {
				t.Fatalf("Page 3: expected no nextLink, got %q", next)
			}
		}
		path = next
	}
	if len(collected) != 248 {
		t.Errorf("Expected 248 items across pages, got %d", len(collected))
	}
	seen := make(map[string]bool)
	for _, item := range collected {
		seen[item["id"].(string)] = true
	}
	if len(seen) != 248 {
		t.Errorf("Expected 248 distinct ids, got %d", len(seen))
	}
}

// Filter + ordering: five rows, ascending releaseDate, year >= 2000.
func TestHandler_FilterAndOrdering(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 20; i++ {
		e.seed(t, fmt.Sprintf("f%02d", i), fmt.Sprintf("Movie %02d", i), 1990+i)
	}
	path := "/tables/movies?$filter=year ge 2000&$orderby=releaseDate asc&$top=5"
	resp := e.do(t, http.MethodGet, strings.ReplaceAll(path, " ", "%20"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	items, _, _ := decodePage(t, resp)
	if len(items) != 5 {
		t.Fatalf("Expected exactly 5 items, got %d", len(items))
	}
	prev := ""
	for _, item := range items {
		if y := item["year"].(float64); y < 2000 {
			t.Errorf("Row %v violates the filter", item["id"])
		}
		rd := item["releaseDate"].(string)
		if prev != "" && rd < prev {
			t.Error("Rows are not sorted by releaseDate ascending")
		}
		prev = rd
	}
}

func TestHandler_QueryRejections(t *testing.T) {
	e := newEnv(t)
	for _, q := range []string{
		"$top=-1", "$skip=-1", "$top=abc", "$top=100001",
		"$filter=bogus eq 1", "$expand=reviews",
	} {
		resp := e.do(t, http.MethodGet, "/tables/movies?"+strings.ReplaceAll(q, " ", "%20"), nil, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestHandler_CountWithTopZero(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 7; i++ {
		e.seed(t, fmt.Sprintf("c%d", i), "x", 2000)
	}
	resp := e.do(t, http.MethodGet, "/tables/movies?$top=0&$count=true", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	items, count, next := decodePage(t, resp)
	if len(items) != 0 {
		t.Errorf("Expected no items, got %d", len(items))
	}
	if count == nil || *count != 7 {
		t.Errorf("Expected count 7, got %v", count)
	}
	if next != "" {
		t.Errorf("Expected no nextLink, got %q", next)
	}
}

func TestHandler_Select(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "s1", "Selected", 2000)
	resp := e.do(t, http.MethodGet, "/tables/movies?$select=id,title", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	items, _, _ := decodePage(t, resp)
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if len(items[0]) != 2 {
		t.Errorf("Expected exactly the selected fields, got %#v", items[0])
	}
	if items[0]["title"] != "Selected" {
		t.Errorf("Unexpected projection %#v", items[0])
	}
}

type denyWrites struct {
	AllowAll[movie]
}

func (denyWrites) IsAuthorized(ctx context.Context, op Operation, e *movie) (bool, error) {
	return op == OperationQuery || op == OperationRead, nil
}

func (denyWrites) DataView() odata.Node {
	return &odata.BinaryNode{
		Op:    odata.OpGe,
		Left:  &odata.MemberAccessNode{Name: "year"},
		Right: &odata.ConstantNode{Value: int64(2000)},
	}
}

func TestHandler_AccessControl(t *testing.T) {
	e := newEnv(t, WithAccess[movie](denyWrites{}))
	e.seed(t, "old", "Old", 1980)
	e.seed(t, "new", "New", 2010)

	// A denied anonymous request is asked to authenticate; a denied
	// credentialed request is refused outright.
	resp := e.do(t, http.MethodPost, "/tables/movies", map[string]any{"id": "x"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 on anonymous create, got %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodPost, "/tables/movies", map[string]any{"id": "x"},
		map[string]string{"Authorization": "Bearer some-token"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 on credentialed create, got %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/tables/movies", nil, nil)
	items, _, _ := decodePage(t, resp)
	if len(items) != 1 || items[0]["id"] != "new" {
		t.Errorf("Expected the data view to hide pre-2000 rows, got %#v", items)
	}
}

func TestServer_Auth(t *testing.T) {
	repo := repository.NewInMemory[movie]()
	handler, err := NewHandler[movie](repo)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer("/tables", "secret-key", "test")
	srv.Mount("movies", handler.Routes())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tables/movies")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tables/movies", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", resp2.StatusCode)
	}

	// Health stays public.
	resp3, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("Expected public health endpoint, got %d", resp3.StatusCode)
	}
}
