package datasync

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by Get/Replace/Remove when the server reports 404
// or 410 and the options do not suppress it.
var ErrNotFound = errors.New("entity does not exist")

// ErrNotModified is returned by a conditional Get when the server reports the
// client's copy is current.
var ErrNotModified = errors.New("entity not modified")

// ResponseError is a non-2xx service response.
type ResponseError struct {
	StatusCode int
	Status     string
	URL        string
	Header     http.Header
	Body       []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("service request %s failed: %s", e.URL, e.Status)
}

// ETag returns the entity tag of the response, if any.
func (e *ResponseError) ETag() string {
	if e.Header == nil {
		return ""
	}
	return e.Header.Get("ETag")
}

// ConflictError reports an optimistic-concurrency failure (409 or 412).
// Client holds the entity the caller submitted; Server holds the server's
// current copy from the response body, with ETag its current tag.
type ConflictError[T any] struct {
	StatusCode int
	Client     *T
	Server     *T
	ETag       string
}

func (e *ConflictError[T]) Error() string {
	if e.StatusCode == http.StatusConflict {
		return "entity already exists"
	}
	return "entity version conflict"
}
