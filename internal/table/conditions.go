package table

import (
	"net/http"
	"time"

	"github.com/hyperengineering/datasync/pkg/datasync"
)

// checkReadConditions evaluates the conditional headers of a GET against the
// current row. Returns http.StatusNotModified when the client's copy is
// current, 0 otherwise. Header precedence follows RFC 7232 section 6:
// If-None-Match suppresses If-Modified-Since.
func checkReadConditions(r *http.Request, meta *datasync.Meta) int {
	if header := r.Header.Get("If-None-Match"); header != "" {
		if datasync.ETagMatches(datasync.ParseETagList(header), meta.Version) {
			return http.StatusNotModified
		}
		return 0
	}
	if header := r.Header.Get("If-Modified-Since"); header != "" {
		if since, err := http.ParseTime(header); err == nil {
			if !meta.UpdatedAt.Truncate(time.Second).After(since) {
				return http.StatusNotModified
			}
		}
	}
	return 0
}

// checkWriteConditions evaluates the conditional headers of a mutating
// request against the current row. Returns http.StatusPreconditionFailed on
// failure, 0 when the write may proceed. If-Match suppresses
// If-Unmodified-Since, and If-None-Match suppresses If-Modified-Since.
func checkWriteConditions(r *http.Request, meta *datasync.Meta) int {
	matched := false
	if header := r.Header.Get("If-Match"); header != "" {
		if !datasync.ETagMatches(datasync.ParseETagList(header), meta.Version) {
			return http.StatusPreconditionFailed
		}
		matched = true
	}
	if !matched {
		if header := r.Header.Get("If-Unmodified-Since"); header != "" {
			if since, err := http.ParseTime(header); err == nil {
				if meta.UpdatedAt.Truncate(time.Second).After(since) {
					return http.StatusPreconditionFailed
				}
			}
		}
	}
	if header := r.Header.Get("If-None-Match"); header != "" {
		if datasync.ETagMatches(datasync.ParseETagList(header), meta.Version) {
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

// conditionalVersion extracts the concurrency token a mutating request pins
// with If-Match. Preconditions come from headers only; a version field in the
// request body never makes the write conditional. Nil means unconditional.
func conditionalVersion(r *http.Request) []byte {
	if header := r.Header.Get("If-Match"); header != "" && header != "*" {
		return datasync.ETagValue(header)
	}
	return nil
}
