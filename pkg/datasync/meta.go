// Package datasync provides the client half of the datasync protocol: a typed
// HTTP table client with conditional-request support, a fluent query builder,
// and (in the offline subpackage) a durable operations queue with push/pull
// synchronization against a datasync table endpoint.
package datasync

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"
)

// Meta carries the four synchronization metadata fields every entity exposes.
// Domain types embed Meta to become synchronizable:
//
//	type Movie struct {
//	    datasync.Meta
//	    Title string `json:"title"`
//	}
//
// Version is an opaque server-assigned concurrency token; encoding/json
// transmits it as a base64 string, matching the wire format.
type Meta struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   []byte    `json:"version,omitempty"`
	Deleted   bool      `json:"deleted"`
}

// EntityMeta returns the embedded metadata. Pointer receiver so that any
// struct embedding Meta satisfies Entity through its pointer type.
func (m *Meta) EntityMeta() *Meta { return m }

// Entity is implemented by pointers to structs that embed Meta.
type Entity interface {
	EntityMeta() *Meta
}

// idPattern is the set of ids the server accepts: it must start with an
// alphanumeric and may continue with alphanumerics, underscore, dot, colon or
// hyphen, up to 127 characters total.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,126}$`)

// ValidID reports whether id is acceptable as an entity id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ETag renders a version token as a strong entity tag: the base64 encoding of
// the token inside double quotes. Returns "" for an empty version.
func ETag(version []byte) string {
	if len(version) == 0 {
		return ""
	}
	return `"` + base64.StdEncoding.EncodeToString(version) + `"`
}

// ETagValue extracts the version token from a single strong entity tag.
// Returns nil when the tag is empty, malformed, or the wildcard "*".
func ETagValue(tag string) []byte {
	tag = strings.TrimSpace(tag)
	if tag == "*" || len(tag) < 2 || tag[0] != '"' || tag[len(tag)-1] != '"' {
		return nil
	}
	version, err := base64.StdEncoding.DecodeString(tag[1 : len(tag)-1])
	if err != nil {
		return nil
	}
	return version
}

// ParseETagList splits a conditional header value (If-Match / If-None-Match)
// into individual entity tags. The wildcard "*" is returned as-is. Weak tags
// (W/"...") are never emitted by the server and are passed through verbatim so
// that comparison against them fails.
func ParseETagList(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// ETagMatches reports whether any tag in the list matches the given version
// using the strong comparison function. "*" matches any existing version.
func ETagMatches(tags []string, version []byte) bool {
	if len(version) == 0 {
		return false
	}
	want := ETag(version)
	for _, tag := range tags {
		if tag == "*" || tag == want {
			return true
		}
	}
	return false
}
