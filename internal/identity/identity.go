// Package identity derives deterministic subject identifiers from
// external references. It is pure: no I/O, no logging, no clock reads.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the type of subject an id belongs to.
type Kind string

const (
	KindLink       Kind = "link"
	KindSensor     Kind = "sensor"
	KindTodo       Kind = "todo"
	KindAnnotation Kind = "annotation"
)

// defaultSchemePort maps schemes to the port considered default for
// that scheme, so it can be stripped during URL normalization.
var defaultSchemePort = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL canonicalizes rawURL for use as an identity input.
// It lowercases scheme and host, strips default ports and fragments,
// sorts query parameters lexicographically, and removes a trailing
// slash unless the path is root.
//
// Malformed input is returned unchanged rather than erroring: identity
// normalization is total, so callers that need to reject an unparsable
// URL must do so themselves before calling SubjectIDForURL.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if port := u.Port(); port != "" && defaultSchemePort[u.Scheme] == port {
		u.Host = u.Hostname()
	}

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(pairs, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String()
}

// SubjectIDForURL returns the deterministic link subject id for rawURL.
// The same normalized URL always yields the same id.
func SubjectIDForURL(rawURL string) (id string, normalized string) {
	normalized = NormalizeURL(rawURL)
	sum := sha256.Sum256([]byte(normalized))
	return "link:" + hex.EncodeToString(sum[:])[:16], normalized
}

var nonAlphaNumRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, replaces runs of non-alphanumeric characters with
// a single hyphen, and trims leading/trailing hyphens.
func Slug(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	slug := nonAlphaNumRun.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}

// SubjectIDForSensor returns the deterministic sensor subject id for a
// physical location label.
func SubjectIDForSensor(location string) string {
	return "sensor:" + Slug(location)
}

// NewID mints a fresh subject id for a kind with no external
// reference to normalize (todo, annotation). It embeds a UUIDv7 so
// callers never hand-format the "<kind>:<uuid>" string themselves.
func NewID(kind Kind) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("identity: mint uuid for %s: %w", kind, err)
	}
	return string(kind) + ":" + id.String(), nil
}

// SplitID splits a subject id "<kind>:<rest>" into its kind and the
// remainder. It returns ok=false if id has no colon separator.
func SplitID(id string) (kind Kind, rest string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return "", "", false
	}
	return Kind(id[:i]), id[i+1:], true
}
