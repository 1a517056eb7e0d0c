package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// ControlParam is the query parameter that controls cache reads. It is
// stripped before key derivation so that it never fragments the cache.
const ControlParam = "cache"

// Request is the identity of a cacheable request.
type Request struct {
	Method string
	// URL is the original request URI (path plus raw query).
	URL string
	// Username is the authenticated user, or "" for anonymous requests.
	Username string
	// Body is the decoded JSON body of POST requests; nil otherwise.
	Body any
	// Bypass is true when the caller asked not to read from the cache
	// (cache=false). The computed value still refreshes the entry.
	Bypass bool
}

// PayloadKey returns "{db}:cache:payload:{namespace}:{user}:{url}[:{bodyHash}]".
func PayloadKey(db, namespace string, req Request) string {
	var b strings.Builder
	b.WriteString(db)
	b.WriteString(":cache:payload:")
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(req.Username)
	b.WriteByte(':')
	b.WriteString(NormalizeURL(req.URL))
	if req.Method == http.MethodPost && !emptyBody(req.Body) {
		b.WriteByte(':')
		b.WriteString(BodyHash(req.Body))
	}
	return b.String()
}

// IndexKey returns the key of the set tracking the payload keys of a scope.
func IndexKey(db, scopeID string) string {
	return db + ":cache:keys:" + scopeID
}

// NormalizeURL removes every cache control parameter from the query string
// while keeping the order of the remaining parameters.
func NormalizeURL(raw string) string {
	path, query, found := strings.Cut(raw, "?")
	if !found {
		return raw
	}
	kept := make([]string, 0, strings.Count(query, "&")+1)
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, "=")
		if name == ControlParam {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return path
	}
	return path + "?" + strings.Join(kept, "&")
}

// BodyHash returns a hex SHA-256 of the canonical JSON encoding of body.
// encoding/json sorts map keys, so the hash does not depend on key order.
func BodyHash(body any) string {
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func emptyBody(body any) bool {
	switch t := body.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	}
	return false
}
