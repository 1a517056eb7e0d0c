package anonymize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// DefaultIdentityFields are the properties whose values designate people.
var DefaultIdentityFields = []string{
	"agent", "participant", "recipient",
	"author", "contributor", "creator",
	"editor", "reviewer", "producer",
}

// personalFields are dropped from any person node that gets pseudonymized.
var personalFields = []string{"name", "givenName", "familyName", "email", "telephone", "sameAs"}

// Redactor is the built-in domain.Anonymizer. It replaces references to users
// other than the viewer with stable pseudonyms ("anon:<hmac>") wherever they
// appear under an identity field, and strips personal fields from those
// nodes. The viewer always sees their own identity.
type Redactor struct {
	secret []byte
	fields map[string]struct{}
}

// NewRedactor returns a Redactor keyed by secret. Empty fields fall back to
// DefaultIdentityFields.
func NewRedactor(secret string, fields []string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultIdentityFields
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &Redactor{secret: []byte(secret), fields: set}
}

// Anonymize implements domain.Anonymizer. The input document is not mutated.
func (r *Redactor) Anonymize(ctx context.Context, doc domain.Document, opts domain.AnonymizeOptions) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Enabled || doc == nil {
		return doc, nil
	}
	out, _ := r.walk(map[string]any(doc), false, opts.Viewer).(map[string]any)
	return domain.Document(out), nil
}

// Pseudonym returns the stable anonymous id of a username.
func (r *Redactor) Pseudonym(username string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(username))
	return "anon:" + hex.EncodeToString(mac.Sum(nil))[:16]
}

// walk deep-copies v. identity is true when v sits under an identity field.
func (r *Redactor) walk(v any, identity bool, viewer domain.Viewer) any {
	switch t := v.(type) {
	case domain.Document:
		return r.walk(map[string]any(t), identity, viewer)
	case map[string]any:
		if identity && r.foreignUser(domain.IDOf(t), viewer) {
			return r.pseudonymizeNode(t, viewer)
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			_, isIdentity := r.fields[k]
			out[k] = r.walk(child, isIdentity, viewer)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = r.walk(child, identity, viewer)
		}
		return out
	case string:
		if identity && r.foreignUser(t, viewer) {
			return r.Pseudonym(strings.TrimPrefix(t, "user:"))
		}
		return t
	}
	return v
}

func (r *Redactor) pseudonymizeNode(node map[string]any, viewer domain.Viewer) map[string]any {
	out := make(map[string]any, len(node))
	for k, child := range node {
		_, isIdentity := r.fields[k]
		out[k] = r.walk(child, isIdentity, viewer)
	}
	out["@id"] = r.Pseudonym(strings.TrimPrefix(domain.IDOf(node), "user:"))
	for _, f := range personalFields {
		delete(out, f)
	}
	return out
}

func (r *Redactor) foreignUser(id string, viewer domain.Viewer) bool {
	if !strings.HasPrefix(id, "user:") {
		return false
	}
	return id != viewer.UserID()
}
