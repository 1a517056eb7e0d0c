// Package acl answers permission questions from the
// hasDigitalDocumentPermission grants stored on scope documents
// (organizations, periodicals and graphs).
//
// A grant looks like:
//
//	{
//	  "@type": "DigitalDocumentPermission",
//	  "permissionType": "WritePermission",
//	  "grantee": "user:alice" | {"@id": "user:alice"} | {"@type": "Audience", "audienceType": "public"}
//	}
//
// AdminPermission implies WritePermission, which implies ReadPermission.
package acl

import (
	"context"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// Loader fetches scope documents. domain.DocumentStore satisfies it.
type Loader interface {
	BulkGet(ctx context.Context, refs []domain.DocRef) ([]domain.Document, error)
}

// Config configures an ACL.
type Config struct {
	Loader Loader
	// Admins are usernames (with or without the "user:" prefix) that hold
	// every permission.
	Admins []string
	// Disabled turns every check into a grant. Development only.
	Disabled bool
	// GrantTTL bounds how long grants read from the store are reused.
	GrantTTL time.Duration
	Logger   zerolog.Logger
}

// ACL implements domain.ACL.
type ACL struct {
	loader   Loader
	admins   map[string]struct{}
	disabled bool
	grants   otter.Cache[string, []grant]
	log      zerolog.Logger
}

var _ domain.ACL = (*ACL)(nil)

type grant struct {
	perm     domain.Permission
	grantee  string
	audience string
}

// New returns an ACL. A nil Loader is only valid when Disabled is set.
func New(cfg Config) (*ACL, error) {
	ttl := cfg.GrantTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	grants, err := otter.MustBuilder[string, []grant](10_000).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		if a = strings.TrimSpace(a); a != "" {
			admins[domain.UserViewer(a).UserID()] = struct{}{}
		}
	}
	return &ACL{
		loader:   cfg.Loader,
		admins:   admins,
		disabled: cfg.Disabled || cfg.Loader == nil,
		grants:   grants,
		log:      cfg.Logger.With().Str("component", "acl").Logger(),
	}, nil
}

// IsAdmin implements domain.ACL.
func (a *ACL) IsAdmin(_ context.Context, viewer domain.Viewer) (bool, error) {
	if viewer.IsPublic() {
		return false, nil
	}
	if a.disabled {
		return true, nil
	}
	_, ok := a.admins[viewer.UserID()]
	return ok, nil
}

// Check implements domain.ACL. Grants for every scope are loaded up front so
// the returned AccessCheck never blocks.
func (a *ACL) Check(ctx context.Context, viewer domain.Viewer, scopeIDs []string) (domain.AccessCheck, error) {
	if a.disabled {
		return func(string, domain.Permission) bool { return true }, nil
	}
	if admin, _ := a.IsAdmin(ctx, viewer); admin {
		return func(string, domain.Permission) bool { return true }, nil
	}

	byScope, err := a.load(ctx, scopeIDs)
	if err != nil {
		return nil, err
	}
	user := viewer.UserID()
	return func(scopeID string, perm domain.Permission) bool {
		for _, g := range byScope[scopeID] {
			if implies(g.perm, perm) && g.matches(user) {
				return true
			}
		}
		return false
	}, nil
}

func (a *ACL) load(ctx context.Context, scopeIDs []string) (map[string][]grant, error) {
	out := make(map[string][]grant, len(scopeIDs))
	var missing []domain.DocRef
	for _, id := range scopeIDs {
		if gs, ok := a.grants.Get(id); ok {
			out[id] = gs
			continue
		}
		missing = append(missing, domain.DocRef{ID: id})
	}
	if len(missing) == 0 {
		return out, nil
	}

	docs, err := a.loader.BulkGet(ctx, missing)
	if err != nil {
		a.log.Error().Err(err).Int("scopes", len(missing)).Msg("load scope grants failed")
		return nil, err
	}
	for _, ref := range missing {
		out[ref.ID] = nil
	}
	for _, doc := range docs {
		out[doc.ID()] = grantsOf(doc)
	}
	for _, ref := range missing {
		a.grants.Set(ref.ID, out[ref.ID])
	}
	return out, nil
}

func grantsOf(doc domain.Document) []grant {
	var out []grant
	for _, v := range domain.Arrayify(doc["hasDigitalDocumentPermission"]) {
		p, ok := domain.AsDocument(v)
		if !ok {
			continue
		}
		perm, _ := p["permissionType"].(string)
		for _, g := range domain.Arrayify(p["grantee"]) {
			gr := grant{perm: domain.Permission(perm)}
			if aud, ok := domain.AsDocument(g); ok && aud.Type() == "Audience" {
				gr.audience, _ = aud["audienceType"].(string)
			} else {
				gr.grantee = domain.IDOf(g)
			}
			out = append(out, gr)
		}
	}
	return out
}

func (g grant) matches(user string) bool {
	switch g.audience {
	case "public":
		return true
	case "user":
		return user != ""
	}
	return user != "" && g.grantee == user
}

func implies(have, want domain.Permission) bool {
	rank := func(p domain.Permission) int {
		switch p {
		case domain.ReadPermission:
			return 1
		case domain.WritePermission:
			return 2
		case domain.AdminPermission:
			return 3
		}
		return 0
	}
	return rank(have) > 0 && rank(have) >= rank(want) && rank(want) > 0
}
