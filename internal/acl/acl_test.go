package acl

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

type fakeLoader struct {
	docs  map[string]domain.Document
	calls int
	err   error
}

func (f *fakeLoader) BulkGet(_ context.Context, refs []domain.DocRef) ([]domain.Document, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Document
	for _, r := range refs {
		if d, ok := f.docs[r.ID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func perm(kind domain.Permission, grantee any) map[string]any {
	return map[string]any{
		"@type":          "DigitalDocumentPermission",
		"permissionType": string(kind),
		"grantee":        grantee,
	}
}

func newLoader() *fakeLoader {
	return &fakeLoader{docs: map[string]domain.Document{
		"graph:1": {
			"@id": "graph:1",
			"hasDigitalDocumentPermission": []any{
				perm(domain.WritePermission, "user:alice"),
				perm(domain.ReadPermission, map[string]any{"@id": "user:bob"}),
			},
		},
		"journal:1": {
			"@id": "journal:1",
			"hasDigitalDocumentPermission": perm(domain.ReadPermission,
				map[string]any{"@type": "Audience", "audienceType": "public"}),
		},
		"org:1": {
			"@id": "org:1",
			"hasDigitalDocumentPermission": perm(domain.AdminPermission,
				[]any{"user:carol", map[string]any{"@type": "Audience", "audienceType": "user"}}),
		},
	}}
}

func TestCheck_Grants(t *testing.T) {
	a, err := New(Config{Loader: newLoader(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	scopes := []string{"graph:1", "journal:1", "org:1", "graph:404"}

	tests := []struct {
		viewer domain.Viewer
		scope  string
		perm   domain.Permission
		want   bool
	}{
		{domain.UserViewer("alice"), "graph:1", domain.ReadPermission, true},
		{domain.UserViewer("alice"), "graph:1", domain.WritePermission, true},
		{domain.UserViewer("alice"), "graph:1", domain.AdminPermission, false},
		{domain.UserViewer("bob"), "graph:1", domain.ReadPermission, true},
		{domain.UserViewer("bob"), "graph:1", domain.WritePermission, false},
		{domain.PublicViewer(), "graph:1", domain.ReadPermission, false},
		{domain.PublicViewer(), "journal:1", domain.ReadPermission, true},
		{domain.PublicViewer(), "journal:1", domain.WritePermission, false},
		{domain.UserViewer("dave"), "org:1", domain.AdminPermission, true},
		{domain.PublicViewer(), "org:1", domain.ReadPermission, false},
		{domain.UserViewer("alice"), "graph:404", domain.ReadPermission, false},
	}
	for _, tt := range tests {
		check, err := a.Check(ctx, tt.viewer, scopes)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if got := check(tt.scope, tt.perm); got != tt.want {
			t.Fatalf("%s %s %s = %v; want %v", tt.viewer, tt.scope, tt.perm, got, tt.want)
		}
	}
}

func TestCheck_CachesGrants(t *testing.T) {
	l := newLoader()
	a, _ := New(Config{Loader: l, Logger: zerolog.Nop()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.Check(ctx, domain.UserViewer("alice"), []string{"graph:1", "graph:404"}); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	if l.calls != 1 {
		t.Fatalf("loader calls=%d; want 1", l.calls)
	}
}

func TestCheck_LoaderError(t *testing.T) {
	boom := errors.New("boom")
	a, _ := New(Config{Loader: &fakeLoader{err: boom}, Logger: zerolog.Nop()})
	if _, err := a.Check(context.Background(), domain.UserViewer("alice"), []string{"graph:1"}); !errors.Is(err, boom) {
		t.Fatalf("err=%v; want boom", err)
	}
}

func TestAdminsAndDisabled(t *testing.T) {
	ctx := context.Background()
	a, _ := New(Config{Loader: newLoader(), Admins: []string{"root", " user:ops "}, Logger: zerolog.Nop()})

	for _, name := range []string{"root", "ops"} {
		ok, _ := a.IsAdmin(ctx, domain.UserViewer(name))
		if !ok {
			t.Fatalf("%s should be admin", name)
		}
		check, _ := a.Check(ctx, domain.UserViewer(name), []string{"graph:1"})
		if !check("graph:1", domain.AdminPermission) {
			t.Fatalf("%s should hold every permission", name)
		}
	}
	if ok, _ := a.IsAdmin(ctx, domain.UserViewer("alice")); ok {
		t.Fatalf("alice is not an admin")
	}

	dev, _ := New(Config{Disabled: true, Logger: zerolog.Nop()})
	if ok, _ := dev.IsAdmin(ctx, domain.PublicViewer()); ok {
		t.Fatalf("public viewer is never admin")
	}
	check, _ := dev.Check(ctx, domain.PublicViewer(), []string{"graph:1"})
	if !check("graph:1", domain.WritePermission) {
		t.Fatalf("disabled ACL should grant everything")
	}
}
