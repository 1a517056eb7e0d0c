package anonymize

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// markAnonymizer tags every document it sees and records call order.
type markAnonymizer struct {
	calls []string
	err   error
}

func (m *markAnonymizer) Anonymize(_ context.Context, doc domain.Document, opts domain.AnonymizeOptions) (domain.Document, error) {
	m.calls = append(m.calls, doc.ID())
	if m.err != nil {
		return nil, m.err
	}
	out := doc.Clone()
	out["anonymizedFor"] = opts.Viewer.String()
	return out, nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    Shape
	}{
		{"doc by id", map[string]any{"@id": "graph:1"}, ShapeDocument},
		{"doc by type", map[string]any{"@type": "Graph"}, ShapeDocument},
		{"bulk get", map[string]any{"results": []any{
			map[string]any{"id": "a", "docs": []any{map[string]any{"ok": map[string]any{"@id": "a"}}}},
		}}, ShapeBulkGet},
		{"changes", map[string]any{"results": []any{
			map[string]any{"seq": "1", "doc": map[string]any{"@id": "a"}},
		}}, ShapeChanges},
		{"changes without docs", map[string]any{"results": []any{map[string]any{"seq": "1"}}}, ShapePassthrough},
		{"rows", map[string]any{"rows": []any{map[string]any{"id": "a", "doc": map[string]any{"@id": "a"}}}}, ShapeRows},
		{"rows without docs", map[string]any{"rows": []any{map[string]any{"id": "a"}}}, ShapePassthrough},
		{"list", []any{map[string]any{"@id": "a"}}, ShapeList},
		{"empty list", []any{}, ShapePassthrough},
		{"scalar", "hello", ShapePassthrough},
		{"nil", nil, ShapePassthrough},
		{"other object", map[string]any{"ok": true}, ShapePassthrough},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.payload); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDispatch_SingleDocument(t *testing.T) {
	a := &markAnonymizer{}
	d := NewDispatcher(a, true)

	in := map[string]any{"@id": "graph:1", "name": "g"}
	out, err := d.Dispatch(context.Background(), in, domain.UserViewer("alice"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	doc, ok := domain.AsDocument(out)
	if !ok || doc["anonymizedFor"] != "user:alice" || doc["name"] != "g" {
		t.Fatalf("unexpected output: %#v", out)
	}
	if _, mutated := in["anonymizedFor"]; mutated {
		t.Fatalf("input was mutated")
	}
}

func TestDispatch_BulkGetPreservesShapeAndOrder(t *testing.T) {
	a := &markAnonymizer{}
	d := NewDispatcher(a, true)

	in := map[string]any{
		"results": []any{
			map[string]any{"id": "b", "docs": []any{map[string]any{"ok": map[string]any{"@id": "b"}}}},
			map[string]any{"id": "x", "docs": []any{map[string]any{"error": map[string]any{"error": "not_found"}}}},
			map[string]any{"id": "a", "docs": []any{
				map[string]any{"ok": map[string]any{"@id": "a"}},
				map[string]any{"ok": map[string]any{"@id": "a-2"}},
			}},
		},
	}
	out, err := d.Dispatch(context.Background(), in, domain.PublicViewer())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !reflect.DeepEqual(a.calls, []string{"b", "a"}) {
		t.Fatalf("calls = %v", a.calls)
	}

	results := out.(map[string]any)["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d", len(results))
	}
	first := results[0].(map[string]any)["docs"].([]any)[0].(map[string]any)["ok"].(map[string]any)
	if first["anonymizedFor"] != "public" {
		t.Fatalf("first doc not anonymized: %#v", first)
	}
	if !reflect.DeepEqual(results[1], in["results"].([]any)[1]) {
		t.Fatalf("non-matching entry changed: %#v", results[1])
	}
	third := results[2].(map[string]any)["docs"].([]any)
	if len(third) != 2 {
		t.Fatalf("docs length changed: %d", len(third))
	}
}

func TestDispatch_RowsPreservesFields(t *testing.T) {
	a := &markAnonymizer{}
	d := NewDispatcher(a, true)

	in := map[string]any{
		"total_rows": 3.0,
		"offset":     0.0,
		"rows": []any{
			map[string]any{"id": "1", "key": "1", "value": map[string]any{"rev": "1-a"}, "doc": map[string]any{"@id": "1"}},
			map[string]any{"id": "2", "key": "2", "value": map[string]any{"rev": "1-b"}},
			map[string]any{"id": "3", "key": "3", "value": map[string]any{"rev": "1-c"}, "doc": map[string]any{"@id": "3"}},
		},
	}
	out, err := d.Dispatch(context.Background(), in, domain.UserViewer("bob"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := out.(map[string]any)
	if m["total_rows"] != 3.0 || m["offset"] != 0.0 {
		t.Fatalf("envelope fields lost: %#v", m)
	}
	rows := m["rows"].([]any)
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d", len(rows))
	}
	for i, id := range []string{"1", "2", "3"} {
		row := rows[i].(map[string]any)
		if row["id"] != id {
			t.Fatalf("row %d reordered: %v", i, row["id"])
		}
	}
	if rows[0].(map[string]any)["doc"].(map[string]any)["anonymizedFor"] != "user:bob" {
		t.Fatalf("row doc not anonymized")
	}
	if _, has := rows[1].(map[string]any)["doc"]; has {
		t.Fatalf("doc added to row without one")
	}
}

func TestDispatch_ChangesResults(t *testing.T) {
	a := &markAnonymizer{}
	d := NewDispatcher(a, true)

	in := map[string]any{
		"last_seq": "5-x",
		"results": []any{
			map[string]any{"seq": "4-x", "id": "graph:1", "doc": map[string]any{"@id": "graph:1"}},
			map[string]any{"seq": "5-x", "id": "graph:2", "deleted": true},
		},
	}
	out, err := d.Dispatch(context.Background(), in, domain.PublicViewer())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := out.(map[string]any)
	if m["last_seq"] != "5-x" || len(m["results"].([]any)) != 2 {
		t.Fatalf("unexpected envelope: %#v", m)
	}
	if !reflect.DeepEqual(a.calls, []string{"graph:1"}) {
		t.Fatalf("calls = %v", a.calls)
	}
}

func TestDispatch_ListIsOrderPreserving(t *testing.T) {
	a := &markAnonymizer{}
	d := NewDispatcher(a, true)

	in := []any{
		map[string]any{"@id": "c"},
		"not-a-doc",
		map[string]any{"@id": "a"},
		map[string]any{"@id": "b"},
	}
	out, err := d.Dispatch(context.Background(), in, domain.PublicViewer())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	list := out.([]any)
	if len(list) != 4 || list[1] != "not-a-doc" {
		t.Fatalf("unexpected list: %#v", list)
	}
	if !reflect.DeepEqual(a.calls, []string{"c", "a", "b"}) {
		t.Fatalf("calls = %v", a.calls)
	}
}

func TestDispatch_PassthroughUnchanged(t *testing.T) {
	a := &markAnonymizer{}
	d := NewDispatcher(a, true)

	in := map[string]any{"ok": true, "rev": "1-a"}
	out, err := d.Dispatch(context.Background(), in, domain.PublicViewer())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !reflect.DeepEqual(out, in) || len(a.calls) != 0 {
		t.Fatalf("passthrough altered payload: %#v (calls %v)", out, a.calls)
	}
}

func TestDispatch_PropagatesAnonymizerError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(&markAnonymizer{err: boom}, true)

	in := map[string]any{"rows": []any{map[string]any{"doc": map[string]any{"@id": "1"}}}}
	if _, err := d.Dispatch(context.Background(), in, domain.PublicViewer()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
