package permission

import (
	"context"
	"testing"
)

type fakeSource struct {
	rows       map[string][]GroupPermission
	membership map[string][]string
}

func (f *fakeSource) GroupPermissions(_ context.Context, _ Table, uuids []string) (map[string][]GroupPermission, error) {
	out := map[string][]GroupPermission{}
	for _, u := range uuids {
		out[u] = f.rows[u]
	}
	return out, nil
}

func (f *fakeSource) UserGroups(_ context.Context, userID string) ([]string, error) {
	return f.membership[userID], nil
}

func testResolver() *Resolver {
	return &Resolver{RootUserID: "0", PublicGroupUUID: "public"}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "none", want: None},
		{in: "READ", want: Read},
		{in: "a", want: All},
		{in: " all ", want: All},
		{in: "write", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveOwnerAndRoot(t *testing.T) {
	src := &fakeSource{rows: map[string][]GroupPermission{
		"b1": {{GroupUUID: "public", Permission: None}},
	}}
	r := testResolver()
	owners := map[string]string{"b1": "alice", "b2": "bob"}

	levels, err := r.Resolve(context.Background(), src, Bundles, "alice", []string{"b1", "b2"}, owners)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if levels["b1"] != All {
		t.Errorf("owner should have all on b1, got %v", levels["b1"])
	}
	if levels["b2"] != None {
		t.Errorf("alice should have none on b2, got %v", levels["b2"])
	}

	levels, err = r.Resolve(context.Background(), src, Bundles, "0", []string{"b1", "b2"}, owners)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for _, u := range []string{"b1", "b2"} {
		if levels[u] != All {
			t.Errorf("root should have all on %s, got %v", u, levels[u])
		}
	}
}

func TestResolveGroupsTakeMaximum(t *testing.T) {
	src := &fakeSource{
		rows: map[string][]GroupPermission{
			"b1": {
				{GroupUUID: "public", Permission: Read},
				{GroupUUID: "team", Permission: All},
			},
			"b2": {
				{GroupUUID: "other", Permission: All},
			},
			"b3": {
				{GroupUUID: "team", Permission: Read},
			},
		},
		membership: map[string][]string{"carol": {"team"}},
	}
	r := testResolver()

	levels, err := r.Resolve(context.Background(), src, Worksheets, "carol", []string{"b1", "b2", "b3"}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := map[string]Level{"b1": All, "b2": None, "b3": Read}
	for u, lvl := range want {
		if levels[u] != lvl {
			t.Errorf("level on %s = %v, want %v", u, levels[u], lvl)
		}
	}
}

func TestResolveAnonymous(t *testing.T) {
	src := &fakeSource{
		rows: map[string][]GroupPermission{
			"b1": {{GroupUUID: "public", Permission: Read}},
			"b2": {{GroupUUID: "team", Permission: All}},
			"b3": nil,
		},
		membership: map[string][]string{"": {"team"}},
	}
	r := testResolver()
	// An ownerless object must not be granted to the anonymous principal.
	owners := map[string]string{"b3": ""}

	levels, err := r.Resolve(context.Background(), src, Bundles, "", []string{"b1", "b2", "b3"}, owners)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := map[string]Level{"b1": Read, "b2": None, "b3": None}
	for u, lvl := range want {
		if levels[u] != lvl {
			t.Errorf("anonymous level on %s = %v, want %v", u, levels[u], lvl)
		}
	}
}

func TestResolveMonotonic(t *testing.T) {
	base := map[string][]GroupPermission{
		"b1": {{GroupUUID: "team", Permission: Read}},
		"b2": nil,
	}
	extra := []GroupPermission{
		{GroupUUID: "public", Permission: None},
		{GroupUUID: "public", Permission: Read},
		{GroupUUID: "team", Permission: All},
		{GroupUUID: "stranger", Permission: All},
	}
	r := testResolver()
	objects := []string{"b1", "b2"}
	membership := map[string][]string{"dave": {"team"}}

	before, err := r.Resolve(context.Background(), &fakeSource{rows: base, membership: membership}, Bundles, "dave", objects, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	for _, row := range extra {
		for _, obj := range objects {
			rows := map[string][]GroupPermission{}
			for k, v := range base {
				rows[k] = append([]GroupPermission(nil), v...)
			}
			rows[obj] = append(rows[obj], row)

			after, err := r.Resolve(context.Background(), &fakeSource{rows: rows, membership: membership}, Bundles, "dave", objects, nil)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			for _, o := range objects {
				if after[o] < before[o] {
					t.Errorf("adding %+v to %s lowered %s from %v to %v", row, obj, o, before[o], after[o])
				}
			}
		}
	}
}

func TestTableFor(t *testing.T) {
	tbl, err := TableFor("worksheet")
	if err != nil {
		t.Fatalf("TableFor failed: %v", err)
	}
	if tbl.Name() != "group_object_permission" || tbl.ObjectTable() != "worksheet" {
		t.Errorf("unexpected worksheet table %s/%s", tbl.Name(), tbl.ObjectTable())
	}
	if _, err := TableFor("group"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
