package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/franz/bundle-store/internal/graph"
	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/util"
	"github.com/franz/bundle-store/internal/worksheet"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// saveTestBundle saves a bundle of bundleType owned by owner, depending on
// parents through slots named after their position.
func saveTestBundle(t *testing.T, s *Store, bundleType, owner string, metadata map[string][]string, parents ...string) *Bundle {
	t.Helper()
	b := NewBundle(bundleType, owner)
	for k, v := range metadata {
		b.Metadata[k] = v
	}
	for i, p := range parents {
		b.Dependencies = append(b.Dependencies, Dependency{
			ChildUUID:  b.UUID,
			ChildPath:  []string{"input", "config", "extra"}[i%3],
			ParentUUID: p,
		})
	}
	if err := s.SaveBundle(context.Background(), b); err != nil {
		t.Fatalf("failed to save bundle: %v", err)
	}
	return b
}

func countRows(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func TestStoreOpenAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bls.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	version, err := store.getSchemaVersion()
	if err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}

	tables := []string{
		"bundle", "bundle_metadata", "bundle_dependency", "bundle_action",
		"worksheet", "worksheet_item", "group", "user_group",
		"group_bundle_permission", "group_object_permission", "schema_version",
	}
	for _, table := range tables {
		if countRows(t, store, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table) != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}

	for _, index := range []string{"idx_metadata_key_value", "idx_dependency_parent", "idx_item_worksheet"} {
		if countRows(t, store, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index) != 1 {
			t.Errorf("expected index %s to exist (schema v2)", index)
		}
	}

	public := store.PublicGroupUUID()
	if !util.IsValidUUID(public) {
		t.Fatalf("invalid public group uuid %q", public)
	}
	store.Close()

	// Reopening reuses the public group
	store, err = Open(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()
	if store.PublicGroupUUID() != public {
		t.Errorf("public group changed across opens: %s != %s", store.PublicGroupUUID(), public)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM "group" WHERE user_defined = 0`); n != 1 {
		t.Errorf("expected one system group, got %d", n)
	}
	if store.RootUserID() != DefaultRootUserID {
		t.Errorf("expected default root user, got %q", store.RootUserID())
	}
}

func TestSaveAndGetBundle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	parent := saveTestBundle(t, s, "dataset", "alice", map[string][]string{"name": {"mnist"}})
	child := NewBundle("run", "alice")
	child.Command = "python train.py"
	child.Metadata["name"] = []string{"train"}
	child.Metadata["tags"] = []string{"a", "b"}
	child.Dependencies = []Dependency{{ChildUUID: child.UUID, ChildPath: "input", ParentUUID: parent.UUID, ParentPath: "data"}}
	if err := s.SaveBundle(ctx, child); err != nil {
		t.Fatalf("SaveBundle failed: %v", err)
	}
	if child.ID <= parent.ID {
		t.Errorf("expected increasing ids, got %d after %d", child.ID, parent.ID)
	}

	got, err := s.GetBundle(ctx, child.UUID)
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if got.Command != child.Command || got.State != StateCreated || got.Name() != "train" {
		t.Errorf("unexpected bundle %+v", got)
	}
	if !reflect.DeepEqual(got.Metadata["tags"], []string{"a", "b"}) {
		t.Errorf("unexpected tags %v", got.Metadata["tags"])
	}
	if !reflect.DeepEqual(got.Dependencies, child.Dependencies) {
		t.Errorf("dependencies = %+v, want %+v", got.Dependencies, child.Dependencies)
	}

	if err := s.SaveBundle(ctx, child); !errors.Is(err, util.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on resave, got %v", err)
	}

	_, err = s.GetBundle(ctx, util.GenerateUUID())
	if !errors.Is(err, util.ErrNotFound) || !util.IsUsageError(err) {
		t.Errorf("expected not-found usage error, got %v", err)
	}

	names, err := s.GetBundleNames(ctx, []string{parent.UUID, child.UUID})
	if err != nil {
		t.Fatalf("GetBundleNames failed: %v", err)
	}
	if names[parent.UUID] != "mnist" || names[child.UUID] != "train" {
		t.Errorf("unexpected names %v", names)
	}

	owners, err := s.GetBundleOwnerIDs(ctx, []string{parent.UUID})
	if err != nil {
		t.Fatalf("GetBundleOwnerIDs failed: %v", err)
	}
	if owners[parent.UUID] != "alice" {
		t.Errorf("unexpected owners %v", owners)
	}
}

func TestSaveBundleRejectsInvalid(t *testing.T) {
	s := setupTestStore(t)
	tests := []struct {
		name   string
		mutate func(b *Bundle)
	}{
		{"bad uuid", func(b *Bundle) { b.UUID = "nope" }},
		{"no type", func(b *Bundle) { b.BundleType = "" }},
		{"bad state", func(b *Bundle) { b.State = "paused" }},
		{"foreign dependency", func(b *Bundle) {
			b.Dependencies = []Dependency{{ChildUUID: util.GenerateUUID(), ChildPath: "x", ParentUUID: util.GenerateUUID()}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBundle("run", "alice")
			tt.mutate(b)
			if err := s.SaveBundle(context.Background(), b); !errors.Is(err, util.ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if n := countRows(t, s, "SELECT COUNT(*) FROM bundle"); n != 0 {
		t.Errorf("expected no bundles written, got %d", n)
	}
}

func TestUpdateBundle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	b := saveTestBundle(t, s, "run", "alice", map[string][]string{"name": {"old"}, "description": {"keep"}})

	err := s.UpdateBundle(ctx, b, BundleUpdate{
		Columns:  map[string]any{"state": StateReady, "data_hash": "0xfeed"},
		Metadata: map[string][]string{"name": {"new"}},
	})
	if err != nil {
		t.Fatalf("UpdateBundle failed: %v", err)
	}
	if b.State != StateReady || b.DataHash != "0xfeed" || b.Name() != "new" {
		t.Errorf("in-memory bundle not updated: %+v", b)
	}

	got, err := s.GetBundle(ctx, b.UUID)
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if got.Name() != "new" || got.Metadata["description"][0] != "keep" || got.State != StateReady {
		t.Errorf("unexpected stored bundle %+v", got)
	}

	for _, col := range []string{"id", "uuid", "bundle_type"} {
		err := s.UpdateBundle(ctx, b, BundleUpdate{Columns: map[string]any{col: "x"}})
		if !errors.Is(err, util.ErrIllegalUpdate) {
			t.Errorf("update of %s: expected ErrIllegalUpdate, got %v", col, err)
		}
	}

	// invalid result is rejected before anything is written
	err = s.UpdateBundle(ctx, b, BundleUpdate{Columns: map[string]any{"state": "bogus"}, Metadata: map[string][]string{"name": {"bad"}}})
	if !errors.Is(err, util.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	got, _ = s.GetBundle(ctx, b.UUID)
	if got.Name() != "new" {
		t.Errorf("rejected update leaked metadata: %v", got.Metadata)
	}
}

func TestBatchUpdateBundles(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	b1 := saveTestBundle(t, s, "run", "alice", nil)
	b2 := saveTestBundle(t, s, "run", "alice", nil)

	ok, err := s.BatchUpdateBundles(ctx, []*Bundle{b1, b2}, map[string]any{"state": StateStaged}, Filter{"state": StateCreated})
	if err != nil || !ok {
		t.Fatalf("expected success, got %v %v", ok, err)
	}
	if b1.State != StateStaged || b2.State != StateStaged {
		t.Errorf("in-memory states not updated")
	}

	// b2 no longer matches, so neither changes
	if err := s.UpdateBundle(ctx, b2, BundleUpdate{Columns: map[string]any{"state": StateRunning}}); err != nil {
		t.Fatalf("UpdateBundle failed: %v", err)
	}
	ok, err = s.BatchUpdateBundles(ctx, []*Bundle{b1, b2}, map[string]any{"state": StateReady}, Filter{"state": StateStaged})
	if err != nil {
		t.Fatalf("BatchUpdateBundles failed: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch to report false")
	}
	got, _ := s.GetBundle(ctx, b1.UUID)
	if got.State != StateStaged {
		t.Errorf("partial batch update applied: state %s", got.State)
	}

	if _, err := s.BatchUpdateBundles(ctx, []*Bundle{b1}, map[string]any{"uuid": "x"}, nil); !errors.Is(err, util.ErrIllegalUpdate) {
		t.Errorf("expected ErrIllegalUpdate, got %v", err)
	}
}

func TestDeleteBundlesRemovesDependents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	parent := saveTestBundle(t, s, "dataset", "alice", map[string][]string{"name": {"data"}})
	child := saveTestBundle(t, s, "run", "alice", map[string][]string{"name": {"run"}}, parent.UUID)

	ws := newTestWorksheet(t, s, "alice")
	if _, err := s.AddWorksheetItem(ctx, ws.UUID, worksheet.BundleItem(child.UUID)); err != nil {
		t.Fatalf("AddWorksheetItem failed: %v", err)
	}
	if err := s.AddPermission(ctx, permission.Bundles, s.PublicGroupUUID(), child.UUID, permission.Read); err != nil {
		t.Fatalf("AddPermission failed: %v", err)
	}

	if err := s.DeleteBundles(ctx, []string{child.UUID}); err != nil {
		t.Fatalf("DeleteBundles failed: %v", err)
	}

	checks := map[string]string{
		"bundle":                  "SELECT COUNT(*) FROM bundle WHERE uuid = ?",
		"bundle_metadata":         "SELECT COUNT(*) FROM bundle_metadata WHERE bundle_uuid = ?",
		"bundle_dependency":       "SELECT COUNT(*) FROM bundle_dependency WHERE child_uuid = ?",
		"worksheet_item":          "SELECT COUNT(*) FROM worksheet_item WHERE bundle_uuid = ?",
		"group_bundle_permission": "SELECT COUNT(*) FROM group_bundle_permission WHERE object_uuid = ?",
	}
	for table, query := range checks {
		if n := countRows(t, s, query, child.UUID); n != 0 {
			t.Errorf("%s still has %d rows for deleted bundle", table, n)
		}
	}
	if orphans, err := s.FindOrphans(ctx); err != nil || len(orphans) != 0 {
		t.Errorf("expected no orphans, got %v %v", orphans, err)
	}
	if _, err := s.GetBundle(ctx, parent.UUID); err != nil {
		t.Errorf("parent should survive: %v", err)
	}
}

func TestDeleteBundlesRejectsRunning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	idle := saveTestBundle(t, s, "run", "alice", nil)
	busy := saveTestBundle(t, s, "run", "alice", nil)
	if err := s.UpdateBundle(ctx, busy, BundleUpdate{Columns: map[string]any{"state": StateRunning}}); err != nil {
		t.Fatalf("UpdateBundle failed: %v", err)
	}

	err := s.DeleteBundles(ctx, []string{idle.UUID, busy.UUID})
	if !errors.Is(err, util.ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if n := countRows(t, s, "SELECT COUNT(*) FROM bundle"); n != 2 {
		t.Errorf("expected both bundles kept, got %d", n)
	}

	if err := s.RemoveDataHashReferences(ctx, []string{busy.UUID}); !errors.Is(err, util.ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}
}

func TestRemoveDataHashReferences(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	b := saveTestBundle(t, s, "dataset", "alice", nil)
	if err := s.UpdateBundle(ctx, b, BundleUpdate{Columns: map[string]any{"data_hash": "0xabc", "state": StateReady}}); err != nil {
		t.Fatalf("UpdateBundle failed: %v", err)
	}
	if err := s.RemoveDataHashReferences(ctx, []string{b.UUID}); err != nil {
		t.Fatalf("RemoveDataHashReferences failed: %v", err)
	}
	if n := countRows(t, s, "SELECT COUNT(*) FROM bundle WHERE data_hash IS NULL"); n != 1 {
		t.Errorf("expected data_hash cleared")
	}
}

func TestGetBundleUUIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := saveTestBundle(t, s, "dataset", "alice", map[string][]string{"name": {"mnist"}})
	b := saveTestBundle(t, s, "dataset", "alice", map[string][]string{"name": {"mnist"}})
	c := saveTestBundle(t, s, "dataset", "alice", map[string][]string{"name": {"cifar"}})
	ws := newTestWorksheet(t, s, "alice")
	for _, uuid := range []string{a.UUID, c.UUID} {
		if _, err := s.AddWorksheetItem(ctx, ws.UUID, worksheet.BundleItem(uuid)); err != nil {
			t.Fatalf("AddWorksheetItem failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		lookup BundleLookup
		max    int
		want   []string
	}{
		{"by uuid", BundleLookup{UUID: b.UUID}, 10, []string{b.UUID}},
		{"by name newest first", BundleLookup{Name: "mnist"}, 10, []string{b.UUID, a.UUID}},
		{"by name limited", BundleLookup{Name: "mnist"}, 1, []string{b.UUID}},
		{"by pattern", BundleLookup{Name: Like("%i%")}, 10, []string{c.UUID, b.UUID, a.UUID}},
		{"on worksheet", BundleLookup{WorksheetUUID: ws.UUID}, 10, []string{c.UUID, a.UUID}},
		{"named on worksheet", BundleLookup{Name: "mnist", WorksheetUUID: ws.UUID}, 10, []string{a.UUID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetBundleUUIDs(ctx, tt.lookup, tt.max)
			if err != nil {
				t.Fatalf("GetBundleUUIDs failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := s.GetBundleUUIDs(ctx, BundleLookup{}, 10); !util.IsUsageError(err) {
		t.Errorf("expected usage error for empty lookup, got %v", err)
	}
}

func TestBatchGetBundlesFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := saveTestBundle(t, s, "dataset", "alice", nil)
	saveTestBundle(t, s, "run", "bob", nil)

	got, err := s.BatchGetBundles(ctx, Filter{"uuid": []string{}})
	if err != nil {
		t.Fatalf("BatchGetBundles failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty membership list should match nothing, got %d", len(got))
	}

	got, err = s.BatchGetBundles(ctx, Filter{"owner_id": "alice", "bundle_type": Like("data%")})
	if err != nil {
		t.Fatalf("BatchGetBundles failed: %v", err)
	}
	if len(got) != 1 || got[0].UUID != a.UUID {
		t.Errorf("unexpected bundles %v", got)
	}

	if _, err := s.BatchGetBundles(ctx, Filter{"metadata": "x"}); !errors.Is(err, util.ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown column, got %v", err)
	}
}

func TestPopBundleActions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	b := saveTestBundle(t, s, "run", "alice", nil)

	if err := s.AddBundleAction(ctx, b.UUID, "kill"); err != nil {
		t.Fatalf("AddBundleAction failed: %v", err)
	}
	if err := s.AddBundleActions(ctx, []BundleAction{{BundleUUID: b.UUID, Action: "write a=1"}}); err != nil {
		t.Fatalf("AddBundleActions failed: %v", err)
	}

	actions, err := s.PopBundleActions(ctx)
	if err != nil {
		t.Fatalf("PopBundleActions failed: %v", err)
	}
	if len(actions) != 2 || actions[0].Action != "kill" || actions[1].Action != "write a=1" {
		t.Errorf("unexpected actions %+v", actions)
	}

	actions, err = s.PopBundleActions(ctx)
	if err != nil {
		t.Fatalf("second PopBundleActions failed: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected empty queue, got %+v", actions)
	}
}

func TestGetSelfAndDescendants(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := saveTestBundle(t, s, "dataset", "alice", nil)
	b := saveTestBundle(t, s, "run", "alice", nil, a.UUID)
	c := saveTestBundle(t, s, "run", "alice", nil, a.UUID)
	d := saveTestBundle(t, s, "run", "alice", nil, b.UUID, c.UUID)

	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{a.UUID}},
		{1, []string{a.UUID, b.UUID, c.UUID}},
		{2, []string{a.UUID, b.UUID, c.UUID, d.UUID}},
		{graph.Unbounded, []string{a.UUID, b.UUID, c.UUID, d.UUID}},
	}
	for _, tt := range tests {
		got, err := s.GetSelfAndDescendants(ctx, []string{a.UUID}, tt.depth)
		if err != nil {
			t.Fatalf("GetSelfAndDescendants failed: %v", err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("depth %d: got %v, want %v", tt.depth, got, tt.want)
		}
	}

	up, err := s.GetSelfAndAncestors(ctx, []string{d.UUID}, graph.Unbounded)
	if err != nil {
		t.Fatalf("GetSelfAndAncestors failed: %v", err)
	}
	if !reflect.DeepEqual(up, []string{d.UUID, b.UUID, c.UUID, a.UUID}) {
		t.Errorf("unexpected ancestors %v", up)
	}

	children, err := s.GetChildrenUUIDs(ctx, []string{a.UUID, d.UUID})
	if err != nil {
		t.Fatalf("GetChildrenUUIDs failed: %v", err)
	}
	if len(children[a.UUID]) != 2 || len(children[d.UUID]) != 0 {
		t.Errorf("unexpected children %v", children)
	}
}

func TestFindOrphans(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatalf("failed to disable foreign keys: %v", err)
	}
	_, err := s.db.Exec("INSERT INTO bundle_metadata (bundle_uuid, metadata_key, metadata_value) VALUES (?, 'name', 'ghost')", util.GenerateUUID())
	if err != nil {
		t.Fatalf("failed to insert orphan: %v", err)
	}

	orphans, err := s.FindOrphans(ctx)
	if !util.IsIntegrityError(err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if len(orphans) != 1 || orphans[0].Table != "bundle_metadata" || orphans[0].Count != 1 {
		t.Errorf("unexpected orphans %+v", orphans)
	}
}

func TestGetStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	saveTestBundle(t, s, "dataset", "alice", map[string][]string{"data_size": {"100"}})
	saveTestBundle(t, s, "run", "alice", map[string][]string{"data_size": {"23"}})
	newTestWorksheet(t, s, "alice")

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if st.Bundles != 2 || st.Worksheets != 1 || st.Groups != 1 || st.OrphanBundles != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.BundlesByType["dataset"] != 1 || st.BundlesByState[StateCreated] != 2 {
		t.Errorf("unexpected breakdown %v %v", st.BundlesByType, st.BundlesByState)
	}
	if st.TotalDataSize != 123 {
		t.Errorf("expected total size 123, got %d", st.TotalDataSize)
	}
}
