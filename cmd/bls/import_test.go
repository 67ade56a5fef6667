package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

// newTestEnv opens a fresh store acting as user.
func newTestEnv(t *testing.T, user string) *env {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &env{
		cfg:    &Config{DBPath: dbPath, User: user, RootUser: store.DefaultRootUserID},
		db:     db,
		events: report.NullLogger(),
		retry:  util.DefaultRetryConfig(),
	}
}

const testManifest = `
bundles:
  - uuid: 0x11111111111111111111111111111111
    type: dataset
    metadata:
      name: mnist
      data_size: 1024
      tags: [images, digits]
  - uuid: 0x22222222222222222222222222222222
    type: run
    command: python train.py
    state: ready
    dependencies:
      - slot: input
        parent: 0x11111111111111111111111111111111
worksheets:
  - uuid: 0x33333333333333333333333333333333
    name: experiments
    items:
      - markup: training runs
      - bundle: 0x22222222222222222222222222222222
      - directive: schema
`

func TestLoadManifest(t *testing.T) {
	m, err := loadManifest(strings.NewReader(testManifest))
	if err != nil {
		t.Fatalf("loadManifest failed: %v", err)
	}
	if len(m.Bundles) != 2 || len(m.Worksheets) != 1 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	meta := m.Bundles[0].Metadata
	if len(meta["tags"]) != 2 || meta["data_size"][0] != "1024" || meta["name"][0] != "mnist" {
		t.Errorf("metadata not decoded: %v", meta)
	}

	empty, err := loadManifest(strings.NewReader(""))
	if err != nil || len(empty.Bundles) != 0 {
		t.Errorf("empty manifest should load, got %+v, %v", empty, err)
	}

	_, err = loadManifest(strings.NewReader("bundles:\n  - typo: run\n"))
	if !errors.Is(err, util.ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown field, got %v", err)
	}
}

func TestImportManifest(t *testing.T) {
	e := newTestEnv(t, "alice")
	ctx := context.Background()
	m, err := loadManifest(strings.NewReader(testManifest))
	if err != nil {
		t.Fatalf("loadManifest failed: %v", err)
	}

	stats, err := importManifest(ctx, e, m, nil)
	if err != nil {
		t.Fatalf("importManifest failed: %v", err)
	}
	if stats.created != 3 || stats.skipped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	run, err := e.db.GetBundle(ctx, "0x22222222222222222222222222222222")
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if run.OwnerID != "alice" || run.State != store.StateReady || len(run.Dependencies) != 1 {
		t.Errorf("run not imported as written: %+v", run)
	}

	ws, err := e.db.GetWorksheet(ctx, "0x33333333333333333333333333333333", true)
	if err != nil {
		t.Fatalf("GetWorksheet failed: %v", err)
	}
	if len(ws.Items) != 3 || ws.Items[1].BundleUUID != run.UUID {
		t.Errorf("worksheet items not imported in order: %+v", ws.Items)
	}

	again, err := importManifest(ctx, e, m, nil)
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if again.created != 0 || again.skipped != 3 {
		t.Errorf("expected everything skipped on re-import, got %+v", again)
	}
}

func TestImportManifestOwners(t *testing.T) {
	m := &Manifest{Bundles: []BundleEntry{{Type: "run", Owner: "bob"}}}

	alice := newTestEnv(t, "alice")
	if _, err := importManifest(context.Background(), alice, m, nil); !errors.Is(err, util.ErrPermission) {
		t.Errorf("expected ErrPermission importing for another owner, got %v", err)
	}

	root := newTestEnv(t, store.DefaultRootUserID)
	if _, err := importManifest(context.Background(), root, m, nil); err != nil {
		t.Errorf("root should import for any owner: %v", err)
	}
}

func TestImportManifestStopsOnInvalid(t *testing.T) {
	e := newTestEnv(t, "alice")
	m := &Manifest{
		Bundles:    []BundleEntry{{Type: "run"}, {Type: ""}, {Type: "run"}},
		Worksheets: []WorksheetEntry{{Name: "never"}},
	}

	stats, err := importManifest(context.Background(), e, m, nil)
	if !errors.Is(err, util.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if stats.created != 1 {
		t.Errorf("expected the first bundle to be imported, got %+v", stats)
	}
}

func TestItemEntry(t *testing.T) {
	tests := []struct {
		entry   ItemEntry
		wantErr bool
	}{
		{ItemEntry{Markup: "hi"}, false},
		{ItemEntry{Bundle: util.GenerateUUID()}, false},
		{ItemEntry{Bundle: "not-a-uuid"}, true},
		{ItemEntry{}, true},
		{ItemEntry{Markup: "a", Directive: "b"}, true},
	}
	for _, tt := range tests {
		_, err := tt.entry.item()
		if (err != nil) != tt.wantErr {
			t.Errorf("%+v: err = %v, wantErr %v", tt.entry, err, tt.wantErr)
		}
	}
}
