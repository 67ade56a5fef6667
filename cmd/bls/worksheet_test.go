package main

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
	"github.com/franz/bundle-store/internal/worksheet"
)

func TestParseItems(t *testing.T) {
	b, w := util.GenerateUUID(), util.GenerateUUID()
	input := strings.Join([]string{
		"# results",
		"bundle " + b + "  # mnist",
		"worksheet " + w,
		"% schema",
		"",
		"bundle is a word here",
	}, "\n")

	items, err := parseItems(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseItems failed: %v", err)
	}
	want := []worksheet.Item{
		worksheet.MarkupItem("# results"),
		worksheet.BundleItem(b),
		worksheet.SubworksheetItem(w),
		worksheet.DirectiveItem("schema"),
		worksheet.MarkupItem(""),
		worksheet.MarkupItem("bundle is a word here"),
	}
	if !reflect.DeepEqual(items, want) {
		t.Errorf("got %+v\nwant %+v", items, want)
	}
}

func TestWriteItemsRoundTrip(t *testing.T) {
	b := util.GenerateUUID()
	items := []worksheet.Item{
		worksheet.MarkupItem("intro"),
		worksheet.BundleItem(b),
		worksheet.DirectiveItem("display table"),
	}

	var buf bytes.Buffer
	writeItems(&buf, items, map[string]string{b: "train"})
	if !strings.Contains(buf.String(), "# train") {
		t.Errorf("bundle name not rendered: %q", buf.String())
	}

	parsed, err := parseItems(&buf)
	if err != nil {
		t.Fatalf("parseItems failed: %v", err)
	}
	if !reflect.DeepEqual(parsed, items) {
		t.Errorf("round trip changed items: %+v", parsed)
	}
}

func TestLookupFor(t *testing.T) {
	full := util.GenerateUUID()
	tests := []struct {
		spec string
		want store.BundleLookup
	}{
		{full, store.BundleLookup{UUID: full}},
		{"0xab", store.BundleLookup{UUID: store.Like("0xab%")}},
		{"mnist", store.BundleLookup{Name: "mnist", WorksheetUUID: "0xws"}},
		{"mn%", store.BundleLookup{Name: store.Like("mn%"), WorksheetUUID: "0xws"}},
	}
	for _, tt := range tests {
		if got := lookupFor(tt.spec, "0xws"); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("lookupFor(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func TestReadableAndResolve(t *testing.T) {
	e := newTestEnv(t, "alice")
	ctx := context.Background()

	mine := worksheet.New("notes", "alice")
	shared := worksheet.New("notes", "bob")
	hidden := worksheet.New("secret", "bob")
	for _, w := range []*worksheet.Worksheet{mine, shared, hidden} {
		if err := e.db.SaveWorksheet(ctx, w); err != nil {
			t.Fatalf("SaveWorksheet failed: %v", err)
		}
	}
	if err := e.db.AddPermission(ctx, permission.Worksheets, e.db.PublicGroupUUID(), shared.UUID, permission.Read); err != nil {
		t.Fatalf("AddPermission failed: %v", err)
	}

	visible, err := readable(ctx, e, permission.Worksheets, []string{mine.UUID, shared.UUID, hidden.UUID})
	if err != nil {
		t.Fatalf("readable failed: %v", err)
	}
	if !reflect.DeepEqual(visible, []string{mine.UUID, shared.UUID}) {
		t.Errorf("readable = %v", visible)
	}

	if _, err := resolveWorksheet(ctx, e, "notes", "", false); !errors.Is(err, util.ErrInvalid) {
		t.Errorf("expected ambiguous name error, got %v", err)
	}
	if _, err := resolveWorksheet(ctx, e, "secret", "", false); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected hidden worksheet to be not found, got %v", err)
	}
	got, err := resolveWorksheet(ctx, e, shared.UUID, "", false)
	if err != nil || got.UUID != shared.UUID {
		t.Errorf("resolve by uuid = %v, %v", got, err)
	}

	if _, err := writableWorksheet(ctx, e, shared.UUID, false); !errors.Is(err, util.ErrPermission) {
		t.Errorf("expected read-only worksheet to be refused, got %v", err)
	}
}
