package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
	"github.com/franz/bundle-store/internal/worksheet"
)

var importCmd = &cobra.Command{
	Use:   "import MANIFEST...",
	Short: "Load bundles and worksheets from YAML manifests",
	Long: `Load bundles and worksheets from YAML manifests (- for stdin).

A manifest has two optional lists:

  bundles:
    - uuid: 0x...            # generated when omitted
      type: run
      command: python train.py
      state: ready
      metadata:
        name: train
        data_size: 1024
        tags: [a, b]
      dependencies:
        - slot: input
          parent: 0x...
  worksheets:
    - name: experiments
      items:
        - bundle: 0x...
        - markup: some text
        - directive: schema
        - worksheet: 0x...

Objects whose uuid already exists are skipped, so manifests can be imported
again. Only the root user may set owner fields.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

// Manifest is the import file format
type Manifest struct {
	Bundles    []BundleEntry    `yaml:"bundles"`
	Worksheets []WorksheetEntry `yaml:"worksheets"`
}

type BundleEntry struct {
	UUID         string                `yaml:"uuid"`
	Type         string                `yaml:"type"`
	Command      string                `yaml:"command"`
	DataHash     string                `yaml:"data_hash"`
	State        string                `yaml:"state"`
	Owner        string                `yaml:"owner"`
	Metadata     map[string]stringList `yaml:"metadata"`
	Dependencies []DependencyEntry     `yaml:"dependencies"`
}

type DependencyEntry struct {
	Slot       string `yaml:"slot"`
	Parent     string `yaml:"parent"`
	ParentPath string `yaml:"parent_path"`
}

type WorksheetEntry struct {
	UUID  string      `yaml:"uuid"`
	Name  string      `yaml:"name"`
	Owner string      `yaml:"owner"`
	Items []ItemEntry `yaml:"items"`
}

// ItemEntry sets exactly one field
type ItemEntry struct {
	Bundle    string `yaml:"bundle"`
	Worksheet string `yaml:"worksheet"`
	Markup    string `yaml:"markup"`
	Directive string `yaml:"directive"`
}

// stringList accepts a scalar or a sequence of scalars
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*l = values
		return nil
	}
	return fmt.Errorf("line %d: metadata values must be scalars or lists", node.Line)
}

func loadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, util.Usagef(util.ErrInvalid, "invalid manifest: %v", err)
	}
	return &m, nil
}

func (it ItemEntry) item() (worksheet.Item, error) {
	var item worksheet.Item
	set := 0
	if it.Bundle != "" {
		item, set = worksheet.BundleItem(it.Bundle), set+1
	}
	if it.Worksheet != "" {
		item, set = worksheet.SubworksheetItem(it.Worksheet), set+1
	}
	if it.Markup != "" {
		item, set = worksheet.MarkupItem(it.Markup), set+1
	}
	if it.Directive != "" {
		item, set = worksheet.DirectiveItem(it.Directive), set+1
	}
	if set != 1 {
		return item, util.Usagef(util.ErrInvalid, "worksheet item must set exactly one of bundle, worksheet, markup, directive")
	}
	return item, item.Validate()
}

// owner picks the entry's owner, which only root may override.
func (e *env) owner(requested string) (string, error) {
	if requested == "" || requested == e.cfg.User {
		return e.cfg.User, nil
	}
	if e.cfg.User != "" && e.cfg.User == e.db.RootUserID() {
		return requested, nil
	}
	return "", util.Usagef(util.ErrPermission, "only the root user can import objects owned by %s", requested)
}

func (be BundleEntry) bundle(owner string) *store.Bundle {
	b := store.NewBundle(be.Type, owner)
	if be.UUID != "" {
		b.UUID = be.UUID
	}
	if be.State != "" {
		b.State = be.State
	}
	b.Command = be.Command
	b.DataHash = be.DataHash
	for k, v := range be.Metadata {
		b.Metadata[k] = v
	}
	for _, d := range be.Dependencies {
		b.Dependencies = append(b.Dependencies, store.Dependency{
			ChildUUID:  b.UUID,
			ChildPath:  d.Slot,
			ParentUUID: d.Parent,
			ParentPath: d.ParentPath,
		})
	}
	return b
}

type importStats struct {
	created int
	skipped int
}

// importManifest saves every entry of m. An entry whose uuid exists is
// skipped; any other failure stops the import.
func importManifest(ctx context.Context, e *env, m *Manifest, bar *progressbar.ProgressBar) (importStats, error) {
	var stats importStats
	step := func() {
		if bar != nil {
			bar.Add(1)
		}
	}
	record := func(uuid string, err error) error {
		step()
		switch {
		case err == nil:
			stats.created++
			e.events.LogImport(uuid, "create", nil)
			return nil
		case errors.Is(err, util.ErrDuplicate):
			stats.skipped++
			e.events.LogImport(uuid, "skip", nil)
			util.DebugLog("Skipping existing %s", uuid)
			return nil
		}
		e.events.LogImport(uuid, "create", err)
		return err
	}

	for _, entry := range m.Bundles {
		owner, err := e.owner(entry.Owner)
		if err != nil {
			return stats, err
		}
		b := entry.bundle(owner)
		err = e.do(ctx, "save bundle", func() error { return e.db.SaveBundle(ctx, b) })
		if err := record(b.UUID, err); err != nil {
			return stats, fmt.Errorf("bundle %s: %w", b.UUID, err)
		}
	}

	for _, entry := range m.Worksheets {
		owner, err := e.owner(entry.Owner)
		if err != nil {
			return stats, err
		}
		var items []worksheet.Item
		for _, ie := range entry.Items {
			item, err := ie.item()
			if err != nil {
				return stats, fmt.Errorf("worksheet %s: %w", entry.Name, err)
			}
			items = append(items, item)
		}

		w := worksheet.New(entry.Name, owner)
		if entry.UUID != "" {
			w.UUID = entry.UUID
		}
		err = e.do(ctx, "save worksheet", func() error { return e.db.SaveWorksheet(ctx, w) })
		if err == nil {
			for _, item := range items {
				err = e.do(ctx, "add worksheet item", func() error {
					_, err := e.db.AddWorksheetItem(ctx, w.UUID, item)
					return err
				})
				if err != nil {
					break
				}
			}
		}
		if err := record(w.UUID, err); err != nil {
			return stats, fmt.Errorf("worksheet %s: %w", w.Name, err)
		}
	}
	return stats, nil
}

func newImportBar(total int) *progressbar.ProgressBar {
	if !util.IsTerminal(os.Stderr) || util.IsQuiet() {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Importing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(util.ProgressWidth(os.Stderr)),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("objects"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func runImport(cmd *cobra.Command, args []string) error {
	var manifests []*Manifest
	total := 0
	for _, path := range args {
		var r io.Reader = cmd.InOrStdin()
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open manifest: %w", err)
			}
			defer f.Close()
			r = f
		}
		m, err := loadManifest(r)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		manifests = append(manifests, m)
		total += len(m.Bundles) + len(m.Worksheets)
	}

	return withEnv(func(ctx context.Context, e *env) error {
		if e.cfg.User == "" {
			return util.Usagef(util.ErrPermission, "anonymous users cannot import")
		}

		bar := newImportBar(total)
		var all importStats
		for i, m := range manifests {
			stats, err := importManifest(ctx, e, m, bar)
			all.created += stats.created
			all.skipped += stats.skipped
			if err != nil {
				e.events.LogError("import", err)
				return fmt.Errorf("%s: %w", args[i], err)
			}
		}
		if bar != nil {
			bar.Finish()
		}

		e.events.Log(&report.Event{
			Level: report.LevelInfo,
			Event: report.EventImport,
			Count: all.created,
			Extra: map[string]string{"skipped": fmt.Sprint(all.skipped)},
		})
		util.SuccessLog("Imported %d objects, skipped %d existing", all.created, all.skipped)
		return nil
	})
}
