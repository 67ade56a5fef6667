package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

// SummaryReport is a point-in-time overview of a bundle store
type SummaryReport struct {
	GeneratedAt time.Time
	Stats       *store.Stats
	Orphans     []store.OrphanRows

	DatabasePath string
	EventLogPath string
}

// Count is one row of a breakdown table
type Count struct {
	Key   string
	Value int64
}

// GenerateSummaryReport collects stats and the orphan scan from db. Orphans
// are reported, not returned as an error.
func GenerateSummaryReport(ctx context.Context, db *store.Store, eventLogPath string) (*SummaryReport, error) {
	stats, err := db.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}

	orphans, err := db.FindOrphans(ctx)
	if err != nil && !util.IsIntegrityError(err) {
		return nil, fmt.Errorf("failed to scan for orphans: %w", err)
	}

	return &SummaryReport{
		GeneratedAt:  time.Now(),
		Stats:        stats,
		Orphans:      orphans,
		EventLogPath: eventLogPath,
	}, nil
}

// sortedCounts orders a breakdown by descending count, then key.
func sortedCounts(m map[string]int64) []Count {
	counts := make([]Count, 0, len(m))
	for k, v := range m {
		counts = append(counts, Count{Key: k, Value: v})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Value != counts[j].Value {
			return counts[i].Value > counts[j].Value
		}
		return counts[i].Key < counts[j].Key
	})
	return counts
}

// RenderMarkdown renders the report as Markdown
func RenderMarkdown(report *SummaryReport) (string, error) {
	if report == nil || report.Stats == nil {
		return "", errors.New("report has no stats")
	}
	st := report.Stats
	var md strings.Builder

	md.WriteString("# Bundle Store - Summary Report\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))
	if report.DatabasePath != "" {
		md.WriteString(fmt.Sprintf("**Database:** `%s`\n\n", report.DatabasePath))
	}
	if report.EventLogPath != "" {
		md.WriteString(fmt.Sprintf("**Event Log:** `%s`\n\n", report.EventLogPath))
	}
	md.WriteString(fmt.Sprintf("**Schema Version:** %d\n\n", st.SchemaVersion))
	md.WriteString("---\n\n")

	md.WriteString("## Bundles\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Bundles | %s |\n", humanize.Comma(st.Bundles)))
	md.WriteString(fmt.Sprintf("| Dependencies | %s |\n", humanize.Comma(st.Dependencies)))
	md.WriteString(fmt.Sprintf("| Metadata Rows | %s |\n", humanize.Comma(st.MetadataRows)))
	md.WriteString(fmt.Sprintf("| Not On Any Worksheet | %s |\n", humanize.Comma(st.OrphanBundles)))
	md.WriteString(fmt.Sprintf("| Total Data Size | %s |\n", humanize.Bytes(uint64(st.TotalDataSize))))
	if st.PendingActions > 0 {
		md.WriteString(fmt.Sprintf("| Pending Actions | %s |\n", humanize.Comma(st.PendingActions)))
	}
	md.WriteString("\n")

	for _, breakdown := range []struct {
		title  string
		counts map[string]int64
	}{
		{"By State", st.BundlesByState},
		{"By Type", st.BundlesByType},
	} {
		if len(breakdown.counts) == 0 {
			continue
		}
		md.WriteString(fmt.Sprintf("### %s\n\n", breakdown.title))
		md.WriteString("| Key | Bundles |\n")
		md.WriteString("|-----|---------|\n")
		for _, c := range sortedCounts(breakdown.counts) {
			md.WriteString(fmt.Sprintf("| %s | %s |\n", c.Key, humanize.Comma(c.Value)))
		}
		md.WriteString("\n")
	}

	md.WriteString("## Worksheets\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Worksheets | %s |\n", humanize.Comma(st.Worksheets)))
	md.WriteString(fmt.Sprintf("| Items | %s |\n", humanize.Comma(st.WorksheetItems)))
	md.WriteString("\n")

	md.WriteString("## Access\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Groups | %s |\n", humanize.Comma(st.Groups)))
	md.WriteString(fmt.Sprintf("| Memberships | %s |\n", humanize.Comma(st.Memberships)))
	md.WriteString(fmt.Sprintf("| Bundle Grants | %s |\n", humanize.Comma(st.BundleGrants)))
	md.WriteString(fmt.Sprintf("| Worksheet Grants | %s |\n", humanize.Comma(st.WorksheetGrants)))
	md.WriteString(fmt.Sprintf("| Public Group | `%s` |\n", st.PublicGroupUUID))
	md.WriteString("\n")

	if len(report.Orphans) > 0 {
		md.WriteString("## Dangling References\n\n")
		md.WriteString("| Table | Column | Rows |\n")
		md.WriteString("|-------|--------|------|\n")
		for _, o := range report.Orphans {
			md.WriteString(fmt.Sprintf("| %s | %s | %s |\n", o.Table, o.Column, humanize.Comma(o.Count)))
		}
		md.WriteString("\n")
	}

	md.WriteString("---\n\n")
	md.WriteString("*Generated by bls*\n")
	return md.String(), nil
}

// WriteMarkdownReport writes the report as Markdown to outputPath
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	content, err := RenderMarkdown(report)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outputPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
