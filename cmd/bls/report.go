package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/util"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write a Markdown summary of the store",
	Long: `Write a Markdown summary of the store: bundle counts by state and type,
total data size, worksheets, groups and grants, and any rows that
reference missing objects.

The report is printed to stdout, or saved to <out>/summary.md with --out.`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().String("out", "", "output directory (use \"auto\" for artifacts/reports/<timestamp>)")
}

func runReport(cmd *cobra.Command, args []string) error {
	outputDir, _ := cmd.Flags().GetString("out")

	return withEnv(func(ctx context.Context, e *env) error {
		if e.cfg.User == "" || e.cfg.User != e.db.RootUserID() {
			return util.Usagef(util.ErrPermission, "only the root user can report on the whole store")
		}

		summary, err := report.GenerateSummaryReport(ctx, e.db, e.events.Path())
		if err != nil {
			return fmt.Errorf("failed to generate report: %w", err)
		}
		summary.DatabasePath = e.cfg.DBPath

		if outputDir == "" {
			md, err := report.RenderMarkdown(summary)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}

		if outputDir == "auto" {
			outputDir = filepath.Join("artifacts", "reports", time.Now().Format("20060102-150405"))
		}
		outputPath := filepath.Join(outputDir, "summary.md")
		if err := report.WriteMarkdownReport(summary, outputPath); err != nil {
			return err
		}

		util.SuccessLog("Report saved to: %s", outputPath)
		util.InfoLog("  Bundles: %s (%s)", humanize.Comma(summary.Stats.Bundles), humanize.Bytes(uint64(summary.Stats.TotalDataSize)))
		util.InfoLog("  Worksheets: %s", humanize.Comma(summary.Stats.Worksheets))
		if len(summary.Orphans) > 0 {
			util.WarnLog("  Dangling references found, run bls doctor")
		}
		return nil
	})
}
