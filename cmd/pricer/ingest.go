package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/atmx/black76-engine/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest --export result.json --out trades.csv",
	Short: "Extract trade records from a Telegram chat export",
	RunE: func(cmd *cobra.Command, args []string) error {
		export, _ := cmd.Flags().GetString("export")
		out, _ := cmd.Flags().GetString("out")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rate := cfg.RiskFreeRate
		if cmd.Flags().Changed("rate") {
			rate, _ = cmd.Flags().GetFloat64("rate")
		}
		return runIngest(export, out, rate, cmd.OutOrStdout())
	},
}

func init() {
	ingestCmd.Flags().String("export", "", "Telegram export (result.json)")
	ingestCmd.Flags().String("out", "", "output CSV of trade records")
	ingestCmd.Flags().Float64("rate", 0, "risk-free rate (default from config)")
	ingestCmd.MarkFlagRequired("export")
	ingestCmd.MarkFlagRequired("out")
}

func runIngest(exportPath, out string, rate float64, summary io.Writer) error {
	ex, err := ingest.LoadExport(exportPath)
	if err != nil {
		return err
	}

	extraction := ingest.Extract(ex.Messages)
	records, errs := ingest.Records(extraction, rate)
	for _, err := range errs {
		slog.Warn("trade not resolved", "err", err)
	}

	if err := writeCSV(out, &records); err != nil {
		return err
	}

	table := tablewriter.NewWriter(summary)
	table.SetHeader([]string{"Messages", "Skipped", "Actions", "Trades", "Unresolved", "Records"})
	table.Append([]string{
		fmt.Sprint(len(ex.Messages)),
		fmt.Sprint(extraction.Skipped),
		fmt.Sprint(extraction.ActionCount),
		fmt.Sprint(len(extraction.Trades)),
		fmt.Sprint(len(errs)),
		fmt.Sprint(len(records)),
	})
	table.Render()
	return nil
}

// writeCSV writes a pointer to a slice of csv-tagged structs to path.
func writeCSV(path string, rows any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(rows, f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

