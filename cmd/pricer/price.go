package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/atmx/black76-engine/internal/batch"
	"github.com/atmx/black76-engine/internal/exposure"
	"github.com/atmx/black76-engine/internal/model"
)

var priceCmd = &cobra.Command{
	Use:   "price --in trades.csv --out priced.csv",
	Short: "Solve forwards and compute Greeks for a CSV of trade records",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		out, _ := cmd.Flags().GetString("out")
		workers, _ := cmd.Flags().GetInt("workers")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if workers <= 0 {
			workers = cfg.Batch.Workers
		}

		runner := &batch.Runner{
			Workers:       workers,
			RecordTimeout: cfg.Batch.RecordTimeout,
			Solver:        cfg.Solver.Build(),
			Logger:        slog.Default(),
		}
		limiter := exposure.NewLimiter(cfg.Exposure.MaxNetDelta, cfg.Exposure.MaxUnderlyingDelta)
		return runPrice(cmd.Context(), runner, limiter, in, out, cmd.OutOrStdout())
	},
}

func init() {
	priceCmd.Flags().String("in", "", "input CSV of trade records")
	priceCmd.Flags().String("out", "", "output CSV of priced records")
	priceCmd.Flags().Int("workers", 0, "concurrent workers (default from config, then GOMAXPROCS)")
	priceCmd.MarkFlagRequired("in")
	priceCmd.MarkFlagRequired("out")
}

func runPrice(ctx context.Context, runner *batch.Runner, limiter *exposure.Limiter, in, out string, summary io.Writer) error {
	records, err := readTrades(in)
	if err != nil {
		return err
	}

	rep, err := runner.Price(ctx, records)
	if err != nil {
		return err
	}

	if err := writeCSV(out, &rep.Records); err != nil {
		return err
	}

	renderBatch(summary, rep)
	risk := exposure.Aggregate(rep.Records)
	renderExposure(summary, risk, limiter.Breaches(risk))
	return nil
}

func readTrades(path string) ([]model.TradeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []model.TradeRecord
	if err := gocsv.UnmarshalCSV(&blankDateReader{Reader: csv.NewReader(f)}, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return records, nil
}

// blankDateReader rewrites an empty date cell to the zero time so a trade
// without a trade date is still priced.
type blankDateReader struct {
	*csv.Reader
	col    int
	header bool
}

func (r *blankDateReader) Read() ([]string, error) {
	row, err := r.Reader.Read()
	if err != nil {
		return row, err
	}
	if !r.header {
		r.header = true
		r.col = slices.IndexFunc(row, func(h string) bool { return strings.TrimSpace(h) == "date" })
		return row, nil
	}
	if r.col >= 0 && r.col < len(row) && strings.TrimSpace(row[r.col]) == "" {
		row[r.col] = time.Time{}.Format(time.RFC3339)
	}
	return row, nil
}

func (r *blankDateReader) ReadAll() ([][]string, error) {
	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func renderBatch(w io.Writer, rep *batch.Report) {
	fmt.Fprintf(w, "Batch %s: %d records, %d failed, %dms\n",
		rep.BatchID, rep.Total, rep.Failed, rep.Duration.Milliseconds())
	if rep.Failed == 0 {
		return
	}

	kinds := make([]batch.ErrorKind, 0, len(rep.ByKind))
	for k := range rep.ByKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Error kind", "Records"})
	for _, k := range kinds {
		table.Append([]string{string(k), strconv.Itoa(rep.ByKind[k])})
	}
	table.Render()
}

func renderExposure(w io.Writer, rep exposure.Report, breaches []exposure.Breach) {
	if len(rep.Buckets) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Underlying", "Expiry", "Records", "Delta", "Gamma", "Vega", "Theta"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, b := range slices.Concat(rep.Buckets, []exposure.Bucket{rep.Total}) {
		table.Append([]string{
			b.Underlying,
			b.Expiry,
			strconv.Itoa(b.Records),
			fmt.Sprintf("%.4f", b.Delta),
			fmt.Sprintf("%.6f", b.Gamma),
			fmt.Sprintf("%.2f", b.Vega),
			fmt.Sprintf("%.2f", b.Theta),
		})
	}
	table.Render()

	for _, b := range breaches {
		fmt.Fprintf(w, "BREACH %s %s: delta %.4f, limit %.4f (%s)\n", b.Underlying, b.Expiry, b.Delta, b.Limit, b.Reason)
	}
}
