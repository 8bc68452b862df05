package main

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"github.com/atmx/black76-engine/internal/marketdata"
)

var realizedVolCmd = &cobra.Command{
	Use:   "realized-vol --in candles.csv --out vol.csv",
	Short: "Compute daily realized volatility from a candles CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		out, _ := cmd.Flags().GetString("out")
		return runRealizedVol(in, out)
	},
}

func init() {
	realizedVolCmd.Flags().String("in", "", "input CSV of candles (from fetch candles)")
	realizedVolCmd.Flags().String("out", "", "output CSV of daily realized volatility")
	realizedVolCmd.MarkFlagRequired("in")
	realizedVolCmd.MarkFlagRequired("out")
}

func runRealizedVol(in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	var candles []marketdata.Candle
	if err := gocsv.UnmarshalFile(f, &candles); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", in, err)
	}
	marketdata.SortCandles(candles)

	vols := marketdata.RealizedVolatility(candles)
	return writeCSV(out, &vols)
}
