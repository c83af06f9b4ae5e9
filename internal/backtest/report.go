package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Reporter writes the simulation results in several formats under one
// output directory.
type Reporter struct {
	results    *Results
	outputPath string
}

func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{results: results, outputPath: outputPath}
}

// Generate writes the summary, the trade log and the JSON dump.
func (r *Reporter) Generate() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	summary, err := os.Create(filepath.Join(r.outputPath, "summary.txt"))
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	defer summary.Close()
	r.WriteSummary(summary)

	if err := r.writeTradeLog(); err != nil {
		return err
	}
	if err := r.writeJSON(); err != nil {
		return err
	}

	log.Info().Str("path", r.outputPath).Msg("backtest report written")
	return nil
}

// WriteSummary writes the human-readable summary.
func (r *Reporter) WriteSummary(w io.Writer) {
	res := r.results
	fmt.Fprintf(w, "BACKTEST %s\n", res.Symbol)
	fmt.Fprintf(w, "Period: %s to %s\n\n",
		res.StartTime.Format("2006-01-02 15:04"),
		res.EndTime.Format("2006-01-02 15:04"))

	fmt.Fprintf(w, "Initial balance: %.2f\n", res.InitialBalance)
	fmt.Fprintf(w, "Final balance:   %.2f\n", res.FinalBalance)
	fmt.Fprintf(w, "Total PnL:       %.2f\n", res.TotalPnL)
	fmt.Fprintf(w, "Commission:      %.2f\n", res.TotalCommission)
	fmt.Fprintf(w, "Max drawdown:    %.2f\n\n", res.MaxDrawdown)

	fmt.Fprintf(w, "Trades:        %d\n", res.TotalTrades)
	fmt.Fprintf(w, "Win rate:      %.1f%%\n", res.WinRate*100)
	fmt.Fprintf(w, "Profit factor: %.2f\n", res.ProfitFactor)
}

func (r *Reporter) writeTradeLog() error {
	file, err := os.Create(filepath.Join(r.outputPath, "trades.csv"))
	if err != nil {
		return fmt.Errorf("create trade log: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	if err := w.Write([]string{"entry_time", "exit_time", "side", "entry", "exit", "qty", "pnl", "commission", "reason"}); err != nil {
		return err
	}
	for _, t := range r.results.Trades {
		row := []string{
			t.EntryTime.Format("2006-01-02T15:04:05Z"),
			t.ExitTime.Format("2006-01-02T15:04:05Z"),
			t.Side,
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(t.Qty, 'f', -1, 64),
			strconv.FormatFloat(t.PnL, 'f', 4, 64),
			strconv.FormatFloat(t.Commission, 'f', 4, 64),
			t.ExitReason,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) writeJSON() error {
	data, err := json.MarshalIndent(r.results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	return os.WriteFile(filepath.Join(r.outputPath, "results.json"), data, 0o644)
}
