// Command backtest replays candles recorded by the live bot through the
// trading rules and writes a performance report.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/backtest"
	"deepseek-bot/internal/cfg"
	"deepseek-bot/internal/storage"
)

func main() {
	symbol := flag.String("symbol", "", "symbol to replay (defaults to the first configured symbol)")
	days := flag.Int("days", 30, "days of history to replay")
	balance := flag.Float64("balance", 10000, "starting balance in USDT")
	commission := flag.Float64("commission", 0.0004, "commission per side on notional")
	out := flag.String("out", "backtest_results", "report output directory")
	flag.Parse()

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *symbol == "" {
		*symbol = c.Symbols[0]
	}
	if c.DataPath == "" {
		log.Fatal().Msg("data path not configured, nothing to replay")
	}

	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -*days)
	bars, err := store.GetBars(*symbol, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load bars")
	}
	log.Info().Str("symbol", *symbol).Int("bars", len(bars)).Msg("loaded history")

	engine := backtest.NewEngine(backtest.Config{
		Symbol:         *symbol,
		InitialBalance: *balance,
		CommissionPct:  *commission,
		Sizer:          c.Sizer,
		Planner:        c.Planner,
		Trailing:       c.Trailing,
	}, nil)

	results, err := engine.Run(bars)
	if err != nil {
		log.Fatal().Err(err).Msg("backtest failed")
	}

	reporter := backtest.NewReporter(results, *out)
	if err := reporter.Generate(); err != nil {
		log.Fatal().Err(err).Msg("report generation failed")
	}
	reporter.WriteSummary(os.Stdout)
}
