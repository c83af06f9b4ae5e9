package backtest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/protect"
)

func mkBar(close, spread float64, i int) indicators.Bar {
	return indicators.Bar{
		Symbol: "BTCUSDT",
		Open:   close,
		High:   close + spread,
		Low:    close - spread,
		Close:  close,
		Volume: 10,
		Ts:     time.Unix(int64(i)*60, 0),
	}
}

func testBacktestConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		InitialBalance: 10000,
		Sizer: protect.SizerConfig{
			BaseUSD:          100,
			MinNotional:      100,
			MaxPositionRatio: 0.10,
			MinTradeAmount:   0.001,
			QtyPrecision:     3,
			ConfidenceMult: map[protect.Confidence]float64{
				protect.High:   1.5,
				protect.Medium: 1.0,
				protect.Low:    0.5,
			},
			TrendMult: 1.2,
			RSIUpper:  75,
			RSILower:  25,
			RSIMult:   0.7,
		},
		Planner: protect.PlannerConfig{
			SLBufferPct:    0.001,
			DefaultStopPct: 0.02,
			TPPct: map[protect.Confidence]float64{
				protect.High:   0.03,
				protect.Medium: 0.02,
				protect.Low:    0.01,
			},
		},
		Trailing: protect.TrailingConfig{
			ActivationPct:      0.01,
			DistancePct:        0.005,
			UpdateThresholdPct: 0.001,
		},
	}
}

// oneShot fires a single long entry at medium confidence and stays quiet
// afterwards.
func oneShot(side protect.Side, conf protect.Confidence) SignalFunc {
	fired := false
	return func(indicators.Snapshot) (protect.Side, protect.Confidence, bool) {
		if fired {
			return "", "", false
		}
		fired = true
		return side, conf, true
	}
}

// warm produces enough flat bars at price 100 to ready the indicators.
// Support sits at 99.5 and resistance at 100.5 afterwards, so a medium
// confidence long enters at 100 with the stop at 99.5*0.999 and the
// target at 102.
func warm(n int) []indicators.Bar {
	bars := make([]indicators.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, mkBar(100, 0.5, i))
	}
	return bars
}

func TestRunStopsOutLosingTrade(t *testing.T) {
	t.Parallel()
	bars := warm(55)
	// The drop trades through the support-anchored stop.
	bars = append(bars, mkBar(99, 2, 55), mkBar(97, 2, 56))

	res, err := NewEngine(testBacktestConfig(), oneShot(protect.Long, protect.Medium)).Run(bars)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "stop_loss", tr.ExitReason)
	assert.Equal(t, 100.0, tr.EntryPrice)
	assert.InDelta(t, 99.5*0.999, tr.ExitPrice, 1e-9)
	assert.Less(t, tr.PnL, 0.0)

	assert.Equal(t, 1, res.TotalTrades)
	assert.Equal(t, 1, res.LosingTrades)
	assert.Less(t, res.FinalBalance, res.InitialBalance)
	assert.Greater(t, res.MaxDrawdown, 0.0)
}

func TestRunTakesProfit(t *testing.T) {
	t.Parallel()
	bars := warm(55)
	// Medium confidence targets entry*1.02; the next bar's high trades
	// through 102 without touching the stop.
	bars = append(bars, mkBar(101.5, 1, 55))

	res, err := NewEngine(testBacktestConfig(), oneShot(protect.Long, protect.Medium)).Run(bars)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "take_profit", tr.ExitReason)
	assert.InDelta(t, 102.0, tr.ExitPrice, 1e-9)
	assert.Greater(t, tr.PnL, 0.0)
	assert.Equal(t, 1.0, res.WinRate)
	assert.Greater(t, res.FinalBalance, res.InitialBalance)
}

func TestRunClosesAtEndOfData(t *testing.T) {
	t.Parallel()
	bars := warm(55)
	// Narrow bars that touch neither the stop nor the target.
	for i := 0; i < 3; i++ {
		bars = append(bars, mkBar(100, 0.5, 55+i))
	}

	res, err := NewEngine(testBacktestConfig(), oneShot(protect.Long, protect.Medium)).Run(bars)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "end_of_data", res.Trades[0].ExitReason)
	assert.InDelta(t, 100.0, res.Trades[0].ExitPrice, 1e-9)
}

func TestTrailingRatchetLocksInProfit(t *testing.T) {
	t.Parallel()
	bars := warm(55)
	// Price runs up without reaching the 102 target, the trailing stop
	// follows, and the reversal exits above the entry.
	bars = append(bars, mkBar(101.5, 0.3, 55), mkBar(99, 0.3, 56))

	res, err := NewEngine(testBacktestConfig(), oneShot(protect.Long, protect.Medium)).Run(bars)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "stop_loss", tr.ExitReason)
	assert.InDelta(t, 101.5*0.995, tr.ExitPrice, 1e-9)
	assert.Greater(t, tr.PnL, 0.0)
}

func TestShortSideExits(t *testing.T) {
	t.Parallel()
	bars := warm(55)
	// Short entry at 100 targets 98; the drop trades through it while
	// staying under the resistance-anchored stop.
	bars = append(bars, mkBar(98.4, 0.5, 55))

	res, err := NewEngine(testBacktestConfig(), oneShot(protect.Short, protect.Medium)).Run(bars)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "take_profit", res.Trades[0].ExitReason)
	assert.Greater(t, res.Trades[0].PnL, 0.0)
}

func TestRunRejectsEmptyData(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(testBacktestConfig(), nil).Run(nil)
	assert.Error(t, err)
}

func TestTechnicalSignal(t *testing.T) {
	t.Parallel()
	snap := indicators.Snapshot{
		Trend:      indicators.TrendStrongUp,
		MACD:       2,
		MACDSignal: 1,
		RSI:        55,
	}
	side, conf, ok := TechnicalSignal(snap)
	require.True(t, ok)
	assert.Equal(t, protect.Long, side)
	assert.Equal(t, protect.High, conf)

	snap.RSI = 65
	_, conf, ok = TechnicalSignal(snap)
	require.True(t, ok)
	assert.Equal(t, protect.Medium, conf)

	snap.RSI = 72
	_, _, ok = TechnicalSignal(snap)
	assert.False(t, ok)

	down := indicators.Snapshot{
		Trend:      indicators.TrendStrongDown,
		MACD:       -2,
		MACDSignal: -1,
		RSI:        45,
	}
	side, _, ok = TechnicalSignal(down)
	require.True(t, ok)
	assert.Equal(t, protect.Short, side)

	_, _, ok = TechnicalSignal(indicators.Snapshot{Trend: indicators.TrendRanging})
	assert.False(t, ok)
}

func TestReporterSummary(t *testing.T) {
	t.Parallel()
	res := &Results{
		Symbol:         "BTCUSDT",
		TotalTrades:    2,
		WinningTrades:  1,
		LosingTrades:   1,
		WinRate:        0.5,
		InitialBalance: 10000,
		FinalBalance:   10050,
		TotalPnL:       50,
	}

	var sb strings.Builder
	NewReporter(res, t.TempDir()).WriteSummary(&sb)
	out := sb.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "Win rate:      50.0%")
	assert.Contains(t, out, "Trades:        2")
}

func TestReporterGenerateWritesFiles(t *testing.T) {
	t.Parallel()
	bars := warm(55)
	bars = append(bars, mkBar(101.5, 1, 55))
	res, err := NewEngine(testBacktestConfig(), oneShot(protect.Long, protect.Medium)).Run(bars)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, NewReporter(res, dir).Generate())

	for _, name := range []string{"summary.txt", "trades.csv", "results.json"} {
		assert.FileExists(t, dir+"/"+name)
	}
}
