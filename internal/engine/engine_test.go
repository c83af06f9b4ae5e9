package engine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepseek-bot/internal/ai"
	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/metrics"
	"deepseek-bot/internal/protect"
	"deepseek-bot/internal/venue"
)

type submitted struct {
	kind       string // market, stop, limit
	symbol     string
	side       venue.Side
	qty        float64
	price      float64
	reduceOnly bool
}

// fakeExec records orders and returns incrementing ids.
type fakeExec struct {
	nextID    int
	orders    []submitted
	cancelled []string
	position  venue.Position
	equity    float64
	stopErr   error
	marketErr error
	cancelErr error
}

func (f *fakeExec) id() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *fakeExec) SubmitMarket(_ context.Context, symbol string, side venue.Side, qty float64, reduceOnly bool) (string, error) {
	if f.marketErr != nil {
		return "", f.marketErr
	}
	f.orders = append(f.orders, submitted{"market", symbol, side, qty, 0, reduceOnly})
	return f.id(), nil
}

func (f *fakeExec) SubmitStopMarket(_ context.Context, symbol string, side venue.Side, qty, trigger float64, reduceOnly bool) (string, error) {
	if f.stopErr != nil {
		return "", f.stopErr
	}
	f.orders = append(f.orders, submitted{"stop", symbol, side, qty, trigger, reduceOnly})
	return f.id(), nil
}

func (f *fakeExec) SubmitLimit(_ context.Context, symbol string, side venue.Side, qty, price float64, reduceOnly bool) (string, error) {
	f.orders = append(f.orders, submitted{"limit", symbol, side, qty, price, reduceOnly})
	return f.id(), nil
}

func (f *fakeExec) Cancel(_ context.Context, _ string, orderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExec) OpenOrders(context.Context, string) ([]venue.Order, error) {
	return nil, nil
}

func (f *fakeExec) Position(context.Context, string) (venue.Position, error) {
	return f.position, nil
}

func (f *fakeExec) Equity(context.Context) (float64, error) { return f.equity, nil }

func (f *fakeExec) count(kind string) int {
	n := 0
	for _, o := range f.orders {
		if o.kind == kind {
			n++
		}
	}
	return n
}

type fakeSignals struct{ sig ai.Signal }

func (f *fakeSignals) Analyze(context.Context, ai.Request) ai.Signal { return f.sig }

func testConfig() Config {
	return Config{
		Symbols:          []string{"BTCUSDT"},
		AnalysisInterval: time.Minute,
		SweepInterval:    time.Minute,
		Sizer: protect.SizerConfig{
			BaseUSD:          100,
			MinNotional:      100,
			MaxPositionRatio: 0.10,
			MinTradeAmount:   0.001,
			QtyPrecision:     3,
			ConfidenceMult: map[protect.Confidence]float64{
				protect.High: 1.5, protect.Medium: 1.0, protect.Low: 0.5,
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
				protect.High: 0.03, protect.Medium: 0.02, protect.Low: 0.01,
			},
		},
	}
}

func newTestEngine(t *testing.T, fv *fakeExec, sig ai.Signal) (*Engine, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	e := New(testConfig(), Deps{
		Exec:     fv,
		Registry: protect.NewRegistry(nil, 0, 0),
		Trailing: protect.NewTrailingEngine(protect.TrailingConfig{
			ActivationPct:      0.01,
			DistancePct:        0.005,
			UpdateThresholdPct: 0.001,
		}),
		Sweeper: protect.NewOrphanSweeper(fv),
		Signals: &fakeSignals{sig: sig},
		Metrics: m,
	})
	return e, m
}

func warmBars(symbol string, price float64, n int) []indicators.Bar {
	bars := make([]indicators.Bar, n)
	for i := range bars {
		bars[i] = indicators.Bar{
			Symbol: symbol,
			Open:   price,
			High:   price + 10,
			Low:    price - 10,
			Close:  price,
			Volume: 1,
			Ts:     time.Unix(int64(i)*60, 0),
		}
	}
	return bars
}

func TestAnalysisOpensProtectedPosition(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{equity: 10000}
	e, _ := newTestEngine(t, fv, ai.Signal{Action: ai.ActionBuy, Confidence: protect.High, Reason: "test"})
	e.Warmup("BTCUSDT", warmBars("BTCUSDT", 90000, 60))

	e.runAnalysis(context.Background(), "BTCUSDT")

	// Entry market order plus stop and one take profit.
	require.Equal(t, 1, fv.count("market"))
	require.Equal(t, 1, fv.count("stop"))
	require.Equal(t, 1, fv.count("limit"))

	entry := fv.orders[0]
	assert.Equal(t, venue.Buy, entry.side)
	assert.False(t, entry.reduceOnly)
	assert.InDelta(t, 0.002, entry.qty, 1e-9) // 150 USDT at 90000 rounds up

	stop := fv.orders[1]
	assert.Equal(t, venue.Sell, stop.side)
	assert.True(t, stop.reduceOnly)
	// Support at low of the window, buffered.
	assert.InDelta(t, 89990*0.999, stop.price, 1e-6)

	tp := fv.orders[2]
	assert.True(t, tp.reduceOnly)
	assert.InDelta(t, 90000*1.03, tp.price, 1e-6)

	assert.Equal(t, 1, e.deps.Registry.ActiveCount())
	_, tracked := e.deps.Trailing.State("BTCUSDT")
	assert.True(t, tracked)
}

func TestAnalysisHoldsWhenNotWarm(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{equity: 10000}
	e, _ := newTestEngine(t, fv, ai.Signal{Action: ai.ActionBuy, Confidence: protect.High})
	e.Warmup("BTCUSDT", warmBars("BTCUSDT", 90000, 10))

	e.runAnalysis(context.Background(), "BTCUSDT")
	assert.Empty(t, fv.orders)
}

func TestPauseSuppressesEntriesOnly(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{equity: 10000}
	e, _ := newTestEngine(t, fv, ai.Signal{Action: ai.ActionBuy, Confidence: protect.High})
	e.Warmup("BTCUSDT", warmBars("BTCUSDT", 90000, 60))

	e.handleCommand(context.Background(), "pause")
	e.runAnalysis(context.Background(), "BTCUSDT")
	assert.Empty(t, fv.orders, "paused engine must not enter")

	// Protection reaction still runs while paused.
	e.deps.Registry.Create(&protect.Group{
		GroupID:       "g1",
		Symbol:        "BTCUSDT",
		EntrySide:     protect.Long,
		EntryPrice:    90000,
		Quantity:      0.002,
		StopOrderID:   "sl-1",
		TakeProfitIDs: []string{"tp-1"},
	})
	e.handleFill(context.Background(), venue.Fill{OrderID: "tp-1", Symbol: "BTCUSDT", Price: 92700})
	assert.Equal(t, []string{"sl-1"}, fv.cancelled)
}

func TestFillCancelsPeersExactlyOnce(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{}
	e, m := newTestEngine(t, fv, ai.Signal{Action: ai.ActionHold})

	e.deps.Registry.Create(&protect.Group{
		GroupID:       "g1",
		Symbol:        "BTCUSDT",
		EntrySide:     protect.Long,
		EntryPrice:    90000,
		Quantity:      0.002,
		StopOrderID:   "sl-1",
		StopPrice:     88911,
		TakeProfitIDs: []string{"tp-1", "tp-2"},
	})
	e.groupBySymbol["BTCUSDT"] = "g1"

	fill := venue.Fill{OrderID: "tp-1", Symbol: "BTCUSDT", Price: 92700}
	e.handleFill(context.Background(), fill)

	assert.ElementsMatch(t, []string{"sl-1", "tp-2"}, fv.cancelled)
	assert.Equal(t, 0, e.deps.Registry.ActiveCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OCOResolved.WithLabelValues("take_profit")))

	// Duplicate delivery must be a no-op.
	e.handleFill(context.Background(), fill)
	assert.Len(t, fv.cancelled, 2)
}

func TestStopFillCancelsTakeProfits(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{}
	e, m := newTestEngine(t, fv, ai.Signal{Action: ai.ActionHold})

	e.deps.Registry.Create(&protect.Group{
		GroupID:       "g1",
		Symbol:        "BTCUSDT",
		EntrySide:     protect.Long,
		EntryPrice:    90000,
		Quantity:      0.002,
		StopOrderID:   "sl-1",
		TakeProfitIDs: []string{"tp-1"},
	})

	e.handleFill(context.Background(), venue.Fill{OrderID: "sl-1", Symbol: "BTCUSDT", Price: 88911})
	assert.Equal(t, []string{"tp-1"}, fv.cancelled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OCOResolved.WithLabelValues("stop")))
}

func TestTrailingReplacementOnBar(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{equity: 10000}
	e, m := newTestEngine(t, fv, ai.Signal{Action: ai.ActionBuy, Confidence: protect.High})
	e.Warmup("BTCUSDT", warmBars("BTCUSDT", 90000, 60))
	e.runAnalysis(context.Background(), "BTCUSDT")
	require.Equal(t, 1, e.deps.Registry.ActiveCount())

	stopsBefore := fv.count("stop")

	// 2% above entry clears the 1% activation and proposes a higher stop.
	e.handleBar(context.Background(), indicators.Bar{
		Symbol: "BTCUSDT", Open: 91700, High: 91900, Low: 91600, Close: 91800, Ts: time.Now(),
	})

	assert.Equal(t, stopsBefore+1, fv.count("stop"), "trailing should submit a replacement stop")
	assert.Len(t, fv.cancelled, 1, "old stop should be cancelled")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StopReplacements))

	st, ok := e.deps.Trailing.State("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 91800*0.995, st.CurrentStopPrice, 1e-6)

	// Registry stop price must follow the replacement.
	groupID := e.groupBySymbol["BTCUSDT"]
	g, found := e.deps.Registry.Group(groupID)
	require.True(t, found)
	assert.InDelta(t, 91800*0.995, g.StopPrice, 1e-6)
}

func TestStopFailureFlattensEntry(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{equity: 10000, stopErr: assert.AnError}
	e, _ := newTestEngine(t, fv, ai.Signal{Action: ai.ActionBuy, Confidence: protect.High})
	e.Warmup("BTCUSDT", warmBars("BTCUSDT", 90000, 60))

	e.runAnalysis(context.Background(), "BTCUSDT")

	require.Equal(t, 2, fv.count("market"), "entry then emergency flatten")
	flatten := fv.orders[1]
	assert.Equal(t, venue.Sell, flatten.side)
	assert.True(t, flatten.reduceOnly)
	assert.Equal(t, 0, e.deps.Registry.ActiveCount())
}

func TestReverseOnOppositeSignal(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{equity: 10000, position: venue.Position{Symbol: "BTCUSDT", Qty: 0.002, EntryPrice: 90000}}
	e, _ := newTestEngine(t, fv, ai.Signal{Action: ai.ActionSell, Confidence: protect.Medium})
	e.Warmup("BTCUSDT", warmBars("BTCUSDT", 90000, 60))

	e.deps.Registry.Create(&protect.Group{
		GroupID:       "g1",
		Symbol:        "BTCUSDT",
		EntrySide:     protect.Long,
		EntryPrice:    90000,
		Quantity:      0.002,
		StopOrderID:   "sl-1",
		TakeProfitIDs: []string{"tp-1"},
	})
	e.groupBySymbol["BTCUSDT"] = "g1"

	e.runAnalysis(context.Background(), "BTCUSDT")

	// Old protection torn down before the close.
	assert.Contains(t, fv.cancelled, "sl-1")
	assert.Contains(t, fv.cancelled, "tp-1")

	require.GreaterOrEqual(t, fv.count("market"), 2, "close then reversed entry")
	closeOrder := fv.orders[0]
	assert.Equal(t, venue.Sell, closeOrder.side)
	assert.True(t, closeOrder.reduceOnly)

	// New short entry with fresh protection.
	assert.Equal(t, 1, e.deps.Registry.ActiveCount())
	st, ok := e.deps.Trailing.State("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, protect.Short, st.Side)
}

func TestMaintenanceSweepsOrphans(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{}
	e, m := newTestEngine(t, fv, ai.Signal{Action: ai.ActionHold})

	// No tracked group for the symbol and a flat position: reduce-only
	// orders are orphans.
	fvOrders := []venue.Order{
		{ID: "sl-9", Type: venue.StopMarket, ReduceOnly: true},
	}
	fv2 := &orphanExec{fakeExec: fv, open: fvOrders}
	e.deps.Sweeper = protect.NewOrphanSweeper(fv2)

	e.runMaintenance(context.Background())
	assert.Equal(t, []string{"sl-9"}, fv.cancelled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrphansCancelled))
}

func TestMaintenanceSweepsTrackedFlatPosition(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{}
	e, m := newTestEngine(t, fv, ai.Signal{Action: ai.ActionHold})

	// A lost fill leaves the group tracked while the position is already
	// flat; the backstop must still clear the surviving leg.
	e.deps.Registry.Create(&protect.Group{
		GroupID:       "g1",
		Symbol:        "BTCUSDT",
		EntrySide:     protect.Long,
		EntryPrice:    90000,
		Quantity:      0.002,
		StopOrderID:   "sl-1",
		TakeProfitIDs: []string{"tp-1"},
	})
	e.groupBySymbol["BTCUSDT"] = "g1"

	fv2 := &orphanExec{fakeExec: fv, open: []venue.Order{
		{ID: "tp-1", Type: venue.Limit, ReduceOnly: true},
	}}
	e.deps.Sweeper = protect.NewOrphanSweeper(fv2)

	e.runMaintenance(context.Background())
	assert.Contains(t, fv.cancelled, "tp-1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrphansCancelled))
}

func TestAdoptRecoveredResumesTrailing(t *testing.T) {
	t.Parallel()
	fv := &fakeExec{}
	e, _ := newTestEngine(t, fv, ai.Signal{Action: ai.ActionHold})

	e.deps.Registry.Create(&protect.Group{
		GroupID:     "g1",
		Symbol:      "BTCUSDT",
		EntrySide:   protect.Long,
		EntryPrice:  90000,
		Quantity:    0.002,
		StopOrderID: "sl-1",
		StopPrice:   88911,
	})

	e.AdoptRecovered()

	assert.Equal(t, "g1", e.groupBySymbol["BTCUSDT"])
	st, ok := e.deps.Trailing.State("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 88911.0, st.CurrentStopPrice)
	assert.Equal(t, "sl-1", st.CurrentStopOrderID)
}

// orphanExec overlays open orders on a fakeExec.
type orphanExec struct {
	*fakeExec
	open []venue.Order
}

func (o *orphanExec) OpenOrders(context.Context, string) ([]venue.Order, error) {
	return o.open, nil
}
