// Package backtest replays stored candles through the same indicator,
// sizing and exit-planning rules the live engine uses, so parameter
// changes can be evaluated against history before risking capital.
//
// The LLM is not consulted offline; signals come from an injectable rule
// evaluated on the indicator snapshot.
package backtest

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/protect"
)

// SignalFunc decides whether to enter on the given snapshot. The third
// return is false when no entry is warranted.
type SignalFunc func(indicators.Snapshot) (protect.Side, protect.Confidence, bool)

// TechnicalSignal is the default rule: trade with a strong trend while
// momentum confirms and RSI is not already stretched in the trade
// direction.
func TechnicalSignal(s indicators.Snapshot) (protect.Side, protect.Confidence, bool) {
	switch {
	case s.Trend == indicators.TrendStrongUp && s.MACD > s.MACDSignal && s.RSI < 70:
		return protect.Long, confidenceFromRSI(s.RSI, 60), true
	case s.Trend == indicators.TrendStrongDown && s.MACD < s.MACDSignal && s.RSI > 30:
		return protect.Short, confidenceFromRSI(100-s.RSI, 60), true
	}
	return "", "", false
}

func confidenceFromRSI(headroom, threshold float64) protect.Confidence {
	if headroom < threshold {
		return protect.High
	}
	return protect.Medium
}

// Config holds the simulation parameters. Sizer, Planner and Trailing are
// the same structures the live engine consumes.
type Config struct {
	Symbol         string
	InitialBalance float64
	CommissionPct  float64 // per side, on notional

	Sizer    protect.SizerConfig
	Planner  protect.PlannerConfig
	Trailing protect.TrailingConfig
}

// Trade is one completed simulated round trip.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entryPrice"`
	ExitPrice  float64   `json:"exitPrice"`
	Qty        float64   `json:"qty"`
	EntryTime  time.Time `json:"entryTime"`
	ExitTime   time.Time `json:"exitTime"`
	PnL        float64   `json:"pnl"`
	Commission float64   `json:"commission"`
	ExitReason string    `json:"exitReason"` // stop_loss, take_profit, signal, end_of_data
}

// Results aggregates the simulation outcome.
type Results struct {
	Symbol          string    `json:"symbol"`
	Trades          []Trade   `json:"trades"`
	TotalTrades     int       `json:"totalTrades"`
	WinningTrades   int       `json:"winningTrades"`
	LosingTrades    int       `json:"losingTrades"`
	TotalPnL        float64   `json:"totalPnl"`
	TotalCommission float64   `json:"totalCommission"`
	MaxDrawdown     float64   `json:"maxDrawdown"`
	WinRate         float64   `json:"winRate"`
	ProfitFactor    float64   `json:"profitFactor"`
	InitialBalance  float64   `json:"initialBalance"`
	FinalBalance    float64   `json:"finalBalance"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
}

type position struct {
	side      protect.Side
	entry     float64
	qty       float64
	stop      float64
	takeLevel float64
	entryTime time.Time
}

// Engine drives one simulation run. Not safe for concurrent use.
type Engine struct {
	cfg      Config
	signal   SignalFunc
	ind      *indicators.Manager
	trailing *protect.TrailingEngine

	pos     *position
	balance float64
	peak    float64
	results *Results
}

// NewEngine creates a simulation engine. A nil signal falls back to
// TechnicalSignal.
func NewEngine(cfg Config, signal SignalFunc) *Engine {
	if signal == nil {
		signal = TechnicalSignal
	}
	return &Engine{
		cfg:      cfg,
		signal:   signal,
		ind:      indicators.NewManager(),
		trailing: protect.NewTrailingEngine(cfg.Trailing),
		balance:  cfg.InitialBalance,
		peak:     cfg.InitialBalance,
		results: &Results{
			Symbol:         cfg.Symbol,
			InitialBalance: cfg.InitialBalance,
		},
	}
}

// Run replays the bars in order and returns the aggregated results. Any
// position still open after the last bar is closed at its close price.
func (e *Engine) Run(bars []indicators.Bar) (*Results, error) {
	if len(bars) == 0 {
		return nil, errors.New("backtest: no bars to replay")
	}

	e.results.StartTime = bars[0].Ts
	e.results.EndTime = bars[len(bars)-1].Ts

	for _, bar := range bars {
		e.ind.Update(bar)

		if e.pos != nil && e.checkExits(bar) {
			continue
		}
		e.observeTrailing(bar)

		snap := e.ind.Snapshot()
		if !snap.Ready {
			continue
		}

		side, conf, ok := e.signal(snap)
		if !ok {
			continue
		}
		if e.pos != nil {
			if e.pos.side == side {
				continue
			}
			e.closePosition(bar.Close, bar.Ts, "signal")
		}
		e.openPosition(bar, snap, side, conf)
	}

	if e.pos != nil {
		last := bars[len(bars)-1]
		e.closePosition(last.Close, last.Ts, "end_of_data")
	}

	e.finalize()
	return e.results, nil
}

// checkExits tests the bar's range against the protective levels. The
// stop is checked before the take profit; when a bar spans both, the
// pessimistic outcome wins.
func (e *Engine) checkExits(bar indicators.Bar) bool {
	p := e.pos
	if p.side == protect.Long {
		if bar.Low <= p.stop {
			e.closePosition(p.stop, bar.Ts, "stop_loss")
			return true
		}
		if bar.High >= p.takeLevel {
			e.closePosition(p.takeLevel, bar.Ts, "take_profit")
			return true
		}
		return false
	}
	if bar.High >= p.stop {
		e.closePosition(p.stop, bar.Ts, "stop_loss")
		return true
	}
	if bar.Low <= p.takeLevel {
		e.closePosition(p.takeLevel, bar.Ts, "take_profit")
		return true
	}
	return false
}

// observeTrailing ratchets the simulated stop on closed bars, mirroring
// the live replace flow.
func (e *Engine) observeTrailing(bar indicators.Bar) {
	if e.pos == nil {
		return
	}
	rep, ok := e.trailing.Observe(e.cfg.Symbol, bar.Close)
	if !ok {
		return
	}
	e.trailing.Commit(e.cfg.Symbol, rep.Price, "sim")
	e.pos.stop = rep.Price
}

func (e *Engine) openPosition(bar indicators.Bar, snap indicators.Snapshot, side protect.Side, conf protect.Confidence) {
	qty, err := e.cfg.Sizer.Quantity(protect.SizeInput{
		Equity:      e.balance,
		Price:       bar.Close,
		Confidence:  conf,
		StrongTrend: snap.Trend.Strong(),
		RSI:         snap.RSI,
	})
	if err != nil {
		log.Debug().Err(err).Time("ts", bar.Ts).Msg("entry skipped")
		return
	}

	plan := e.cfg.Planner.Plan(side, bar.Close, qty, conf, snap.Support, snap.Resistance)

	e.pos = &position{
		side:  side,
		entry: bar.Close,
		qty:   qty,
		stop:  plan.StopPrice,
		// The simulation exits the full position at the nearest
		// take-profit level.
		takeLevel: plan.TakeProfits[0].Price,
		entryTime: bar.Ts,
	}
	e.balance -= bar.Close * qty * e.cfg.CommissionPct
	e.trailing.Track(e.cfg.Symbol, side, bar.Close, qty, plan.StopPrice, "sim")
}

func (e *Engine) closePosition(exitPrice float64, ts time.Time, reason string) {
	p := e.pos
	e.pos = nil
	e.trailing.Drop(e.cfg.Symbol)

	pnl := (exitPrice - p.entry) * p.qty
	if p.side == protect.Short {
		pnl = -pnl
	}
	commission := (p.entry + exitPrice) * p.qty * e.cfg.CommissionPct

	e.balance += pnl - exitPrice*p.qty*e.cfg.CommissionPct
	if e.balance > e.peak {
		e.peak = e.balance
	}
	if dd := e.peak - e.balance; dd > e.results.MaxDrawdown {
		e.results.MaxDrawdown = dd
	}

	e.results.Trades = append(e.results.Trades, Trade{
		Symbol:     e.cfg.Symbol,
		Side:       string(p.side),
		EntryPrice: p.entry,
		ExitPrice:  exitPrice,
		Qty:        p.qty,
		EntryTime:  p.entryTime,
		ExitTime:   ts,
		PnL:        pnl,
		Commission: commission,
		ExitReason: reason,
	})
}

func (e *Engine) finalize() {
	r := e.results
	grossWin, grossLoss := 0.0, 0.0
	for _, t := range r.Trades {
		r.TotalPnL += t.PnL
		r.TotalCommission += t.Commission
		if t.PnL > 0 {
			r.WinningTrades++
			grossWin += t.PnL
		} else {
			r.LosingTrades++
			grossLoss += -t.PnL
		}
	}
	r.TotalTrades = len(r.Trades)
	r.FinalBalance = e.balance
	if r.TotalTrades > 0 {
		r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossWin / grossLoss
	}
}
