// Package engine runs the trading decision loop. All state transitions
// happen on a single goroutine that consumes bars, fills and operator
// commands from channels, so no decision ever races another.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/ai"
	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/metrics"
	"deepseek-bot/internal/notify"
	"deepseek-bot/internal/protect"
	"deepseek-bot/internal/sentiment"
	"deepseek-bot/internal/storage"
	"deepseek-bot/internal/venue"
)

// SignalProvider produces a trading signal from market context.
type SignalProvider interface {
	Analyze(ctx context.Context, req ai.Request) ai.Signal
}

// SentimentProvider supplies the sentiment line for the analysis prompt.
type SentimentProvider interface {
	Fetch(ctx context.Context, symbol string) sentiment.Reading
}

// DecisionLog records bars and decisions for later audit. May be nil.
type DecisionLog interface {
	StoreBar(bar indicators.Bar) error
	StoreDecision(d storage.Decision) error
}

// Config holds the engine parameters.
type Config struct {
	Symbols          []string
	DryRun           bool
	AnalysisInterval time.Duration
	SweepInterval    time.Duration
	Sizer            protect.SizerConfig
	Planner          protect.PlannerConfig
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Exec      venue.Execution
	Registry  *protect.Registry
	Trailing  *protect.TrailingEngine
	Sweeper   *protect.OrphanSweeper
	Signals   SignalProvider
	Sentiment SentimentProvider
	Notifier  *notify.Telegram
	History   DecisionLog
	Metrics   *metrics.Metrics
}

// Engine is the single-threaded trading loop.
type Engine struct {
	cfg  Config
	deps Deps

	// Inbound event channels, fed by the stream goroutines.
	Bars     chan indicators.Bar
	Fills    chan venue.Fill
	Commands chan notify.Command

	paused        bool
	ind           map[string]*indicators.Manager
	groupBySymbol map[string]string
	lastPrice     map[string]float64
}

// New creates an engine. Channels are buffered so slow decision cycles do
// not immediately stall the stream readers.
func New(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:           cfg,
		deps:          deps,
		Bars:          make(chan indicators.Bar, 256),
		Fills:         make(chan venue.Fill, 64),
		Commands:      make(chan notify.Command, 8),
		ind:           make(map[string]*indicators.Manager),
		groupBySymbol: make(map[string]string),
		lastPrice:     make(map[string]float64),
	}
	for _, s := range cfg.Symbols {
		e.ind[s] = indicators.NewManager()
	}
	return e
}

// Warmup seeds a symbol's indicator state from historical bars.
func (e *Engine) Warmup(symbol string, bars []indicators.Bar) {
	m, ok := e.ind[symbol]
	if !ok {
		return
	}
	for _, b := range bars {
		m.Update(b)
		e.lastPrice[symbol] = b.Close
	}
	log.Info().Str("symbol", symbol).Int("bars", len(bars)).Msg("indicators warmed up")
}

// AdoptRecovered re-links recovered protection groups and reseeds the
// trailing ratchet for each, so a restart resumes management where the
// previous process stopped.
func (e *Engine) AdoptRecovered() {
	for _, g := range e.deps.Registry.Groups() {
		if g.Resolved() {
			continue
		}
		e.groupBySymbol[g.Symbol] = g.GroupID
		e.deps.Trailing.Track(g.Symbol, g.EntrySide, g.EntryPrice, g.Quantity, g.StopPrice, g.StopOrderID)
		log.Info().Str("group_id", g.GroupID).Str("symbol", g.Symbol).Msg("resumed protection group")
	}
	e.updateActiveGauge()
}

// Run drives the loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	analysis := time.NewTicker(e.cfg.AnalysisInterval)
	defer analysis.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	log.Info().Strs("symbols", e.cfg.Symbols).Bool("dry_run", e.cfg.DryRun).Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("engine stopped")
			return
		case bar := <-e.Bars:
			e.handleBar(ctx, bar)
		case fill := <-e.Fills:
			e.handleFill(ctx, fill)
		case cmd := <-e.Commands:
			e.handleCommand(ctx, cmd)
		case <-analysis.C:
			for _, symbol := range e.cfg.Symbols {
				e.runAnalysis(ctx, symbol)
			}
		case <-sweep.C:
			e.runMaintenance(ctx)
		}
	}
}

// handleBar folds one closed candle into the indicator state and feeds the
// trailing ratchet with its close.
func (e *Engine) handleBar(ctx context.Context, bar indicators.Bar) {
	m, ok := e.ind[bar.Symbol]
	if !ok {
		return
	}
	e.deps.Metrics.BarsReceived.Inc()
	m.Update(bar)
	e.lastPrice[bar.Symbol] = bar.Close

	if e.deps.History != nil {
		if err := e.deps.History.StoreBar(bar); err != nil {
			log.Warn().Err(err).Str("symbol", bar.Symbol).Msg("failed to store bar")
		}
	}

	e.observeTrailing(ctx, bar.Symbol, bar.Close)
}

// observeTrailing asks the ratchet whether the stop should move and, if so,
// performs the cancel/replace against the venue. A failed replacement is
// not committed, so the same proposal returns on the next observation.
func (e *Engine) observeTrailing(ctx context.Context, symbol string, price float64) {
	replace, ok := e.deps.Trailing.Observe(symbol, price)
	if !ok {
		return
	}

	groupID, found := e.deps.Registry.FindGroupByOrder(replace.OldStopOrderID)
	if !found {
		groupID = e.groupBySymbol[symbol]
	}

	if err := e.replaceStop(ctx, symbol, groupID, replace); err != nil {
		e.deps.Metrics.ErrorsTotal.Inc()
		log.Warn().Err(err).Str("symbol", symbol).Msg("trailing stop replacement failed, will retry")
	}
}

func (e *Engine) replaceStop(ctx context.Context, symbol, groupID string, replace protect.StopReplace) error {
	if replace.OldStopOrderID != "" {
		if err := e.deps.Exec.Cancel(ctx, symbol, replace.OldStopOrderID); err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			return fmt.Errorf("cancel old stop: %w", err)
		}
	}

	exitSide := venue.Sell
	if replace.Side == protect.Short {
		exitSide = venue.Buy
	}
	newID, err := e.deps.Exec.SubmitStopMarket(ctx, symbol, exitSide, replace.Quantity, replace.Price, true)
	if err != nil {
		return fmt.Errorf("submit new stop: %w", err)
	}
	e.deps.Metrics.OrdersTotal.Inc()

	if groupID != "" {
		if err := e.deps.Registry.ReplaceStop(groupID, newID, replace.Price); err != nil {
			log.Warn().Err(err).Str("group_id", groupID).Msg("failed to reindex replaced stop")
		}
	}
	e.deps.Trailing.Commit(symbol, replace.Price, newID)
	e.deps.Metrics.StopReplacements.Inc()
	return nil
}

// handleFill reacts to an executed order: when it is a protection leg, the
// sibling legs are cancelled exactly once and the group is retired.
func (e *Engine) handleFill(ctx context.Context, fill venue.Fill) {
	groupID, ok := e.deps.Registry.FindGroupByOrder(fill.OrderID)
	if !ok {
		log.Debug().Str("order_id", fill.OrderID).Msg("fill for untracked order")
		return
	}

	group, _ := e.deps.Registry.Group(groupID)
	if err := e.deps.Registry.MarkFilled(groupID, fill.OrderID); err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("failed to mark fill")
		return
	}

	// Re-read after marking: a concurrent duplicate delivery sees the group
	// already resolved and MarkFilled no-ops, so only one path cancels.
	resolved, found := e.deps.Registry.Group(groupID)
	if !found || !resolved.Resolved() || resolved.FilledOrderID != fill.OrderID {
		return
	}

	for _, peer := range e.deps.Registry.PeerOrderIDs(groupID, fill.OrderID) {
		err := e.deps.Exec.Cancel(ctx, fill.Symbol, peer)
		if err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			e.deps.Metrics.ErrorsTotal.Inc()
			log.Error().Err(err).Str("order_id", peer).Msg("failed to cancel peer leg")
			continue
		}
		log.Info().Str("order_id", peer).Str("group_id", groupID).Msg("peer leg cancelled")
	}

	outcome := "take_profit"
	if resolved.Status == protect.StatusStopFilled {
		outcome = "stop"
	}
	e.deps.Metrics.OCOResolved.WithLabelValues(outcome).Inc()

	e.deps.Registry.Remove(groupID)
	e.deps.Trailing.Drop(fill.Symbol)
	delete(e.groupBySymbol, fill.Symbol)
	e.updateActiveGauge()

	if group != nil {
		pnl := exitPnL(group, fill.Price)
		e.deps.Notifier.Sendf(ctx, "%s %s closed via %s at %.2f (entry %.2f, pnl %+.2f USDT)",
			fill.Symbol, group.EntrySide, outcome, fill.Price, group.EntryPrice, pnl)
	}
}

func exitPnL(g *protect.Group, exitPrice float64) float64 {
	if g.EntrySide == protect.Long {
		return (exitPrice - g.EntryPrice) * g.Quantity
	}
	return (g.EntryPrice - exitPrice) * g.Quantity
}

func (e *Engine) handleCommand(ctx context.Context, cmd notify.Command) {
	switch cmd {
	case notify.CmdPause:
		e.paused = true
		log.Info().Msg("trading paused, protection maintenance continues")
		e.deps.Notifier.Send(ctx, "Trading paused. Existing protection stays managed.")
	case notify.CmdResume:
		e.paused = false
		log.Info().Msg("trading resumed")
		e.deps.Notifier.Send(ctx, "Trading resumed.")
	case notify.CmdStatus:
		e.deps.Notifier.Sendf(ctx, "Status: paused=%v, active protection groups=%d",
			e.paused, e.deps.Registry.ActiveCount())
	}
}

// runAnalysis executes one decision cycle for a symbol.
func (e *Engine) runAnalysis(ctx context.Context, symbol string) {
	started := time.Now()
	defer func() {
		e.deps.Metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	}()

	m, ok := e.ind[symbol]
	if !ok {
		return
	}
	snap := m.Snapshot()
	if !snap.Ready {
		log.Debug().Str("symbol", symbol).Int("bars", m.BarCount()).Msg("indicators not warmed up, skipping cycle")
		return
	}

	reading := sentiment.NeutralReading()
	if e.deps.Sentiment != nil {
		reading = e.deps.Sentiment.Fetch(ctx, symbol)
	}

	e.deps.Metrics.AIRequests.Inc()
	sig := e.deps.Signals.Analyze(ctx, ai.Request{
		Symbol:    symbol,
		Price:     snap.Price,
		Technical: snap,
		Sentiment: reading.Display(),
	})
	if sig.Fallback {
		e.deps.Metrics.AIFallbacks.Inc()
	}

	log.Info().
		Str("symbol", symbol).
		Str("action", string(sig.Action)).
		Str("confidence", string(sig.Confidence)).
		Str("reason", sig.Reason).
		Msg("signal received")

	if sig.Action == ai.ActionHold {
		e.recordDecision(symbol, sig, snap.Price, 0, "")
		return
	}
	if e.paused {
		log.Info().Str("symbol", symbol).Msg("paused, entry suppressed")
		e.recordDecision(symbol, sig, snap.Price, 0, "")
		return
	}

	e.act(ctx, symbol, sig, snap)
}

// act reconciles the signal against the current position: enter when flat,
// hold when already positioned the same way, close and reverse when the
// signal flips.
func (e *Engine) act(ctx context.Context, symbol string, sig ai.Signal, snap indicators.Snapshot) {
	pos, err := e.deps.Exec.Position(ctx, symbol)
	if err != nil {
		e.deps.Metrics.ErrorsTotal.Inc()
		log.Error().Err(err).Str("symbol", symbol).Msg("failed to fetch position")
		return
	}

	wantLong := sig.Action == ai.ActionBuy

	switch {
	case pos.Qty == 0:
		e.openPosition(ctx, symbol, sig, snap)
	case (pos.Qty > 0) == wantLong:
		log.Debug().Str("symbol", symbol).Float64("qty", pos.Qty).Msg("already positioned with the signal, holding")
	default:
		log.Info().Str("symbol", symbol).Float64("qty", pos.Qty).Msg("signal reversed, closing position")
		if e.closePosition(ctx, symbol, pos) {
			e.openPosition(ctx, symbol, sig, snap)
		}
	}
}

// closePosition flattens the venue position and tears down its protection.
func (e *Engine) closePosition(ctx context.Context, symbol string, pos venue.Position) bool {
	if groupID, ok := e.groupBySymbol[symbol]; ok {
		for _, peer := range e.deps.Registry.PeerOrderIDs(groupID, "") {
			if err := e.deps.Exec.Cancel(ctx, symbol, peer); err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
				log.Warn().Err(err).Str("order_id", peer).Msg("failed to cancel protection leg before close")
			}
		}
		e.deps.Registry.Remove(groupID)
		delete(e.groupBySymbol, symbol)
	}
	e.deps.Trailing.Drop(symbol)
	e.updateActiveGauge()

	exitSide := venue.Sell
	qty := pos.Qty
	if qty < 0 {
		exitSide = venue.Buy
		qty = -qty
	}
	if e.cfg.DryRun {
		log.Info().Str("symbol", symbol).Msg("dry run: close skipped")
		return true
	}
	if _, err := e.deps.Exec.SubmitMarket(ctx, symbol, exitSide, qty, true); err != nil {
		e.deps.Metrics.OrderErrors.Inc()
		log.Error().Err(err).Str("symbol", symbol).Msg("failed to close position")
		return false
	}
	e.deps.Metrics.OrdersTotal.Inc()
	return true
}

// openPosition sizes, enters and protects a new position. The position is
// never left naked: when stop submission fails the entry is immediately
// flattened.
func (e *Engine) openPosition(ctx context.Context, symbol string, sig ai.Signal, snap indicators.Snapshot) {
	equity, err := e.deps.Exec.Equity(ctx)
	if err != nil {
		e.deps.Metrics.ErrorsTotal.Inc()
		log.Error().Err(err).Msg("failed to fetch equity")
		return
	}

	qty, err := e.cfg.Sizer.Quantity(protect.SizeInput{
		Equity:      equity,
		Price:       snap.Price,
		Confidence:  sig.Confidence,
		StrongTrend: snap.Trend.Strong(),
		RSI:         snap.RSI,
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("sizing rejected the trade")
		return
	}

	side := protect.Long
	entrySide := venue.Buy
	if sig.Action == ai.ActionSell {
		side = protect.Short
		entrySide = venue.Sell
	}

	if e.cfg.DryRun {
		log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("qty", qty).Msg("dry run: entry skipped")
		return
	}

	entryID, err := e.deps.Exec.SubmitMarket(ctx, symbol, entrySide, qty, false)
	if err != nil {
		e.deps.Metrics.OrderErrors.Inc()
		log.Error().Err(err).Str("symbol", symbol).Msg("entry order failed")
		return
	}
	e.deps.Metrics.OrdersTotal.Inc()

	entryPrice := snap.Price
	if pos, err := e.deps.Exec.Position(ctx, symbol); err == nil && pos.EntryPrice > 0 {
		entryPrice = pos.EntryPrice
	}

	plan := e.cfg.Planner.Plan(side, entryPrice, qty, sig.Confidence, snap.Support, snap.Resistance)
	e.protect(ctx, symbol, side, entryPrice, qty, sig, plan, entryID)
}

// protect submits the stop and take-profit legs and registers the group.
func (e *Engine) protect(ctx context.Context, symbol string, side protect.Side, entryPrice, qty float64, sig ai.Signal, plan protect.Plan, entryID string) {
	exitSide := venue.Sell
	if side == protect.Short {
		exitSide = venue.Buy
	}

	stopID, err := e.deps.Exec.SubmitStopMarket(ctx, symbol, exitSide, qty, plan.StopPrice, true)
	if err != nil {
		e.deps.Metrics.OrderErrors.Inc()
		log.Error().Err(err).Str("symbol", symbol).Msg("stop submission failed, flattening entry")
		if _, ferr := e.deps.Exec.SubmitMarket(ctx, symbol, exitSide, qty, true); ferr != nil {
			log.Error().Err(ferr).Str("symbol", symbol).Msg("emergency flatten failed, position is naked")
			e.deps.Notifier.Sendf(ctx, "ALERT: %s entry has no stop and flatten failed, intervene manually", symbol)
		}
		return
	}
	e.deps.Metrics.OrdersTotal.Inc()

	var tpIDs []string
	var tpPrices []float64
	for _, tp := range plan.TakeProfits {
		tpID, err := e.deps.Exec.SubmitLimit(ctx, symbol, exitSide, tp.Quantity, tp.Price, true)
		if err != nil {
			// Stop protection is in force; a missing TP leg only costs
			// upside, so the trade stands.
			e.deps.Metrics.OrderErrors.Inc()
			log.Warn().Err(err).Str("symbol", symbol).Float64("price", tp.Price).Msg("take-profit submission failed")
			continue
		}
		e.deps.Metrics.OrdersTotal.Inc()
		tpIDs = append(tpIDs, tpID)
		tpPrices = append(tpPrices, tp.Price)
	}

	group := &protect.Group{
		GroupID:          protect.NewGroupID(symbol, side, time.Now()),
		Symbol:           symbol,
		EntrySide:        side,
		EntryPrice:       entryPrice,
		Quantity:         qty,
		StopOrderID:      stopID,
		StopPrice:        plan.StopPrice,
		TakeProfitIDs:    tpIDs,
		TakeProfitPrices: tpPrices,
		Metadata: map[string]string{
			"entry_order": entryID,
			"confidence":  string(sig.Confidence),
		},
	}
	e.deps.Registry.Create(group)
	e.groupBySymbol[symbol] = group.GroupID
	e.deps.Trailing.Track(symbol, side, entryPrice, qty, plan.StopPrice, stopID)
	e.updateActiveGauge()

	e.recordDecision(symbol, sig, entryPrice, qty, group.GroupID)
	e.deps.Notifier.Sendf(ctx, "%s %s %.4f @ %.2f (%s)\nstop %.2f, tp %v",
		symbol, side, qty, entryPrice, sig.Confidence, plan.StopPrice, tpPrices)
}

// runMaintenance expires stale groups and sweeps orphaned exit orders.
func (e *Engine) runMaintenance(ctx context.Context) {
	if n := e.deps.Registry.SweepExpired(time.Now()); n > 0 {
		e.deps.Metrics.GroupsExpired.Add(float64(n))
		e.updateActiveGauge()
	}

	// Every symbol is swept, tracked or not: the sweeper is the backstop
	// for the registry being wrong (a lost fill leaves a group tracked
	// while the position is already flat). Sweep no-ops on live positions,
	// and a racing fill's own peer-cancel tolerates orders the sweep
	// already removed.
	for _, symbol := range e.cfg.Symbols {
		n, err := e.deps.Sweeper.Sweep(ctx, symbol)
		if err != nil {
			e.deps.Metrics.ErrorsTotal.Inc()
			log.Warn().Err(err).Str("symbol", symbol).Msg("orphan sweep failed")
			continue
		}
		if n > 0 {
			e.deps.Metrics.OrphansCancelled.Add(float64(n))
			log.Warn().Int("count", n).Str("symbol", symbol).Msg("orphaned exit orders cancelled")
		}
	}
}

func (e *Engine) recordDecision(symbol string, sig ai.Signal, price, qty float64, groupID string) {
	if e.deps.History == nil {
		return
	}
	err := e.deps.History.StoreDecision(storage.Decision{
		Symbol:     symbol,
		Action:     string(sig.Action),
		Confidence: string(sig.Confidence),
		Reason:     sig.Reason,
		Price:      price,
		Quantity:   qty,
		GroupID:    groupID,
		Ts:         time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to store decision")
	}
}

func (e *Engine) updateActiveGauge() {
	e.deps.Metrics.ActiveGroups.Set(float64(e.deps.Registry.ActiveCount()))
}
