package protect

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// priceEpsilon guards the ratchet comparison against floating-point noise
// in addition to the relative update threshold.
const priceEpsilon = 1e-9

// TrailingConfig holds the ratchet parameters.
type TrailingConfig struct {
	ActivationPct      float64 // unrealized profit needed before trailing starts
	DistancePct        float64 // stop distance from the extreme price
	UpdateThresholdPct float64 // minimum relative improvement before replacing
}

// TrailingState is one position's ratchet, keyed by symbol. ExtremePrice is
// the best price seen since entry (max for long, min for short). Once
// Activated, CurrentStopPrice only moves in the position's favor.
type TrailingState struct {
	Symbol             string
	Side               Side
	EntryPrice         float64
	Quantity           float64
	ExtremePrice       float64
	CurrentStopPrice   float64
	CurrentStopOrderID string
	Activated          bool
}

// StopReplace is the side effect proposed by Observe: cancel the old stop
// order and submit a new one at Price. The caller performs the venue calls
// and then confirms with Commit.
type StopReplace struct {
	Symbol         string
	Side           Side
	Quantity       float64
	Price          float64
	OldStopOrderID string
}

// TrailingEngine tracks one ratchet per symbol and decides when the stop
// should move. It never proposes a less favorable stop.
type TrailingEngine struct {
	cfg    TrailingConfig
	mu     sync.Mutex
	states map[string]*TrailingState
}

// NewTrailingEngine creates an engine with the given parameters.
func NewTrailingEngine(cfg TrailingConfig) *TrailingEngine {
	return &TrailingEngine{cfg: cfg, states: make(map[string]*TrailingState)}
}

// Track seeds the ratchet for a newly opened position. The entry price is
// the initial extreme; the submitted stop order is the stop in force.
func (e *TrailingEngine) Track(symbol string, side Side, entryPrice, qty, stopPrice float64, stopOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[symbol] = &TrailingState{
		Symbol:             symbol,
		Side:               side,
		EntryPrice:         entryPrice,
		Quantity:           qty,
		ExtremePrice:       entryPrice,
		CurrentStopPrice:   stopPrice,
		CurrentStopOrderID: stopOrderID,
	}
}

// Observe feeds one price observation into the ratchet. It returns a
// StopReplace proposal when the stop should move, or ok=false when nothing
// is to be done. Observe never mutates the stop itself; the caller executes
// the replacement and confirms via Commit so a failed venue call is simply
// retried on the next observation.
func (e *TrailingEngine) Observe(symbol string, price float64) (StopReplace, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[symbol]
	if !ok || price <= 0 {
		return StopReplace{}, false
	}

	switch s.Side {
	case Long:
		if price > s.ExtremePrice {
			s.ExtremePrice = price
		}
	case Short:
		if price < s.ExtremePrice {
			s.ExtremePrice = price
		}
	}

	if !s.Activated {
		if profitPct(s, price) < e.cfg.ActivationPct {
			return StopReplace{}, false
		}
		s.Activated = true
		log.Info().
			Str("symbol", symbol).
			Str("side", string(s.Side)).
			Float64("entry", s.EntryPrice).
			Float64("price", price).
			Msg("trailing stop activated")
	}

	var candidate float64
	if s.Side == Long {
		candidate = s.ExtremePrice * (1 - e.cfg.DistancePct)
	} else {
		candidate = s.ExtremePrice * (1 + e.cfg.DistancePct)
	}

	if !e.shouldReplace(s, candidate) {
		return StopReplace{}, false
	}

	return StopReplace{
		Symbol:         symbol,
		Side:           s.Side,
		Quantity:       s.Quantity,
		Price:          candidate,
		OldStopOrderID: s.CurrentStopOrderID,
	}, true
}

// shouldReplace enforces the ratchet invariant: the candidate must improve
// the stop in the position's favor by at least the update threshold, with
// an absolute epsilon against float noise. An unset stop is always set.
func (e *TrailingEngine) shouldReplace(s *TrailingState, candidate float64) bool {
	cur := s.CurrentStopPrice
	if cur <= 0 {
		return true
	}
	switch s.Side {
	case Long:
		if candidate <= cur+priceEpsilon {
			return false
		}
		return (candidate-cur)/cur >= e.cfg.UpdateThresholdPct
	case Short:
		if candidate >= cur-priceEpsilon {
			return false
		}
		return (cur-candidate)/cur >= e.cfg.UpdateThresholdPct
	}
	return false
}

// Commit records a completed stop replacement. Called after the old order
// was cancelled and the new one accepted by the venue.
func (e *TrailingEngine) Commit(symbol string, newStopPrice float64, newStopOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[symbol]
	if !ok {
		return
	}
	s.CurrentStopPrice = newStopPrice
	s.CurrentStopOrderID = newStopOrderID
	log.Info().
		Str("symbol", symbol).
		Float64("stop", newStopPrice).
		Str("order_id", newStopOrderID).
		Msg("trailing stop moved")
}

// Drop discards the ratchet when the position closes.
func (e *TrailingEngine) Drop(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, symbol)
}

// State returns a copy of the ratchet for symbol.
func (e *TrailingEngine) State(symbol string) (TrailingState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[symbol]
	if !ok {
		return TrailingState{}, false
	}
	return *s, true
}

func profitPct(s *TrailingState, price float64) float64 {
	if s.EntryPrice <= 0 {
		return 0
	}
	if s.Side == Long {
		return (price - s.EntryPrice) / s.EntryPrice
	}
	return (s.EntryPrice - price) / s.EntryPrice
}
