package protect

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/venue"
)

// OrphanSweeper cancels reduce-only orders left open when no position
// exists. It is a stateless backstop: any race in the registry or trailing
// engine that strands an exit order is caught here instead of relying on
// the primary bookkeeping being correct.
type OrphanSweeper struct {
	exec venue.Execution
}

// NewOrphanSweeper creates a sweeper over the given venue.
func NewOrphanSweeper(exec venue.Execution) *OrphanSweeper {
	return &OrphanSweeper{exec: exec}
}

// Sweep cancels every open reduce-only order for symbol when the position
// is flat. It returns the number of orders cancelled. "Already gone"
// cancellations are counted as success.
func (s *OrphanSweeper) Sweep(ctx context.Context, symbol string) (int, error) {
	pos, err := s.exec.Position(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if math.Abs(pos.Qty) > 0 {
		return 0, nil
	}

	orders, err := s.exec.OpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, o := range orders {
		if !o.ReduceOnly {
			continue
		}
		log.Warn().
			Str("symbol", symbol).
			Str("order_id", o.ID).
			Str("type", string(o.Type)).
			Msg("orphaned reduce-only order found, cancelling")
		if err := s.exec.Cancel(ctx, symbol, o.ID); err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("orphan cancel failed")
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		log.Warn().Int("count", cancelled).Str("symbol", symbol).Msg("orphaned orders cancelled")
	}
	return cancelled, nil
}
