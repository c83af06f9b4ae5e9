package protect

// TPRung is one rung of a take-profit ladder. Fraction is the share of the
// position closed at this rung; fractions must sum to 1.
type TPRung struct {
	Pct      float64 `yaml:"pct"`
	Fraction float64 `yaml:"fraction"`
}

// PlannerConfig holds the exit-planning knobs.
type PlannerConfig struct {
	SLBufferPct    float64                // buffer past support/resistance
	DefaultStopPct float64                // fallback stop distance from entry
	TPPct          map[Confidence]float64 // single-level take profit by confidence
	Ladder         []TPRung               // optional multi-rung ladder, overrides TPPct
}

// TakeProfit is one planned take-profit order.
type TakeProfit struct {
	Price    float64
	Quantity float64
}

// Plan is the planned exit pair (or ladder) for a new position.
type Plan struct {
	StopPrice   float64
	TakeProfits []TakeProfit
}

// Plan computes stop-loss and take-profit prices for a new entry.
//
// The stop anchors on support (long) or resistance (short) when known,
// buffered by SLBufferPct; otherwise it falls back to a percentage of the
// entry price. Protection is always computable: missing levels never fail
// the plan. Take profits come from the ladder when configured, else a
// single level scaled by confidence.
func (c PlannerConfig) Plan(side Side, entryPrice, qty float64, conf Confidence, support, resistance float64) Plan {
	var stop float64
	switch side {
	case Long:
		if support > 0 {
			stop = support * (1 - c.SLBufferPct)
		} else {
			stop = entryPrice * (1 - c.DefaultStopPct)
		}
	case Short:
		if resistance > 0 {
			stop = resistance * (1 + c.SLBufferPct)
		} else {
			stop = entryPrice * (1 + c.DefaultStopPct)
		}
	}

	return Plan{StopPrice: stop, TakeProfits: c.takeProfits(side, entryPrice, qty, conf)}
}

func (c PlannerConfig) takeProfits(side Side, entryPrice, qty float64, conf Confidence) []TakeProfit {
	if len(c.Ladder) > 0 {
		tps := make([]TakeProfit, 0, len(c.Ladder))
		for _, rung := range c.Ladder {
			tps = append(tps, TakeProfit{
				Price:    applyPct(side, entryPrice, rung.Pct),
				Quantity: qty * rung.Fraction,
			})
		}
		return tps
	}

	pct, ok := c.TPPct[conf]
	if !ok || pct <= 0 {
		pct = c.DefaultStopPct
	}
	return []TakeProfit{{Price: applyPct(side, entryPrice, pct), Quantity: qty}}
}

func applyPct(side Side, price, pct float64) float64 {
	if side == Long {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}
